package database

import (
	"context"
	"fmt"
	"time"

	"github.com/sdko-org/audio-pipeline/internal/models"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

type PostgresConfig struct {
	User     string
	Password string
	Host     string
	Port     string
	DBName   string
	SSLMode  string

	MaxOpenConns int
	MaxIdleConns int
	MaxAttempts  int
	RetryDelay   time.Duration
}

func (c PostgresConfig) dsn() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode)
}

// NewPostgresDB connects with exponential backoff, sizes the pool and
// migrates the asset and audit tables. Waiting between attempts stops when
// ctx is done.
func NewPostgresDB(ctx context.Context, logger *logrus.Logger, cfg PostgresConfig) (*gorm.DB, error) {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 2 * time.Second
	}
	if cfg.MaxOpenConns <= 0 {
		cfg.MaxOpenConns = 20
	}
	if cfg.MaxIdleConns <= 0 {
		cfg.MaxIdleConns = 5
	}

	log := logger.WithFields(logrus.Fields{
		"component": "database",
		"host":      cfg.Host,
		"database":  cfg.DBName,
	})

	db, err := connect(ctx, log, cfg)
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to access connection pool: %w", err)
	}
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)

	if err := Migrate(db); err != nil {
		log.WithError(err).Error("Database migration failed")
		return nil, err
	}

	log.Info("Database ready")
	return db, nil
}

func connect(ctx context.Context, log *logrus.Entry, cfg PostgresConfig) (*gorm.DB, error) {
	gormCfg := &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)}
	delay := cfg.RetryDelay

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		db, err := gorm.Open(postgres.Open(cfg.dsn()), gormCfg)
		if err == nil {
			return db, nil
		}
		lastErr = err

		log.WithFields(logrus.Fields{
			"attempt": attempt,
			"error":   err,
		}).Warn("Database connection failed")

		if attempt == cfg.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("database connection aborted: %w", ctx.Err())
		case <-time.After(delay):
		}
		delay *= 2
	}

	log.WithError(lastErr).Error("Failed to connect to database after retries")
	return nil, fmt.Errorf("database connection failed: %w", lastErr)
}

// Migrate creates or updates the audio_assets and audit_events tables.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&models.AudioAsset{}, &models.AuditEvent{}); err != nil {
		return fmt.Errorf("database migration failed: %w", err)
	}
	return nil
}
