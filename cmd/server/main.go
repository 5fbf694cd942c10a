package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"
	"github.com/sdko-org/audio-pipeline/internal/audio"
	"github.com/sdko-org/audio-pipeline/internal/audit"
	"github.com/sdko-org/audio-pipeline/internal/cache"
	"github.com/sdko-org/audio-pipeline/internal/config"
	"github.com/sdko-org/audio-pipeline/internal/database"
	"github.com/sdko-org/audio-pipeline/internal/handlers"
	httpserver "github.com/sdko-org/audio-pipeline/internal/http"
	"github.com/sdko-org/audio-pipeline/internal/normalizer"
	"github.com/sdko-org/audio-pipeline/internal/pipeline"
	"github.com/sdko-org/audio-pipeline/internal/ratelimit"
	"github.com/sdko-org/audio-pipeline/internal/security"
	"github.com/sdko-org/audio-pipeline/internal/storage"
	"github.com/sirupsen/logrus"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetOutput(os.Stdout)

	cfg, err := config.Load()
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(level)
	} else {
		logger.WithField("level", cfg.LogLevel).Warn("Unknown log level, using info")
	}

	if err := ensureWritableDir(cfg.TempDir); err != nil {
		logger.WithError(err).WithField("dir", cfg.TempDir).Fatal("Temp directory is not usable")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		cacheBackend cache.Backend
		counters     ratelimit.Store
		sweepables   []cache.Sweepable
	)
	if cfg.RedisEnabled() {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			// the cache fails open, but counters need the server
			logger.WithError(err).Fatal("Redis is unreachable")
		}
		cacheBackend = cache.NewRedisBackend(rdb)
		counters = ratelimit.NewRedisStore(rdb)
		logger.WithField("addr", cfg.RedisAddr).Info("Using Redis for cache and rate limit counters")
	} else {
		mem := cache.NewMemoryBackend()
		memCounters := ratelimit.NewMemoryStore()
		cacheBackend, counters = mem, memCounters
		sweepables = append(sweepables, mem, memCounters)
		logger.Warn("REDIS_ADDR not set, using process-local cache and counters")
	}

	var (
		assets database.AssetRepository
		events audit.Store
	)
	if cfg.DatabaseEnabled() {
		db, err := database.NewPostgresDB(ctx, logger, database.PostgresConfig{
			User:     cfg.PostgresUser,
			Password: cfg.PostgresPassword,
			Host:     cfg.PostgresHost,
			Port:     cfg.PostgresPort,
			DBName:   cfg.PostgresDatabase,
			SSLMode:  cfg.PostgresSSLMode,
		})
		if err != nil {
			logger.WithError(err).Fatal("Failed to initialize database")
		}
		assets = database.NewGormAssetRepository(db)
		events = audit.NewGormStore(db)
	} else {
		assets = database.NewMemoryAssetRepository()
		events = audit.NewMemoryStore()
		logger.Warn("POSTGRES_HOST not set, asset records and audit events are kept in memory")
	}

	recorder := audit.NewRecorder(logger, events)
	defer recorder.Flush()

	var keySource security.KeySource = security.EnvKeySource{Var: cfg.EncryptionKeyEnv}
	if cfg.EncryptionKeyFile != "" {
		keySource = security.FileKeySource{Path: cfg.EncryptionKeyFile}
	}
	encryptor := security.NewFieldEncryptor(keySource, cfg.KeyCacheTTL, recorder)

	objectStore, err := storage.NewS3Storage(logger, cfg)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize object storage")
	}

	engine := normalizer.NewFFmpegEngine(logger, cfg.FFmpegPath, cfg.TempDir)
	contentCache := cache.New(logger, cacheBackend, cfg.CacheTTL)

	orchestrator := pipeline.New(logger, pipeline.Deps{
		Limiter: ratelimit.New(counters, ratelimit.Limits{
			Hourly:     cfg.HourlyLimit,
			Daily:      cfg.DailyLimit,
			Concurrent: cfg.ConcurrentLimit,
		}),
		Assets:       assets,
		Content:      security.NewContentValidator(cfg.MaxTextLength, cfg.MaxAudioBytes),
		Formats:      audio.NewFormatValidator(cfg.MaxAudioBytes),
		Metadata:     audio.NewMetadataExtractor(),
		Normalizer:   normalizer.New(logger, engine, cfg.NormalizeTimeout),
		Analyzer:     normalizer.NewAnalyzer(logger, engine, cfg.NormalizeTimeout),
		Cache:        contentCache,
		Store:        objectStore,
		Encryptor:    encryptor,
		Auditor:      recorder,
		CacheTTL:     cfg.CacheTTL,
		SignedURLTTL: cfg.SignedURLTTL,
	})

	for _, s := range sweepables {
		go cache.NewSweeper(logger, s, cfg.CacheSweepInterval).Start(ctx)
	}
	go audit.NewRetentionSweeper(logger, events, cfg.AuditRetention, 0).Start(ctx)

	clientLimiter := handlers.NewClientLimiter(cfg.ClientRPS, cfg.ClientBurst)
	go clientLimiter.Cleanup(ctx, time.Minute)

	handler := handlers.NewAudioHandler(logger, cfg, orchestrator, contentCache, encryptor, events, recorder)

	r := mux.NewRouter()
	r.Use(handlers.LoggingMiddleware(logger))
	r.Use(clientLimiter.Middleware)
	if cfg.AdminToken == "" {
		logger.Warn("ADMIN_TOKEN not set; admin routes disabled")
	}
	handlers.RegisterRoutes(r, handler, cfg.AdminToken)

	if err := httpserver.Run(ctx, logger, r, httpserver.Options{
		Addr:          cfg.HTTPAddr,
		TLSAddr:       cfg.TLSAddr,
		TLSSelfSigned: cfg.TLSSelfSigned,
	}); err != nil {
		logger.WithError(err).Error("Server stopped with error")
		recorder.Flush()
		os.Exit(1)
	}
	logger.Info("Server stopped")
}

// ensureWritableDir creates dir with owner-only permissions and checks that
// files can be written to it.
func ensureWritableDir(dir string) error {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}
	testFile := filepath.Join(dir, ".testwrite")
	if err := os.WriteFile(testFile, []byte("test"), 0600); err != nil {
		return fmt.Errorf("directory is not writable: %w", err)
	}
	return os.Remove(testFile)
}
