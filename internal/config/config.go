package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	HTTPAddr      string
	TLSAddr       string
	TLSSelfSigned bool
	LogLevel      string
	AdminToken    string

	S3Bucket     string
	S3Region     string
	S3Endpoint   string
	S3AccessKey  string
	S3SecretKey  string
	SignedURLTTL time.Duration

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	CacheTTL           time.Duration
	CacheSweepInterval time.Duration

	HourlyLimit     int
	DailyLimit      int
	ConcurrentLimit int
	ClientRPS       float64
	ClientBurst     int

	MaxAudioBytes    int64
	MaxTextLength    int
	FFmpegPath       string
	NormalizeTimeout time.Duration
	TempDir          string
	TargetLUFS       float64

	EncryptionKeyEnv  string
	EncryptionKeyFile string
	KeyCacheTTL       time.Duration

	PostgresUser     string
	PostgresPassword string
	PostgresHost     string
	PostgresPort     string
	PostgresDatabase string
	PostgresSSLMode  string
	AuditRetention   time.Duration
}

// Load reads the configuration from the environment. A .env file in the
// working directory is applied first when present; variables already set in
// the environment win.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg := &Config{
		HTTPAddr:      getEnv("HTTP_ADDR", ":8080"),
		TLSAddr:       getEnv("TLS_ADDR", ":8443"),
		TLSSelfSigned: getEnvBool("TLS_SELF_SIGNED", false),
		LogLevel:      getEnv("LOG_LEVEL", "info"),
		AdminToken:    os.Getenv("ADMIN_TOKEN"),

		S3Bucket:     getEnv("S3_BUCKET", "audio-assets"),
		S3Region:     getEnv("AWS_REGION", "us-east-1"),
		S3Endpoint:   os.Getenv("S3_ENDPOINT"),
		S3AccessKey:  os.Getenv("AWS_ACCESS_KEY_ID"),
		S3SecretKey:  os.Getenv("AWS_SECRET_ACCESS_KEY"),
		SignedURLTTL: getEnvDuration("SIGNED_URL_TTL", time.Hour),

		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       getEnvInt("REDIS_DB", 0),

		CacheTTL:           getEnvDuration("CACHE_TTL", 30*24*time.Hour),
		CacheSweepInterval: getEnvDuration("CACHE_SWEEP_INTERVAL", 30*time.Minute),

		HourlyLimit:     getEnvInt("RATE_LIMIT_HOURLY", 50),
		DailyLimit:      getEnvInt("RATE_LIMIT_DAILY", 200),
		ConcurrentLimit: getEnvInt("RATE_LIMIT_CONCURRENT", 3),
		ClientRPS:       getEnvFloat("CLIENT_RPS", 5),
		ClientBurst:     getEnvInt("CLIENT_BURST", 10),

		MaxAudioBytes:    getEnvInt64("MAX_AUDIO_BYTES", 50<<20),
		MaxTextLength:    getEnvInt("MAX_TEXT_LENGTH", 5000),
		FFmpegPath:       getEnv("FFMPEG_PATH", "ffmpeg"),
		NormalizeTimeout: getEnvDuration("NORMALIZE_TIMEOUT", 2*time.Minute),
		TempDir:          getEnv("TEMP_DIR", os.TempDir()),
		TargetLUFS:       getEnvFloat("TARGET_LUFS", -16),

		EncryptionKeyEnv:  getEnv("ENCRYPTION_KEY_ENV", "FIELD_ENCRYPTION_KEY"),
		EncryptionKeyFile: os.Getenv("ENCRYPTION_KEY_FILE"),
		KeyCacheTTL:       getEnvDuration("KEY_CACHE_TTL", 5*time.Minute),

		PostgresUser:     getEnv("POSTGRES_USER", "audio"),
		PostgresPassword: getEnv("POSTGRES_PASSWORD", "password"),
		PostgresHost:     os.Getenv("POSTGRES_HOST"),
		PostgresPort:     getEnv("POSTGRES_PORT", "5432"),
		PostgresDatabase: getEnv("POSTGRES_DATABASE", "audio_pipeline"),
		PostgresSSLMode:  getEnv("POSTGRES_SSL_MODE", "disable"),
		AuditRetention:   getEnvDuration("AUDIT_RETENTION", 90*24*time.Hour),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	var missing []string
	if c.S3AccessKey == "" {
		missing = append(missing, "AWS_ACCESS_KEY_ID")
	}
	if c.S3SecretKey == "" {
		missing = append(missing, "AWS_SECRET_ACCESS_KEY")
	}
	if c.EncryptionKeyFile == "" && os.Getenv(c.EncryptionKeyEnv) == "" {
		missing = append(missing, c.EncryptionKeyEnv+" or ENCRYPTION_KEY_FILE")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}
	if c.HourlyLimit <= 0 || c.DailyLimit <= 0 || c.ConcurrentLimit <= 0 {
		return errors.New("rate limits must be positive")
	}
	if c.MaxAudioBytes <= 0 {
		return errors.New("MAX_AUDIO_BYTES must be positive")
	}
	return nil
}

// DatabaseEnabled reports whether Postgres-backed persistence is configured.
func (c *Config) DatabaseEnabled() bool {
	return c.PostgresHost != ""
}

// RedisEnabled reports whether Redis-backed cache and counters are configured.
func (c *Config) RedisEnabled() bool {
	return c.RedisAddr != ""
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
