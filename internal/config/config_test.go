package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("AWS_ACCESS_KEY_ID", "key")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "secret")
	t.Setenv("FIELD_ENCRYPTION_KEY", "c2VjcmV0")
}

func TestLoadDefaults(t *testing.T) {
	setRequired(t)
	chdir(t, t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, 50, cfg.HourlyLimit)
	assert.Equal(t, 200, cfg.DailyLimit)
	assert.Equal(t, 3, cfg.ConcurrentLimit)
	assert.Equal(t, 30*24*time.Hour, cfg.CacheTTL)
	assert.Equal(t, time.Hour, cfg.SignedURLTTL)
	assert.Equal(t, 90*24*time.Hour, cfg.AuditRetention)
	assert.Equal(t, int64(50<<20), cfg.MaxAudioBytes)
	assert.Equal(t, -16.0, cfg.TargetLUFS)
	assert.False(t, cfg.DatabaseEnabled())
	assert.False(t, cfg.RedisEnabled())
}

func TestLoadOverrides(t *testing.T) {
	setRequired(t)
	chdir(t, t.TempDir())
	t.Setenv("RATE_LIMIT_HOURLY", "10")
	t.Setenv("CACHE_TTL", "2h")
	t.Setenv("TARGET_LUFS", "-23")
	t.Setenv("TLS_SELF_SIGNED", "true")
	t.Setenv("REDIS_ADDR", "localhost:6379")
	t.Setenv("POSTGRES_HOST", "db")
	t.Setenv("RATE_LIMIT_DAILY", "not-a-number")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 10, cfg.HourlyLimit)
	assert.Equal(t, 200, cfg.DailyLimit)
	assert.Equal(t, 2*time.Hour, cfg.CacheTTL)
	assert.Equal(t, -23.0, cfg.TargetLUFS)
	assert.True(t, cfg.TLSSelfSigned)
	assert.True(t, cfg.RedisEnabled())
	assert.True(t, cfg.DatabaseEnabled())
}

func TestLoadRequiresSecrets(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("AWS_ACCESS_KEY_ID", "")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "")
	t.Setenv("FIELD_ENCRYPTION_KEY", "")
	t.Setenv("ENCRYPTION_KEY_FILE", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "AWS_ACCESS_KEY_ID")
	assert.Contains(t, err.Error(), "FIELD_ENCRYPTION_KEY or ENCRYPTION_KEY_FILE")
}

func TestLoadRejectsNonPositiveLimits(t *testing.T) {
	setRequired(t)
	chdir(t, t.TempDir())
	t.Setenv("RATE_LIMIT_CONCURRENT", "0")

	_, err := Load()
	assert.Error(t, err)
}

// unsetEnv removes key for the duration of the test.
func unsetEnv(t *testing.T, key string) {
	t.Helper()
	t.Setenv(key, "")
	require.NoError(t, os.Unsetenv(key))
}

func TestLoadReadsDotEnv(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)
	env := "AWS_ACCESS_KEY_ID=fromfile\nAWS_SECRET_ACCESS_KEY=s\nFIELD_ENCRYPTION_KEY=k\nS3_BUCKET=dotenv-bucket\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte(env), 0600))
	for _, key := range []string{"AWS_ACCESS_KEY_ID", "AWS_SECRET_ACCESS_KEY", "FIELD_ENCRYPTION_KEY", "S3_BUCKET"} {
		unsetEnv(t, key)
	}
	t.Setenv("RATE_LIMIT_HOURLY", "7")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "dotenv-bucket", cfg.S3Bucket)
	assert.Equal(t, "fromfile", cfg.S3AccessKey)
	assert.Equal(t, 7, cfg.HourlyLimit)
}

// chdir mirrors testing.T.Chdir (Go 1.24+) for older toolchains.
func chdir(t *testing.T, dir string) {
	t.Helper()
	prev, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(prev) })
}
