package database

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPostgresDBStopsRetryingWhenCanceled(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	_, port, err := net.SplitHostPort(l.Addr().String())
	require.NoError(t, err)
	require.NoError(t, l.Close())

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	_, err = NewPostgresDB(ctx, logger, PostgresConfig{
		Host:        "127.0.0.1",
		Port:        port,
		User:        "audio",
		DBName:      "audio_pipeline",
		SSLMode:     "disable",
		MaxAttempts: 3,
		RetryDelay:  time.Hour,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), 30*time.Second)
}
