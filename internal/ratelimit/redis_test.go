package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisStore(t *testing.T) *RedisStore {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisStore(client)
}

func TestRedisStoreWindow(t *testing.T) {
	store := newRedisStore(t)
	ctx := context.Background()
	now := time.Now().Add(time.Hour).Truncate(time.Millisecond)

	c, err := store.Get(ctx, WindowHourly, "u1", now)
	require.NoError(t, err)
	assert.Equal(t, 0, c.Count)

	for i := 1; i <= 3; i++ {
		c, err = store.Incr(ctx, WindowHourly, "u1", now.Add(time.Duration(i)*time.Minute))
		require.NoError(t, err)
		assert.Equal(t, i, c.Count)
	}
	assert.True(t, now.Add(time.Minute+time.Hour).Equal(c.ResetAt), c.ResetAt)

	c, err = store.Get(ctx, WindowHourly, "u1", now.Add(10*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 3, c.Count)

	c, err = store.Get(ctx, WindowHourly, "u1", now.Add(time.Minute+time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 0, c.Count)

	c, err = store.Incr(ctx, WindowHourly, "u1", now.Add(time.Minute+time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, c.Count)
}

func TestRedisStoreWithLimiter(t *testing.T) {
	l, _ := newTestLimiter(newRedisStore(t), Limits{Hourly: 2, Daily: 10, Concurrent: 2})

	_, err := admitAndRelease(t, l, "u1")
	require.NoError(t, err)
	_, err = admitAndRelease(t, l, "u1")
	require.NoError(t, err)
	status, err := admitAndRelease(t, l, "u1")
	require.ErrorIs(t, err, ErrLimitExceeded)
	assert.Equal(t, WindowHourly, status.Window)

	require.NoError(t, l.Reset(context.Background()))
	_, err = admitAndRelease(t, l, "u1")
	require.NoError(t, err)
}
