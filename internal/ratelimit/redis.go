package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "ratelimit:"

// redisIncrScript increments a fixed window counter atomically.
// KEYS[1] = counter hash
// ARGV[1] = now (unix millis)
// ARGV[2] = window length (millis)
var redisIncrScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local length = tonumber(ARGV[2])

local state = redis.call("HMGET", key, "count", "reset_at")
local count = tonumber(state[1])
local reset_at = tonumber(state[2])

if not count or not reset_at or now >= reset_at then
    count = 0
    reset_at = now + length
end

count = count + 1
redis.call("HSET", key, "count", count, "reset_at", reset_at)
redis.call("PEXPIREAT", key, reset_at)

return {count, reset_at}
`)

// RedisStore shares counters between processes.
type RedisStore struct {
	client redis.UniversalClient
}

func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

func redisKey(window Window, identity string) string {
	return redisKeyPrefix + string(window) + ":" + identity
}

func (r *RedisStore) Get(ctx context.Context, window Window, identity string, now time.Time) (Counter, error) {
	vals, err := r.client.HMGet(ctx, redisKey(window, identity), "count", "reset_at").Result()
	if err != nil {
		return Counter{}, fmt.Errorf("redis hmget: %w", err)
	}
	if len(vals) != 2 || vals[0] == nil || vals[1] == nil {
		return Counter{}, nil
	}
	count, err := strconv.ParseFloat(fmt.Sprint(vals[0]), 64)
	if err != nil {
		return Counter{}, fmt.Errorf("invalid counter value: %w", err)
	}
	resetMs, err := strconv.ParseFloat(fmt.Sprint(vals[1]), 64)
	if err != nil {
		return Counter{}, fmt.Errorf("invalid reset value: %w", err)
	}
	resetAt := time.UnixMilli(int64(resetMs))
	if !now.Before(resetAt) {
		return Counter{}, nil
	}
	return Counter{Count: int(count), ResetAt: resetAt}, nil
}

func (r *RedisStore) Incr(ctx context.Context, window Window, identity string, now time.Time) (Counter, error) {
	res, err := redisIncrScript.Run(ctx, r.client, []string{redisKey(window, identity)},
		now.UnixMilli(), window.Length().Milliseconds()).Result()
	if err != nil {
		return Counter{}, fmt.Errorf("redis limiter error: %w", err)
	}

	results, ok := res.([]interface{})
	if !ok || len(results) != 2 {
		return Counter{}, fmt.Errorf("invalid response from lua script")
	}
	count, _ := results[0].(int64)
	resetMs, _ := results[1].(int64)
	return Counter{Count: int(count), ResetAt: time.UnixMilli(resetMs)}, nil
}

func (r *RedisStore) Reset(ctx context.Context) error {
	var cursor uint64
	for {
		keys, next, err := r.client.Scan(ctx, cursor, redisKeyPrefix+"*", 500).Result()
		if err != nil {
			return fmt.Errorf("redis scan: %w", err)
		}
		if len(keys) > 0 {
			if err := r.client.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("redis del: %w", err)
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}
