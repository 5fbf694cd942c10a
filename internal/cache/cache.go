// Package cache is a content-addressed cache of normalized audio keyed by
// (source identity, variant). Backend faults never fail a request: reads
// degrade to a miss and writes are logged and dropped.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	DefaultTTL = 30 * 24 * time.Hour
	keyPrefix  = "audio:"
)

// Backend stores opaque values with a TTL.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	DeletePrefix(ctx context.Context, prefix string) (int, error)
}

type Stats struct {
	Hits    uint64  `json:"hits"`
	Misses  uint64  `json:"misses"`
	Errors  uint64  `json:"errors"`
	Writes  uint64  `json:"writes"`
	HitRate float64 `json:"hitRate"`
}

type ContentCache struct {
	backend Backend
	ttl     time.Duration
	log     *logrus.Entry

	hits   atomic.Uint64
	misses atomic.Uint64
	errors atomic.Uint64
	writes atomic.Uint64
}

func New(logger *logrus.Logger, backend Backend, ttl time.Duration) *ContentCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &ContentCache{
		backend: backend,
		ttl:     ttl,
		log:     logger.WithField("component", "content_cache"),
	}
}

// Key derives the backend key: prefix + sha256(source) + ":" + variant.
func Key(source, variant string) string {
	return sourcePrefix(source) + variant
}

func sourcePrefix(source string) string {
	sum := sha256.Sum256([]byte(source))
	return keyPrefix + hex.EncodeToString(sum[:]) + ":"
}

// Get returns the cached bytes and true on a hit. Backend errors count as a
// miss.
func (c *ContentCache) Get(ctx context.Context, source, variant string) ([]byte, bool) {
	value, ok, err := c.backend.Get(ctx, Key(source, variant))
	if err != nil {
		c.errors.Add(1)
		c.misses.Add(1)
		c.log.WithError(err).WithField("variant", variant).Warn("Cache read failed, treating as miss")
		return nil, false
	}
	if !ok {
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)
	return value, true
}

// Put stores value. A zero ttl uses the cache default. Errors are logged and
// swallowed.
func (c *ContentCache) Put(ctx context.Context, source, variant string, value []byte, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.ttl
	}
	if err := c.backend.Set(ctx, Key(source, variant), value, ttl); err != nil {
		c.errors.Add(1)
		c.log.WithError(err).WithField("variant", variant).Warn("Cache write failed")
		return
	}
	c.writes.Add(1)
}

// Invalidate removes one variant of source, or every variant when variant is
// empty.
func (c *ContentCache) Invalidate(ctx context.Context, source, variant string) error {
	if variant != "" {
		return c.backend.Delete(ctx, Key(source, variant))
	}
	n, err := c.backend.DeletePrefix(ctx, sourcePrefix(source))
	if err != nil {
		return err
	}
	c.log.WithField("count", n).Debug("Invalidated cached variants")
	return nil
}

// ClearAll removes every entry this cache owns.
func (c *ContentCache) ClearAll(ctx context.Context) (int, error) {
	n, err := c.backend.DeletePrefix(ctx, keyPrefix)
	if err != nil {
		return n, err
	}
	c.log.WithField("count", n).Info("Cache cleared")
	return n, nil
}

func (c *ContentCache) Stats() Stats {
	s := Stats{
		Hits:   c.hits.Load(),
		Misses: c.misses.Load(),
		Errors: c.errors.Load(),
		Writes: c.writes.Load(),
	}
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRate = float64(s.Hits) / float64(total)
	}
	return s
}
