package cache

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// Sweepable is a backend that needs explicit expiry collection.
type Sweepable interface {
	Sweep(ctx context.Context) (int, error)
}

type Sweeper struct {
	logger   *logrus.Logger
	target   Sweepable
	interval time.Duration
}

func NewSweeper(logger *logrus.Logger, target Sweepable, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = 30 * time.Minute
	}
	return &Sweeper{
		logger:   logger,
		target:   target,
		interval: interval,
	}
}

func (s *Sweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	logEntry := s.logger.WithField("component", "cache_sweeper")
	logEntry.Info("Starting cache sweeper")

	for {
		select {
		case <-ticker.C:
			s.sweep(ctx, logEntry)
		case <-ctx.Done():
			logEntry.Info("Stopping cache sweeper")
			return
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context, log *logrus.Entry) {
	log = log.WithField("operation", "cache_sweep")

	n, err := s.target.Sweep(ctx)
	if err != nil {
		log.WithError(err).Error("Cache sweep failed")
		return
	}
	if n > 0 {
		log.WithField("count", n).Info("Removed expired cache entries")
	}
}
