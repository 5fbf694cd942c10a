package audit

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

const DefaultRetention = 90 * 24 * time.Hour

// RetentionSweeper periodically deletes events older than the retention
// window. It is the only path that removes audit events.
type RetentionSweeper struct {
	logger    *logrus.Logger
	store     Store
	retention time.Duration
	interval  time.Duration
	now       func() time.Time
}

func NewRetentionSweeper(logger *logrus.Logger, store Store, retention, interval time.Duration) *RetentionSweeper {
	if retention <= 0 {
		retention = DefaultRetention
	}
	if interval <= 0 {
		interval = 6 * time.Hour
	}
	return &RetentionSweeper{
		logger:    logger,
		store:     store,
		retention: retention,
		interval:  interval,
		now:       time.Now,
	}
}

func (s *RetentionSweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	logEntry := s.logger.WithField("component", "audit_retention")
	logEntry.Info("Starting audit retention sweeper")

	for {
		select {
		case <-ticker.C:
			s.Sweep(ctx, logEntry)
		case <-ctx.Done():
			logEntry.Info("Stopping audit retention sweeper")
			return
		}
	}
}

func (s *RetentionSweeper) Sweep(ctx context.Context, log *logrus.Entry) {
	cutoff := s.now().Add(-s.retention)
	n, err := s.store.PurgeBefore(ctx, cutoff)
	if err != nil {
		log.WithError(err).Error("Audit retention sweep failed")
		return
	}
	log.WithFields(logrus.Fields{
		"count":  n,
		"cutoff": cutoff,
	}).Info("Purged expired audit events")
}
