// Package normalizer applies loudness normalization and cleanup filters by
// delegating to an external transformation engine.
package normalizer

import (
	"context"
	"errors"
	"time"

	"github.com/sdko-org/audio-pipeline/internal/models"
	"github.com/sirupsen/logrus"
)

var errEmptyOutput = errors.New("engine returned empty output")

// Engine transforms audio with a filter chain. Implementations return an
// error on any failure; fallback is handled by Normalizer.
type Engine interface {
	Process(ctx context.Context, input []byte, format models.Format, filters string) ([]byte, error)
}

type Normalizer struct {
	engine  Engine
	timeout time.Duration
	log     *logrus.Entry
}

func New(logger *logrus.Logger, engine Engine, timeout time.Duration) *Normalizer {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Normalizer{
		engine:  engine,
		timeout: timeout,
		log:     logger.WithField("component", "normalizer"),
	}
}

// Normalize returns the transformed audio and true, or the original bytes
// and false when there is nothing to apply or the engine fails or times out.
func (n *Normalizer) Normalize(ctx context.Context, data []byte, format models.Format, params Params) ([]byte, bool) {
	filters := FilterChain(params)
	if filters == "" {
		return data, false
	}

	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	start := time.Now()
	out, err := n.engine.Process(ctx, data, format, filters)
	if err == nil && len(out) == 0 {
		err = errEmptyOutput
	}
	if err != nil {
		n.log.WithFields(logrus.Fields{
			"format":   format,
			"size":     len(data),
			"duration": time.Since(start),
			"error":    err,
		}).Warn("Normalization failed, using original audio")
		return data, false
	}

	n.log.WithFields(logrus.Fields{
		"format":      format,
		"input_size":  len(data),
		"output_size": len(out),
		"duration":    time.Since(start),
	}).Debug("Audio normalized")
	return out, true
}
