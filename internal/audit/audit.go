// Package audit records security-relevant operations. Writes are best
// effort: a failed write is logged and never affects the audited operation.
package audit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

type Operation string

const (
	OpAudioUpload        Operation = "audio_upload"
	OpAudioGeneration    Operation = "audio_generation"
	OpTranscription      Operation = "transcription"
	OpQualityAnalysis    Operation = "quality_analysis"
	OpRateLimitViolation Operation = "rate_limit_violation"
	OpContentViolation   Operation = "content_policy_violation"
	OpKeyAccess          Operation = "encryption_key_access"
	OpKeyRotation        Operation = "encryption_key_rotation"
	OpEncryptFailure     Operation = "encryption_failure"
	OpDecryptFailure     Operation = "decryption_failure"
	OpCacheClear         Operation = "cache_clear"
	OpSignedURL          Operation = "signed_url_issued"
)

type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
)

type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Event is the wire shape consumed by the external log store.
type Event struct {
	Operation Operation              `json:"operation"`
	Identity  string                 `json:"identity,omitempty"`
	AssetID   string                 `json:"assetId,omitempty"`
	Status    Status                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Severity  Severity               `json:"severity"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// Sink persists events.
type Sink interface {
	Write(ctx context.Context, ev Event) error
}

// Query reads recent events, newest first.
type Query interface {
	ByIdentity(ctx context.Context, identity string, since time.Time, limit int) ([]Event, error)
	HighSeverity(ctx context.Context, since time.Time, limit int) ([]Event, error)
	ByOperation(ctx context.Context, op Operation, since time.Time, limit int) ([]Event, error)
	Failures(ctx context.Context, since time.Time, limit int) ([]Event, error)
}

// Store is a Sink that can also be queried and swept.
type Store interface {
	Sink
	Query
	PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

const (
	DefaultQueryLimit = 100
	MaxQueryLimit     = 1000
)

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultQueryLimit
	}
	if limit > MaxQueryLimit {
		return MaxQueryLimit
	}
	return limit
}

// Recorder writes events to a Sink in the background.
type Recorder struct {
	sink    Sink
	log     *logrus.Entry
	timeout time.Duration
	now     func() time.Time
	wg      sync.WaitGroup
	// slots caps concurrent sink writes.
	slots   chan struct{}
	dropped atomic.Uint64
}

const maxInFlight = 64

func NewRecorder(logger *logrus.Logger, sink Sink) *Recorder {
	return &Recorder{
		sink:    sink,
		log:     logger.WithField("component", "audit"),
		timeout: 2 * time.Second,
		now:     time.Now,
		slots:   make(chan struct{}, maxInFlight),
	}
}

// Record fills in defaults and hands the event to the sink without
// blocking the caller. When every write slot is busy the event is dropped.
func (r *Recorder) Record(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = r.now().UTC()
	}
	if ev.Status == "" {
		ev.Status = StatusSuccess
	}
	if ev.Severity == "" {
		ev.Severity = SeverityInfo
		if ev.Status == StatusFailure {
			ev.Severity = SeverityWarning
		}
	}

	select {
	case r.slots <- struct{}{}:
	default:
		n := r.dropped.Add(1)
		r.log.WithFields(logrus.Fields{
			"operation": ev.Operation,
			"identity":  ev.Identity,
			"dropped":   n,
		}).Warn("Audit sink saturated, dropping event")
		return
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() { <-r.slots }()
		defer func() {
			if p := recover(); p != nil {
				r.log.WithField("panic", p).Error("Audit sink panicked")
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		defer cancel()

		if err := r.sink.Write(ctx, ev); err != nil {
			r.log.WithError(err).WithFields(logrus.Fields{
				"operation": ev.Operation,
				"identity":  ev.Identity,
				"status":    ev.Status,
			}).Warn("Failed to write audit event")
		}
	}()
}

// Dropped reports how many events were discarded because the sink was saturated.
func (r *Recorder) Dropped() uint64 {
	return r.dropped.Load()
}

// Flush waits for in-flight writes.
func (r *Recorder) Flush() {
	r.wg.Wait()
}

// Nop discards events.
type Nop struct{}

func (Nop) Write(context.Context, Event) error { return nil }
