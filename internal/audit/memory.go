package audit

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps events in process memory. It is used when no database
// is configured.
type MemoryStore struct {
	mu     sync.RWMutex
	events []Event
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Write(_ context.Context, ev Event) error {
	m.mu.Lock()
	m.events = append(m.events, copyEvent(ev))
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) ByIdentity(_ context.Context, identity string, since time.Time, limit int) ([]Event, error) {
	return m.filter(since, limit, func(ev Event) bool { return ev.Identity == identity }), nil
}

func (m *MemoryStore) HighSeverity(_ context.Context, since time.Time, limit int) ([]Event, error) {
	return m.filter(since, limit, func(ev Event) bool { return ev.Severity == SeverityError }), nil
}

func (m *MemoryStore) ByOperation(_ context.Context, op Operation, since time.Time, limit int) ([]Event, error) {
	return m.filter(since, limit, func(ev Event) bool { return ev.Operation == op }), nil
}

func (m *MemoryStore) Failures(_ context.Context, since time.Time, limit int) ([]Event, error) {
	return m.filter(since, limit, func(ev Event) bool { return ev.Status == StatusFailure }), nil
}

func (m *MemoryStore) PurgeBefore(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.events[:0]
	var purged int64
	for _, ev := range m.events {
		if ev.Timestamp.Before(cutoff) {
			purged++
			continue
		}
		kept = append(kept, ev)
	}
	m.events = kept
	return purged, nil
}

func (m *MemoryStore) filter(since time.Time, limit int, match func(Event) bool) []Event {
	limit = clampLimit(limit)
	m.mu.RLock()
	var out []Event
	for _, ev := range m.events {
		if !ev.Timestamp.Before(since) && match(ev) {
			out = append(out, copyEvent(ev))
		}
	}
	m.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

func copyEvent(ev Event) Event {
	if ev.Details != nil {
		details := make(map[string]interface{}, len(ev.Details))
		for k, v := range ev.Details {
			details[k] = v
		}
		ev.Details = details
	}
	return ev
}
