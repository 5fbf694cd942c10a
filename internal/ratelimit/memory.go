package ratelimit

import (
	"context"
	"sync"
	"time"
)

type counterKey struct {
	window   Window
	identity string
}

// MemoryStore keeps counters in process memory.
type MemoryStore struct {
	mu       sync.Mutex
	counters map[counterKey]Counter
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{counters: make(map[counterKey]Counter)}
}

func (m *MemoryStore) Get(_ context.Context, window Window, identity string, now time.Time) (Counter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.counters[counterKey{window, identity}]
	if !ok || !now.Before(c.ResetAt) {
		return Counter{}, nil
	}
	return c, nil
}

func (m *MemoryStore) Incr(_ context.Context, window Window, identity string, now time.Time) (Counter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := counterKey{window, identity}
	c, ok := m.counters[key]
	if !ok || !now.Before(c.ResetAt) {
		c = Counter{ResetAt: now.Add(window.Length())}
	}
	c.Count++
	m.counters[key] = c
	return c, nil
}

func (m *MemoryStore) Reset(_ context.Context) error {
	m.mu.Lock()
	m.counters = make(map[counterKey]Counter)
	m.mu.Unlock()
	return nil
}

// Prune drops counters whose window has ended.
func (m *MemoryStore) Prune(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k, c := range m.counters {
		if !now.Before(c.ResetAt) {
			delete(m.counters, k)
			n++
		}
	}
	return n
}

// Sweep prunes ended windows as of the current time.
func (m *MemoryStore) Sweep(context.Context) (int, error) {
	return m.Prune(time.Now()), nil
}
