// Package ratelimit implements per-identity admission control with hourly
// and daily fixed windows plus a ceiling on in-flight requests.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

var ErrLimitExceeded = errors.New("rate limit exceeded")

type Window string

const (
	WindowHourly      Window = "hourly"
	WindowDaily       Window = "daily"
	WindowConcurrency Window = "concurrency"
)

func (w Window) Length() time.Duration {
	switch w {
	case WindowHourly:
		return time.Hour
	case WindowDaily:
		return 24 * time.Hour
	}
	return 0
}

// Counter is the state of one window. A window that has reached ResetAt
// reads as zero.
type Counter struct {
	Count   int
	ResetAt time.Time
}

// Store keeps window counters. Incr must be atomic: when now >= ResetAt the
// counter restarts at 1 with ResetAt = now + length.
type Store interface {
	Get(ctx context.Context, window Window, identity string, now time.Time) (Counter, error)
	Incr(ctx context.Context, window Window, identity string, now time.Time) (Counter, error)
	Reset(ctx context.Context) error
}

type Limits struct {
	Hourly     int
	Daily      int
	Concurrent int
}

type Status struct {
	HourlyCount   int       `json:"hourlyCount"`
	HourlyLimit   int       `json:"hourlyLimit"`
	HourlyResetAt time.Time `json:"hourlyResetAt,omitempty"`
	DailyCount    int       `json:"dailyCount"`
	DailyLimit    int       `json:"dailyLimit"`
	DailyResetAt  time.Time `json:"dailyResetAt,omitempty"`
	Active        int       `json:"active"`
	MaxConcurrent int       `json:"maxConcurrent"`
	Exceeded      bool      `json:"exceeded"`
	// Window names the limit that was hit, daily taking precedence.
	Window     Window        `json:"window,omitempty"`
	RetryAfter time.Duration `json:"retryAfter,omitempty"`
}

// LimitError carries the status of a denied admission.
type LimitError struct {
	Status Status
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("%s: %s window", ErrLimitExceeded, e.Status.Window)
}

func (e *LimitError) Unwrap() error {
	return ErrLimitExceeded
}

type Limiter struct {
	store  Store
	limits Limits
	now    func() time.Time

	mu     sync.Mutex
	active map[string]int
}

func New(store Store, limits Limits) *Limiter {
	return &Limiter{
		store:  store,
		limits: limits,
		now:    time.Now,
		active: make(map[string]int),
	}
}

// Check reports the current counters without changing them.
func (l *Limiter) Check(ctx context.Context, identity string) (Status, error) {
	now := l.now()
	hourly, err := l.store.Get(ctx, WindowHourly, identity, now)
	if err != nil {
		return Status{}, fmt.Errorf("read hourly counter: %w", err)
	}
	daily, err := l.store.Get(ctx, WindowDaily, identity, now)
	if err != nil {
		return Status{}, fmt.Errorf("read daily counter: %w", err)
	}
	return l.status(hourly, daily, l.activeCount(identity), now, false), nil
}

// Increment counts one request against both windows.
func (l *Limiter) Increment(ctx context.Context, identity string) (Status, error) {
	now := l.now()
	hourly, err := l.store.Incr(ctx, WindowHourly, identity, now)
	if err != nil {
		return Status{}, fmt.Errorf("increment hourly counter: %w", err)
	}
	daily, err := l.store.Incr(ctx, WindowDaily, identity, now)
	if err != nil {
		return Status{}, fmt.Errorf("increment daily counter: %w", err)
	}
	return l.status(hourly, daily, l.activeCount(identity), now, true), nil
}

// Admit checks, reserves a concurrency slot and counts the request. Denials
// found by the pre-check are not counted. A request that passes the
// pre-check but loses a race with a concurrent increment is counted and
// denied. The returned release func must be called when the request ends.
func (l *Limiter) Admit(ctx context.Context, identity string) (Status, func(), error) {
	status, err := l.Check(ctx, identity)
	if err != nil {
		return Status{}, nil, err
	}
	if status.Exceeded {
		return status, nil, &LimitError{Status: status}
	}

	if !l.acquire(identity) {
		status.Active = l.activeCount(identity)
		status.Exceeded = true
		status.Window = WindowConcurrency
		return status, nil, &LimitError{Status: status}
	}
	var once sync.Once
	release := func() { once.Do(func() { l.release(identity) }) }

	status, err = l.Increment(ctx, identity)
	if err != nil {
		release()
		return Status{}, nil, err
	}
	if status.Exceeded {
		release()
		return status, nil, &LimitError{Status: status}
	}
	return status, release, nil
}

func (l *Limiter) status(hourly, daily Counter, active int, now time.Time, counted bool) Status {
	s := Status{
		HourlyCount:   hourly.Count,
		HourlyLimit:   l.limits.Hourly,
		HourlyResetAt: hourly.ResetAt,
		DailyCount:    daily.Count,
		DailyLimit:    l.limits.Daily,
		DailyResetAt:  daily.ResetAt,
		Active:        active,
		MaxConcurrent: l.limits.Concurrent,
	}

	// after an increment the current request is included in the count, so
	// the limit itself is still allowed
	over := func(count, limit int) bool {
		if counted {
			return count > limit
		}
		return count >= limit
	}

	switch {
	case over(daily.Count, l.limits.Daily):
		s.Exceeded = true
		s.Window = WindowDaily
		s.RetryAfter = retryAfter(daily.ResetAt, now)
	case over(hourly.Count, l.limits.Hourly):
		s.Exceeded = true
		s.Window = WindowHourly
		s.RetryAfter = retryAfter(hourly.ResetAt, now)
	case !counted && l.limits.Concurrent > 0 && active >= l.limits.Concurrent:
		s.Exceeded = true
		s.Window = WindowConcurrency
	}
	return s
}

func retryAfter(resetAt, now time.Time) time.Duration {
	if d := resetAt.Sub(now); d > 0 {
		return d
	}
	return 0
}

func (l *Limiter) acquire(identity string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.limits.Concurrent > 0 && l.active[identity] >= l.limits.Concurrent {
		return false
	}
	l.active[identity]++
	return true
}

func (l *Limiter) release(identity string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.active[identity] <= 1 {
		delete(l.active, identity)
		return
	}
	l.active[identity]--
}

func (l *Limiter) activeCount(identity string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.active[identity]
}

// Reset clears all counters and in-flight slots.
func (l *Limiter) Reset(ctx context.Context) error {
	l.mu.Lock()
	l.active = make(map[string]int)
	l.mu.Unlock()
	return l.store.Reset(ctx)
}
