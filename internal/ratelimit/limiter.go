// Package ratelimit implements fixed-window admission control for the
// extraction endpoints. One Limiter instance exists per keyspace (caller IP,
// subject) and each instance has its own lock.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Window is the counter state for one key.
type Window struct {
	Start    time.Time
	Count    int
	Limit    int
	Duration time.Duration
}

func (w *Window) expired(now time.Time) bool {
	return now.Sub(w.Start) >= w.Duration
}

// Policy is the default limit applied by Check and reported by Status for
// keys that have no live window.
type Policy struct {
	Limit  int
	Window time.Duration
}

// Limiter is a fixed-window counter keyed by an arbitrary string. Temporary
// subject identifiers and permanent ones share the same keyspace.
type Limiter struct {
	name    string
	policy  Policy
	clock   clockwork.Clock
	mu      sync.Mutex
	windows map[string]*Window
}

// New creates a limiter. A nil clock means the real clock.
func New(name string, policy Policy, clock clockwork.Clock) *Limiter {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Limiter{
		name:    name,
		policy:  policy,
		clock:   clock,
		windows: make(map[string]*Window),
	}
}

// Name identifies the keyspace ("ip", "subject").
func (l *Limiter) Name() string {
	return l.name
}

// Policy returns the limiter's default policy.
func (l *Limiter) Policy() Policy {
	return l.policy
}

// Allow counts one request against key. When the window has elapsed it is
// reset first. A denied request does not consume capacity.
func (l *Limiter) Allow(key string, limit int, window time.Duration) (allowed bool, remaining int, retryAfter time.Duration) {
	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[key]
	if !ok {
		w = &Window{Start: now}
		l.windows[key] = w
	}
	w.Limit = limit
	w.Duration = window

	if w.expired(now) {
		w.Start = now
		w.Count = 0
	}

	if w.Count < w.Limit {
		w.Count++
		return true, w.Limit - w.Count, 0
	}

	return false, 0, w.Duration - now.Sub(w.Start)
}

// Check is Allow with the limiter's default policy.
func (l *Limiter) Check(key string) (allowed bool, remaining int, retryAfter time.Duration) {
	return l.Allow(key, l.policy.Limit, l.policy.Window)
}

// Status reports usage for key without mutating any state. An expired
// window reports as unused.
func (l *Limiter) Status(key string) (used, limit, remaining int) {
	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[key]
	if !ok {
		return 0, l.policy.Limit, l.policy.Limit
	}
	if w.expired(now) {
		return 0, w.Limit, w.Limit
	}
	return w.Count, w.Limit, w.Limit - w.Count
}

// Prune drops expired windows and returns how many were removed.
func (l *Limiter) Prune() int {
	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for key, w := range l.windows {
		if w.expired(now) {
			delete(l.windows, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked keys.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}

// StartJanitor prunes expired windows every interval until ctx is done.
func (l *Limiter) StartJanitor(ctx context.Context, interval time.Duration) error {
	ticker := l.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
			l.Prune()
		}
	}
}
