// Package ratelimit implements a fixed-window rate limiter keyed by caller
// IP (inbound) or upstream target (outbound).
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/tm-status-tracker/internal/metrics"
	"github.com/JakeFAU/tm-status-tracker/internal/tracker"
)

// Config holds rate limiter configuration.
//   - Limit: attempts granted per key per window. Zero or less disables limiting.
//   - Window: length of one counting window.
//   - Scope: label used in metrics ("inbound" or "outbound").
type Config struct {
	Limit  int
	Window time.Duration
	Scope  string
}

// Decision is the answer to one TryAcquire call.
type Decision struct {
	Allowed   bool
	Remaining int
	// RetryAt is when the current window rolls over. Set on denial.
	RetryAt time.Time
	// RetryAfter is RetryAt relative to the decision time.
	RetryAfter time.Duration
}

// Limiter counts attempts per key within fixed windows. It is safe for
// concurrent use.
type Limiter struct {
	mu      sync.Mutex
	windows map[string]*window
	cfg     Config
	now     func() time.Time
	after   func(time.Duration) <-chan time.Time
}

type window struct {
	start time.Time
	count int
}

// New creates a new Limiter.
func New(cfg Config) *Limiter {
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	return &Limiter{
		windows: make(map[string]*window),
		cfg:     cfg,
		now:     time.Now,
		after:   time.After,
	}
}

// WithClock replaces the time source. Intended for tests.
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	l.now = now
	return l
}

// TryAcquire counts one attempt for key and reports whether it fits in the
// current window.
func (l *Limiter) TryAcquire(key string) Decision {
	if l.cfg.Limit <= 0 {
		return Decision{Allowed: true, Remaining: -1}
	}
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()
	w, ok := l.windows[key]
	if !ok || !now.Before(w.start.Add(l.cfg.Window)) {
		w = &window{start: now}
		l.windows[key] = w
	}
	w.count++
	if w.count > l.cfg.Limit {
		metrics.ObserveRateLimitDenial(l.scope())
		retryAt := w.start.Add(l.cfg.Window)
		return Decision{Allowed: false, RetryAt: retryAt, RetryAfter: retryAt.Sub(now)}
	}
	return Decision{Allowed: true, Remaining: l.cfg.Limit - w.count}
}

// Wait blocks until a permit for key is granted. If the next window opens
// later than maxWait from now, it returns tracker.ErrRateLimited without
// waiting. A maxWait of zero means no budget.
func (l *Limiter) Wait(ctx context.Context, key string, maxWait time.Duration) error {
	start := l.now()
	deadline := start.Add(maxWait)
	for {
		decision := l.TryAcquire(key)
		if decision.Allowed {
			if waited := l.now().Sub(start); waited > time.Millisecond {
				metrics.ObserveRateLimitDelay(key, waited)
			}
			return nil
		}
		if maxWait > 0 && decision.RetryAt.After(deadline) {
			return fmt.Errorf("%s: next window opens at %s: %w",
				key, decision.RetryAt.Format(time.RFC3339), tracker.ErrRateLimited)
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("rate limit wait: %w", ctx.Err())
		case <-l.after(decision.RetryAt.Sub(l.now())):
		}
	}
}

// Sweep drops windows that have fully elapsed and returns how many were removed.
func (l *Limiter) Sweep() int {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for key, w := range l.windows {
		if !now.Before(w.start.Add(l.cfg.Window)) {
			delete(l.windows, key)
			removed++
		}
	}
	return removed
}

// Window returns the configured window length.
func (l *Limiter) Window() time.Duration {
	return l.cfg.Window
}

func (l *Limiter) scope() string {
	if l.cfg.Scope == "" {
		return "default"
	}
	return l.cfg.Scope
}
