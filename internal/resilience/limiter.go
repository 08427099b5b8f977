// Package resilience provides the protective machinery wrapped around
// outbound API calls: a rolling-window rate limiter, a circuit breaker,
// and a registry that hands out one shared instance of each per endpoint
// group.
package resilience

import (
	"context"
	"sync"
	"time"
)

// RateLimiter admits at most limit calls in any rolling window of the
// configured period. Unlike a token bucket, the window is exact: after
// limit admissions, the next caller waits until the oldest admission
// ages out of the window.
type RateLimiter struct {
	mu     sync.Mutex
	calls  []time.Time
	limit  int
	period time.Duration

	// now is swappable for tests.
	now func() time.Time
}

// NewRateLimiter creates a limiter admitting limit calls per period.
func NewRateLimiter(limit int, period time.Duration) *RateLimiter {
	return &RateLimiter{
		limit:  limit,
		period: period,
		now:    time.Now,
	}
}

// Acquire blocks until a slot is free in the rolling window or the
// context is cancelled. On success the call is recorded immediately, so
// concurrent acquirers cannot overshoot the limit.
func (l *RateLimiter) Acquire(ctx context.Context) error {
	for {
		l.mu.Lock()
		now := l.now()
		l.prune(now)

		if len(l.calls) < l.limit {
			l.calls = append(l.calls, now)
			l.mu.Unlock()
			return nil
		}

		wait := l.calls[0].Add(l.period).Sub(now)
		l.mu.Unlock()

		if wait <= 0 {
			continue
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Available reports how many calls could be admitted right now.
func (l *RateLimiter) Available() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.prune(l.now())
	return l.limit - len(l.calls)
}

// prune drops admissions older than the window. Caller holds mu.
func (l *RateLimiter) prune(now time.Time) {
	cutoff := now.Add(-l.period)
	idx := 0
	for idx < len(l.calls) && !l.calls[idx].After(cutoff) {
		idx++
	}
	if idx > 0 {
		l.calls = append(l.calls[:0], l.calls[idx:]...)
	}
}
