package ratelimit

import (
	"sync"
	"time"
)

// Limiter enforces a maximum number of events per key within a sliding time
// window. Keys are typically "<identity>:<channel>:<event>" so concurrent
// connections of the same identity share one budget.
type Limiter struct {
	window time.Duration
	limit  int
	now    func() time.Time

	mu      sync.Mutex
	buckets map[string][]time.Time
}

// NewLimiter constructs a limiter allowing up to limit events per window for
// each key. A nil time source defaults to the wall clock.
func NewLimiter(window time.Duration, limit int, timeSource func() time.Time) *Limiter {
	if timeSource == nil {
		timeSource = time.Now
	}
	return &Limiter{
		window:  window,
		limit:   limit,
		now:     timeSource,
		buckets: make(map[string][]time.Time),
	}
}

// Allow reports whether the keyed caller may proceed under the current rate
// limits. Rejected calls leave the bucket untouched so a denied action never
// consumes budget.
func (l *Limiter) Allow(key string) bool {
	if l == nil || l.limit <= 0 || l.window <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.window)
	events := l.buckets[key]
	kept := events[:0]
	for _, ts := range events {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	if len(kept) >= l.limit {
		l.buckets[key] = kept
		return false
	}
	l.buckets[key] = append(kept, now)
	return true
}

// Sweep drops buckets whose newest entry fell outside the window, bounding
// memory for identities that stopped acting. Callers run it periodically.
func (l *Limiter) Sweep() {
	if l == nil || l.window <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-l.window)
	for key, events := range l.buckets {
		if len(events) == 0 || !events[len(events)-1].After(cutoff) {
			delete(l.buckets, key)
		}
	}
}

// Len reports the number of live buckets; exposed for metrics and tests.
func (l *Limiter) Len() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
