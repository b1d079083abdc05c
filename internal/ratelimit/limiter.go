// Package ratelimit provides a keyed token-bucket limiter used to bound
// refresh-rotation attempts per presented token.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// KeyedLimiter maintains an independent token bucket per key. Buckets idle
// longer than the eviction window are dropped to bound memory.
type KeyedLimiter struct {
	limit rate.Limit
	burst int

	mu      sync.Mutex
	buckets map[string]*bucket

	evictAfter time.Duration
	lastSweep  time.Time
	now        func() time.Time
}

type bucket struct {
	limiter *rate.Limiter
	seen    time.Time
}

// New constructs a KeyedLimiter allowing n events per interval with the
// given burst.
func New(n int, interval time.Duration, burst int) *KeyedLimiter {
	if n <= 0 {
		n = 1
	}
	if interval <= 0 {
		interval = time.Minute
	}
	if burst <= 0 {
		burst = n
	}
	return &KeyedLimiter{
		limit:      rate.Every(interval / time.Duration(n)),
		burst:      burst,
		buckets:    make(map[string]*bucket),
		evictAfter: 10 * interval,
		now:        time.Now,
	}
}

// Allow reports whether the key may proceed now.
func (l *KeyedLimiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[key] = b
	}
	b.seen = now
	l.sweepLocked(now)
	return b.limiter.Allow()
}

// sweepLocked drops idle buckets at most once per eviction window.
func (l *KeyedLimiter) sweepLocked(now time.Time) {
	if now.Sub(l.lastSweep) < l.evictAfter {
		return
	}
	l.lastSweep = now
	for key, b := range l.buckets {
		if now.Sub(b.seen) >= l.evictAfter {
			delete(l.buckets, key)
		}
	}
}

// Len returns the number of live buckets.
func (l *KeyedLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
