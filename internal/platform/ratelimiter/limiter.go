package ratelimiter

import (
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter applies one token bucket per operation key so a burst of one
// operation cannot starve the rest of the call budget. Buckets unused for
// idleFor are swept out lazily on the next Allow.
type Limiter struct {
	limit   rate.Limit
	burst   int
	idleFor time.Duration

	mu        sync.Mutex
	buckets   map[string]*bucket
	nextSweep time.Time
}

type bucket struct {
	tokens   *rate.Limiter
	lastUsed time.Time
}

// New creates a per-key limiter; invalid arguments yield nil. A nil Limiter
// allows everything, so callers wire it unconditionally and configuration
// decides whether throttling is on.
func New(rps float64, burst int, idleFor time.Duration) *Limiter {
	if rps <= 0 || burst <= 0 {
		return nil
	}
	if idleFor <= 0 {
		idleFor = 10 * time.Minute
	}
	return &Limiter{
		limit:   rate.Limit(rps),
		burst:   burst,
		idleFor: idleFor,
		buckets: make(map[string]*bucket),
	}
}

// Allow reports whether one token can be consumed for the key at now.
func (l *Limiter) Allow(key string, now time.Time) bool {
	if l == nil {
		return true
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.sweepLocked(now)

	b := l.buckets[key]
	if b == nil {
		b = &bucket{tokens: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[key] = b
	}
	b.lastUsed = now
	return b.tokens.AllowN(now, 1)
}

// KeyCount reports the number of live buckets.
func (l *Limiter) KeyCount() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

func (l *Limiter) sweepLocked(now time.Time) {
	if now.Before(l.nextSweep) {
		return
	}
	l.nextSweep = now.Add(l.idleFor)
	cutoff := now.Add(-l.idleFor)
	for key, b := range l.buckets {
		if b.lastUsed.Before(cutoff) {
			delete(l.buckets, key)
		}
	}
}
