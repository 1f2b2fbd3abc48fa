// Package ratelimit implements named token buckets shared by everything
// that talks to an external API. Reserve never blocks: it either consumes
// a token or tells the caller how long to wait before trying again.
package ratelimit

import (
	"math"
	"sync"
	"time"
)

// bucket holds the refill state for one named resource. Tokens are
// fractional so a partial refill shortens the next wait.
type bucket struct {
	mu             sync.Mutex
	requestsPerMin int
	tokens         float64
	lastRefill     time.Time
}

// Limiter manages independent buckets keyed by resource name. Buckets
// never interact; there is no global lock around refill+consume.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	now     func() time.Time
}

// New creates an empty limiter.
func New() *Limiter {
	return &Limiter{
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
}

// NewWithClock creates a limiter with an injectable clock for tests.
func NewWithClock(now func() time.Time) *Limiter {
	l := New()
	l.now = now
	return l
}

// Reserve refills the named bucket, then either consumes one token and
// returns 0, or returns how long the caller should sleep before retrying.
// Capacity is set per call so callers with different budgets can share a
// limiter; a changed capacity re-targets the bucket.
func (l *Limiter) Reserve(name string, requestsPerMinute int) time.Duration {
	if requestsPerMinute <= 0 {
		return 0
	}

	b := l.bucketFor(name, requestsPerMinute)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.requestsPerMin != requestsPerMinute {
		b.requestsPerMin = requestsPerMinute
		if b.tokens > float64(requestsPerMinute) {
			b.tokens = float64(requestsPerMinute)
		}
	}

	now := l.now()
	elapsed := now.Sub(b.lastRefill)
	b.tokens = math.Min(
		float64(b.requestsPerMin),
		b.tokens+elapsed.Minutes()*float64(b.requestsPerMin),
	)
	b.lastRefill = now

	if b.tokens >= 1 {
		b.tokens--
		return 0
	}

	perToken := float64(time.Minute) / float64(b.requestsPerMin)
	waitMillis := math.Ceil(perToken * (1 - b.tokens) / float64(time.Millisecond))
	return time.Duration(waitMillis) * time.Millisecond
}

func (l *Limiter) bucketFor(name string, requestsPerMinute int) *bucket {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[name]
	if !ok {
		b = &bucket{
			requestsPerMin: requestsPerMinute,
			tokens:         float64(requestsPerMinute),
			lastRefill:     l.now(),
		}
		l.buckets[name] = b
	}
	return b
}
