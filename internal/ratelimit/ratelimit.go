// Package ratelimit throttles chat turns per authenticated principal.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

type bucket struct {
	tokens     float64
	lastRefill time.Time
}

// Decision is the outcome of a Take.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetAt    time.Time     // when the bucket is full again
	RetryAfter time.Duration // until the next token, when not allowed
}

// Limiter is a token bucket per principal: rate tokens per window, refilled
// continuously.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	rate    int
	window  time.Duration
	now     func() time.Time
}

// New creates a Limiter that allows rate requests per window.
func New(rate int, window time.Duration) *Limiter {
	return &Limiter{
		buckets: make(map[string]*bucket),
		rate:    rate,
		window:  window,
		now:     time.Now,
	}
}

// Must be called with l.mu held.
func (l *Limiter) bucketFor(key string) *bucket {
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: float64(l.rate), lastRefill: l.now()}
		l.buckets[key] = b
	}
	return b
}

// Must be called with l.mu held.
func (l *Limiter) refill(b *bucket, now time.Time) {
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens += elapsed * l.perSecond()
	if b.tokens > float64(l.rate) {
		b.tokens = float64(l.rate)
	}
	b.lastRefill = now
}

func (l *Limiter) perSecond() float64 {
	return float64(l.rate) / l.window.Seconds()
}

func (l *Limiter) timeToEarn(tokens float64) time.Duration {
	return time.Duration(float64(l.window) * tokens / float64(l.rate))
}

// Take consumes one token for key when one is available. The returned
// Decision describes the bucket after the attempt.
func (l *Limiter) Take(key string) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b := l.bucketFor(key)
	l.refill(b, now)

	d := Decision{Limit: l.rate}
	if b.tokens >= 1 {
		b.tokens--
		d.Allowed = true
	} else {
		d.RetryAfter = l.timeToEarn(1 - b.tokens)
	}
	d.Remaining = max(int(b.tokens), 0)

	deficit := float64(l.rate) - b.tokens
	if deficit <= 0 {
		d.ResetAt = now
	} else {
		d.ResetAt = now.Add(l.timeToEarn(deficit))
	}
	return d
}

// Allow reports whether a request for key is permitted, consuming a token if so.
func (l *Limiter) Allow(key string) bool {
	return l.Take(key).Allowed
}

// Sweep forgets buckets that have refilled completely; a fresh bucket is
// identical to a full one. It returns the number of buckets removed.
func (l *Limiter) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	removed := 0
	for key, b := range l.buckets {
		l.refill(b, now)
		if b.tokens >= float64(l.rate) {
			delete(l.buckets, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked principals.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// Run sweeps idle buckets once per window until ctx is cancelled.
func (l *Limiter) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.window)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			l.Sweep()
		}
	}
}
