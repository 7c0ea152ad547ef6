package gatekeeper

import (
	"sync"
	"time"
)

// RateLimiter is a token bucket applied per consumer connection. Messages
// over the limit are dropped, never queued.
type RateLimiter struct {
	rate  float64 // tokens per second
	burst float64

	mu     sync.Mutex
	tokens float64
	last   time.Time
}

// NewRateLimiter creates a limiter allowing rate messages per second with
// the given burst ceiling.
func NewRateLimiter(rate, burst float64) *RateLimiter {
	return &RateLimiter{rate: rate, burst: burst}
}

// Allow consumes one token if available.
func (l *RateLimiter) Allow() bool {
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.last.IsZero() {
		l.tokens = l.burst
		l.last = now
	}

	elapsed := now.Sub(l.last).Seconds()
	l.tokens += elapsed * l.rate
	if l.tokens > l.burst {
		l.tokens = l.burst
	}
	l.last = now

	if l.tokens < 1 {
		return false
	}
	l.tokens--
	return true
}
