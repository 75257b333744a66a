package realtime

import (
	"sync"
	"time"
)

// RateLimiter caps inbound events per connection over a sliding window.
// It keeps the last limit accepted timestamps in a ring; an event is allowed
// when the oldest of them has left the window.
type RateLimiter struct {
	mu     sync.Mutex
	ring   []time.Time
	next   int
	filled int
	window time.Duration
}

// NewRateLimiter returns a limiter; non-positive inputs select the package defaults.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = rateLimitEvents
	}
	if window <= 0 {
		window = rateLimitWindow
	}
	return &RateLimiter{ring: make([]time.Time, limit), window: window}
}

// Allow records an event at now and reports whether it is within the limit.
// Rejected events are not recorded.
func (r *RateLimiter) Allow(now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.filled == len(r.ring) {
		oldest := r.ring[r.next]
		if now.Sub(oldest) < r.window {
			return false
		}
	} else {
		r.filled++
	}
	r.ring[r.next] = now
	r.next = (r.next + 1) % len(r.ring)
	return true
}
