package cryptopay

import (
	"sync"
	"time"
)

// RateLimiter admits at most MaxRequests calls within a trailing window.
// Refusal never blocks and never records a timestamp.
type RateLimiter struct {
	mu      sync.Mutex
	max     int
	window  time.Duration
	stamps  []time.Time
	nowFunc func() time.Time
}

func NewRateLimiter(maxRequests int, window time.Duration) *RateLimiter {
	if maxRequests <= 0 {
		maxRequests = 100
	}
	if window <= 0 {
		window = time.Minute
	}
	return &RateLimiter{
		max:     maxRequests,
		window:  window,
		stamps:  make([]time.Time, 0, maxRequests),
		nowFunc: time.Now,
	}
}

func (l *RateLimiter) Allow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.nowFunc()
	cut := 0
	for cut < len(l.stamps) && now.Sub(l.stamps[cut]) >= l.window {
		cut++
	}
	if cut > 0 {
		l.stamps = append(l.stamps[:0], l.stamps[cut:]...)
	}
	if len(l.stamps) >= l.max {
		return false
	}
	l.stamps = append(l.stamps, now)
	return true
}

// InWindow reports how many admissions are still inside the window.
func (l *RateLimiter) InWindow() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.nowFunc()
	n := 0
	for _, ts := range l.stamps {
		if now.Sub(ts) < l.window {
			n++
		}
	}
	return n
}
