package cryptopay

import (
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestRateLimiterWindow(t *testing.T) {
	clock := newFakeClock()
	l := NewRateLimiter(3, time.Minute)
	l.nowFunc = clock.Now

	for i := 0; i < 3; i++ {
		if !l.Allow() {
			t.Fatalf("request %d refused inside budget", i+1)
		}
		clock.Advance(time.Second)
	}
	if l.Allow() {
		t.Fatalf("request beyond budget admitted")
	}
	if got := l.InWindow(); got != 3 {
		t.Fatalf("refusal must not be recorded, in window = %d", got)
	}

	// the first stamp is now exactly one window old
	clock.Advance(57 * time.Second)
	if !l.Allow() {
		t.Fatalf("request refused after oldest stamp left the window")
	}
	if l.Allow() {
		t.Fatalf("second stamp is still inside the window")
	}
}

func TestRateLimiterDefaults(t *testing.T) {
	l := NewRateLimiter(0, 0)
	if l.max != 100 || l.window != time.Minute {
		t.Fatalf("defaults = %d/%s", l.max, l.window)
	}
}

func TestRateLimiterConcurrent(t *testing.T) {
	l := NewRateLimiter(50, time.Hour)
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Allow() {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if allowed != 50 {
		t.Fatalf("allowed = %d, want 50", allowed)
	}
}
