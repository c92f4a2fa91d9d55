package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type countingSweeper struct {
	mu    sync.Mutex
	calls []time.Time
	err   error
}

func (s *countingSweeper) Sweep(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, now)
	return 1, s.err
}

func (s *countingSweeper) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func TestSyncOncePassesClock(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	sw := &countingSweeper{}
	w := &Worker{Orders: sw, Now: func() time.Time { return at }}
	if err := w.SyncOnce(context.Background()); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if sw.count() != 1 || !sw.calls[0].Equal(at) {
		t.Fatalf("calls = %v", sw.calls)
	}
}

func TestSyncOnceReturnsError(t *testing.T) {
	boom := errors.New("boom")
	w := &Worker{Orders: &countingSweeper{err: boom}}
	if err := w.SyncOnce(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
}

func TestRunSweepsUntilCancelled(t *testing.T) {
	sw := &countingSweeper{err: errors.New("transient")}
	w := &Worker{Orders: sw, Interval: 5 * time.Millisecond}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for sw.count() < 3 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("run did not stop")
	}
	if sw.count() < 3 {
		t.Fatalf("sweeps = %d", sw.count())
	}
}
