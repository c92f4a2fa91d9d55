package cryptopay

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

type task struct {
	key   int64
	at    time.Time
	index int
}

type taskQueue []*task

func (q taskQueue) Len() int           { return len(q) }
func (q taskQueue) Less(i, j int) bool { return q[i].at.Before(q[j].at) }
func (q taskQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *taskQueue) Push(x any) {
	t := x.(*task)
	t.index = len(*q)
	*q = append(*q, t)
}

func (q *taskQueue) Pop() any {
	old := *q
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*q = old[:n-1]
	return t
}

// Scheduler runs one deferred callback per key. A single dispatcher goroutine
// owns the timer; each due callback runs on its own goroutine.
type Scheduler struct {
	mu      sync.Mutex
	queue   taskQueue
	byKey   map[int64]*task
	wake    chan struct{}
	fire    func(key int64)
	nowFunc func() time.Time
}

func NewScheduler(fire func(key int64)) *Scheduler {
	return &Scheduler{
		byKey:   map[int64]*task{},
		wake:    make(chan struct{}, 1),
		fire:    fire,
		nowFunc: time.Now,
	}
}

// Schedule (re)arms key to fire at the given time, replacing any earlier entry.
func (s *Scheduler) Schedule(key int64, at time.Time) {
	s.mu.Lock()
	if t, ok := s.byKey[key]; ok {
		t.at = at
		heap.Fix(&s.queue, t.index)
	} else {
		t := &task{key: key, at: at}
		heap.Push(&s.queue, t)
		s.byKey[key] = t
	}
	s.mu.Unlock()
	s.poke()
}

// Cancel drops the pending entry for key. It reports whether one existed.
func (s *Scheduler) Cancel(key int64) bool {
	s.mu.Lock()
	t, ok := s.byKey[key]
	if ok {
		heap.Remove(&s.queue, t.index)
		delete(s.byKey, key)
	}
	s.mu.Unlock()
	if ok {
		s.poke()
	}
	return ok
}

func (s *Scheduler) Pending(key int64) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.byKey[key]
	if !ok {
		return time.Time{}, false
	}
	return t.at, true
}

func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Run dispatches due entries until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		due, next, ok := s.popDue()
		for _, key := range due {
			go s.fire(key)
		}

		wait := time.Hour
		if ok {
			wait = next.Sub(s.nowFunc())
			if wait < 0 {
				wait = 0
			}
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-ctx.Done():
			return
		case <-s.wake:
		case <-timer.C:
		}
	}
}

func (s *Scheduler) popDue() ([]int64, time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.nowFunc()
	var due []int64
	for len(s.queue) > 0 && !s.queue[0].at.After(now) {
		t := heap.Pop(&s.queue).(*task)
		delete(s.byKey, t.key)
		due = append(due, t.key)
	}
	if len(s.queue) == 0 {
		return due, time.Time{}, false
	}
	return due, s.queue[0].at, true
}

func (s *Scheduler) poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}
