package scheduler

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

// Scheduler fires a callback for each key once its due time has arrived.
//
// Usage:
//
//	s := scheduler.New()
//	s.Start(ctx, func(key string) {
//	    // retry the pending delivery identified by key
//	})
//	defer s.Stop()
//
//	s.Schedule("01J.../sub-1", time.Now().Add(500*time.Millisecond))
//
// All methods are safe for concurrent use. The callback runs on the
// scheduler goroutine and must not block for long.
type Scheduler struct {
	now func() time.Time

	mu    sync.Mutex
	h     minHeap
	byKey map[string]*item
	seq   uint64

	notify chan struct{}

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock sets the clock due times are compared against. It must advance
// with real time; the goroutine sleeps on real timers between checks.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// New creates a Scheduler. Call Start to begin firing.
func New(opts ...Option) *Scheduler {
	h := make(minHeap, 0, 64)
	heap.Init(&h)
	s := &Scheduler{
		now:    time.Now,
		h:      h,
		byKey:  make(map[string]*item),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Schedule arms key to fire at dueAt. A due time in the past fires on the
// next loop iteration. Scheduling a key that is already armed replaces the
// earlier entry.
func (s *Scheduler) Schedule(key string, dueAt time.Time) {
	s.mu.Lock()
	if prev, ok := s.byKey[key]; ok {
		s.h.remove(prev.idx)
	}
	s.seq++
	it := &item{key: key, dueAt: dueAt.UnixNano(), seq: s.seq}
	heap.Push(&s.h, it)
	s.byKey[key] = it
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Cancel disarms key. It reports whether the key was armed.
func (s *Scheduler) Cancel(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.byKey[key]
	if !ok {
		return false
	}
	s.h.remove(it.idx)
	delete(s.byKey, key)
	return true
}

// Scheduled reports whether key is currently armed.
func (s *Scheduler) Scheduled(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.byKey[key]
	return ok
}

// DueAt returns the due time of key, if armed.
func (s *Scheduler) DueAt(key string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.byKey[key]
	if !ok {
		return time.Time{}, false
	}
	return time.Unix(0, it.dueAt), true
}

// Len returns the number of armed keys.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byKey)
}

// Start launches the firing goroutine. It must be called exactly once.
func (s *Scheduler) Start(ctx context.Context, fire func(key string)) {
	s.wg.Add(1)
	go s.run(ctx, fire)
}

// Stop shuts the goroutine down and waits for it to exit. Armed keys are
// abandoned; callers that need them must persist them elsewhere.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.done) })
	s.wg.Wait()
}

func (s *Scheduler) run(ctx context.Context, fire func(key string)) {
	defer s.wg.Done()

	var t *time.Timer
	defer func() {
		if t != nil {
			t.Stop()
		}
	}()

	for {
		s.mu.Lock()
		var next *item
		if s.h.Len() > 0 {
			next = s.h[0]
		}
		s.mu.Unlock()

		if next == nil {
			select {
			case <-ctx.Done():
				return
			case <-s.done:
				return
			case <-s.notify:
			}
			continue
		}

		delay := time.Duration(next.dueAt - s.now().UnixNano())
		if delay <= 0 {
			if key, ok := s.popDue(); ok {
				fire(key)
			}
			continue
		}

		if t == nil {
			t = time.NewTimer(delay)
		} else {
			t.Reset(delay)
		}

		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-s.notify:
			if !t.Stop() {
				select {
				case <-t.C:
				default:
				}
			}
		case <-t.C:
			if key, ok := s.popDue(); ok {
				fire(key)
			}
		}
	}
}

// popDue removes the root if it is due. The root may have changed since the
// goroutine last looked (a Cancel or an earlier Schedule), so it is checked
// again under the lock.
func (s *Scheduler) popDue() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.h.Len() == 0 {
		return "", false
	}
	root := s.h[0]
	if root.dueAt > s.now().UnixNano() {
		return "", false
	}
	heap.Pop(&s.h)
	delete(s.byKey, root.key)
	return root.key, true
}
