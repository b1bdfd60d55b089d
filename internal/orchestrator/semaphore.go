package orchestrator

import (
	"context"
	"sync"
)

// workerSlots is a context-aware concurrency limiter bounding in-flight
// step work across the whole plan. Scheduling decisions never pass through
// it; only workers about to execute a step do.
type workerSlots struct {
	mu   sync.Mutex
	cond *sync.Cond
	size int
	held int
}

// newWorkerSlots creates a limiter with the given pool size. Sizes below
// one are clamped to one.
func newWorkerSlots(size int) *workerSlots {
	if size < 1 {
		size = 1
	}
	s := &workerSlots{size: size}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Acquire blocks until a slot is free or ctx is done. Returns nil on
// success, or the context error if cancelled.
func (s *workerSlots) Acquire(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Broadcast on cancellation so blocked waiters wake up and can return
	// the context error.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			s.cond.Broadcast()
		case <-done:
		}
	}()

	for s.held >= s.size {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.cond.Wait()
	}

	// Re-check after waking; the wake may have been the cancellation
	// broadcast.
	if err := ctx.Err(); err != nil {
		return err
	}

	s.held++
	return nil
}

// Release frees a slot and signals one waiting worker.
func (s *workerSlots) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.held > 0 {
		s.held--
	}
	s.cond.Signal()
}

// Held returns the number of slots currently in use.
func (s *workerSlots) Held() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.held
}
