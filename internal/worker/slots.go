package worker

// slots bounds how many jobs run at once. A job holds a slot from claim to
// completion, so the poller only claims when one is free.

import (
	"context"
	"sync"
	"time"
)

type slots struct {
	semaphore chan struct{}

	mu     sync.RWMutex
	active int
}

func newSlots(n int) *slots {
	return &slots{semaphore: make(chan struct{}, n)}
}

// Acquire blocks until a slot is free or ctx is done.
func (s *slots) Acquire(ctx context.Context) error {
	select {
	case s.semaphore <- struct{}{}:
		s.mu.Lock()
		s.active++
		s.mu.Unlock()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release frees a slot taken by Acquire.
func (s *slots) Release() {
	s.mu.Lock()
	s.active--
	s.mu.Unlock()
	<-s.semaphore
}

func (s *slots) Active() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

func (s *slots) Capacity() int { return cap(s.semaphore) }

// WaitForDrain blocks until no slot is held or ctx is done.
func (s *slots) WaitForDrain(ctx context.Context) error {
	ticker := time.NewTicker(25 * time.Millisecond)
	defer ticker.Stop()

	for {
		if s.Active() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
