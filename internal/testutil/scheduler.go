package testutil

import "sync"

// ManualScheduler holds notification flushes until Tick is called.
//
// Install it with notify.Manager.SetScheduler(s.Schedule) to observe exactly
// which callbacks a batch produced before they run.
type ManualScheduler struct {
	mu      sync.Mutex
	pending []func()
}

// NewManualScheduler creates an empty scheduler.
func NewManualScheduler() *ManualScheduler {
	return &ManualScheduler{}
}

// Schedule queues flush.
func (s *ManualScheduler) Schedule(flush func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = append(s.pending, flush)
}

// Tick runs every queued flush in order and returns how many ran.
// Flushes queued while ticking run on the next Tick.
func (s *ManualScheduler) Tick() int {
	s.mu.Lock()
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()

	for _, fn := range pending {
		fn()
	}
	return len(pending)
}

// Pending returns the number of queued flushes.
func (s *ManualScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}
