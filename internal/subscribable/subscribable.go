// Package subscribable provides the listener registry shared by caches,
// observers and environment managers.
package subscribable

import (
	"sync"
)

// Set is a concurrency-safe registry of listeners of type L.
//
// OnSubscribe runs after a listener is added and OnUnsubscribe after one is
// removed. Both receive the listener count after the change, so owners can
// attach environment hooks on the first subscriber and detach them when the
// last one leaves.
type Set[L any] struct {
	mu        sync.Mutex
	listeners map[uint64]L
	order     []uint64
	nextID    uint64

	OnSubscribe   func(count int)
	OnUnsubscribe func(count int)
}

// Subscribe registers l and returns a function that removes it. The returned
// function is idempotent.
func (s *Set[L]) Subscribe(l L) (unsubscribe func()) {
	s.mu.Lock()
	if s.listeners == nil {
		s.listeners = make(map[uint64]L)
	}
	s.nextID++
	id := s.nextID
	s.listeners[id] = l
	s.order = append(s.order, id)
	count := len(s.listeners)
	hook := s.OnSubscribe
	s.mu.Unlock()

	if hook != nil {
		hook(count)
	}

	var once sync.Once
	return func() {
		once.Do(func() { s.remove(id) })
	}
}

func (s *Set[L]) remove(id uint64) {
	s.mu.Lock()
	if _, ok := s.listeners[id]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.listeners, id)
	for i, v := range s.order {
		if v == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	count := len(s.listeners)
	hook := s.OnUnsubscribe
	s.mu.Unlock()

	if hook != nil {
		hook(count)
	}
}

// Snapshot returns the current listeners in subscription order. Callers
// iterate the snapshot outside the lock, so listeners may unsubscribe while
// being notified.
func (s *Set[L]) Snapshot() []L {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]L, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.listeners[id])
	}
	return out
}

// Len returns the number of registered listeners.
func (s *Set[L]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.listeners)
}

// HasListeners reports whether at least one listener is registered.
func (s *Set[L]) HasListeners() bool {
	return s.Len() > 0
}

// Clear removes every listener without running OnUnsubscribe.
func (s *Set[L]) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = nil
	s.order = nil
}
