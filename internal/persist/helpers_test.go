package persist

import (
	"context"
	"sync"
)

// countingStorage is a MemoryStorage that counts successful writes.
type countingStorage struct {
	MemoryStorage

	mu sync.Mutex
	n  int
}

func (s *countingStorage) SetItem(ctx context.Context, key string, value []byte) error {
	if err := s.MemoryStorage.SetItem(ctx, key, value); err != nil {
		return err
	}
	s.mu.Lock()
	s.n++
	s.mu.Unlock()
	return nil
}

func (s *countingStorage) writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.n
}
