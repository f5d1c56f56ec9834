package testutil

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClock_DefaultStart(t *testing.T) {
	c := NewClock(time.Time{})
	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), c.Now())
}

func TestClock_Advance(t *testing.T) {
	start := time.Unix(1000, 0)
	c := NewClock(start)

	assert.Equal(t, start.Add(5*time.Second), c.Advance(5*time.Second))
	assert.Equal(t, start.Add(5*time.Second), c.Now())

	c.Set(start)
	assert.Equal(t, start, c.Now())
}

func TestManualScheduler_Tick(t *testing.T) {
	s := NewManualScheduler()
	var order []int

	s.Schedule(func() { order = append(order, 1) })
	s.Schedule(func() {
		order = append(order, 2)
		s.Schedule(func() { order = append(order, 3) })
	})

	assert.Equal(t, 2, s.Pending())
	assert.Equal(t, 2, s.Tick())
	assert.Equal(t, []int{1, 2}, order)

	assert.Equal(t, 1, s.Tick())
	assert.Equal(t, []int{1, 2, 3}, order)
	assert.Equal(t, 0, s.Tick())
}

func TestFixedIDGenerator(t *testing.T) {
	assert.Equal(t, "tab-a", NewFixedIDGenerator("tab-a").Generate())
	assert.Equal(t, "test-id-default", NewFixedIDGenerator("").Generate())
}

func TestSequenceIDGenerator_ThreadSafe(t *testing.T) {
	gen := NewSequenceIDGenerator("id")
	const n = 100

	var wg sync.WaitGroup
	var mu sync.Mutex
	seen := make(map[string]bool)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := gen.Generate()
			mu.Lock()
			defer mu.Unlock()
			assert.False(t, seen[id], "duplicate id %s", id)
			seen[id] = true
		}()
	}
	wg.Wait()

	assert.Len(t, seen, n)
	assert.True(t, seen["id-1"])
	assert.True(t, seen["id-100"])
}
