package notify

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/roach88/synq/internal/testutil"
)

func TestSchedule_OutsideBatchRunsImmediately(t *testing.T) {
	m := New()
	calls := 0
	m.Schedule(func() { calls++ })
	assert.Equal(t, 1, calls)
}

func TestBatch_FlushesOnceAfterOutermost(t *testing.T) {
	m := New()
	var order []string

	m.Batch(func() {
		m.Schedule(func() { order = append(order, "a") })
		m.Batch(func() {
			m.Schedule(func() { order = append(order, "b") })
		})
		assert.Empty(t, order, "nested batch must not flush")
		m.Schedule(func() { order = append(order, "c") })
	})

	assert.Equal(t, []string{"a", "b", "c"}, order)
}

func TestBatch_FlushesWhenFnPanics(t *testing.T) {
	m := New()
	called := false

	assert.Panics(t, func() {
		m.Batch(func() {
			m.Schedule(func() { called = true })
			panic("boom")
		})
	})
	assert.True(t, called)

	// depth must be back to zero
	n := 0
	m.Schedule(func() { n++ })
	assert.Equal(t, 1, n)
}

func TestBatchCalls_Coalesce(t *testing.T) {
	m := New()
	var got []int
	fn := BatchCalls(m, func(v int) { got = append(got, v) })

	m.Batch(func() {
		fn(1)
		fn(2)
		assert.Empty(t, got)
	})
	assert.Equal(t, []int{1, 2}, got)
}

func TestSetBatchNotifyFunc_WrapsWholeFlush(t *testing.T) {
	m := New()
	batches := 0
	m.SetBatchNotifyFunc(func(flush func()) {
		batches++
		flush()
	})

	n := 0
	m.Batch(func() {
		m.Schedule(func() { n++ })
		m.Schedule(func() { n++ })
	})

	assert.Equal(t, 1, batches)
	assert.Equal(t, 2, n)
}

func TestSetNotifyFunc_WrapsEachCallback(t *testing.T) {
	m := New()
	wrapped := 0
	m.SetNotifyFunc(func(cb func()) {
		wrapped++
		cb()
	})

	m.Batch(func() {
		m.Schedule(func() {})
		m.Schedule(func() {})
	})
	m.Schedule(func() {})

	assert.Equal(t, 3, wrapped)
}

func TestSetScheduler_Manual(t *testing.T) {
	m := New()
	sched := testutil.NewManualScheduler()
	m.SetScheduler(sched.Schedule)

	n := 0
	m.Batch(func() { m.Schedule(func() { n++ }) })
	assert.Equal(t, 0, n, "flush waits for the scheduler")
	assert.Equal(t, 1, sched.Pending())

	sched.Tick()
	assert.Equal(t, 1, n)

	m.SetScheduler(nil)
	m.Schedule(func() { n++ })
	assert.Equal(t, 2, n)
}

func TestManager_ConcurrentSchedule(t *testing.T) {
	m := New()
	var mu sync.Mutex
	n := 0

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Batch(func() {
				m.Schedule(func() {
					mu.Lock()
					n++
					mu.Unlock()
				})
			})
		}()
	}
	wg.Wait()

	assert.Equal(t, 50, n)
}
