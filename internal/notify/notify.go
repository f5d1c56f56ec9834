// Package notify batches listener callbacks.
//
// State transitions inside the engine schedule their listener callbacks
// through a Manager instead of calling them directly. Callbacks scheduled
// while a Batch is running are queued and flushed once, after the outermost
// batch returns. The flush is handed to a pluggable scheduler.
package notify

import (
	"sync"
)

// ScheduleFunc runs a flush. The default runs it synchronously.
type ScheduleFunc func(flush func())

// NotifyFunc wraps the invocation of one callback.
type NotifyFunc func(cb func())

// BatchNotifyFunc wraps the invocation of one flushed batch.
type BatchNotifyFunc func(flush func())

// Manager queues callbacks during batches and flushes them afterwards.
// Manager is safe for concurrent use. Batch depth is shared by all goroutines,
// so a flush happens when the last open batch closes.
type Manager struct {
	mu          sync.Mutex
	queue       []func()
	depth       int
	schedule    ScheduleFunc
	notify      NotifyFunc
	batchNotify BatchNotifyFunc
}

// New returns a Manager with the synchronous scheduler.
func New() *Manager {
	return &Manager{}
}

// Batch runs fn and flushes everything scheduled during it once fn returns.
// Batches nest; only the outermost one flushes.
func (m *Manager) Batch(fn func()) {
	m.mu.Lock()
	m.depth++
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.depth--
		flush := m.depth == 0
		m.mu.Unlock()
		if flush {
			m.flush()
		}
	}()

	fn()
}

// Schedule queues cb if a batch is open, otherwise hands it to the scheduler
// straight away.
func (m *Manager) Schedule(cb func()) {
	m.mu.Lock()
	if m.depth > 0 {
		m.queue = append(m.queue, cb)
		m.mu.Unlock()
		return
	}
	schedule, notify := m.scheduleFn(), m.notifyFn()
	m.mu.Unlock()

	schedule(func() { notify(cb) })
}

// BatchCalls wraps fn so that each call is scheduled through m instead of run
// inline. Calls made during one batch coalesce into that batch's flush.
func BatchCalls[T any](m *Manager, fn func(T)) func(T) {
	return func(v T) {
		m.Schedule(func() { fn(v) })
	}
}

// SetNotifyFunc replaces the wrapper used to invoke each callback.
func (m *Manager) SetNotifyFunc(fn NotifyFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notify = fn
}

// SetBatchNotifyFunc replaces the wrapper around one flushed batch.
func (m *Manager) SetBatchNotifyFunc(fn BatchNotifyFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batchNotify = fn
}

// SetScheduler replaces the scheduler. Passing nil restores the synchronous
// default.
func (m *Manager) SetScheduler(fn ScheduleFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.schedule = fn
}

func (m *Manager) flush() {
	m.mu.Lock()
	queue := m.queue
	m.queue = nil
	schedule, notify, batchNotify := m.scheduleFn(), m.notifyFn(), m.batchNotifyFn()
	m.mu.Unlock()

	if len(queue) == 0 {
		return
	}

	schedule(func() {
		batchNotify(func() {
			for _, cb := range queue {
				notify(cb)
			}
		})
	})
}

func (m *Manager) scheduleFn() ScheduleFunc {
	if m.schedule != nil {
		return m.schedule
	}
	return func(flush func()) { flush() }
}

func (m *Manager) notifyFn() NotifyFunc {
	if m.notify != nil {
		return m.notify
	}
	return func(cb func()) { cb() }
}

func (m *Manager) batchNotifyFn() BatchNotifyFunc {
	if m.batchNotify != nil {
		return m.batchNotify
	}
	return func(flush func()) { flush() }
}
