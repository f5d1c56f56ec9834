// Package focus tracks whether the host application is focused.
//
// A Manager starts out focused. An environment listener (see
// SetEventListener) is attached lazily when the first subscriber arrives and
// detached when the last one leaves.
package focus

import (
	"sync"

	"github.com/roach88/synq/internal/subscribable"
)

// SetupFunc attaches an environment listener. It receives a setter to report
// focus changes and returns a cleanup that detaches the listener.
type SetupFunc func(setFocused func(focused bool)) (cleanup func())

// Manager holds the focus state and notifies subscribers on changes.
type Manager struct {
	mu      sync.Mutex
	focused *bool
	setup   SetupFunc

	// attachMu serialises setup/cleanup so they can run without holding mu.
	attachMu sync.Mutex
	cleanup  func()

	listeners subscribable.Set[func(focused bool)]
}

// New returns a focused Manager with no environment listener.
func New() *Manager {
	m := &Manager{}
	m.listeners.OnSubscribe = func(count int) {
		if count == 1 {
			m.attach()
		}
	}
	m.listeners.OnUnsubscribe = func(count int) {
		if count == 0 {
			m.detach()
		}
	}
	return m
}

// Subscribe registers l to be called with the new state on every change.
func (m *Manager) Subscribe(l func(focused bool)) (unsubscribe func()) {
	return m.listeners.Subscribe(l)
}

// SetEventListener replaces the environment listener. If a listener is
// currently attached it is torn down and setup is attached in its place.
func (m *Manager) SetEventListener(setup SetupFunc) {
	m.mu.Lock()
	m.setup = setup
	m.mu.Unlock()

	m.attachMu.Lock()
	attached := m.cleanup != nil
	m.attachMu.Unlock()

	if attached {
		m.detach()
		m.attach()
	}
}

// SetFocused records the focus state and notifies subscribers if it changed.
func (m *Manager) SetFocused(focused bool) {
	m.mu.Lock()
	changed := m.focused == nil || *m.focused != focused
	m.focused = &focused
	m.mu.Unlock()

	if changed {
		m.onFocus()
	}
}

// IsFocused reports the last recorded state; true until told otherwise.
func (m *Manager) IsFocused() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.focused == nil {
		return true
	}
	return *m.focused
}

// HasListeners reports whether anything is subscribed.
func (m *Manager) HasListeners() bool {
	return m.listeners.HasListeners()
}

func (m *Manager) onFocus() {
	focused := m.IsFocused()
	for _, l := range m.listeners.Snapshot() {
		l(focused)
	}
}

func (m *Manager) attach() {
	m.mu.Lock()
	setup := m.setup
	m.mu.Unlock()
	if setup == nil {
		return
	}

	m.attachMu.Lock()
	defer m.attachMu.Unlock()
	if m.cleanup != nil {
		return
	}
	cleanup := setup(m.SetFocused)
	if cleanup == nil {
		cleanup = func() {}
	}
	m.cleanup = cleanup
}

func (m *Manager) detach() {
	m.attachMu.Lock()
	cleanup := m.cleanup
	m.cleanup = nil
	m.attachMu.Unlock()

	if cleanup != nil {
		cleanup()
	}
}
