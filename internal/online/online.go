// Package online tracks network connectivity.
//
// A Manager starts out online. Connectivity is reported either directly with
// SetOnline or by an environment listener attached through SetEventListener;
// ProbeListener builds one that polls a reachability check.
package online

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/roach88/synq/internal/subscribable"
)

// SetupFunc attaches an environment listener. It receives a setter to report
// connectivity changes and returns a cleanup that detaches the listener.
type SetupFunc func(setOnline func(online bool)) (cleanup func())

// Manager holds the connectivity state and notifies subscribers on changes.
type Manager struct {
	mu     sync.Mutex
	online bool
	setup  SetupFunc

	attachMu sync.Mutex
	cleanup  func()

	listeners subscribable.Set[func(online bool)]
}

// New returns an online Manager with no environment listener.
func New() *Manager {
	m := &Manager{online: true}
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
func (m *Manager) Subscribe(l func(online bool)) (unsubscribe func()) {
	return m.listeners.Subscribe(l)
}

// SetEventListener replaces the environment listener, reattaching it if one
// is currently attached.
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

// SetOnline records connectivity and notifies subscribers if it changed.
func (m *Manager) SetOnline(online bool) {
	m.mu.Lock()
	changed := m.online != online
	m.online = online
	m.mu.Unlock()

	if !changed {
		return
	}
	for _, l := range m.listeners.Snapshot() {
		l(online)
	}
}

// IsOnline reports the last recorded connectivity.
func (m *Manager) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// HasListeners reports whether anything is subscribed.
func (m *Manager) HasListeners() bool {
	return m.listeners.HasListeners()
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
	cleanup := setup(m.SetOnline)
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

// ProbeFunc reports whether the network is reachable.
type ProbeFunc func(ctx context.Context) bool

// ProbeListener returns a SetupFunc that runs probe every interval on its own
// goroutine and reports the outcome. The first probe runs immediately. The
// cleanup stops the goroutine and waits for it to exit.
func ProbeListener(probe ProbeFunc, interval time.Duration) SetupFunc {
	return func(setOnline func(bool)) func() {
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})

		go func() {
			defer close(done)
			ticker := time.NewTicker(interval)
			defer ticker.Stop()

			for {
				ok := probe(ctx)
				if ctx.Err() != nil {
					return
				}
				setOnline(ok)

				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
				}
			}
		}()

		return func() {
			cancel()
			<-done
		}
	}
}

// DialProbe returns a ProbeFunc that succeeds when a TCP connection to addr
// can be established within timeout.
func DialProbe(addr string, timeout time.Duration) ProbeFunc {
	return func(ctx context.Context) bool {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return false
		}
		_ = conn.Close()
		return true
	}
}
