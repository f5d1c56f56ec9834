package query

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/roach88/synq/internal/retryer"
	"github.com/roach88/synq/internal/sharing"
)

// MutationState is the state of one mutation. SubmittedAt is Unix ms.
type MutationState struct {
	Context       any
	Data          any
	Error         error
	FailureCount  int
	FailureReason error
	IsPaused      bool
	Status        MutationStatus
	Variables     any
	SubmittedAt   int64
}

func defaultMutationState() MutationState {
	return MutationState{Status: MutationStatusIdle}
}

// Mutation is one execution of a side effect. Unlike queries, mutations are
// never deduplicated: every Build creates a new one.
type Mutation struct {
	id     int64
	cache  *MutationCache
	client *Client

	mu        sync.Mutex
	options   MutationOptions
	state     MutationState
	observers []*MutationObserver
	retryer   *retryer.Retryer
	gcTime    time.Duration
	gcTimer   *time.Timer
}

// ID returns the cache-assigned id.
func (m *Mutation) ID() int64 { return m.id }

// State returns a copy of the current state.
func (m *Mutation) State() MutationState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Options returns the effective options.
func (m *Mutation) Options() MutationOptions {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.options
}

// Meta returns the user metadata from the options.
func (m *Mutation) Meta() map[string]any {
	return m.Options().Meta
}

// SetOptions replaces the options.
func (m *Mutation) SetOptions(o MutationOptions) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setOptionsLocked(o)
}

func (m *Mutation) setOptionsLocked(o MutationOptions) {
	m.options = o
	m.gcTime = max(m.gcTime, o.gcTime())
}

func (m *Mutation) addObserver(o *MutationObserver) {
	m.mu.Lock()
	if slices.Contains(m.observers, o) {
		m.mu.Unlock()
		return
	}
	m.observers = append(m.observers, o)
	m.clearGcLocked()
	m.mu.Unlock()

	m.cache.Notify(MutationCacheEvent{Type: EventObserverAdded, Mutation: m, Observer: o})
}

func (m *Mutation) removeObserver(o *MutationObserver) {
	m.mu.Lock()
	idx := slices.Index(m.observers, o)
	if idx < 0 {
		m.mu.Unlock()
		return
	}
	m.observers = slices.Delete(m.observers, idx, idx+1)
	m.scheduleGcLocked()
	m.mu.Unlock()

	m.cache.Notify(MutationCacheEvent{Type: EventObserverRemoved, Mutation: m, Observer: o})
}

// Continue resumes a paused mutation and waits for its retryer. A mutation
// restored from a snapshot has no retryer yet and is executed again with its
// stored variables.
func (m *Mutation) Continue(ctx context.Context) (any, error) {
	m.mu.Lock()
	r, vars := m.retryer, m.state.Variables
	m.mu.Unlock()

	if r == nil {
		return m.Execute(ctx, vars)
	}
	r.Continue()
	return r.Wait(ctx)
}

// continueAsync wakes the mutation without waiting for it.
func (m *Mutation) continueAsync() {
	m.mu.Lock()
	r, vars := m.retryer, m.state.Variables
	m.mu.Unlock()

	if r != nil {
		r.Continue()
		return
	}
	go func() {
		_, _ = m.Execute(context.Background(), vars)
	}()
}

// Execute runs the mutation with variables and blocks until it settles,
// invoking the cache and option hooks in order: OnMutate, then OnSuccess or
// OnError, then OnSettled. Cancelling ctx cancels the mutation.
func (m *Mutation) Execute(ctx context.Context, variables any) (any, error) {
	opts := m.Options()

	r := retryer.New(retryer.Config{
		Parent: ctx,
		Fn: func(ctx context.Context) (any, error) {
			if opts.MutationFn == nil {
				return nil, ErrMissingMutationFn
			}
			return opts.MutationFn(ctx, variables)
		},
		OnFail: func(n int, err error) {
			m.dispatch(Action{Type: ActionFailed, FailureCount: n, Error: err})
		},
		OnPause: func() {
			m.dispatch(Action{Type: ActionPause})
		},
		OnContinue: func() {
			m.dispatch(Action{Type: ActionContinue})
		},
		Retry:       opts.retryPolicy(),
		RetryDelay:  opts.RetryDelay,
		NetworkMode: opts.NetworkMode,
		CanRun:      func() bool { return m.cache.canRun(m) },
		Focus:       m.client.focus,
		Online:      m.client.online,
		Logger:      m.cache.logger,
	})

	m.mu.Lock()
	m.retryer = r
	restored := m.state.Status == MutationStatusPending
	m.mu.Unlock()

	defer m.cache.runNext(m)

	stop := context.AfterFunc(ctx, func() { r.Cancel(retryer.CancelOptions{}) })
	defer stop()

	cfg := m.cache.config
	if restored {
		m.dispatch(Action{Type: ActionContinue})
	} else {
		isPaused := !r.CanStart()
		m.dispatch(Action{Type: ActionPending, Variables: variables, IsPaused: isPaused})
		if cfg.OnMutate != nil {
			cfg.OnMutate(variables, m)
		}
		if opts.OnMutate != nil {
			mctx, err := opts.OnMutate(ctx, variables)
			if err != nil {
				r.Cancel(retryer.CancelOptions{Silent: true})
				return m.fail(err, variables)
			}
			if !sharing.Same(mctx, m.State().Context) {
				m.dispatch(Action{Type: ActionPending, Context: mctx, Variables: variables, IsPaused: isPaused})
			}
		}
	}

	<-r.Start().Done()
	data, err := r.Result()
	if err != nil {
		return m.fail(err, variables)
	}

	mctx := m.State().Context
	if cfg.OnSuccess != nil {
		cfg.OnSuccess(data, variables, mctx, m)
	}
	if opts.OnSuccess != nil {
		opts.OnSuccess(data, variables, mctx)
	}
	if cfg.OnSettled != nil {
		cfg.OnSettled(data, nil, variables, mctx, m)
	}
	if opts.OnSettled != nil {
		opts.OnSettled(data, nil, variables, mctx)
	}

	m.dispatch(Action{Type: ActionSuccess, Data: data})
	return data, nil
}

func (m *Mutation) fail(err error, variables any) (any, error) {
	opts := m.Options()
	mctx := m.State().Context
	cfg := m.cache.config

	if cfg.OnError != nil {
		cfg.OnError(err, variables, mctx, m)
	}
	if opts.OnError != nil {
		opts.OnError(err, variables, mctx)
	}
	if cfg.OnSettled != nil {
		cfg.OnSettled(nil, err, variables, mctx, m)
	}
	if opts.OnSettled != nil {
		opts.OnSettled(nil, err, variables, mctx)
	}

	m.dispatch(Action{Type: ActionError, Error: err})
	m.cache.logger.Debug("mutation failed", "mutation_id", m.id, "error", err)
	return nil, err
}

func (m *Mutation) dispatch(a Action) {
	m.mu.Lock()
	s := m.state
	switch a.Type {
	case ActionFailed:
		s.FailureCount = a.FailureCount
		s.FailureReason = a.Error
	case ActionPause:
		s.IsPaused = true
	case ActionContinue:
		s.IsPaused = false
	case ActionPending:
		s = MutationState{
			Context:     a.Context,
			IsPaused:    a.IsPaused,
			Status:      MutationStatusPending,
			Variables:   a.Variables,
			SubmittedAt: m.cache.now().UnixMilli(),
		}
	case ActionSuccess:
		s.Data = a.Data
		s.FailureCount = 0
		s.FailureReason = nil
		s.Error = nil
		s.Status = MutationStatusSuccess
		s.IsPaused = false
	case ActionError:
		s.Data = nil
		s.Error = a.Error
		s.FailureCount++
		s.FailureReason = a.Error
		s.IsPaused = false
		s.Status = MutationStatusError
	}
	m.state = s
	observers := slices.Clone(m.observers)
	m.mu.Unlock()

	m.cache.notifier.Batch(func() {
		for _, o := range observers {
			o.onMutationUpdate(&a)
		}
		m.cache.Notify(MutationCacheEvent{Type: EventUpdated, Mutation: m, Action: &a})
	})
}

func (m *Mutation) scheduleGc() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scheduleGcLocked()
}

func (m *Mutation) scheduleGcLocked() {
	m.clearGcLocked()
	if isValidTimeout(m.gcTime) {
		m.gcTimer = time.AfterFunc(m.gcTime, m.optionalRemove)
	}
}

func (m *Mutation) clearGcLocked() {
	if m.gcTimer != nil {
		m.gcTimer.Stop()
		m.gcTimer = nil
	}
}

func (m *Mutation) optionalRemove() {
	m.mu.Lock()
	if len(m.observers) > 0 {
		m.mu.Unlock()
		return
	}
	if m.state.Status == MutationStatusPending {
		m.scheduleGcLocked()
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()
	m.cache.Remove(m)
}
