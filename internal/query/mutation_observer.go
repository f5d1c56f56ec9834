package query

import (
	"context"
	"sync"

	"github.com/roach88/synq/internal/keyhash"
	"github.com/roach88/synq/internal/subscribable"
)

// MutateOptions are per-call callbacks for MutationObserver.Mutate. They run
// after the option-level hooks, and only while the observer has listeners.
type MutateOptions struct {
	OnSuccess func(data, variables, mctx any)
	OnError   func(err error, variables, mctx any)
	OnSettled func(data any, err error, variables, mctx any)
}

// MutationResult is the state of the observed mutation plus status flags.
type MutationResult struct {
	MutationState

	IsIdle    bool
	IsPending bool
	IsSuccess bool
	IsError   bool
}

// MutationObserver runs mutations on behalf of a consumer and reports the
// state of the latest one.
//
// Thread-safety: all methods are safe for concurrent use.
type MutationObserver struct {
	client *Client

	mu            sync.Mutex
	options       MutationOptions
	current       *Mutation
	mutateOptions *MutateOptions
	result        MutationResult

	listeners subscribable.Set[func(MutationResult)]
}

// NewMutationObserver creates an observer with opts.
func NewMutationObserver(client *Client, opts MutationOptions) *MutationObserver {
	o := &MutationObserver{client: client}
	o.listeners.OnUnsubscribe = func(count int) {
		if count == 0 {
			if m := o.currentMutation(); m != nil {
				m.removeObserver(o)
			}
		}
	}
	o.SetOptions(opts)
	o.updateResult()
	return o
}

// SetOptions replaces the options. Changing the mutation key resets the
// observer.
func (o *MutationObserver) SetOptions(opts MutationOptions) {
	next := o.client.DefaultMutationOptions(opts)

	o.mu.Lock()
	prev := o.options
	o.options = next
	m := o.current
	o.mu.Unlock()

	if prev.defaulted {
		o.client.mutationCache.Notify(MutationCacheEvent{Type: EventObserverOptionsUpdated, Mutation: m, Observer: o})
	}

	if prev.MutationKey != nil && next.MutationKey != nil && keyhash.Hash(prev.MutationKey) != keyhash.Hash(next.MutationKey) {
		o.Reset()
		return
	}
	if m != nil && m.State().Status == MutationStatusPending {
		m.SetOptions(next)
	}
}

// Subscribe registers l.
func (o *MutationObserver) Subscribe(l func(MutationResult)) (unsubscribe func()) {
	return o.listeners.Subscribe(l)
}

// GetCurrentResult returns the state of the latest mutation.
func (o *MutationObserver) GetCurrentResult() MutationResult {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.result
}

// Mutate builds a new mutation from the observer options and executes it.
// It blocks until the mutation settles.
func (o *MutationObserver) Mutate(ctx context.Context, variables any, opts *MutateOptions) (any, error) {
	o.mu.Lock()
	o.mutateOptions = opts
	prev := o.current
	options := o.options
	o.mu.Unlock()

	if prev != nil {
		prev.removeObserver(o)
	}

	m := o.client.mutationCache.Build(o.client, options, nil)

	o.mu.Lock()
	o.current = m
	o.mu.Unlock()
	m.addObserver(o)

	return m.Execute(ctx, variables)
}

// Reset detaches from the current mutation and reports the idle state.
func (o *MutationObserver) Reset() {
	o.mu.Lock()
	m := o.current
	o.current = nil
	o.mu.Unlock()

	if m != nil {
		m.removeObserver(o)
	}
	o.updateResult()
	o.notify(nil)
}

func (o *MutationObserver) currentMutation() *Mutation {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.current
}

func (o *MutationObserver) onMutationUpdate(a *Action) {
	o.updateResult()
	o.notify(a)
}

func (o *MutationObserver) updateResult() {
	state := defaultMutationState()
	if m := o.currentMutation(); m != nil {
		state = m.State()
	}
	r := MutationResult{
		MutationState: state,
		IsIdle:        state.Status == MutationStatusIdle,
		IsPending:     state.Status == MutationStatusPending,
		IsSuccess:     state.Status == MutationStatusSuccess,
		IsError:       state.Status == MutationStatusError,
	}

	o.mu.Lock()
	o.result = r
	o.mu.Unlock()
}

func (o *MutationObserver) notify(a *Action) {
	o.mu.Lock()
	mo, r := o.mutateOptions, o.result
	o.mu.Unlock()

	n := o.client.notifier
	n.Batch(func() {
		if mo != nil && a != nil && o.listeners.HasListeners() {
			switch a.Type {
			case ActionSuccess:
				n.Schedule(func() {
					if mo.OnSuccess != nil {
						mo.OnSuccess(a.Data, r.Variables, r.Context)
					}
					if mo.OnSettled != nil {
						mo.OnSettled(a.Data, nil, r.Variables, r.Context)
					}
				})
			case ActionError:
				n.Schedule(func() {
					if mo.OnError != nil {
						mo.OnError(a.Error, r.Variables, r.Context)
					}
					if mo.OnSettled != nil {
						mo.OnSettled(nil, a.Error, r.Variables, r.Context)
					}
				})
			}
		}
		for _, l := range o.listeners.Snapshot() {
			l := l
			n.Schedule(func() { l(r) })
		}
	})
}
