// Package retryer runs one unit of asynchronous work with retries, backoff,
// connectivity-aware pausing and cooperative cancellation.
//
// A Retryer settles exactly once. Cancelling it settles it immediately with a
// CancelledError and cancels the context handed to the work function; if the
// work function ignores the context, its eventual result is discarded.
package retryer

import (
	"context"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/roach88/synq/internal/focus"
	"github.com/roach88/synq/internal/online"
)

// Status is the settlement state of a Retryer.
type Status int

const (
	StatusPending Status = iota
	StatusFulfilled
	StatusRejected
)

// String returns the status name.
func (s Status) String() string {
	switch s {
	case StatusFulfilled:
		return "fulfilled"
	case StatusRejected:
		return "rejected"
	}
	return "pending"
}

// Config configures a Retryer. Only Fn is required.
type Config struct {
	// Fn performs one attempt. The context is cancelled when the Retryer is
	// cancelled.
	Fn func(ctx context.Context) (any, error)

	// Parent is the context attempts derive from. Defaults to Background.
	Parent context.Context

	// Abort is called when the Retryer is cancelled while pending.
	Abort func()

	// OnFail is called after each failed attempt that will be retried, with
	// the updated failure count.
	OnFail func(failureCount int, err error)

	// OnPause and OnContinue bracket every period spent waiting for focus,
	// connectivity or CanRun.
	OnPause    func()
	OnContinue func()

	// OnCancel is called with the cancellation error.
	OnCancel func(err *CancelledError)

	// Retry defaults to Never.
	Retry Policy

	// RetryDelay defaults to DefaultDelay.
	RetryDelay DelayFunc

	NetworkMode NetworkMode

	// CanRun gates starting and continuing. Defaults to always true.
	CanRun func() bool

	Focus  *focus.Manager
	Online *online.Manager
	Logger *slog.Logger
}

// Retryer is a handle on one retried operation.
type Retryer struct {
	cfg Config

	mu             sync.Mutex
	status         Status
	data           any
	err            error
	failureCount   int
	retryCancelled bool
	started        bool
	continueCh     chan struct{}
	done           chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a Retryer. Nothing runs until Start.
func New(cfg Config) *Retryer {
	if cfg.Retry == nil {
		cfg.Retry = Never()
	}
	if cfg.RetryDelay == nil {
		cfg.RetryDelay = DefaultDelay
	}
	if cfg.NetworkMode == "" {
		cfg.NetworkMode = NetworkModeOnline
	}
	if cfg.Focus == nil {
		cfg.Focus = focus.New()
	}
	if cfg.Online == nil {
		cfg.Online = online.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	parent := cfg.Parent
	if parent == nil {
		parent = context.Background()
	}

	ctx, cancel := context.WithCancel(parent)
	return &Retryer{
		cfg:    cfg,
		done:   make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start begins the first attempt on a new goroutine. If the attempt may not
// start yet, the Retryer is paused before Start returns and only a Continue
// call made once it may proceed releases it. Calling Start again has no
// effect.
func (r *Retryer) Start() *Retryer {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return r
	}
	r.started = true

	var ch chan struct{}
	if !r.CanStart() {
		ch = make(chan struct{}, 1)
		r.continueCh = ch
	}
	r.mu.Unlock()

	if ch == nil {
		go r.run()
		return r
	}

	if r.cfg.OnPause != nil {
		r.cfg.OnPause()
	}
	go func() {
		if r.awaitContinue(ch) {
			r.run()
		}
	}()
	return r
}

// Cancel settles a pending Retryer with a CancelledError built from opts.
func (r *Retryer) Cancel(opts CancelOptions) {
	err := &CancelledError{Revert: opts.Revert, Silent: opts.Silent}
	if !r.reject(err) {
		return
	}
	if r.cfg.Abort != nil {
		r.cfg.Abort()
	}
	if r.cfg.OnCancel != nil {
		r.cfg.OnCancel(err)
	}
}

// CancelOptions select how the owner should treat a cancellation.
type CancelOptions struct {
	Revert bool
	Silent bool
}

// Continue wakes a paused Retryer so it re-checks whether it may proceed.
func (r *Retryer) Continue() {
	r.mu.Lock()
	ch := r.continueCh
	r.mu.Unlock()

	if ch != nil {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// CancelRetry stops further retries; the current attempt still completes.
func (r *Retryer) CancelRetry() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.retryCancelled = true
}

// ContinueRetry undoes CancelRetry.
func (r *Retryer) ContinueRetry() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.retryCancelled = false
}

// CanStart reports whether a first attempt may run right now.
func (r *Retryer) CanStart() bool {
	return CanFetch(r.cfg.NetworkMode, r.cfg.Online.IsOnline()) && r.canRun()
}

// Status returns the settlement state.
func (r *Retryer) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// IsPaused reports whether the Retryer is waiting to continue.
func (r *Retryer) IsPaused() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.continueCh != nil
}

// FailureCount returns the number of failed attempts so far.
func (r *Retryer) FailureCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failureCount
}

// Done is closed once the Retryer settles.
func (r *Retryer) Done() <-chan struct{} {
	return r.done
}

// Result returns the settled value. It is only meaningful after Done.
func (r *Retryer) Result() (any, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.data, r.err
}

// Wait blocks until the Retryer settles or ctx is done.
func (r *Retryer) Wait(ctx context.Context) (any, error) {
	select {
	case <-r.done:
		return r.Result()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *Retryer) run() {
	for {
		if r.isResolved() {
			return
		}

		data, err := r.attempt()
		if err == nil {
			r.resolve(data)
			return
		}
		if r.isResolved() {
			return
		}

		r.mu.Lock()
		failureCount := r.failureCount
		shouldRetry := !r.retryCancelled && r.cfg.Retry(failureCount, err)
		if shouldRetry {
			r.failureCount++
		}
		r.mu.Unlock()

		if !shouldRetry {
			r.reject(err)
			return
		}

		if r.cfg.OnFail != nil {
			r.cfg.OnFail(failureCount+1, err)
		}

		delay := r.cfg.RetryDelay(failureCount, err)
		r.cfg.Logger.Debug("retrying after failure",
			"failure_count", failureCount+1,
			"delay", delay,
			"error", err)

		if !r.sleep(delay) {
			return
		}
		if !r.canContinue() && !r.pause() {
			return
		}

		r.mu.Lock()
		cancelled := r.retryCancelled
		r.mu.Unlock()
		if cancelled {
			r.reject(err)
			return
		}
	}
}

// attempt runs Fn once, turning a panic into a PanicError.
func (r *Retryer) attempt() (data any, err error) {
	defer func() {
		if v := recover(); v != nil {
			data, err = nil, &PanicError{Value: v, Stack: debug.Stack()}
		}
	}()
	return r.cfg.Fn(r.ctx)
}

func (r *Retryer) sleep(d time.Duration) bool {
	if d <= 0 {
		return !r.isResolved()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return !r.isResolved()
	case <-r.done:
		return false
	}
}

// pause blocks until the Retryer may continue or settles. It reports whether
// the Retryer is still pending.
func (r *Retryer) pause() bool {
	ch := make(chan struct{}, 1)
	r.mu.Lock()
	r.continueCh = ch
	r.mu.Unlock()

	// a condition that cleared between the caller's check and registering
	// ch would otherwise wait for a Continue that was already sent
	if r.canContinue() {
		r.mu.Lock()
		r.continueCh = nil
		r.mu.Unlock()
		return !r.isResolved()
	}

	if r.cfg.OnPause != nil {
		r.cfg.OnPause()
	}
	return r.awaitContinue(ch)
}

// awaitContinue waits on ch for a Continue that finds the Retryer able to
// proceed. It reports whether the Retryer is still pending.
func (r *Retryer) awaitContinue(ch chan struct{}) bool {
	for {
		select {
		case <-ch:
		case <-r.done:
		}
		if r.isResolved() || r.canContinue() {
			break
		}
	}

	r.mu.Lock()
	r.continueCh = nil
	r.mu.Unlock()

	if r.isResolved() {
		return false
	}
	if r.cfg.OnContinue != nil {
		r.cfg.OnContinue()
	}
	return true
}

func (r *Retryer) canContinue() bool {
	return r.cfg.Focus.IsFocused() &&
		(r.cfg.NetworkMode == NetworkModeAlways || r.cfg.Online.IsOnline()) &&
		r.canRun()
}

func (r *Retryer) canRun() bool {
	if r.cfg.CanRun == nil {
		return true
	}
	return r.cfg.CanRun()
}

func (r *Retryer) isResolved() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status != StatusPending
}

func (r *Retryer) resolve(data any) bool {
	r.mu.Lock()
	if r.status != StatusPending {
		r.mu.Unlock()
		return false
	}
	r.status = StatusFulfilled
	r.data = data
	close(r.done)
	r.mu.Unlock()

	r.cancel()
	return true
}

func (r *Retryer) reject(err error) bool {
	r.mu.Lock()
	if r.status != StatusPending {
		r.mu.Unlock()
		return false
	}
	r.status = StatusRejected
	r.err = err
	close(r.done)
	r.mu.Unlock()

	r.cancel()
	return true
}
