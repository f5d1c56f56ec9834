package retryer

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/synq/internal/focus"
	"github.com/roach88/synq/internal/online"
)

var errBoom = errors.New("boom")

func waitResult(t *testing.T, r *Retryer) (any, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	data, err := r.Wait(ctx)
	require.NotErrorIs(t, err, context.DeadlineExceeded, "retryer did not settle")
	return data, err
}

func TestRetryer_Success(t *testing.T) {
	r := New(Config{
		Fn: func(context.Context) (any, error) { return "ok", nil },
	}).Start()

	data, err := waitResult(t, r)
	require.NoError(t, err)
	assert.Equal(t, "ok", data)
	assert.Equal(t, StatusFulfilled, r.Status())
}

func TestRetryer_RetryNMeansNPlusOneCalls(t *testing.T) {
	var calls atomic.Int32
	var failures []int

	r := New(Config{
		Fn: func(context.Context) (any, error) {
			calls.Add(1)
			return nil, errBoom
		},
		Retry:      Times(3),
		RetryDelay: FixedDelay(0),
		OnFail:     func(n int, _ error) { failures = append(failures, n) },
	}).Start()

	_, err := waitResult(t, r)
	assert.ErrorIs(t, err, errBoom)
	assert.Equal(t, int32(4), calls.Load())
	assert.Equal(t, []int{1, 2, 3}, failures)
	assert.Equal(t, 3, r.FailureCount())
	assert.Equal(t, StatusRejected, r.Status())
}

func TestRetryer_PolicyReceivesFailureCount(t *testing.T) {
	var seen []int
	r := New(Config{
		Fn: func(context.Context) (any, error) { return nil, errBoom },
		Retry: func(n int, err error) bool {
			seen = append(seen, n)
			return n < 1
		},
		RetryDelay: FixedDelay(0),
	}).Start()

	_, err := waitResult(t, r)
	assert.ErrorIs(t, err, errBoom)
	assert.Equal(t, []int{0, 1}, seen)
}

func TestRetryer_SucceedsAfterRetry(t *testing.T) {
	var calls atomic.Int32
	r := New(Config{
		Fn: func(context.Context) (any, error) {
			if calls.Add(1) < 3 {
				return nil, errBoom
			}
			return 42, nil
		},
		Retry:      Always(),
		RetryDelay: FixedDelay(time.Millisecond),
	}).Start()

	data, err := waitResult(t, r)
	require.NoError(t, err)
	assert.Equal(t, 42, data)
}

func TestRetryer_CancelDiscardsLateResult(t *testing.T) {
	release := make(chan struct{})
	var aborted atomic.Bool

	r := New(Config{
		Fn: func(context.Context) (any, error) {
			<-release
			return "late", nil
		},
		Abort: func() { aborted.Store(true) },
	}).Start()

	r.Cancel(CancelOptions{Revert: true})
	close(release)

	data, err := waitResult(t, r)
	assert.Nil(t, data)
	ce, ok := AsCancelledError(err)
	require.True(t, ok)
	assert.True(t, ce.Revert)
	assert.True(t, aborted.Load())

	// the late value never replaces the cancellation
	time.Sleep(5 * time.Millisecond)
	_, err = r.Result()
	assert.True(t, IsCancelledError(err))
}

func TestRetryer_CancelCancelsContext(t *testing.T) {
	started := make(chan struct{})
	r := New(Config{
		Fn: func(ctx context.Context) (any, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}).Start()

	<-started
	r.Cancel(CancelOptions{})
	_, err := waitResult(t, r)
	assert.True(t, IsCancelledError(err))
}

func TestRetryer_CancelAfterSettleIsNoop(t *testing.T) {
	cancelled := false
	r := New(Config{
		Fn:       func(context.Context) (any, error) { return 1, nil },
		OnCancel: func(*CancelledError) { cancelled = true },
	}).Start()
	waitResult(t, r)

	r.Cancel(CancelOptions{})
	assert.False(t, cancelled)
	assert.Equal(t, StatusFulfilled, r.Status())
}

func TestRetryer_CancelDuringBackoff(t *testing.T) {
	var calls atomic.Int32
	r := New(Config{
		Fn: func(context.Context) (any, error) {
			calls.Add(1)
			return nil, errBoom
		},
		Retry:      Always(),
		RetryDelay: FixedDelay(time.Hour),
	}).Start()

	require.Eventually(t, func() bool { return r.FailureCount() == 1 }, time.Second, time.Millisecond)
	r.Cancel(CancelOptions{})

	_, err := waitResult(t, r)
	assert.True(t, IsCancelledError(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestRetryer_CancelRetryRejectsWithLastError(t *testing.T) {
	var calls atomic.Int32
	r := New(Config{
		Fn: func(context.Context) (any, error) {
			calls.Add(1)
			return nil, errBoom
		},
		Retry:      Always(),
		RetryDelay: FixedDelay(200 * time.Millisecond),
	}).Start()

	require.Eventually(t, func() bool { return r.FailureCount() == 1 }, time.Second, time.Millisecond)
	r.CancelRetry()

	_, err := waitResult(t, r)
	assert.ErrorIs(t, err, errBoom)
	assert.Equal(t, int32(1), calls.Load())
}

func TestRetryer_PausesWhileOffline(t *testing.T) {
	om := online.New()
	om.SetOnline(false)

	var calls atomic.Int32
	var paused, continued atomic.Int32
	r := New(Config{
		Fn: func(context.Context) (any, error) {
			calls.Add(1)
			return "data", nil
		},
		Online:     om,
		OnPause:    func() { paused.Add(1) },
		OnContinue: func() { continued.Add(1) },
	})

	assert.False(t, r.CanStart())
	r.Start()

	require.Eventually(t, r.IsPaused, time.Second, time.Millisecond)
	assert.Equal(t, int32(0), calls.Load())

	// continuing while still offline keeps it paused
	r.Continue()
	time.Sleep(5 * time.Millisecond)
	assert.Equal(t, int32(0), calls.Load())

	om.SetOnline(true)
	r.Continue()

	data, err := waitResult(t, r)
	require.NoError(t, err)
	assert.Equal(t, "data", data)
	assert.Equal(t, int32(1), paused.Load())
	assert.Equal(t, int32(1), continued.Load())
}

func TestRetryer_StartPausesBeforeReturning(t *testing.T) {
	om := online.New()
	om.SetOnline(false)

	var calls, paused atomic.Int32
	r := New(Config{
		Fn: func(context.Context) (any, error) {
			calls.Add(1)
			return "data", nil
		},
		Online:  om,
		OnPause: func() { paused.Add(1) },
	}).Start()

	assert.True(t, r.IsPaused())
	assert.Equal(t, int32(1), paused.Load())

	// regaining connectivity alone does not release it
	om.SetOnline(true)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(0), calls.Load())
	assert.True(t, r.IsPaused())

	r.Continue()
	data, err := waitResult(t, r)
	require.NoError(t, err)
	assert.Equal(t, "data", data)
	assert.Equal(t, int32(1), calls.Load())
}

func TestRetryer_AlwaysModeIgnoresConnectivity(t *testing.T) {
	om := online.New()
	om.SetOnline(false)

	r := New(Config{
		Fn:          func(context.Context) (any, error) { return 1, nil },
		Online:      om,
		NetworkMode: NetworkModeAlways,
	})
	assert.True(t, r.CanStart())
	r.Start()

	_, err := waitResult(t, r)
	require.NoError(t, err)
}

func TestRetryer_OfflineFirstPausesRetries(t *testing.T) {
	om := online.New()
	om.SetOnline(false)

	var calls atomic.Int32
	r := New(Config{
		Fn: func(context.Context) (any, error) {
			if calls.Add(1) == 1 {
				return nil, errBoom
			}
			return "second", nil
		},
		Online:      om,
		NetworkMode: NetworkModeOfflineFirst,
		Retry:       Times(1),
		RetryDelay:  FixedDelay(0),
	}).Start()

	require.Eventually(t, r.IsPaused, time.Second, time.Millisecond)
	assert.Equal(t, int32(1), calls.Load(), "first attempt runs while offline")

	om.SetOnline(true)
	r.Continue()

	data, err := waitResult(t, r)
	require.NoError(t, err)
	assert.Equal(t, "second", data)
}

func TestRetryer_PausesWhileUnfocused(t *testing.T) {
	fm := focus.New()
	fm.SetFocused(false)

	var calls atomic.Int32
	r := New(Config{
		Fn: func(context.Context) (any, error) {
			if calls.Add(1) == 1 {
				return nil, errBoom
			}
			return "ok", nil
		},
		Focus:      fm,
		Retry:      Times(1),
		RetryDelay: FixedDelay(0),
	}).Start()

	require.Eventually(t, r.IsPaused, time.Second, time.Millisecond)

	fm.SetFocused(true)
	r.Continue()

	data, err := waitResult(t, r)
	require.NoError(t, err)
	assert.Equal(t, "ok", data)
}

func TestRetryer_CanRunGate(t *testing.T) {
	var allowed atomic.Bool
	r := New(Config{
		Fn:     func(context.Context) (any, error) { return "ran", nil },
		CanRun: allowed.Load,
	}).Start()

	require.Eventually(t, r.IsPaused, time.Second, time.Millisecond)
	allowed.Store(true)
	r.Continue()

	data, err := waitResult(t, r)
	require.NoError(t, err)
	assert.Equal(t, "ran", data)
}

func TestRetryer_CancelWhilePaused(t *testing.T) {
	om := online.New()
	om.SetOnline(false)

	r := New(Config{
		Fn:     func(context.Context) (any, error) { return nil, nil },
		Online: om,
	}).Start()

	require.Eventually(t, r.IsPaused, time.Second, time.Millisecond)
	r.Cancel(CancelOptions{Silent: true})

	_, err := waitResult(t, r)
	ce, ok := AsCancelledError(err)
	require.True(t, ok)
	assert.True(t, ce.Silent)
}

func TestRetryer_PanicBecomesError(t *testing.T) {
	r := New(Config{
		Fn: func(context.Context) (any, error) { panic("kaboom") },
	}).Start()

	_, err := waitResult(t, r)
	var pe *PanicError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "kaboom", pe.Value)
	assert.NotEmpty(t, pe.Stack)
}

func TestRetryer_StartIsIdempotent(t *testing.T) {
	var calls atomic.Int32
	r := New(Config{
		Fn: func(context.Context) (any, error) {
			calls.Add(1)
			return nil, nil
		},
	})
	r.Start()
	r.Start()
	waitResult(t, r)

	time.Sleep(5 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
}

func TestDefaultDelay(t *testing.T) {
	assert.Equal(t, time.Second, DefaultDelay(0, nil))
	assert.Equal(t, 2*time.Second, DefaultDelay(1, nil))
	assert.Equal(t, 16*time.Second, DefaultDelay(4, nil))
	assert.Equal(t, 30*time.Second, DefaultDelay(5, nil))
	assert.Equal(t, 30*time.Second, DefaultDelay(100, nil))
}

func TestCanFetch(t *testing.T) {
	assert.True(t, CanFetch(NetworkModeOnline, true))
	assert.False(t, CanFetch(NetworkModeOnline, false))
	assert.True(t, CanFetch(NetworkModeAlways, false))
	assert.True(t, CanFetch(NetworkModeOfflineFirst, false))
}

func TestCancelledError_Wrapped(t *testing.T) {
	err := &CancelledError{Revert: true}
	wrapped := errors.Join(errBoom, err)
	assert.True(t, IsCancelledError(wrapped))
	assert.False(t, IsCancelledError(errBoom))
}
