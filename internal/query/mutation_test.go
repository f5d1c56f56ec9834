package query

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/synq/internal/retryer"
)

type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(s string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, s)
}

func (l *callLog) get() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

func hookedClient(t *testing.T, log *callLog) *Client {
	t.Helper()
	mc := NewMutationCache(MutationCacheConfig{
		OnMutate:  func(any, *Mutation) { log.add("cacheMutate") },
		OnSuccess: func(_, _, _ any, _ *Mutation) { log.add("cacheSuccess") },
		OnError:   func(error, any, any, *Mutation) { log.add("cacheError") },
		OnSettled: func(any, error, any, any, *Mutation) { log.add("cacheSettled") },
	})
	return newTestClientWith(t, ClientConfig{MutationCache: mc})
}

func TestMutation_HookOrderOnSuccess(t *testing.T) {
	var log callLog
	c := hookedClient(t, &log)

	var gotCtx any
	m := c.MutationCache().Build(c, MutationOptions{
		MutationFn: func(_ context.Context, vars any) (any, error) { return vars.(string) + "!", nil },
		OnMutate: func(context.Context, any) (any, error) {
			log.add("optMutate")
			return "rollback", nil
		},
		OnSuccess: func(_, _, mctx any) {
			gotCtx = mctx
			log.add("optSuccess")
		},
		OnSettled: func(any, error, any, any) { log.add("optSettled") },
	}, nil)

	data, err := m.Execute(context.Background(), "hi")
	require.NoError(t, err)
	assert.Equal(t, "hi!", data)
	assert.Equal(t, "rollback", gotCtx)
	assert.Equal(t, []string{"cacheMutate", "optMutate", "cacheSuccess", "optSuccess", "cacheSettled", "optSettled"}, log.get())

	s := m.State()
	assert.Equal(t, MutationStatusSuccess, s.Status)
	assert.Equal(t, "hi!", s.Data)
	assert.Equal(t, "hi", s.Variables)
	assert.Equal(t, "rollback", s.Context)
	assert.NotZero(t, s.SubmittedAt)
}

func TestMutation_ErrorClearsDataAndRunsErrorHooks(t *testing.T) {
	var log callLog
	c := hookedClient(t, &log)

	m := c.MutationCache().Build(c, MutationOptions{
		MutationFn: func(context.Context, any) (any, error) { return nil, errBoom },
		OnError:    func(error, any, any) { log.add("optError") },
		OnSettled:  func(any, error, any, any) { log.add("optSettled") },
	}, nil)

	_, err := m.Execute(context.Background(), 1)
	require.ErrorIs(t, err, errBoom)
	assert.Equal(t, []string{"cacheMutate", "cacheError", "optError", "cacheSettled", "optSettled"}, log.get())

	s := m.State()
	assert.Equal(t, MutationStatusError, s.Status)
	assert.Nil(t, s.Data)
	assert.ErrorIs(t, s.Error, errBoom)
	assert.Equal(t, 1, s.FailureCount)
}

func TestMutation_OnMutateErrorSkipsMutationFn(t *testing.T) {
	c := newTestClient(t)
	called := false
	m := c.MutationCache().Build(c, MutationOptions{
		MutationFn: func(context.Context, any) (any, error) {
			called = true
			return "x", nil
		},
		OnMutate: func(context.Context, any) (any, error) { return nil, errBoom },
	}, nil)

	_, err := m.Execute(context.Background(), nil)
	require.ErrorIs(t, err, errBoom)
	assert.False(t, called)
	assert.Equal(t, MutationStatusError, m.State().Status)
}

func TestMutation_MissingMutationFn(t *testing.T) {
	c := newTestClient(t)
	m := c.MutationCache().Build(c, MutationOptions{}, nil)

	_, err := m.Execute(context.Background(), nil)
	assert.ErrorIs(t, err, ErrMissingMutationFn)
}

func TestMutation_RetriesWhenConfigured(t *testing.T) {
	c := newTestClient(t)
	attempts := 0
	m := c.MutationCache().Build(c, MutationOptions{
		MutationFn: func(context.Context, any) (any, error) {
			attempts++
			if attempts < 3 {
				return nil, errBoom
			}
			return "ok", nil
		},
		Retry:      retryer.Times(2),
		RetryDelay: retryer.FixedDelay(time.Millisecond),
	}, nil)

	data, err := m.Execute(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", data)
	assert.Equal(t, 3, attempts)
	assert.Zero(t, m.State().FailureCount)
}

func TestMutation_ContextCancelStopsMutation(t *testing.T) {
	c := newTestClient(t)
	m := c.MutationCache().Build(c, MutationOptions{
		MutationFn: func(ctx context.Context, _ any) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := m.Execute(ctx, nil)
	require.Error(t, err)
	assert.Equal(t, MutationStatusError, m.State().Status)
}

func TestMutation_ScopeRunsSerially(t *testing.T) {
	c := newTestClient(t)
	release := make(chan struct{})
	started := make(chan string, 2)
	scope := &MutationScope{ID: "todos"}

	m1 := c.MutationCache().Build(c, MutationOptions{
		Scope: scope,
		MutationFn: func(context.Context, any) (any, error) {
			started <- "m1"
			<-release
			return "one", nil
		},
	}, nil)
	m2 := c.MutationCache().Build(c, MutationOptions{
		Scope: scope,
		MutationFn: func(context.Context, any) (any, error) {
			started <- "m2"
			return "two", nil
		},
	}, nil)

	done := make(chan struct{}, 2)
	go func() {
		_, _ = m1.Execute(context.Background(), nil)
		done <- struct{}{}
	}()
	require.Equal(t, "m1", <-started)

	go func() {
		_, _ = m2.Execute(context.Background(), nil)
		done <- struct{}{}
	}()

	eventually(t, func() bool { return m2.State().IsPaused }, "second mutation did not wait for its scope")
	assert.Equal(t, MutationStatusPending, m2.State().Status)
	assert.Equal(t, 2, c.IsMutating(MutationFilters{}))

	close(release)
	assert.Equal(t, "m2", <-started)
	<-done
	<-done

	assert.Equal(t, "one", m1.State().Data)
	assert.Equal(t, "two", m2.State().Data)
	assert.False(t, m2.State().IsPaused)
}

func TestMutation_PausedWhileOffline(t *testing.T) {
	c := newTestClient(t)
	c.Online().SetOnline(false)

	m := c.MutationCache().Build(c, MutationOptions{
		MutationFn: func(_ context.Context, vars any) (any, error) { return vars, nil },
	}, nil)

	result := make(chan any, 1)
	go func() {
		data, _ := m.Execute(context.Background(), "queued")
		result <- data
	}()

	eventually(t, func() bool { return m.State().IsPaused }, "mutation not paused offline")

	c.Online().SetOnline(true)
	c.ResumePausedMutations(context.Background())

	select {
	case data := <-result:
		assert.Equal(t, "queued", data)
	case <-time.After(2 * time.Second):
		t.Fatal("paused mutation never resumed")
	}
}

func TestMutationCache_GcRemovesSettledMutations(t *testing.T) {
	c := newTestClient(t)
	gc := 20 * time.Millisecond
	m := c.MutationCache().Build(c, MutationOptions{
		GcTime:     &gc,
		MutationFn: func(context.Context, any) (any, error) { return "x", nil },
	}, nil)
	_, err := m.Execute(context.Background(), nil)
	require.NoError(t, err)

	eventually(t, func() bool { return len(c.MutationCache().GetAll()) == 0 }, "mutation not collected")
}

func TestMutationCache_FindByKeyAndStatus(t *testing.T) {
	c := newTestClient(t)
	ok := func(context.Context, any) (any, error) { return "x", nil }
	m1 := c.MutationCache().Build(c, MutationOptions{MutationKey: QueryKey{"todos", "add"}, MutationFn: ok}, nil)
	m2 := c.MutationCache().Build(c, MutationOptions{MutationKey: QueryKey{"todos", "remove"}}, nil)
	_, err := m1.Execute(context.Background(), nil)
	require.NoError(t, err)

	assert.Same(t, m1, c.MutationCache().Find(MutationFilters{MutationKey: QueryKey{"todos", "add"}}))
	assert.Nil(t, c.MutationCache().Find(MutationFilters{MutationKey: QueryKey{"todos"}}))
	assert.Len(t, c.MutationCache().FindAll(MutationFilters{MutationKey: QueryKey{"todos"}}), 2)
	assert.Equal(t, []*Mutation{m2}, c.MutationCache().FindAll(MutationFilters{Status: MutationStatusIdle}))
}

func TestMutationObserver_ReportsStateAndPerCallCallbacks(t *testing.T) {
	c := newTestClient(t)
	obs := NewMutationObserver(c, MutationOptions{
		MutationFn: func(_ context.Context, vars any) (any, error) { return vars.(int) * 2, nil },
	})
	assert.True(t, obs.GetCurrentResult().IsIdle)

	var statuses []MutationStatus
	var mu sync.Mutex
	unsubscribe := obs.Subscribe(func(r MutationResult) {
		mu.Lock()
		statuses = append(statuses, r.Status)
		mu.Unlock()
	})

	var got any
	data, err := obs.Mutate(context.Background(), 21, &MutateOptions{
		OnSuccess: func(data, _, _ any) { got = data },
	})
	require.NoError(t, err)
	assert.Equal(t, 42, data)
	assert.Equal(t, 42, got)

	r := obs.GetCurrentResult()
	assert.True(t, r.IsSuccess)
	assert.Equal(t, 42, r.Data)
	mu.Lock()
	assert.Equal(t, MutationStatusPending, statuses[0])
	assert.Equal(t, MutationStatusSuccess, statuses[len(statuses)-1])
	mu.Unlock()

	unsubscribe()
	got = nil
	_, err = obs.Mutate(context.Background(), 1, &MutateOptions{
		OnSuccess: func(data, _, _ any) { got = data },
	})
	require.NoError(t, err)
	assert.Nil(t, got, "per-call callback ran without listeners")
}

func TestMutationObserver_Reset(t *testing.T) {
	c := newTestClient(t)
	obs := NewMutationObserver(c, MutationOptions{
		MutationFn: func(context.Context, any) (any, error) { return nil, errBoom },
	})
	defer obs.Subscribe(func(MutationResult) {})()

	_, err := obs.Mutate(context.Background(), nil, nil)
	require.ErrorIs(t, err, errBoom)
	assert.True(t, obs.GetCurrentResult().IsError)

	obs.Reset()
	r := obs.GetCurrentResult()
	assert.True(t, r.IsIdle)
	assert.NoError(t, r.Error)
}

func TestMutationObserver_KeyChangeResets(t *testing.T) {
	c := newTestClient(t)
	fn := func(context.Context, any) (any, error) { return "x", nil }
	obs := NewMutationObserver(c, MutationOptions{MutationKey: QueryKey{"a"}, MutationFn: fn})
	_, err := obs.Mutate(context.Background(), nil, nil)
	require.NoError(t, err)
	require.True(t, obs.GetCurrentResult().IsSuccess)

	obs.SetOptions(MutationOptions{MutationKey: QueryKey{"b"}, MutationFn: fn})
	assert.True(t, obs.GetCurrentResult().IsIdle)
}
