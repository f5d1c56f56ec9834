package query

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/roach88/synq/internal/retryer"
)

// QueryBehavior customises how a query fetches. Infinite queries install a
// behavior that fetches page by page.
type QueryBehavior interface {
	OnFetch(fc *FetchContext, q *Query)
}

// FetchContext describes one fetch to a QueryBehavior.
type FetchContext struct {
	FetchOptions FetchOptions
	Options      QueryOptions
	QueryKey     QueryKey
	State        QueryState
	Client       *Client

	// FetchFn performs the fetch. Behaviors may replace it.
	FetchFn func(ctx context.Context) (any, error)

	query *Query
}

// CallQueryFn runs the query function once with a fresh function context.
func (fc *FetchContext) CallQueryFn(ctx context.Context, pageParam any, direction FetchDirection) (any, error) {
	if fc.Options.QueryFn == nil {
		return nil, ErrMissingQueryFn
	}
	qc := &QueryFunctionContext{
		QueryKey:  fc.QueryKey,
		Meta:      fc.Options.Meta,
		PageParam: pageParam,
		Direction: direction,
		Client:    fc.Client,
		ctx:       ctx,
	}
	if q := fc.query; q != nil {
		qc.onContext = func() { q.setAbortConsumed(true) }
	}
	return fc.Options.QueryFn(qc)
}

// Query is one cached asynchronous value and the state machine around it.
//
// Only the owning QueryCache creates queries. At most one fetch runs per
// query; concurrent Fetch calls join it.
type Query struct {
	key    QueryKey
	hash   string
	cache  *QueryCache
	client *Client

	mu             sync.Mutex
	options        QueryOptions
	defaultOptions QueryOptions
	state          QueryState
	initialState   QueryState
	revertState    *QueryState
	observers      []*Observer
	retryer        *retryer.Retryer
	future         *Future
	generation     uint64
	gcTime         time.Duration
	gcTimer        *time.Timer
	abortConsumed  bool
	collected      bool
}

type queryConfig struct {
	client         *Client
	cache          *QueryCache
	key            QueryKey
	hash           string
	options        QueryOptions
	defaultOptions QueryOptions
	state          *QueryState
}

func newQuery(cfg queryConfig) *Query {
	q := &Query{
		key:            cfg.key,
		hash:           cfg.hash,
		cache:          cfg.cache,
		client:         cfg.client,
		defaultOptions: cfg.defaultOptions,
	}
	q.setOptionsLocked(cfg.options)
	q.initialState = defaultQueryState(q.options, q.cache.now())
	if cfg.state != nil {
		q.state = *cfg.state
	} else {
		q.state = q.initialState
	}
	q.scheduleGcLocked()
	return q
}

func defaultQueryState(o QueryOptions, now time.Time) QueryState {
	s := QueryState{Status: StatusPending, FetchStatus: FetchStatusIdle}

	var data any
	if o.InitialData != nil {
		data = o.InitialData()
	}
	if data != nil {
		s.Data = data
		s.Status = StatusSuccess
		s.DataUpdatedAt = o.InitialDataUpdatedAt
		if s.DataUpdatedAt == 0 {
			s.DataUpdatedAt = now.UnixMilli()
		}
	}
	return s
}

// fetchState is the state a query enters when a fetch starts.
func fetchState(s QueryState, mode retryer.NetworkMode, online bool) QueryState {
	s.FetchFailureCount = 0
	s.FetchFailureReason = nil
	if retryer.CanFetch(mode, online) {
		s.FetchStatus = FetchStatusFetching
	} else {
		s.FetchStatus = FetchStatusPaused
	}
	if s.Data == nil {
		s.Error = nil
		s.Status = StatusPending
	}
	return s
}

// Key returns the query key.
func (q *Query) Key() QueryKey { return q.key }

// Hash returns the query hash.
func (q *Query) Hash() string { return q.hash }

// State returns a copy of the current state.
func (q *Query) State() QueryState {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state
}

// Options returns the effective options.
func (q *Query) Options() QueryOptions {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.options
}

// Meta returns the user metadata from the options.
func (q *Query) Meta() map[string]any {
	return q.Options().Meta
}

// ObserversCount returns the number of attached observers.
func (q *Query) ObserversCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.observers)
}

func (q *Query) observerSnapshot() []*Observer {
	q.mu.Lock()
	defer q.mu.Unlock()
	return slices.Clone(q.observers)
}

func (q *Query) setOptions(o QueryOptions) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.setOptionsLocked(o)
}

func (q *Query) setOptionsLocked(o QueryOptions) {
	q.options = q.defaultOptions.merge(o)
	// the longest gc time seen wins
	q.gcTime = max(q.gcTime, q.options.gcTime())
}

func (q *Query) setAbortConsumed(v bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.abortConsumed = v
}

// SetData stores data as if a fetch had succeeded and returns the stored,
// structurally shared value.
func (q *Query) SetData(data any, opts SetDataOptions) any {
	q.mu.Lock()
	shared := q.options.replaceData(q.state.Data, data)
	updatedAt := opts.UpdatedAt
	if updatedAt == 0 {
		updatedAt = q.cache.now().UnixMilli()
	}
	a := Action{Type: ActionSuccess, Data: shared, DataUpdatedAt: updatedAt, Manual: opts.manual}
	q.reduceLocked(a)
	q.mu.Unlock()

	q.publish(a)
	return shared
}

// SetState replaces the state wholesale.
func (q *Query) SetState(s QueryState) {
	q.dispatch(Action{Type: ActionSetState, State: &s})
}

// Invalidate marks the data stale without fetching.
func (q *Query) Invalidate() {
	q.mu.Lock()
	invalidated := q.state.IsInvalidated
	q.mu.Unlock()
	if !invalidated {
		q.dispatch(Action{Type: ActionInvalidate})
	}
}

// Cancel cancels the in-flight fetch and returns its Future, which settles
// once the cancellation has been applied. Without a fetch it returns a
// settled Future.
func (q *Query) Cancel(opts CancelOptions) *Future {
	q.mu.Lock()
	r, f := q.retryer, q.future
	q.mu.Unlock()

	if r == nil || f == nil {
		return resolvedFuture(nil, nil)
	}
	r.Cancel(retryer.CancelOptions{Revert: opts.Revert, Silent: opts.Silent})
	return f
}

// Reset drops the current fetch and restores the initial state.
func (q *Query) Reset() {
	q.mu.Lock()
	q.generation++
	r := q.retryer
	q.clearGcLocked()
	initial := q.initialState
	q.mu.Unlock()

	if r != nil {
		r.Cancel(retryer.CancelOptions{Silent: true})
	}
	q.SetState(initial)
}

// destroy is called by the cache when the query is removed.
func (q *Query) destroy() {
	q.mu.Lock()
	q.clearGcLocked()
	r := q.retryer
	q.mu.Unlock()

	if r != nil {
		r.Cancel(retryer.CancelOptions{Silent: true})
	}
}

// IsActive reports whether any observer is enabled.
func (q *Query) IsActive() bool {
	for _, o := range q.observerSnapshot() {
		if o.currentOptions().enabled(q) {
			return true
		}
	}
	return false
}

// IsDisabled reports whether the query cannot be fetched by its observers,
// or, without observers, has never been fetched.
func (q *Query) IsDisabled() bool {
	if q.ObserversCount() > 0 {
		return !q.IsActive()
	}
	s := q.State()
	return s.DataUpdateCount+s.ErrorUpdateCount == 0
}

// IsStatic reports whether an observer declares the data static.
func (q *Query) IsStatic() bool {
	for _, o := range q.observerSnapshot() {
		if o.currentOptions().staleTime(q) == StaleTimeStatic {
			return true
		}
	}
	return false
}

// IsStale reports staleness. With observers, their results decide;
// otherwise missing or invalidated data is stale.
func (q *Query) IsStale() bool {
	if observers := q.observerSnapshot(); len(observers) > 0 {
		for _, o := range observers {
			if o.GetCurrentResult().IsStale {
				return true
			}
		}
		return false
	}
	s := q.State()
	return s.Data == nil || s.IsInvalidated
}

// IsStaleByTime reports whether the data is older than staleTime.
func (q *Query) IsStaleByTime(staleTime time.Duration) bool {
	s := q.State()
	if s.Data == nil {
		return true
	}
	if staleTime == StaleTimeStatic {
		return false
	}
	if s.IsInvalidated {
		return true
	}
	return timeUntilStale(s.DataUpdatedAt, staleTime, q.cache.now()) == 0
}

// OnFocus refetches through the first observer that wants to and wakes a
// paused fetch.
func (q *Query) OnFocus() {
	for _, o := range q.observerSnapshot() {
		if o.shouldFetchOnWindowFocus() {
			o.executeFetch(FetchOptions{})
			break
		}
	}
	q.continueFetch()
}

// OnOnline refetches through the first observer that wants to and wakes a
// paused fetch.
func (q *Query) OnOnline() {
	for _, o := range q.observerSnapshot() {
		if o.shouldFetchOnReconnect() {
			o.executeFetch(FetchOptions{})
			break
		}
	}
	q.continueFetch()
}

func (q *Query) continueFetch() {
	q.mu.Lock()
	r := q.retryer
	q.mu.Unlock()
	if r != nil {
		r.Continue()
	}
}

// addObserver reports false when q was garbage collected and can no longer
// be observed.
func (q *Query) addObserver(o *Observer) bool {
	q.mu.Lock()
	if q.collected {
		q.mu.Unlock()
		return false
	}
	if slices.Contains(q.observers, o) {
		q.mu.Unlock()
		return true
	}
	q.observers = append(q.observers, o)
	q.clearGcLocked()
	q.mu.Unlock()

	q.cache.Notify(QueryCacheEvent{Type: EventObserverAdded, Query: q, Observer: o})
	return true
}

func (q *Query) removeObserver(o *Observer) {
	q.mu.Lock()
	idx := slices.Index(q.observers, o)
	if idx < 0 {
		q.mu.Unlock()
		return
	}
	q.observers = slices.Delete(q.observers, idx, idx+1)

	var r *retryer.Retryer
	revert := false
	if len(q.observers) == 0 {
		r = q.retryer
		revert = q.abortConsumed
		q.scheduleGcLocked()
	}
	q.mu.Unlock()

	if r != nil {
		if revert {
			r.Cancel(retryer.CancelOptions{Revert: true})
		} else {
			r.CancelRetry()
		}
	}

	q.cache.Notify(QueryCacheEvent{Type: EventObserverRemoved, Query: q, Observer: o})
}

// Fetch starts a fetch, or joins the one in flight, and returns its Future.
// opts, when non-nil, replaces the query options first.
func (q *Query) Fetch(opts *QueryOptions, fetchOpts FetchOptions) *Future {
	q.mu.Lock()
	if q.state.FetchStatus != FetchStatusIdle && q.retryer != nil && q.retryer.Status() != retryer.StatusRejected {
		if q.state.Data != nil && fetchOpts.CancelRefetch {
			// the superseded Future follows the new fetch
			q.retryer.Cancel(retryer.CancelOptions{Silent: true})
		} else if q.future != nil {
			q.retryer.ContinueRetry()
			f := q.future
			q.mu.Unlock()
			return f
		}
	}

	if opts != nil {
		q.setOptionsLocked(*opts)
	}
	if q.options.QueryFn == nil {
		for _, o := range q.observers {
			if oo := o.currentOptions(); oo.QueryFn != nil {
				q.setOptionsLocked(oo)
				break
			}
		}
	}

	q.generation++
	gen := q.generation
	options := q.options

	fc := &FetchContext{
		FetchOptions: fetchOpts,
		Options:      options,
		QueryKey:     q.key,
		State:        q.state,
		Client:       q.client,
		query:        q,
	}
	fc.FetchFn = func(ctx context.Context) (any, error) {
		return fc.CallQueryFn(ctx, nil, "")
	}
	if options.Behavior != nil {
		options.Behavior.OnFetch(fc, q)
	}

	revert := q.state
	q.revertState = &revert

	var fetchAction *Action
	if q.state.FetchStatus == FetchStatusIdle || q.state.FetchMeta != fetchOpts.Meta {
		a := Action{Type: ActionFetch, Meta: fetchOpts.Meta}
		q.reduceLocked(a)
		fetchAction = &a
	}

	policy := options.retryPolicy()
	r := retryer.New(retryer.Config{
		Fn: func(ctx context.Context) (any, error) {
			q.setAbortConsumed(false)
			return fc.FetchFn(ctx)
		},
		OnFail: func(n int, err error) {
			q.dispatchGen(gen, Action{Type: ActionFailed, FailureCount: n, Error: err})
		},
		OnPause: func() {
			q.dispatchGen(gen, Action{Type: ActionPause})
		},
		OnContinue: func() {
			q.dispatchGen(gen, Action{Type: ActionContinue})
		},
		Retry: func(n int, err error) bool {
			if errors.Is(err, ErrMissingQueryFn) {
				return false
			}
			return policy(n, err)
		},
		RetryDelay:  options.RetryDelay,
		NetworkMode: options.NetworkMode,
		Focus:       q.client.focus,
		Online:      q.client.online,
		Logger:      q.cache.logger,
	})
	f := newFuture()
	q.retryer = r
	q.future = f
	q.mu.Unlock()

	if fetchAction != nil {
		q.publish(*fetchAction)
	}

	r.Start()
	go q.awaitFetch(gen, r, f)
	return f
}

func (q *Query) awaitFetch(gen uint64, r *retryer.Retryer, f *Future) {
	<-r.Done()
	data, err := r.Result()
	if err == nil && data == nil {
		err = ErrUndefinedData
	}

	if ce, ok := retryer.AsCancelledError(err); ok {
		q.settleCancelled(gen, ce, f)
		return
	}
	if err != nil {
		q.settleError(gen, err, f)
		return
	}
	q.settleSuccess(gen, data, f)
}

func (q *Query) settleSuccess(gen uint64, data any, f *Future) {
	q.mu.Lock()
	if gen != q.generation {
		q.mu.Unlock()
		f.settle(data, nil)
		return
	}
	shared := q.options.replaceData(q.state.Data, data)
	a := Action{Type: ActionSuccess, Data: shared, DataUpdatedAt: q.cache.now().UnixMilli()}
	q.reduceLocked(a)
	q.scheduleGcLocked()
	q.mu.Unlock()

	q.publish(a)

	cfg := q.cache.config
	if cfg.OnSuccess != nil {
		cfg.OnSuccess(shared, q)
	}
	if cfg.OnSettled != nil {
		cfg.OnSettled(shared, nil, q)
	}
	f.settle(shared, nil)
}

func (q *Query) settleError(gen uint64, err error, f *Future) {
	q.mu.Lock()
	if gen != q.generation {
		q.mu.Unlock()
		f.settle(nil, err)
		return
	}
	a := Action{Type: ActionError, Error: err}
	q.reduceLocked(a)
	q.scheduleGcLocked()
	q.mu.Unlock()

	q.publish(a)
	q.cache.logger.Debug("query fetch failed", "query_hash", q.hash, "error", err)

	cfg := q.cache.config
	if cfg.OnError != nil {
		cfg.OnError(err, q)
	}
	if cfg.OnSettled != nil {
		cfg.OnSettled(nil, err, q)
	}
	f.settle(nil, err)
}

func (q *Query) settleCancelled(gen uint64, ce *retryer.CancelledError, f *Future) {
	if ce.Silent {
		q.mu.Lock()
		next := q.future
		q.mu.Unlock()
		if next != nil && next != f {
			f.follow(next)
			return
		}
		f.settle(nil, ce)
		return
	}

	q.mu.Lock()
	if gen != q.generation {
		q.mu.Unlock()
		f.settle(nil, ce)
		return
	}
	s := q.state
	if ce.Revert && q.revertState != nil {
		s = *q.revertState
	}
	s.FetchStatus = FetchStatusIdle
	a := Action{Type: ActionSetState, State: &s}
	q.reduceLocked(a)
	q.scheduleGcLocked()
	data := q.state.Data
	q.mu.Unlock()

	q.publish(a)

	if ce.Revert && data != nil {
		f.settle(data, nil)
		return
	}
	f.settle(nil, ce)
}

func (q *Query) dispatch(a Action) {
	q.mu.Lock()
	q.reduceLocked(a)
	q.mu.Unlock()
	q.publish(a)
}

// dispatchGen applies a only while gen is still the current fetch.
func (q *Query) dispatchGen(gen uint64, a Action) {
	q.mu.Lock()
	if gen != q.generation {
		q.mu.Unlock()
		return
	}
	q.reduceLocked(a)
	q.mu.Unlock()
	q.publish(a)
}

func (q *Query) reduceLocked(a Action) {
	s := q.state
	switch a.Type {
	case ActionFailed:
		s.FetchFailureCount = a.FailureCount
		s.FetchFailureReason = a.Error
	case ActionPause:
		s.FetchStatus = FetchStatusPaused
	case ActionContinue:
		s.FetchStatus = FetchStatusFetching
	case ActionFetch:
		s = fetchState(s, q.options.NetworkMode, q.client.online.IsOnline())
		s.FetchMeta = a.Meta
	case ActionSuccess:
		s.Data = a.Data
		s.DataUpdateCount++
		s.DataUpdatedAt = a.DataUpdatedAt
		if s.DataUpdatedAt == 0 {
			s.DataUpdatedAt = q.cache.now().UnixMilli()
		}
		s.Error = nil
		s.IsInvalidated = false
		s.Status = StatusSuccess
		if !a.Manual {
			s.FetchStatus = FetchStatusIdle
			s.FetchFailureCount = 0
			s.FetchFailureReason = nil
			q.revertState = nil
		} else {
			rs := s
			q.revertState = &rs
		}
	case ActionError:
		s.Error = a.Error
		s.ErrorUpdateCount++
		s.ErrorUpdatedAt = q.cache.now().UnixMilli()
		s.FetchFailureCount++
		s.FetchFailureReason = a.Error
		s.FetchStatus = FetchStatusIdle
		s.Status = StatusError
	case ActionInvalidate:
		s.IsInvalidated = true
	case ActionSetState:
		s = *a.State
	}
	q.state = s
}

// publish tells observers and cache listeners about a, in one batch.
func (q *Query) publish(a Action) {
	q.cache.notifier.Batch(func() {
		for _, o := range q.observerSnapshot() {
			o.onQueryUpdate()
		}
		q.cache.Notify(QueryCacheEvent{Type: EventUpdated, Query: q, Action: &a})
	})
}

func (q *Query) scheduleGc() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.scheduleGcLocked()
}

func (q *Query) scheduleGcLocked() {
	q.clearGcLocked()
	if isValidTimeout(q.gcTime) {
		q.gcTimer = time.AfterFunc(q.gcTime, q.optionalRemove)
	}
}

func (q *Query) clearGcLocked() {
	if q.gcTimer != nil {
		q.gcTimer.Stop()
		q.gcTimer = nil
	}
}

func (q *Query) optionalRemove() {
	q.cache.removeUnused(q)
}
