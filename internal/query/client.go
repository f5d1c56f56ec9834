package query

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/synq/internal/focus"
	"github.com/roach88/synq/internal/keyhash"
	"github.com/roach88/synq/internal/notify"
	"github.com/roach88/synq/internal/online"
	"github.com/roach88/synq/internal/retryer"
)

// ClientConfig configures a Client. Every field is optional; omitted
// collaborators are created fresh for the client.
type ClientConfig struct {
	QueryCache     *QueryCache
	MutationCache  *MutationCache
	DefaultOptions DefaultOptions

	Focus  *focus.Manager
	Online *online.Manager
	Notify *notify.Manager

	Logger *slog.Logger

	// Now is the clock used for timestamps. Defaults to time.Now.
	Now func() time.Time
}

type queryDefaults struct {
	hash    string
	key     QueryKey
	options QueryOptions
}

type mutationDefaults struct {
	hash    string
	key     QueryKey
	options MutationOptions
}

// Client is the entry point of the engine. It owns a QueryCache and a
// MutationCache and offers imperative helpers over both.
//
// Thread-safety: all methods are safe for concurrent use.
type Client struct {
	queryCache     *QueryCache
	mutationCache  *MutationCache
	defaultOptions DefaultOptions

	focus    *focus.Manager
	online   *online.Manager
	notifier *notify.Manager
	logger   *slog.Logger
	now      func() time.Time

	mu                sync.Mutex
	queryDefaults     []queryDefaults
	mutationDefaults  []mutationDefaults
	mountCount        int
	unsubscribeFocus  func()
	unsubscribeOnline func()
}

// NewClient creates a client from cfg.
func NewClient(cfg ClientConfig) *Client {
	c := &Client{
		queryCache:     cfg.QueryCache,
		mutationCache:  cfg.MutationCache,
		defaultOptions: cfg.DefaultOptions,
		focus:          cfg.Focus,
		online:         cfg.Online,
		notifier:       cfg.Notify,
		logger:         cfg.Logger,
		now:            cfg.Now,
	}
	if c.queryCache == nil {
		c.queryCache = NewQueryCache(QueryCacheConfig{})
	}
	if c.mutationCache == nil {
		c.mutationCache = NewMutationCache(MutationCacheConfig{})
	}
	if c.focus == nil {
		c.focus = focus.New()
	}
	if c.online == nil {
		c.online = online.New()
	}
	if c.notifier == nil {
		c.notifier = notify.New()
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.now == nil {
		c.now = time.Now
	}

	c.queryCache.bind(c.notifier, c.now, c.logger)
	c.mutationCache.bind(c.notifier, c.now, c.logger)
	return c
}

// QueryCache returns the query cache.
func (c *Client) QueryCache() *QueryCache { return c.queryCache }

// MutationCache returns the mutation cache.
func (c *Client) MutationCache() *MutationCache { return c.mutationCache }

// Focus returns the focus manager.
func (c *Client) Focus() *focus.Manager { return c.focus }

// Online returns the online manager.
func (c *Client) Online() *online.Manager { return c.online }

// Notifier returns the notify manager.
func (c *Client) Notifier() *notify.Manager { return c.notifier }

// Logger returns the client logger.
func (c *Client) Logger() *slog.Logger { return c.logger }

// Now returns the current time of the client clock.
func (c *Client) Now() time.Time { return c.now() }

// Mount subscribes the client to focus and connectivity changes. On regain
// it resumes paused mutations and then lets queries refetch. Mount and
// Unmount are reference counted.
func (c *Client) Mount() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mountCount++
	if c.mountCount != 1 {
		return
	}

	c.unsubscribeFocus = c.focus.Subscribe(func(focused bool) {
		if !focused {
			return
		}
		go func() {
			c.ResumePausedMutations(context.Background())
			c.queryCache.OnFocus()
		}()
	})
	c.unsubscribeOnline = c.online.Subscribe(func(isOnline bool) {
		if !isOnline {
			return
		}
		go func() {
			c.ResumePausedMutations(context.Background())
			c.queryCache.OnOnline()
		}()
	})
}

// Unmount undoes one Mount.
func (c *Client) Unmount() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mountCount--
	if c.mountCount != 0 {
		return
	}
	if c.unsubscribeFocus != nil {
		c.unsubscribeFocus()
		c.unsubscribeFocus = nil
	}
	if c.unsubscribeOnline != nil {
		c.unsubscribeOnline()
		c.unsubscribeOnline = nil
	}
}

// IsFetching counts the matching queries that are fetching.
func (c *Client) IsFetching(filters QueryFilters) int {
	filters.FetchStatus = FetchStatusFetching
	return len(c.queryCache.FindAll(filters))
}

// IsMutating counts the matching mutations that are pending.
func (c *Client) IsMutating(filters MutationFilters) int {
	filters.Status = MutationStatusPending
	return len(c.mutationCache.FindAll(filters))
}

// GetQueryData returns the cached data for key, or nil.
func (c *Client) GetQueryData(key QueryKey) any {
	opts := c.DefaultQueryOptions(QueryOptions{QueryKey: key})
	if q := c.queryCache.Get(opts.QueryHash); q != nil {
		return q.State().Data
	}
	return nil
}

// GetQueryState returns the state for key, or nil when it is not cached.
func (c *Client) GetQueryState(key QueryKey) *QueryState {
	opts := c.DefaultQueryOptions(QueryOptions{QueryKey: key})
	if q := c.queryCache.Get(opts.QueryHash); q != nil {
		s := q.State()
		return &s
	}
	return nil
}

// QueryData pairs a query key with its data.
type QueryData struct {
	QueryKey QueryKey
	Data     any
}

// GetQueriesData returns the data of every matching query.
func (c *Client) GetQueriesData(filters QueryFilters) []QueryData {
	var out []QueryData
	for _, q := range c.queryCache.FindAll(filters) {
		out = append(out, QueryData{QueryKey: q.Key(), Data: q.State().Data})
	}
	return out
}

// SetQueryData stores the result of updater(previous data) for key,
// creating the query when needed. A nil result leaves the cache untouched
// and returns nil.
func (c *Client) SetQueryData(key QueryKey, updater func(prev any) any, opts SetDataOptions) any {
	defaulted := c.DefaultQueryOptions(QueryOptions{QueryKey: key})

	var prev any
	if q := c.queryCache.Get(defaulted.QueryHash); q != nil {
		prev = q.State().Data
	}
	data := updater(prev)
	if data == nil {
		return nil
	}

	opts.manual = true
	return c.queryCache.Build(c, defaulted, nil).SetData(data, opts)
}

// SetQueriesData applies updater to every matching query.
func (c *Client) SetQueriesData(filters QueryFilters, updater func(prev any) any, opts SetDataOptions) []QueryData {
	var out []QueryData
	c.notifier.Batch(func() {
		for _, q := range c.queryCache.FindAll(filters) {
			out = append(out, QueryData{QueryKey: q.Key(), Data: c.SetQueryData(q.Key(), updater, opts)})
		}
	})
	return out
}

// RemoveQueries drops every matching query from the cache.
func (c *Client) RemoveQueries(filters QueryFilters) {
	c.notifier.Batch(func() {
		for _, q := range c.queryCache.FindAll(filters) {
			c.queryCache.Remove(q)
		}
	})
}

// ResetQueries resets every matching query to its initial state and
// refetches the active ones.
func (c *Client) ResetQueries(ctx context.Context, filters QueryFilters, opts RefetchOptions) error {
	c.notifier.Batch(func() {
		for _, q := range c.queryCache.FindAll(filters) {
			q.Reset()
		}
	})
	if filters.Type == "" {
		filters.Type = QueryTypeActive
	}
	return c.RefetchQueries(ctx, filters, opts)
}

// CancelQueries cancels the fetches of every matching query and waits for
// the cancellations to apply. Revert defaults to true here; pass a non-nil
// opts to choose.
func (c *Client) CancelQueries(ctx context.Context, filters QueryFilters, opts *CancelOptions) error {
	cancel := CancelOptions{Revert: true}
	if opts != nil {
		cancel = *opts
	}

	var futures []*Future
	c.notifier.Batch(func() {
		for _, q := range c.queryCache.FindAll(filters) {
			futures = append(futures, q.Cancel(cancel))
		}
	})

	for _, f := range futures {
		if _, err := f.Wait(ctx); err != nil && ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return nil
}

// InvalidateOptions tune InvalidateQueries.
type InvalidateOptions struct {
	// RefetchType selects which invalidated queries refetch. Defaults to
	// the filter type, then active. QueryTypeNone skips refetching.
	RefetchType QueryType
	RefetchOptions
}

// InvalidateQueries marks every matching query stale and refetches the
// selected ones.
func (c *Client) InvalidateQueries(ctx context.Context, filters QueryFilters, opts InvalidateOptions) error {
	c.notifier.Batch(func() {
		for _, q := range c.queryCache.FindAll(filters) {
			q.Invalidate()
		}
	})
	if opts.RefetchType == QueryTypeNone {
		return nil
	}

	refetch := filters
	switch {
	case opts.RefetchType != "":
		refetch.Type = opts.RefetchType
	case refetch.Type == "":
		refetch.Type = QueryTypeActive
	}
	return c.RefetchQueries(ctx, refetch, opts.RefetchOptions)
}

// RefetchQueries refetches every matching query that is neither disabled
// nor static, and waits for them. Paused fetches are not waited for.
// Errors are returned only with ThrowOnError.
func (c *Client) RefetchQueries(ctx context.Context, filters QueryFilters, opts RefetchOptions) error {
	fo := FetchOptions{
		CancelRefetch: opts.CancelRefetch == nil || *opts.CancelRefetch,
		ThrowOnError:  opts.ThrowOnError,
	}

	type pending struct {
		q *Query
		f *Future
	}
	var fetches []pending
	c.notifier.Batch(func() {
		for _, q := range c.queryCache.FindAll(filters) {
			if q.IsDisabled() || q.IsStatic() {
				continue
			}
			f := q.Fetch(nil, fo)
			if q.State().FetchStatus == FetchStatusPaused {
				continue
			}
			fetches = append(fetches, pending{q: q, f: f})
		}
	})

	g, gctx := errgroup.WithContext(ctx)
	for _, p := range fetches {
		p := p
		g.Go(func() error {
			_, err := p.f.Wait(gctx)
			if err == nil || !opts.ThrowOnError {
				return nil
			}
			return &QueryError{QueryHash: p.q.Hash(), Err: err}
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// FetchQuery returns fresh data for opts, fetching only when the cached data
// is stale. Retry defaults to Never here.
func (c *Client) FetchQuery(ctx context.Context, opts QueryOptions) (any, error) {
	defaulted := c.DefaultQueryOptions(opts)
	if defaulted.Retry == nil {
		defaulted.Retry = retryer.Never()
	}

	q := c.queryCache.Build(c, defaulted, nil)
	if !q.IsStaleByTime(defaulted.staleTime(q)) {
		return q.State().Data, nil
	}
	return q.Fetch(&defaulted, FetchOptions{}).Wait(ctx)
}

// PrefetchQuery is FetchQuery without a result.
func (c *Client) PrefetchQuery(ctx context.Context, opts QueryOptions) {
	_, _ = c.FetchQuery(ctx, opts)
}

// FetchInfiniteQuery is FetchQuery with the infinite behavior installed.
// Pages selects how many pages the first fetch loads.
func (c *Client) FetchInfiniteQuery(ctx context.Context, opts QueryOptions) (*InfiniteData, error) {
	opts.Behavior = InfiniteBehavior()
	data, err := c.FetchQuery(ctx, opts)
	if err != nil {
		return nil, err
	}
	d, _ := asInfiniteData(data)
	return d, nil
}

// PrefetchInfiniteQuery is FetchInfiniteQuery without a result.
func (c *Client) PrefetchInfiniteQuery(ctx context.Context, opts QueryOptions) {
	_, _ = c.FetchInfiniteQuery(ctx, opts)
}

// EnsureOptions tune EnsureQueryData.
type EnsureOptions struct {
	// RevalidateIfStale starts a background refetch when the cached data
	// is stale.
	RevalidateIfStale bool
}

// EnsureQueryData returns cached data when present and fetches otherwise.
func (c *Client) EnsureQueryData(ctx context.Context, opts QueryOptions, eo EnsureOptions) (any, error) {
	defaulted := c.DefaultQueryOptions(opts)
	q := c.queryCache.Build(c, defaulted, nil)

	data := q.State().Data
	if data == nil {
		return c.FetchQuery(ctx, opts)
	}
	if eo.RevalidateIfStale && q.IsStaleByTime(defaulted.staleTime(q)) {
		go c.PrefetchQuery(context.Background(), defaulted)
	}
	return data, nil
}

// ResumePausedMutations continues paused mutations when online.
func (c *Client) ResumePausedMutations(ctx context.Context) {
	if c.online.IsOnline() {
		c.mutationCache.ResumePausedMutations(ctx)
	}
}

// Clear empties both caches.
func (c *Client) Clear() {
	c.queryCache.Clear()
	c.mutationCache.Clear()
}

// SetQueryDefaults registers option defaults for queries whose key starts
// with key.
func (c *Client) SetQueryDefaults(key QueryKey, opts QueryOptions) {
	hash := keyhash.Hash(key)
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, d := range c.queryDefaults {
		if d.hash == hash {
			c.queryDefaults[i].options = opts
			return
		}
	}
	c.queryDefaults = append(c.queryDefaults, queryDefaults{hash: hash, key: key, options: opts})
}

// GetQueryDefaults merges every registered default that matches key, in
// registration order.
func (c *Client) GetQueryDefaults(key QueryKey) QueryOptions {
	c.mu.Lock()
	defaults := append([]queryDefaults(nil), c.queryDefaults...)
	c.mu.Unlock()

	var out QueryOptions
	for _, d := range defaults {
		if keyhash.PartialMatch(key, d.key) {
			out = out.merge(d.options)
		}
	}
	return out
}

// SetMutationDefaults registers option defaults for mutations whose key
// starts with key.
func (c *Client) SetMutationDefaults(key QueryKey, opts MutationOptions) {
	hash := keyhash.Hash(key)
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, d := range c.mutationDefaults {
		if d.hash == hash {
			c.mutationDefaults[i].options = opts
			return
		}
	}
	c.mutationDefaults = append(c.mutationDefaults, mutationDefaults{hash: hash, key: key, options: opts})
}

// GetMutationDefaults merges every registered default that matches key.
func (c *Client) GetMutationDefaults(key QueryKey) MutationOptions {
	c.mu.Lock()
	defaults := append([]mutationDefaults(nil), c.mutationDefaults...)
	c.mu.Unlock()

	var out MutationOptions
	for _, d := range defaults {
		if keyhash.PartialMatch(key, d.key) {
			out = out.merge(d.options)
		}
	}
	return out
}

// DefaultQueryOptions layers client defaults, per-key defaults and opts,
// and derives the query hash. Already defaulted options are returned as is.
func (c *Client) DefaultQueryOptions(opts QueryOptions) QueryOptions {
	if opts.defaulted {
		return opts
	}
	out := c.defaultOptions.Queries.merge(c.GetQueryDefaults(opts.QueryKey)).merge(opts)
	out.defaulted = true
	if out.QueryHash == "" {
		out.QueryHash = out.hashKey(out.QueryKey)
	}
	if out.RefetchOnReconnect == RefetchUnset {
		if out.NetworkMode == retryer.NetworkModeAlways {
			out.RefetchOnReconnect = RefetchNever
		} else {
			out.RefetchOnReconnect = RefetchIfStale
		}
	}
	return out
}

// DefaultMutationOptions layers client defaults, per-key defaults and opts.
func (c *Client) DefaultMutationOptions(opts MutationOptions) MutationOptions {
	if opts.defaulted {
		return opts
	}
	out := c.defaultOptions.Mutations
	if opts.MutationKey != nil {
		out = out.merge(c.GetMutationDefaults(opts.MutationKey))
	}
	out = out.merge(opts)
	out.defaulted = true
	return out
}
