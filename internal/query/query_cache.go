package query

import (
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/roach88/synq/internal/notify"
	"github.com/roach88/synq/internal/subscribable"
)

// EventType names a query or mutation cache event.
type EventType string

const (
	EventAdded                  EventType = "added"
	EventRemoved                EventType = "removed"
	EventUpdated                EventType = "updated"
	EventObserverAdded          EventType = "observerAdded"
	EventObserverRemoved        EventType = "observerRemoved"
	EventObserverResultsUpdated EventType = "observerResultsUpdated"
	EventObserverOptionsUpdated EventType = "observerOptionsUpdated"
)

// QueryCacheEvent is delivered to QueryCache listeners. Action is set for
// updated events, Observer for observer events.
type QueryCacheEvent struct {
	Type     EventType
	Query    *Query
	Action   *Action
	Observer *Observer
}

// QueryCacheConfig holds cache-wide fetch hooks. They run for every query
// after its own state has been updated.
type QueryCacheConfig struct {
	OnError   func(err error, q *Query)
	OnSuccess func(data any, q *Query)
	OnSettled func(data any, err error, q *Query)
}

// QueryCache owns every Query of a client, keyed by query hash.
//
// Thread-safety: all methods are safe for concurrent use. Listeners are
// invoked through the client's notify.Manager, never under the cache lock.
type QueryCache struct {
	config QueryCacheConfig

	mu      sync.Mutex
	queries map[string]*Query
	order   []*Query

	listeners subscribable.Set[func(QueryCacheEvent)]

	notifier *notify.Manager
	now      func() time.Time
	logger   *slog.Logger
}

// NewQueryCache returns an empty cache. NewClient binds it to the client's
// notifier, clock and logger.
func NewQueryCache(cfg QueryCacheConfig) *QueryCache {
	return &QueryCache{
		config:   cfg,
		queries:  make(map[string]*Query),
		notifier: notify.New(),
		now:      time.Now,
		logger:   slog.Default(),
	}
}

func (c *QueryCache) bind(n *notify.Manager, now func() time.Time, logger *slog.Logger) {
	c.notifier = n
	c.now = now
	c.logger = logger
}

// Build returns the query for opts, creating it when absent. state, when
// non-nil, seeds a newly created query.
func (c *QueryCache) Build(client *Client, opts QueryOptions, state *QueryState) *Query {
	opts = client.DefaultQueryOptions(opts)
	defaults := client.GetQueryDefaults(opts.QueryKey)

	c.mu.Lock()
	if q, ok := c.queries[opts.QueryHash]; ok {
		c.mu.Unlock()
		return q
	}
	q := newQuery(queryConfig{
		client:         client,
		cache:          c,
		key:            opts.QueryKey,
		hash:           opts.QueryHash,
		options:        opts,
		defaultOptions: defaults,
		state:          state,
	})
	c.queries[q.hash] = q
	c.order = append(c.order, q)
	c.mu.Unlock()

	c.Notify(QueryCacheEvent{Type: EventAdded, Query: q})
	return q
}

// Add inserts q unless a query with the same hash exists.
func (c *QueryCache) Add(q *Query) {
	c.mu.Lock()
	if _, ok := c.queries[q.hash]; ok {
		c.mu.Unlock()
		return
	}
	c.queries[q.hash] = q
	c.order = append(c.order, q)
	c.mu.Unlock()

	c.Notify(QueryCacheEvent{Type: EventAdded, Query: q})
}

// Remove destroys q and drops it from the cache.
func (c *QueryCache) Remove(q *Query) {
	c.mu.Lock()
	existing, ok := c.queries[q.hash]
	if !ok {
		c.mu.Unlock()
		return
	}
	if existing == q {
		delete(c.queries, q.hash)
		for i, v := range c.order {
			if v == q {
				c.order = append(c.order[:i:i], c.order[i+1:]...)
				break
			}
		}
	}
	c.mu.Unlock()

	q.destroy()
	c.Notify(QueryCacheEvent{Type: EventRemoved, Query: q})
}

// removeUnused garbage collects q if it is still cached, unobserved and not
// fetching. Both locks are held from the check to the removal, so an
// observer cannot attach in between.
func (c *QueryCache) removeUnused(q *Query) {
	c.mu.Lock()
	q.mu.Lock()
	removable := c.queries[q.hash] == q &&
		len(q.observers) == 0 &&
		q.state.FetchStatus == FetchStatusIdle
	if removable {
		q.collected = true
		delete(c.queries, q.hash)
		c.order = slices.DeleteFunc(c.order, func(v *Query) bool { return v == q })
	}
	q.mu.Unlock()
	c.mu.Unlock()

	if !removable {
		return
	}
	c.logger.Debug("garbage collecting query", "query_hash", q.hash)
	q.destroy()
	c.Notify(QueryCacheEvent{Type: EventRemoved, Query: q})
}

// Clear removes every query.
func (c *QueryCache) Clear() {
	c.notifier.Batch(func() {
		for _, q := range c.GetAll() {
			c.Remove(q)
		}
	})
}

// Get returns the query with the given hash, or nil.
func (c *QueryCache) Get(hash string) *Query {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queries[hash]
}

// GetAll returns every query in insertion order.
func (c *QueryCache) GetAll() []*Query {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Query, len(c.order))
	copy(out, c.order)
	return out
}

// Find returns the first query matching filters exactly, or nil.
func (c *QueryCache) Find(filters QueryFilters) *Query {
	filters.Exact = true
	for _, q := range c.GetAll() {
		if filters.Matches(q) {
			return q
		}
	}
	return nil
}

// FindAll returns every query matching filters.
func (c *QueryCache) FindAll(filters QueryFilters) []*Query {
	var out []*Query
	for _, q := range c.GetAll() {
		if filters.Matches(q) {
			out = append(out, q)
		}
	}
	return out
}

// Subscribe registers a cache listener.
func (c *QueryCache) Subscribe(l func(QueryCacheEvent)) (unsubscribe func()) {
	return c.listeners.Subscribe(l)
}

// Notify delivers e to every listener.
func (c *QueryCache) Notify(e QueryCacheEvent) {
	c.notifier.Batch(func() {
		for _, l := range c.listeners.Snapshot() {
			l := l
			c.notifier.Schedule(func() { l(e) })
		}
	})
}

// OnFocus forwards a focus regain to every query.
func (c *QueryCache) OnFocus() {
	c.notifier.Batch(func() {
		for _, q := range c.GetAll() {
			q.OnFocus()
		}
	})
}

// OnOnline forwards a reconnect to every query.
func (c *QueryCache) OnOnline() {
	c.notifier.Batch(func() {
		for _, q := range c.GetAll() {
			q.OnOnline()
		}
	})
}
