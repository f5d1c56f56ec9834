package query

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/synq/internal/notify"
	"github.com/roach88/synq/internal/subscribable"
)

// MutationCacheEvent is delivered to MutationCache listeners.
type MutationCacheEvent struct {
	Type     EventType
	Mutation *Mutation
	Action   *Action
	Observer *MutationObserver
}

// MutationCacheConfig holds cache-wide mutation hooks. Each runs before the
// hook of the same name on the mutation options.
type MutationCacheConfig struct {
	OnMutate  func(variables any, m *Mutation)
	OnSuccess func(data, variables, mctx any, m *Mutation)
	OnError   func(err error, variables, mctx any, m *Mutation)
	OnSettled func(data any, err error, variables, mctx any, m *Mutation)
}

// MutationCache tracks every mutation of a client and serialises mutations
// that share a scope.
//
// Thread-safety: all methods are safe for concurrent use.
type MutationCache struct {
	config MutationCacheConfig

	mu        sync.Mutex
	mutations []*Mutation
	scopes    map[string][]*Mutation
	nextID    int64

	listeners subscribable.Set[func(MutationCacheEvent)]

	notifier *notify.Manager
	now      func() time.Time
	logger   *slog.Logger
}

// NewMutationCache returns an empty cache.
func NewMutationCache(cfg MutationCacheConfig) *MutationCache {
	return &MutationCache{
		config:   cfg,
		scopes:   make(map[string][]*Mutation),
		notifier: notify.New(),
		now:      time.Now,
		logger:   slog.Default(),
	}
}

func (c *MutationCache) bind(n *notify.Manager, now func() time.Time, logger *slog.Logger) {
	c.notifier = n
	c.now = now
	c.logger = logger
}

// Build creates and adds a new mutation. state, when non-nil, seeds it.
func (c *MutationCache) Build(client *Client, opts MutationOptions, state *MutationState) *Mutation {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.mu.Unlock()

	m := &Mutation{
		id:     id,
		cache:  c,
		client: client,
		state:  defaultMutationState(),
	}
	m.setOptionsLocked(client.DefaultMutationOptions(opts))
	if state != nil {
		m.state = *state
	}
	m.scheduleGc()

	c.Add(m)
	return m
}

// Add registers m.
func (c *MutationCache) Add(m *Mutation) {
	c.mu.Lock()
	if slices.Contains(c.mutations, m) {
		c.mu.Unlock()
		return
	}
	c.mutations = append(c.mutations, m)
	if scope, ok := m.Options().scopeID(); ok {
		c.scopes[scope] = append(c.scopes[scope], m)
	}
	c.mu.Unlock()

	c.Notify(MutationCacheEvent{Type: EventAdded, Mutation: m})
}

// Remove drops m.
func (c *MutationCache) Remove(m *Mutation) {
	c.mu.Lock()
	idx := slices.Index(c.mutations, m)
	if idx < 0 {
		c.mu.Unlock()
		return
	}
	c.mutations = slices.Delete(c.mutations, idx, idx+1)
	if scope, ok := m.Options().scopeID(); ok {
		scoped := slices.DeleteFunc(slices.Clone(c.scopes[scope]), func(x *Mutation) bool { return x == m })
		if len(scoped) == 0 {
			delete(c.scopes, scope)
		} else {
			c.scopes[scope] = scoped
		}
	}
	c.mu.Unlock()

	c.Notify(MutationCacheEvent{Type: EventRemoved, Mutation: m})
}

// Clear removes every mutation.
func (c *MutationCache) Clear() {
	c.notifier.Batch(func() {
		for _, m := range c.GetAll() {
			c.Remove(m)
		}
	})
}

// GetAll returns every mutation in creation order.
func (c *MutationCache) GetAll() []*Mutation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.mutations)
}

// Find returns the first mutation matching filters exactly, or nil.
func (c *MutationCache) Find(filters MutationFilters) *Mutation {
	filters.Exact = true
	for _, m := range c.GetAll() {
		if filters.Matches(m) {
			return m
		}
	}
	return nil
}

// FindAll returns every mutation matching filters.
func (c *MutationCache) FindAll(filters MutationFilters) []*Mutation {
	var out []*Mutation
	for _, m := range c.GetAll() {
		if filters.Matches(m) {
			out = append(out, m)
		}
	}
	return out
}

// Subscribe registers a cache listener.
func (c *MutationCache) Subscribe(l func(MutationCacheEvent)) (unsubscribe func()) {
	return c.listeners.Subscribe(l)
}

// Notify delivers e to every listener.
func (c *MutationCache) Notify(e MutationCacheEvent) {
	c.notifier.Batch(func() {
		for _, l := range c.listeners.Snapshot() {
			l := l
			c.notifier.Schedule(func() { l(e) })
		}
	})
}

// ResumePausedMutations continues every paused mutation and waits for them.
// Their failures are reported through their own state.
func (c *MutationCache) ResumePausedMutations(ctx context.Context) {
	var paused []*Mutation
	for _, m := range c.GetAll() {
		if m.State().IsPaused {
			paused = append(paused, m)
		}
	}
	if len(paused) == 0 {
		return
	}

	c.logger.Debug("resuming paused mutations", "count", len(paused))

	var g errgroup.Group
	for _, m := range paused {
		m := m
		g.Go(func() error {
			_, _ = m.Continue(ctx)
			return nil
		})
	}
	_ = g.Wait()
}

// canRun reports whether m is the first pending mutation of its scope.
func (c *MutationCache) canRun(m *Mutation) bool {
	scope, ok := m.Options().scopeID()
	if !ok {
		return true
	}
	c.mu.Lock()
	scoped := slices.Clone(c.scopes[scope])
	c.mu.Unlock()

	for _, x := range scoped {
		if x.State().Status == MutationStatusPending {
			return x == m
		}
	}
	return true
}

// runNext wakes the next paused mutation of m's scope.
func (c *MutationCache) runNext(m *Mutation) {
	scope, ok := m.Options().scopeID()
	if !ok {
		return
	}
	c.mu.Lock()
	scoped := slices.Clone(c.scopes[scope])
	c.mu.Unlock()

	for _, x := range scoped {
		if x != m && x.State().IsPaused {
			x.continueAsync()
			return
		}
	}
}
