package persist

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/roach88/synq/internal/query"
)

// DefaultMaxAge is how long a persisted client stays restorable.
const DefaultMaxAge = 24 * time.Hour

// PersistedClient is the stored form of a client. Timestamp is Unix ms.
type PersistedClient struct {
	Timestamp   int64                 `json:"timestamp"`
	Buster      string                `json:"buster"`
	ClientState query.DehydratedState `json:"clientState"`
}

// Persister stores a single PersistedClient.
type Persister interface {
	PersistClient(ctx context.Context, pc PersistedClient) error

	// RestoreClient returns nil without error when nothing is stored.
	RestoreClient(ctx context.Context) (*PersistedClient, error)

	RemoveClient(ctx context.Context) error
}

type options struct {
	maxAge    time.Duration
	buster    string
	dehydrate query.DehydrateOptions
	hydrate   query.HydrateOptions
}

// Option configures Restore, Save, Subscribe and PersistQueryClient.
type Option func(*options)

// WithMaxAge sets how old a snapshot may be and still be restored.
func WithMaxAge(d time.Duration) Option {
	return func(o *options) {
		o.maxAge = d
	}
}

// WithBuster sets the cache buster. Snapshots saved with another buster are
// discarded on restore.
func WithBuster(buster string) Option {
	return func(o *options) {
		o.buster = buster
	}
}

// WithDehydrateOptions selects what Save writes.
func WithDehydrateOptions(d query.DehydrateOptions) Option {
	return func(o *options) {
		o.dehydrate = d
	}
}

// WithHydrateOptions tunes how Restore hydrates the client.
func WithHydrateOptions(h query.HydrateOptions) Option {
	return func(o *options) {
		o.hydrate = h
	}
}

func newOptions(opts []Option) options {
	o := options{maxAge: DefaultMaxAge}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Restore hydrates client from the snapshot held by p. Expired, busted and
// unreadable snapshots are removed instead; none of them is an error.
func Restore(ctx context.Context, client *query.Client, p Persister, opts ...Option) error {
	o := newOptions(opts)
	logger := client.Logger()

	pc, err := p.RestoreClient(ctx)
	if err != nil {
		logger.Warn("discarding unreadable persisted client", "error", err)
		if rerr := p.RemoveClient(ctx); rerr != nil {
			logger.Warn("removing persisted client failed", "error", rerr)
		}
		return nil
	}
	if pc == nil {
		return nil
	}

	if pc.Timestamp == 0 {
		return p.RemoveClient(ctx)
	}
	age := client.Now().Sub(time.UnixMilli(pc.Timestamp))
	expired := age > o.maxAge
	busted := pc.Buster != o.buster
	if expired || busted {
		logger.Debug("discarding persisted client",
			"expired", expired,
			"busted", busted,
			"age", age)
		return p.RemoveClient(ctx)
	}

	query.Hydrate(client, pc.ClientState, o.hydrate)
	logger.Debug("restored persisted client",
		"queries", len(pc.ClientState.Queries),
		"mutations", len(pc.ClientState.Mutations))
	return nil
}

// Save writes a snapshot of client to p.
func Save(ctx context.Context, client *query.Client, p Persister, opts ...Option) error {
	o := newOptions(opts)
	pc := PersistedClient{
		Timestamp:   client.Now().UnixMilli(),
		Buster:      o.buster,
		ClientState: query.Dehydrate(client, o.dehydrate),
	}
	if err := p.PersistClient(ctx, pc); err != nil {
		return fmt.Errorf("persist client: %w", err)
	}
	return nil
}

// Subscribe saves client to p after every cache change that affects the
// snapshot. Save failures are logged.
func Subscribe(ctx context.Context, client *query.Client, p Persister, opts ...Option) (unsubscribe func()) {
	save := func() {
		if err := Save(ctx, client, p, opts...); err != nil {
			client.Logger().Warn("saving persisted client failed", "error", err)
		}
	}

	unsubscribeQueries := client.QueryCache().Subscribe(func(e query.QueryCacheEvent) {
		if persistsOn(e.Type) {
			save()
		}
	})
	unsubscribeMutations := client.MutationCache().Subscribe(func(e query.MutationCacheEvent) {
		if persistsOn(e.Type) {
			save()
		}
	})

	return func() {
		unsubscribeQueries()
		unsubscribeMutations()
	}
}

func persistsOn(t query.EventType) bool {
	switch t {
	case query.EventAdded, query.EventRemoved, query.EventUpdated:
		return true
	}
	return false
}

// PersistQueryClient restores client from p in the background and then keeps
// p up to date. The returned channel receives the restore result once and
// is closed. Calling unsubscribe before the restore finishes prevents the
// subscription.
func PersistQueryClient(ctx context.Context, client *query.Client, p Persister, opts ...Option) (unsubscribe func(), restored <-chan error) {
	var (
		mu      sync.Mutex
		stopped bool
		unsub   func()
	)
	done := make(chan error, 1)

	go func() {
		defer close(done)
		err := Restore(ctx, client, p, opts...)

		mu.Lock()
		if !stopped {
			unsub = Subscribe(ctx, client, p, opts...)
		}
		mu.Unlock()

		done <- err
	}()

	return func() {
		mu.Lock()
		defer mu.Unlock()
		stopped = true
		if unsub != nil {
			unsub()
			unsub = nil
		}
	}, done
}
