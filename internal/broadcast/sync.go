package broadcast

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/roach88/synq/internal/query"
)

// Syncer mirrors one client's query cache onto a Channel and applies what
// other participants publish.
//
// Remote changes are applied inside a per-hash guard so the resulting local
// cache events are not published again.
//
// Thread-safety: Syncer is safe for concurrent use.
type Syncer struct {
	client  *query.Client
	channel Channel
	ctx     context.Context
	id      string
	logger  *slog.Logger

	mu               sync.Mutex
	remoteRemovals   map[*query.Query]struct{}
	awaitingSnapshot bool
	stopped          bool
	unsubscribers    []func()
	stopAfter        func() bool
}

// Option configures a Syncer.
type Option func(*Syncer)

// WithIDGenerator sets the generator for the participant id.
func WithIDGenerator(g IDGenerator) Option {
	return func(s *Syncer) {
		s.id = g.Generate()
	}
}

// WithLogger overrides the client's logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Syncer) {
		s.logger = l
	}
}

// Sync starts synchronising client over ch and asks the other participants
// for a snapshot. It stops when ctx is done or Stop is called.
func Sync(ctx context.Context, client *query.Client, ch Channel, opts ...Option) (*Syncer, error) {
	s := &Syncer{
		client:           client,
		channel:          ch,
		ctx:              ctx,
		logger:           client.Logger(),
		remoteRemovals:   make(map[*query.Query]struct{}),
		awaitingSnapshot: true,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.id == "" {
		s.id = UUIDv7Generator{}.Generate()
	}
	s.logger = s.logger.With("participant", s.id)

	unsubChannel, err := ch.Subscribe(ctx, s.onMessage)
	if err != nil {
		return nil, fmt.Errorf("subscribe to broadcast channel: %w", err)
	}
	unsubCache := client.QueryCache().Subscribe(s.onQueryEvent)

	s.mu.Lock()
	s.unsubscribers = append(s.unsubscribers, unsubCache, unsubChannel)
	s.stopAfter = context.AfterFunc(ctx, s.Stop)
	s.mu.Unlock()

	s.publish(Message{Type: MessageCacheSnapshotRequested})
	s.logger.Debug("broadcast sync started")
	return s, nil
}

// ID returns the participant id carried as Sender on published messages.
func (s *Syncer) ID() string { return s.id }

// Stop unsubscribes from the cache and the channel. It does not close the
// channel.
func (s *Syncer) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	unsubs := s.unsubscribers
	s.unsubscribers = nil
	stopAfter := s.stopAfter
	s.mu.Unlock()

	if stopAfter != nil {
		stopAfter()
	}
	for _, fn := range unsubs {
		fn()
	}
	s.logger.Debug("broadcast sync stopped")
}

func (s *Syncer) onQueryEvent(e query.QueryCacheEvent) {
	hash := e.Query.Hash()

	switch e.Type {
	case query.EventUpdated:
		// hydrated remote state lands as setState and is never published back
		if e.Action == nil || e.Action.Type != query.ActionSuccess {
			return
		}
		dq := query.DehydrateQuery(e.Query)
		s.publish(Message{
			Type:      MessageUpdated,
			QueryHash: hash,
			QueryKey:  dq.QueryKey,
			State:     &dq.State,
		})

	case query.EventRemoved:
		if s.takeRemoteRemoval(e.Query) {
			return
		}
		// Unobserved queries are collected locally by each participant.
		if e.Query.ObserversCount() == 0 {
			return
		}
		s.publish(Message{
			Type:      MessageRemoved,
			QueryHash: hash,
			QueryKey:  e.Query.Key(),
		})
	}
}

func (s *Syncer) onMessage(raw []byte) {
	m, err := Decode(raw)
	if err != nil {
		s.logger.Warn("dropping broadcast message", "error", err)
		return
	}
	if m.Sender == s.id || s.isStopped() {
		return
	}

	switch m.Type {
	case MessageUpdated:
		if m.QueryHash == "" || m.State == nil {
			return
		}
		snapshot := query.DehydratedState{Queries: []query.DehydratedQuery{{
			QueryHash: m.QueryHash,
			QueryKey:  m.QueryKey,
			State:     *m.State,
		}}}
		query.Hydrate(s.client, snapshot, query.HydrateOptions{})

	case MessageRemoved:
		q := s.client.QueryCache().Get(m.QueryHash)
		if q == nil {
			return
		}
		s.mu.Lock()
		s.remoteRemovals[q] = struct{}{}
		s.mu.Unlock()
		s.client.QueryCache().Remove(q)

	case MessageCacheSnapshotRequested:
		snapshot := query.Dehydrate(s.client, query.DehydrateOptions{
			ShouldDehydrateMutation: func(*query.Mutation) bool { return false },
		})
		s.publish(Message{
			Type:          MessageCacheSnapshotCreated,
			Recipient:     m.Sender,
			CacheSnapshot: &snapshot,
		})

	case MessageCacheSnapshotCreated:
		if m.Recipient != s.id || m.CacheSnapshot == nil || !s.takeSnapshotTurn() {
			return
		}
		snapshot := query.DehydratedState{Queries: m.CacheSnapshot.Queries}
		query.Hydrate(s.client, snapshot, query.HydrateOptions{})
		s.logger.Debug("hydrated broadcast snapshot", "from", m.Sender, "queries", len(snapshot.Queries))

	default:
		s.logger.Debug("ignoring broadcast message", "type", m.Type)
	}
}

func (s *Syncer) publish(m Message) {
	m.Sender = s.id
	raw, err := Encode(m)
	if err != nil {
		s.logger.Warn("encoding broadcast message failed", "type", m.Type, "error", err)
		return
	}
	if err := s.channel.Publish(s.ctx, raw); err != nil {
		s.logger.Warn("publishing broadcast message failed", "type", m.Type, "error", err)
	}
}

// takeRemoteRemoval reports whether q was removed on behalf of another
// participant, consuming the mark. The mark travels with the removed event,
// so it holds even when the event is flushed late by a batch.
func (s *Syncer) takeRemoteRemoval(q *query.Query) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.remoteRemovals[q]; !ok {
		return false
	}
	delete(s.remoteRemovals, q)
	return true
}

func (s *Syncer) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// takeSnapshotTurn reports whether this is the first snapshot answer.
func (s *Syncer) takeSnapshotTurn() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.awaitingSnapshot {
		return false
	}
	s.awaitingSnapshot = false
	return true
}
