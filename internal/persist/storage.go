package persist

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
)

// DefaultKey is the storage key StoragePersister writes under.
const DefaultKey = "SYNQ_OFFLINE_CACHE"

// DefaultThrottle is the minimum interval between StoragePersister writes.
const DefaultThrottle = time.Second

// ErrQuotaExceeded is returned by storages that refuse a write for size.
var ErrQuotaExceeded = errors.New("storage quota exceeded")

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Storage is a key/value store for serialised clients.
type Storage interface {
	// GetItem returns nil without error when key is absent.
	GetItem(ctx context.Context, key string) ([]byte, error)
	SetItem(ctx context.Context, key string, value []byte) error
	RemoveItem(ctx context.Context, key string) error
}

// RetryFunc is consulted when a write fails. It returns a smaller client to
// try instead, or false to give up. errorCount starts at 1.
type RetryFunc func(pc PersistedClient, err error, errorCount int) (PersistedClient, bool)

// StoragePersister persists a client into a Storage. Writes are throttled:
// within one throttle window only the latest client is written.
//
// Thread-safety: all methods are safe for concurrent use.
type StoragePersister struct {
	storage  Storage
	key      string
	throttle time.Duration
	retry    RetryFunc
	logger   *slog.Logger

	mu      sync.Mutex
	pending *PersistedClient
	timer   *time.Timer
}

// StorageOption configures a StoragePersister.
type StorageOption func(*StoragePersister)

// WithKey sets the storage key.
func WithKey(key string) StorageOption {
	return func(s *StoragePersister) {
		s.key = key
	}
}

// WithThrottle sets the write throttle. Zero writes synchronously.
func WithThrottle(d time.Duration) StorageOption {
	return func(s *StoragePersister) {
		s.throttle = d
	}
}

// WithRetry sets the strategy for failed writes, e.g. RemoveOldestQuery.
func WithRetry(fn RetryFunc) StorageOption {
	return func(s *StoragePersister) {
		s.retry = fn
	}
}

// WithLogger sets the logger for background write failures.
func WithLogger(l *slog.Logger) StorageOption {
	return func(s *StoragePersister) {
		s.logger = l
	}
}

// NewStoragePersister returns a Persister writing to storage.
func NewStoragePersister(storage Storage, opts ...StorageOption) *StoragePersister {
	s := &StoragePersister{
		storage:  storage,
		key:      DefaultKey,
		throttle: DefaultThrottle,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// PersistClient schedules pc to be written. With a zero throttle it writes
// immediately and returns the write error.
func (s *StoragePersister) PersistClient(ctx context.Context, pc PersistedClient) error {
	if s.throttle <= 0 {
		return s.write(ctx, pc)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = &pc
	if s.timer == nil {
		s.timer = time.AfterFunc(s.throttle, s.flushPending)
	}
	return nil
}

// Flush writes the pending client, if any, without waiting for the throttle.
func (s *StoragePersister) Flush(ctx context.Context) error {
	s.mu.Lock()
	pc := s.pending
	s.pending = nil
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.mu.Unlock()

	if pc == nil {
		return nil
	}
	return s.write(ctx, *pc)
}

func (s *StoragePersister) flushPending() {
	s.mu.Lock()
	pc := s.pending
	s.pending = nil
	s.timer = nil
	s.mu.Unlock()

	if pc == nil {
		return
	}
	if err := s.write(context.Background(), *pc); err != nil {
		s.logger.Warn("writing persisted client failed", "key", s.key, "error", err)
	}
}

func (s *StoragePersister) write(ctx context.Context, pc PersistedClient) error {
	for errorCount := 1; ; errorCount++ {
		raw, err := json.Marshal(pc)
		if err != nil {
			return fmt.Errorf("serialize client: %w", err)
		}
		err = s.storage.SetItem(ctx, s.key, raw)
		if err == nil {
			return nil
		}
		if s.retry == nil {
			return fmt.Errorf("store client: %w", err)
		}
		next, ok := s.retry(pc, err, errorCount)
		if !ok {
			return fmt.Errorf("store client: %w", err)
		}
		s.logger.Debug("retrying persisted client write",
			"error_count", errorCount,
			"queries", len(next.ClientState.Queries))
		pc = next
	}
}

// RestoreClient reads and decodes the stored client.
func (s *StoragePersister) RestoreClient(ctx context.Context) (*PersistedClient, error) {
	raw, err := s.storage.GetItem(ctx, s.key)
	if err != nil {
		return nil, fmt.Errorf("read client: %w", err)
	}
	if raw == nil {
		return nil, nil
	}
	var pc PersistedClient
	if err := json.Unmarshal(raw, &pc); err != nil {
		return nil, fmt.Errorf("decode client: %w", err)
	}
	return &pc, nil
}

// RemoveClient deletes the stored client and drops any pending write.
func (s *StoragePersister) RemoveClient(ctx context.Context) error {
	s.mu.Lock()
	s.pending = nil
	s.mu.Unlock()

	if err := s.storage.RemoveItem(ctx, s.key); err != nil {
		return fmt.Errorf("remove client: %w", err)
	}
	return nil
}

// RemoveOldestQuery is a RetryFunc that drops the query with the oldest
// data. It gives up when no queries are left.
func RemoveOldestQuery(pc PersistedClient, _ error, _ int) (PersistedClient, bool) {
	queries := pc.ClientState.Queries
	if len(queries) == 0 {
		return pc, false
	}

	oldest := 0
	for i, q := range queries {
		if q.State.DataUpdatedAt < queries[oldest].State.DataUpdatedAt {
			oldest = i
		}
	}

	next := pc
	next.ClientState.Queries = slices.Delete(slices.Clone(queries), oldest, oldest+1)
	next.ClientState.Mutations = slices.Clone(pc.ClientState.Mutations)
	return next, true
}

// MemoryStorage is an in-process Storage. A positive MaxBytes makes writes of
// larger values fail with ErrQuotaExceeded.
type MemoryStorage struct {
	MaxBytes int

	mu    sync.Mutex
	items map[string][]byte
}

// GetItem implements Storage.
func (m *MemoryStorage) GetItem(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.items[key]
	if !ok {
		return nil, nil
	}
	return slices.Clone(v), nil
}

// SetItem implements Storage.
func (m *MemoryStorage) SetItem(_ context.Context, key string, value []byte) error {
	if m.MaxBytes > 0 && len(value) > m.MaxBytes {
		return ErrQuotaExceeded
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.items == nil {
		m.items = make(map[string][]byte)
	}
	m.items[key] = slices.Clone(value)
	return nil
}

// RemoveItem implements Storage.
func (m *MemoryStorage) RemoveItem(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, key)
	return nil
}
