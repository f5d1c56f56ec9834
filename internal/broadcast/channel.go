package broadcast

import (
	"context"
	"slices"
	"sync"
)

// DefaultChannelName is the channel or subject name used when none is given.
const DefaultChannelName = "synq"

// Channel is a publish/subscribe transport for encoded messages. Publishers
// may receive their own messages.
type Channel interface {
	Publish(ctx context.Context, payload []byte) error
	Subscribe(ctx context.Context, handler func(payload []byte)) (unsubscribe func(), err error)
	Close() error
}

// MemoryHub is an in-process Channel. Publish delivers to every handler
// synchronously on the publishing goroutine.
//
// Thread-safety: MemoryHub is safe for concurrent use.
type MemoryHub struct {
	mu       sync.Mutex
	nextID   int
	handlers map[int]func([]byte)
	closed   bool
}

// NewMemoryHub returns an empty hub.
func NewMemoryHub() *MemoryHub {
	return &MemoryHub{handlers: make(map[int]func([]byte))}
}

// Publish implements Channel.
func (h *MemoryHub) Publish(_ context.Context, payload []byte) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrClosed
	}
	ids := make([]int, 0, len(h.handlers))
	for id := range h.handlers {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	handlers := make([]func([]byte), 0, len(ids))
	for _, id := range ids {
		handlers = append(handlers, h.handlers[id])
	}
	h.mu.Unlock()

	for _, fn := range handlers {
		fn(slices.Clone(payload))
	}
	return nil
}

// Subscribe implements Channel.
func (h *MemoryHub) Subscribe(_ context.Context, handler func([]byte)) (func(), error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrClosed
	}
	id := h.nextID
	h.nextID++
	h.handlers[id] = handler

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.handlers, id)
			h.mu.Unlock()
		})
	}, nil
}

// Close drops all handlers. Later calls fail with ErrClosed.
func (h *MemoryHub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	clear(h.handlers)
	return nil
}
