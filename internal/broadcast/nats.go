package broadcast

import (
	"context"
	"fmt"
	"sync"

	"github.com/nats-io/nats.go"
)

// NATSChannel is a Channel on a core NATS subject. It does not own the
// connection.
//
// Thread-safety: NATSChannel is safe for concurrent use.
type NATSChannel struct {
	conn    *nats.Conn
	subject string

	mu     sync.Mutex
	subs   map[*nats.Subscription]struct{}
	closed bool
}

// NewNATSChannel returns a channel on subject. An empty subject means
// DefaultChannelName.
func NewNATSChannel(conn *nats.Conn, subject string) *NATSChannel {
	if subject == "" {
		subject = DefaultChannelName
	}
	return &NATSChannel{
		conn:    conn,
		subject: subject,
		subs:    make(map[*nats.Subscription]struct{}),
	}
}

// Publish implements Channel. The message is flushed before returning so
// ordering with later publishes from other connections is preserved.
func (c *NATSChannel) Publish(ctx context.Context, payload []byte) error {
	if c.isClosed() {
		return ErrClosed
	}
	if err := c.conn.Publish(c.subject, payload); err != nil {
		return fmt.Errorf("nats publish %s: %w", c.subject, err)
	}
	if err := c.conn.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("nats flush %s: %w", c.subject, err)
	}
	return nil
}

// Subscribe implements Channel. handler runs on the subscription's
// delivery goroutine, one message at a time.
func (c *NATSChannel) Subscribe(ctx context.Context, handler func([]byte)) (func(), error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}

	sub, err := c.conn.Subscribe(c.subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("nats subscribe %s: %w", c.subject, err)
	}
	if err := c.conn.FlushWithContext(ctx); err != nil {
		sub.Unsubscribe()
		return nil, fmt.Errorf("nats subscribe %s: %w", c.subject, err)
	}
	c.subs[sub] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subs, sub)
			c.mu.Unlock()
			sub.Unsubscribe()
		})
	}, nil
}

// Close unsubscribes every open subscription.
func (c *NATSChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true

	var firstErr error
	for sub := range c.subs {
		if err := sub.Unsubscribe(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	clear(c.subs)
	return firstErr
}

func (c *NATSChannel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
