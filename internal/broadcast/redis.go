package broadcast

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"
)

// RedisChannel is a Channel on Redis pub/sub. It does not own the client.
//
// Thread-safety: RedisChannel is safe for concurrent use.
type RedisChannel struct {
	client redis.UniversalClient
	name   string
	logger *slog.Logger

	mu     sync.Mutex
	subs   map[*redis.PubSub]struct{}
	closed bool
}

// NewRedisChannel returns a channel publishing to the Redis channel name.
// An empty name means DefaultChannelName.
func NewRedisChannel(client redis.UniversalClient, name string, logger *slog.Logger) *RedisChannel {
	if name == "" {
		name = DefaultChannelName
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisChannel{
		client: client,
		name:   name,
		logger: logger,
		subs:   make(map[*redis.PubSub]struct{}),
	}
}

// Publish implements Channel.
func (c *RedisChannel) Publish(ctx context.Context, payload []byte) error {
	if c.isClosed() {
		return ErrClosed
	}
	if err := c.client.Publish(ctx, c.name, payload).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", c.name, err)
	}
	return nil
}

// Subscribe implements Channel. It returns once Redis has confirmed the
// subscription; handler then runs on a dedicated goroutine.
func (c *RedisChannel) Subscribe(ctx context.Context, handler func([]byte)) (func(), error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.mu.Unlock()

	ps := c.client.Subscribe(ctx, c.name)
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("redis subscribe %s: %w", c.name, err)
	}

	c.mu.Lock()
	c.subs[ps] = struct{}{}
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for msg := range ps.Channel() {
			handler([]byte(msg.Payload))
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subs, ps)
			c.mu.Unlock()
			if err := ps.Close(); err != nil {
				c.logger.Debug("closing redis subscription failed", "channel", c.name, "error", err)
			}
			<-done
		})
	}, nil
}

// Close ends every open subscription.
func (c *RedisChannel) Close() error {
	c.mu.Lock()
	c.closed = true
	subs := make([]*redis.PubSub, 0, len(c.subs))
	for ps := range c.subs {
		subs = append(subs, ps)
	}
	clear(c.subs)
	c.mu.Unlock()

	var firstErr error
	for _, ps := range subs {
		if err := ps.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (c *RedisChannel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
