package broadcast

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/synq/internal/query"
	"github.com/roach88/synq/internal/testutil"
)

var epoch = time.UnixMilli(1700000000000)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func newClient(t *testing.T, clock *testutil.Clock) *query.Client {
	t.Helper()
	c := query.NewClient(query.ClientConfig{Logger: discard, Now: clock.Now})
	t.Cleanup(c.Clear)
	return c
}

func startSync(t *testing.T, c *query.Client, ch Channel, id string) *Syncer {
	t.Helper()
	s, err := Sync(context.Background(), c, ch, WithIDGenerator(testutil.NewFixedIDGenerator(id)))
	require.NoError(t, err)
	t.Cleanup(s.Stop)
	return s
}

func setData(c *query.Client, key query.QueryKey, v any) {
	c.SetQueryData(key, func(any) any { return v }, query.SetDataOptions{})
}

// recorder keeps every message seen on a channel.
type recorder struct {
	mu   sync.Mutex
	msgs []Message
}

func record(t *testing.T, ch Channel) *recorder {
	t.Helper()
	r := &recorder{}
	unsub, err := ch.Subscribe(context.Background(), func(raw []byte) {
		m, err := Decode(raw)
		if err != nil {
			return
		}
		r.mu.Lock()
		r.msgs = append(r.msgs, m)
		r.mu.Unlock()
	})
	require.NoError(t, err)
	t.Cleanup(unsub)
	return r
}

func (r *recorder) count(typ MessageType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, m := range r.msgs {
		if m.Type == typ {
			n++
		}
	}
	return n
}
