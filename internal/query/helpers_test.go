package query

import (
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

func newTestClient(t *testing.T) *Client {
	t.Helper()
	return newTestClientWith(t, ClientConfig{})
}

func newTestClientWith(t *testing.T, cfg ClientConfig) *Client {
	t.Helper()
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	c := NewClient(cfg)
	t.Cleanup(c.Clear)
	return c
}

// countingFn returns v from every call and counts the calls.
func countingFn(v any) (QueryFunc, *atomic.Int32) {
	var calls atomic.Int32
	return func(*QueryFunctionContext) (any, error) {
		calls.Add(1)
		return v, nil
	}, &calls
}

func failingFn() (QueryFunc, *atomic.Int32) {
	var calls atomic.Int32
	return func(*QueryFunctionContext) (any, error) {
		calls.Add(1)
		return nil, errBoom
	}, &calls
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond, msg)
}
