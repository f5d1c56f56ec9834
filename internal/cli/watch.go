package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/text/message"

	"github.com/roach88/synq/internal/broadcast"
	"github.com/roach88/synq/internal/metrics"
	"github.com/roach88/synq/internal/online"
	"github.com/roach88/synq/internal/persist"
	"github.com/roach88/synq/internal/query"
)

// WatchOptions holds flags for the watch command.
type WatchOptions struct {
	*RootOptions
	StoreOptions
	URL         string
	Interval    time.Duration
	Count       int
	Redis       string
	NATS        string
	Channel     string
	MetricsAddr string
	Probe       string

	// HTTPClient allows overriding the client used for fetches (for testing).
	// If nil, defaults to a client with a timeout of Interval.
	HTTPClient *http.Client
}

// WatchEvent is printed for every change of the watched result.
type WatchEvent struct {
	Time          time.Time `json:"time"`
	Status        string    `json:"status"`
	FetchStatus   string    `json:"fetchStatus"`
	DataUpdatedAt int64     `json:"dataUpdatedAt"`
	FailureCount  int       `json:"failureCount"`
	Data          any       `json:"data,omitempty"`
	Error         string    `json:"error,omitempty"`
}

// RenderText implements TextRenderer.
func (e WatchEvent) RenderText(w io.Writer, p *message.Printer) {
	ts := e.Time.UTC().Format(time.RFC3339)
	if e.Error != "" {
		p.Fprintf(w, "%s %s (failures: %d): %s\n", ts, e.Status, e.FailureCount, e.Error)
		return
	}
	data, _ := json.Marshal(e.Data)
	p.Fprintf(w, "%s %s %s\n", ts, e.Status, data)
}

// NewWatchCommand creates the watch command.
func NewWatchCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &WatchOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Poll a JSON endpoint through a query observer",
		Long: `Poll a JSON endpoint through a query observer and print every change.

The result is refetched every --interval. With --db the cache is restored on
start and persisted as it changes. With --redis or --nats the cache is kept
in sync with other watchers on the same channel. Runs until interrupted, or
until --count changes were printed.

Example:
  synq watch --url http://localhost:8080/todos --interval 5s
  synq watch --url http://localhost:8080/todos --db ./cache.db --redis localhost:6379`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.URL, "url", "", "JSON endpoint to watch (required)")
	cmd.Flags().DurationVar(&opts.Interval, "interval", 10*time.Second, "refetch interval")
	cmd.Flags().IntVar(&opts.Count, "count", 0, "stop after this many changes (0 = until interrupted)")
	cmd.Flags().StringVar(&opts.Database, "db", "", "persist the cache to this SQLite database")
	cmd.Flags().StringVar(&opts.Key, "key", persist.DefaultKey, "storage key of the persisted client")
	cmd.Flags().StringVar(&opts.Redis, "redis", "", "sync over Redis pub/sub at this address")
	cmd.Flags().StringVar(&opts.NATS, "nats", "", "sync over NATS at this URL")
	cmd.Flags().StringVar(&opts.Channel, "channel", broadcast.DefaultChannelName, "broadcast channel or subject name")
	cmd.Flags().StringVar(&opts.MetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	cmd.Flags().StringVar(&opts.Probe, "probe", "", "host:port dialled to detect connectivity")
	_ = cmd.MarkFlagRequired("url")
	cmd.MarkFlagsMutuallyExclusive("redis", "nats")

	return cmd
}

func runWatch(opts *WatchOptions, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())
	if opts.Interval <= 0 {
		return NewExitError(ExitCommandError, "--interval must be positive")
	}

	// Use command's context if available (for testing), otherwise create one
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			slog.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	cfg := query.ClientConfig{Logger: slog.Default()}
	if opts.Probe != "" {
		om := online.New()
		om.SetEventListener(online.ProbeListener(online.DialProbe(opts.Probe, 2*time.Second), opts.Interval))
		cfg.Online = om
	}
	client := query.NewClient(cfg)
	client.Mount()
	defer client.Unmount()
	defer client.Clear()

	if opts.Database != "" {
		stop, err := startPersistence(ctx, opts, client)
		if err != nil {
			_ = formatter.Error(ErrCodeStorage, "failed to start persistence", err.Error())
			return WrapExitError(ExitCommandError, "failed to start persistence", err)
		}
		defer stop()
	}

	if opts.Redis != "" || opts.NATS != "" {
		stop, err := startBroadcast(ctx, opts, client)
		if err != nil {
			_ = formatter.Error(ErrCodeTransport, "failed to connect broadcast channel", err.Error())
			return WrapExitError(ExitCommandError, "failed to connect broadcast channel", err)
		}
		defer stop()
	}

	g, gctx := errgroup.WithContext(ctx)

	if opts.MetricsAddr != "" {
		collector, err := metrics.New(client, metrics.Config{})
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to register metrics", err)
		}
		defer collector.Close()
		srv := &http.Server{
			Addr:              opts.MetricsAddr,
			Handler:           promhttp.HandlerFor(collector.Registry(), promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			slog.Info("serving metrics", "addr", opts.MetricsAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: opts.Interval}
	}
	observer := query.NewObserver(client, query.QueryOptions{
		QueryKey:                    query.QueryKey{"watch", opts.URL},
		QueryFn:                     fetchJSON(httpClient, opts.URL),
		StaleTime:                   query.Ptr(opts.Interval),
		RefetchInterval:             opts.Interval,
		RefetchIntervalInBackground: true,
	})

	var (
		mu      sync.Mutex
		printed int
		last    *WatchEvent
	)
	emit := func(r query.Result) {
		if r.Status == query.StatusPending {
			return
		}
		ev := watchEvent(r, client.Now())
		mu.Lock()
		defer mu.Unlock()
		if last != nil && sameEvent(*last, ev) {
			return
		}
		last = &ev
		if opts.Count > 0 && printed >= opts.Count {
			return
		}
		if err := formatter.Event(ev); err != nil {
			slog.Warn("writing watch event failed", "error", err)
		}
		printed++
		if opts.Count > 0 && printed >= opts.Count {
			cancel()
		}
	}
	unsubscribe := observer.Subscribe(emit)
	// A restored fresh result is not refetched, so it is printed here.
	emit(observer.GetCurrentResult())
	defer unsubscribe()

	slog.Info("watching", "url", opts.URL, "interval", opts.Interval)
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	if err := g.Wait(); err != nil {
		return WrapExitError(ExitFailure, "watch error", err)
	}
	slog.Info("watch stopped")
	return nil
}

func startPersistence(ctx context.Context, opts *WatchOptions, client *query.Client) (func(), error) {
	st, err := openStoreForWrite(opts.StoreOptions)
	if err != nil {
		return nil, err
	}
	persister := persist.NewStoragePersister(st,
		persist.WithKey(opts.Key),
		persist.WithRetry(persist.RemoveOldestQuery),
		persist.WithLogger(slog.Default()))

	unsubscribe, restored := persist.PersistQueryClient(ctx, client, persister)
	if err := <-restored; err != nil {
		slog.Warn("restoring persisted client failed", "error", err)
	}

	return func() {
		unsubscribe()
		if err := persister.Flush(context.Background()); err != nil {
			slog.Error("flushing persisted client failed", "error", err)
		}
		if err := st.Close(); err != nil {
			slog.Error("error closing database", "error", err)
		}
	}, nil
}

func startBroadcast(ctx context.Context, opts *WatchOptions, client *query.Client) (func(), error) {
	var (
		ch      broadcast.Channel
		closeFn func()
	)
	switch {
	case opts.Redis != "":
		rdb := redis.NewClient(&redis.Options{Addr: opts.Redis})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			rdb.Close()
			return nil, fmt.Errorf("redis %s: %w", opts.Redis, err)
		}
		ch = broadcast.NewRedisChannel(rdb, opts.Channel, slog.Default())
		closeFn = func() { rdb.Close() }
	default:
		conn, err := nats.Connect(opts.NATS, nats.Timeout(5*time.Second))
		if err != nil {
			return nil, fmt.Errorf("nats %s: %w", opts.NATS, err)
		}
		ch = broadcast.NewNATSChannel(conn, opts.Channel)
		closeFn = func() { conn.Drain() }
	}

	syncer, err := broadcast.Sync(ctx, client, ch)
	if err != nil {
		ch.Close()
		closeFn()
		return nil, err
	}
	slog.Info("broadcast sync started", "participant", syncer.ID(), "channel", opts.Channel)

	return func() {
		syncer.Stop()
		if err := ch.Close(); err != nil {
			slog.Debug("closing broadcast channel failed", "error", err)
		}
		closeFn()
	}, nil
}

// fetchJSON returns a QueryFunc that GETs url and decodes the JSON body.
func fetchJSON(httpClient *http.Client, url string) query.QueryFunc {
	return func(qc *query.QueryFunctionContext) (any, error) {
		req, err := http.NewRequestWithContext(qc.Context(), http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")

		resp, err := httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 400 {
			return nil, fmt.Errorf("GET %s: %s", url, resp.Status)
		}
		var data any
		if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
			return nil, fmt.Errorf("decode %s: %w", url, err)
		}
		return data, nil
	}
}

func watchEvent(r query.Result, now time.Time) WatchEvent {
	ev := WatchEvent{
		Time:          now,
		Status:        string(r.Status),
		FetchStatus:   string(r.FetchStatus),
		DataUpdatedAt: r.DataUpdatedAt,
		FailureCount:  r.FailureCount,
		Data:          r.Data,
	}
	if r.Error != nil {
		ev.Error = r.Error.Error()
	}
	return ev
}

// sameEvent reports whether b adds nothing over a. Fetch status flips alone
// are not printed, and neither are pending results.
func sameEvent(a, b WatchEvent) bool {
	return a.Status == b.Status &&
		a.DataUpdatedAt == b.DataUpdatedAt &&
		a.Error == b.Error &&
		a.FailureCount == b.FailureCount
}
