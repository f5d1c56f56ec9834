// Package metrics exports the state of a query.Client as Prometheus metrics.
package metrics

import (
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/roach88/synq/internal/query"
)

// Outcome label values.
const (
	OutcomeSuccess = "success"
	OutcomeError   = "error"
)

// Config configures a Collector.
type Config struct {
	// Namespace prefixes every metric name (default: "synq").
	Namespace string

	// Registry receives the metrics. If nil, a new registry is created.
	Registry *prometheus.Registry
}

// Collector counts cache events of one client and reports its cache sizes
// on scrape.
//
// Thread-safety: Collector is safe for concurrent use.
type Collector struct {
	registry *prometheus.Registry

	cacheEventsTotal   *prometheus.CounterVec
	fetchesTotal       *prometheus.CounterVec
	fetchFailuresTotal prometheus.Counter
	mutationsTotal     *prometheus.CounterVec

	cachedQueries    prometheus.GaugeFunc
	fetchingQueries  prometheus.GaugeFunc
	pendingMutations prometheus.GaugeFunc

	mu     sync.Mutex
	unsubs []func()
}

// New registers the collector's metrics for client and starts listening to
// its caches. Call Close to stop listening.
func New(client *query.Client, config Config) (*Collector, error) {
	if config.Namespace == "" {
		config.Namespace = "synq"
	}
	if config.Registry == nil {
		config.Registry = prometheus.NewRegistry()
	}

	c := &Collector{registry: config.Registry}

	c.cacheEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: config.Namespace,
			Name:      "cache_events_total",
			Help:      "Total number of cache events by cache and event type",
		},
		[]string{"cache", "type"},
	)
	c.fetchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: config.Namespace,
			Name:      "query_fetches_total",
			Help:      "Total number of settled query fetches by outcome",
		},
		[]string{"outcome"},
	)
	c.fetchFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: config.Namespace,
			Name:      "query_fetch_failures_total",
			Help:      "Total number of failed query fetch attempts, including retried ones",
		},
	)
	c.mutationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: config.Namespace,
			Name:      "mutations_total",
			Help:      "Total number of settled mutations by outcome",
		},
		[]string{"outcome"},
	)

	c.cachedQueries = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: config.Namespace,
			Name:      "cached_queries",
			Help:      "Number of queries in the cache",
		},
		func() float64 { return float64(len(client.QueryCache().GetAll())) },
	)
	c.fetchingQueries = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: config.Namespace,
			Name:      "fetching_queries",
			Help:      "Number of queries currently fetching",
		},
		func() float64 { return float64(client.IsFetching(query.QueryFilters{})) },
	)
	c.pendingMutations = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: config.Namespace,
			Name:      "pending_mutations",
			Help:      "Number of mutations currently pending",
		},
		func() float64 { return float64(client.IsMutating(query.MutationFilters{})) },
	)

	for _, col := range []prometheus.Collector{
		c.cacheEventsTotal, c.fetchesTotal, c.fetchFailuresTotal, c.mutationsTotal,
		c.cachedQueries, c.fetchingQueries, c.pendingMutations,
	} {
		if err := config.Registry.Register(col); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}

	c.unsubs = append(c.unsubs,
		client.QueryCache().Subscribe(c.onQueryEvent),
		client.MutationCache().Subscribe(c.onMutationEvent),
	)
	return c, nil
}

// Registry returns the registry holding the collector's metrics.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Close stops listening to the client. Registered metrics stay registered.
func (c *Collector) Close() {
	c.mu.Lock()
	unsubs := c.unsubs
	c.unsubs = nil
	c.mu.Unlock()
	for _, fn := range unsubs {
		fn()
	}
}

func (c *Collector) onQueryEvent(e query.QueryCacheEvent) {
	c.cacheEventsTotal.WithLabelValues("query", string(e.Type)).Inc()
	if e.Type != query.EventUpdated || e.Action == nil {
		return
	}
	switch e.Action.Type {
	case query.ActionSuccess:
		// Manual successes come from SetQueryData, not a fetch.
		if !e.Action.Manual {
			c.fetchesTotal.WithLabelValues(OutcomeSuccess).Inc()
		}
	case query.ActionError:
		c.fetchesTotal.WithLabelValues(OutcomeError).Inc()
		c.fetchFailuresTotal.Inc()
	case query.ActionFailed:
		c.fetchFailuresTotal.Inc()
	}
}

func (c *Collector) onMutationEvent(e query.MutationCacheEvent) {
	c.cacheEventsTotal.WithLabelValues("mutation", string(e.Type)).Inc()
	if e.Type != query.EventUpdated || e.Action == nil {
		return
	}
	switch e.Action.Type {
	case query.ActionSuccess:
		c.mutationsTotal.WithLabelValues(OutcomeSuccess).Inc()
	case query.ActionError:
		c.mutationsTotal.WithLabelValues(OutcomeError).Inc()
	}
}
