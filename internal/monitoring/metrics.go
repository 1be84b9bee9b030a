// Package monitoring exposes Prometheus metrics for the search engine and
// raises webhook alerts when providers degrade.
package monitoring

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/angleito/robustty/internal/cache"
	"github.com/angleito/robustty/internal/model"
	"github.com/angleito/robustty/internal/resilience"
	"github.com/angleito/robustty/internal/search"
)

const namespace = "robustty"

// Metrics holds the engine's collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	providerRequests *prometheus.CounterVec
	providerLatency  *prometheus.HistogramVec
	breakerState     *prometheus.GaugeVec
	cacheLookups     *prometheus.CounterVec
	queries          *prometheus.CounterVec
	queryLatency     prometheus.Histogram
}

// NewMetrics creates and registers all collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		providerRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_requests_total",
			Help:      "Provider calls by outcome.",
		}, []string{"provider", "outcome"}),
		providerLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provider_latency_seconds",
			Help:      "Time spent in a provider's fallback chain.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}, []string{"provider"}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_state",
			Help:      "Circuit breaker state per provider (0 closed, 1 open, 2 half-open).",
		}, []string{"provider"}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Cache lookups by status.",
		}, []string{"status"}),
		queries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queries_total",
			Help:      "Queries by final state.",
		}, []string{"state", "degraded"}),
		queryLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "query_latency_seconds",
			Help:      "End-to-end query latency.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 3, 5},
		}),
	}
	m.registry.MustRegister(
		m.providerRequests,
		m.providerLatency,
		m.breakerState,
		m.cacheLookups,
		m.queries,
		m.queryLatency,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the private registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ProviderDone implements search.Observer.
func (m *Metrics) ProviderDone(provider string, kind model.OutcomeKind, latency time.Duration) {
	m.providerRequests.WithLabelValues(provider, string(kind)).Inc()
	m.providerLatency.WithLabelValues(provider).Observe(latency.Seconds())
}

// QueryDone implements search.Observer.
func (m *Metrics) QueryDone(state search.State, degraded bool, latency time.Duration) {
	m.queries.WithLabelValues(string(state), strconv.FormatBool(degraded)).Inc()
	m.queryLatency.Observe(latency.Seconds())
}

// CacheLookup counts one cache lookup. Pass it to cache.WithObserver.
func (m *Metrics) CacheLookup(status cache.Status) {
	m.cacheLookups.WithLabelValues(string(status)).Inc()
}

// BreakerStateChange records a breaker transition. It matches
// resilience.CircuitBreakerConfig.OnStateChange.
func (m *Metrics) BreakerStateChange(name string, _, to resilience.CircuitState) {
	m.breakerState.WithLabelValues(name).Set(float64(to))
}

var _ search.Observer = (*Metrics)(nil)
