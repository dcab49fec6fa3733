// Package metrics provides Prometheus metrics for stats runs, ingestion, enrichment and the API.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Cache decisions recorded per computed window
const (
	DecisionReuse      = "reuse"
	DecisionMiss       = "miss"
	DecisionOutdated   = "outdated"
	DecisionForced     = "forced"
	DecisionUnreadable = "unreadable"
)

// Manager owns every collector of the process. A nil *Manager records nothing.
type Manager struct {
	namespace string
	registry  *prometheus.Registry

	periods          *prometheus.CounterVec
	cacheDecisions   *prometheus.CounterVec
	runDuration      *prometheus.HistogramVec
	enrichRequests   *prometheus.CounterVec
	enrichFailures   *prometheus.CounterVec
	ingestedRecords  *prometheus.CounterVec
	httpRequests     *prometheus.CounterVec
	httpRequestTimes *prometheus.HistogramVec
}

// Option applies a configuration option to the Manager.
type Option func(*Manager)

// WithNamespace sets the namespace for all metrics.
func WithNamespace(namespace string) Option {
	return func(m *Manager) {
		if namespace != "" {
			m.namespace = namespace
		}
	}
}

// WithRegistry registers collectors against registry instead of a fresh one.
func WithRegistry(registry *prometheus.Registry) Option {
	return func(m *Manager) {
		if registry != nil {
			m.registry = registry
		}
	}
}

// NewManager creates a metrics manager. Without WithRegistry it uses a private
// registry carrying the Go runtime and process collectors.
func NewManager(opts ...Option) *Manager {
	m := &Manager{namespace: "scrobble_stats"}
	for _, opt := range opts {
		opt(m)
	}
	if m.registry == nil {
		m.registry = prometheus.NewRegistry()
		m.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	f := promauto.With(m.registry)
	m.periods = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: "run",
		Name:      "periods_total",
		Help:      "Windows processed by stats runs, by period kind and status.",
	}, []string{"kind", "status"})
	m.cacheDecisions = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: "cache",
		Name:      "decisions_total",
		Help:      "Cache manager decisions, by stat type and decision.",
	}, []string{"stat_type", "decision"})
	m.runDuration = f.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: m.namespace,
		Subsystem: "run",
		Name:      "duration_seconds",
		Help:      "Wall time of a stats run, by period kind.",
		Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900},
	}, []string{"kind"})
	m.enrichRequests = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: "enrichment",
		Name:      "requests_total",
		Help:      "Provider lookups, by source and outcome.",
	}, []string{"source", "outcome"})
	m.enrichFailures = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: "enrichment",
		Name:      "failures_total",
		Help:      "Provider lookups that fell back to stored rows, by source.",
	}, []string{"source"})
	m.ingestedRecords = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: "ingest",
		Name:      "records_total",
		Help:      "Import records, by outcome (accepted or quarantined).",
	}, []string{"outcome"})
	m.httpRequests = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "API requests, by route and status code.",
	}, []string{"route", "code"})
	m.httpRequestTimes = f.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: m.namespace,
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "API request latency, by route.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"route"})

	return m
}

// Registry returns the registry the collectors live in.
func (m *Manager) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Manager) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// RecordPeriod counts a processed window.
func (m *Manager) RecordPeriod(kind, status string) {
	if m == nil {
		return
	}
	m.periods.WithLabelValues(kind, status).Inc()
}

// RecordCacheDecision counts a reuse-or-recompute decision.
func (m *Manager) RecordCacheDecision(statType, decision string) {
	if m == nil {
		return
	}
	m.cacheDecisions.WithLabelValues(statType, decision).Inc()
}

// ObserveRun records how long a run took.
func (m *Manager) ObserveRun(kind string, d time.Duration) {
	if m == nil {
		return
	}
	m.runDuration.WithLabelValues(kind).Observe(d.Seconds())
}

// RecordEnrichment counts a provider lookup; failed lookups also bump the failure counter.
func (m *Manager) RecordEnrichment(source, outcome string) {
	if m == nil {
		return
	}
	m.enrichRequests.WithLabelValues(source, outcome).Inc()
	if outcome == "error" {
		m.enrichFailures.WithLabelValues(source).Inc()
	}
}

// RecordIngest counts import records by outcome.
func (m *Manager) RecordIngest(outcome string, n int) {
	if m == nil {
		return
	}
	m.ingestedRecords.WithLabelValues(outcome).Add(float64(n))
}

// ObserveHTTP records one API request.
func (m *Manager) ObserveHTTP(route string, code int, d time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(route, strconv.Itoa(code)).Inc()
	m.httpRequestTimes.WithLabelValues(route).Observe(d.Seconds())
}
