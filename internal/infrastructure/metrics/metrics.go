// Package metrics holds the Prometheus collectors for the client core. Each
// Metrics value owns its registry so tests and multiple instances never clash.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "study_companion"

// Metrics is the set of collectors used by the API client, query cache,
// session store, event bus and scheduler.
type Metrics struct {
	registry *prometheus.Registry

	apiRequests    *prometheus.CounterVec
	apiDuration    *prometheus.HistogramVec
	tokenRefreshes *prometheus.CounterVec
	breakerState   *prometheus.GaugeVec
	cacheEvents    *prometheus.CounterVec
	cacheEntries   prometheus.Gauge
	sessionChanges *prometheus.CounterVec
	jobRuns        *prometheus.CounterVec
	jobDuration    *prometheus.HistogramVec
	storageOps     *prometheus.CounterVec
	eventsOut      *prometheus.CounterVec
	eventHandlers  *prometheus.HistogramVec
}

// New creates and registers all collectors. withRuntime adds the Go and
// process collectors.
func New(withRuntime bool) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		apiRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "api",
				Name:      "requests_total",
				Help:      "Backend requests by operation and outcome.",
			},
			[]string{"operation", "status"},
		),
		apiDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "api",
				Name:      "request_duration_seconds",
				Help:      "Duration of backend requests.",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
			},
			[]string{"operation"},
		),
		tokenRefreshes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "api",
				Name:      "token_refreshes_total",
				Help:      "Access token refreshes by result.",
			},
			[]string{"result"},
		),
		breakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "api",
				Name:      "circuit_breaker_state",
				Help:      "Circuit breaker state (0 closed, 1 open, 2 half-open).",
			},
			[]string{"name"},
		),
		cacheEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "cache",
				Name:      "events_total",
				Help:      "Query cache events (hit, miss, fetch, dedup, discarded, background_error, evicted).",
			},
			[]string{"event"},
		),
		cacheEntries: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "cache",
				Name:      "entries",
				Help:      "Number of entries held by the query cache.",
			},
		),
		sessionChanges: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "session",
				Name:      "transitions_total",
				Help:      "Session state transitions by reason.",
			},
			[]string{"reason"},
		),
		jobRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "scheduler",
				Name:      "job_runs_total",
				Help:      "Scheduled job runs.",
			},
			[]string{"job", "success"},
		),
		jobDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "scheduler",
				Name:      "job_run_duration_seconds",
				Help:      "Duration of scheduled job runs.",
				Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
			},
			[]string{"job"},
		),
		storageOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "storage",
				Name:      "operations_total",
				Help:      "Session storage operations by driver, operation and result.",
			},
			[]string{"driver", "op", "result"},
		),
		eventsOut: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "events",
				Name:      "published_total",
				Help:      "Events published on the in-process bus.",
			},
			[]string{"type"},
		),
		eventHandlers: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "events",
				Name:      "handler_duration_seconds",
				Help:      "Duration of event handlers by event type and result.",
				Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8),
			},
			[]string{"type", "result"},
		),
	}

	m.registry.MustRegister(
		m.apiRequests,
		m.apiDuration,
		m.tokenRefreshes,
		m.breakerState,
		m.cacheEvents,
		m.cacheEntries,
		m.sessionChanges,
		m.jobRuns,
		m.jobDuration,
		m.storageOps,
		m.eventsOut,
		m.eventHandlers,
	)
	if withRuntime {
		m.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	return m
}

// Registry exposes the underlying registry, mostly for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveRequest records one backend request. status is the HTTP status, or 0
// when no response was received.
func (m *Metrics) ObserveRequest(operation string, status int, d time.Duration) {
	label := "transport_error"
	if status > 0 {
		label = strconv.Itoa(status)
	}
	m.apiRequests.WithLabelValues(operation, label).Inc()
	m.apiDuration.WithLabelValues(operation).Observe(d.Seconds())
}

func (m *Metrics) ObserveTokenRefresh(success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	m.tokenRefreshes.WithLabelValues(result).Inc()
}

// SetBreakerState records a breaker position (0 closed, 1 open, 2 half-open).
func (m *Metrics) SetBreakerState(name string, state int) {
	m.breakerState.WithLabelValues(name).Set(float64(state))
}

// CacheEvent counts a query cache event.
func (m *Metrics) CacheEvent(event string) {
	m.cacheEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) SetCacheEntries(n int) {
	m.cacheEntries.Set(float64(n))
}

func (m *Metrics) SessionTransition(reason string) {
	m.sessionChanges.WithLabelValues(reason).Inc()
}

func (m *Metrics) ObserveJob(job string, d time.Duration, err error) {
	m.jobRuns.WithLabelValues(job, strconv.FormatBool(err == nil)).Inc()
	m.jobDuration.WithLabelValues(job).Observe(d.Seconds())
}

func (m *Metrics) StorageOp(driver, op string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.storageOps.WithLabelValues(driver, op, result).Inc()
}

func (m *Metrics) EventPublished(eventType string) {
	m.eventsOut.WithLabelValues(eventType).Inc()
}

func (m *Metrics) EventHandled(eventType string, d time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.eventHandlers.WithLabelValues(eventType, result).Observe(d.Seconds())
}
