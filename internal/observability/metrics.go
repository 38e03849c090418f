package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Session results used as the result label of sessions_total.
const (
	ResultClosed   = "closed"
	ResultError    = "error"
	ResultRejected = "rejected"
)

// Metrics holds all Prometheus metrics for the relay.
type Metrics struct {
	sessionsTotal   *prometheus.CounterVec
	activeSessions  prometheus.Gauge
	sessionErrors   *prometheus.CounterVec
	sessionDuration prometheus.Histogram
	bytesTotal      *prometheus.CounterVec
	headersTotal    *prometheus.CounterVec
	backendDial     *prometheus.HistogramVec
	acceptErrors    prometheus.Counter
	circuitBreaker  *prometheus.GaugeVec
	configReloads   *prometheus.CounterVec
	buildInfo       *prometheus.GaugeVec
	startTime       prometheus.Gauge
	registry        *prometheus.Registry
}

// NewMetrics creates a new Metrics instance with its own registry.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "tcp3h"
	}

	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}

	m.sessionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total number of finished relay sessions",
		},
		[]string{"result"},
	)

	m.activeSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of relay sessions in progress",
		},
	)

	m.sessionErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_errors_total",
			Help:      "Total number of session errors by kind",
		},
		[]string{"kind"},
	)

	m.sessionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Relay session duration in seconds",
			Buckets: []float64{
				.01, .05, .1, .5, 1, 5,
				10, 30, 60, 300, 900, 3600,
			},
		},
	)

	m.bytesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_total",
			Help:      "Total number of relayed payload bytes",
		},
		[]string{"direction"},
	)

	m.headersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "proxy_headers_total",
			Help:      "Total number of PROXY v2 headers written by address family",
		},
		[]string{"family"},
	)

	m.backendDial = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "backend_dial_duration_seconds",
			Help:      "Backend connect duration in seconds",
			Buckets: []float64{
				.0005, .001, .005, .01, .025,
				.05, .1, .25, .5, 1, 5,
			},
		},
		[]string{"status"},
	)

	m.acceptErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "accept_errors_total",
			Help:      "Total number of listener accept errors",
		},
	)

	m.circuitBreaker = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help: "Circuit breaker state " +
				"(0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	m.configReloads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "config_reloads_total",
			Help:      "Total number of configuration reloads",
		},
		[]string{"result"},
	)

	m.buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "build_info",
			Help:      "Build information for tcp3h",
		},
		[]string{"version", "commit", "build_time"},
	)

	m.startTime = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "start_time_seconds",
			Help: "Start time of the relay " +
				"in unix seconds",
		},
	)

	m.registerCollectors()

	m.startTime.SetToCurrentTime()

	return m
}

// registerCollectors registers all metric collectors with the
// Prometheus registry.
func (m *Metrics) registerCollectors() {
	m.registry.MustRegister(
		m.sessionsTotal,
		m.activeSessions,
		m.sessionErrors,
		m.sessionDuration,
		m.bytesTotal,
		m.headersTotal,
		m.backendDial,
		m.acceptErrors,
		m.circuitBreaker,
		m.configReloads,
		m.buildInfo,
		m.startTime,
	)

	m.registry.MustRegister(collectors.NewGoCollector())
	m.registry.MustRegister(
		collectors.NewProcessCollector(
			collectors.ProcessCollectorOpts{},
		),
	)
}

// InitVecMetrics pre-populates label combinations with zero values so the
// series appear in /metrics output right after startup. It is idempotent.
func (m *Metrics) InitVecMetrics() {
	for _, result := range []string{ResultClosed, ResultError, ResultRejected} {
		m.sessionsTotal.WithLabelValues(result)
	}
	for _, direction := range []string{"client->backend", "backend->client"} {
		m.bytesTotal.WithLabelValues(direction)
	}
	m.circuitBreaker.WithLabelValues("backend")
}

// SessionStarted increments the active sessions gauge.
func (m *Metrics) SessionStarted() {
	m.activeSessions.Inc()
}

// SessionFinished records a finished session. Rejected sessions never
// started, so they do not touch the active gauge.
func (m *Metrics) SessionFinished(result string, duration time.Duration) {
	m.sessionsTotal.WithLabelValues(result).Inc()
	if result == ResultRejected {
		return
	}
	m.activeSessions.Dec()
	m.sessionDuration.Observe(duration.Seconds())
}

// RecordSessionError counts a session error of the given kind.
func (m *Metrics) RecordSessionError(kind string) {
	m.sessionErrors.WithLabelValues(kind).Inc()
}

// AddBytes adds relayed payload bytes for a direction.
func (m *Metrics) AddBytes(direction string, n int64) {
	if n <= 0 {
		return
	}
	m.bytesTotal.WithLabelValues(direction).Add(float64(n))
}

// RecordHeader counts a header written for the given address family.
func (m *Metrics) RecordHeader(family string) {
	m.headersTotal.WithLabelValues(family).Inc()
}

// ObserveBackendDial records how long a backend connect took.
func (m *Metrics) ObserveBackendDial(duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.backendDial.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordAcceptError counts a listener accept error.
func (m *Metrics) RecordAcceptError() {
	m.acceptErrors.Inc()
}

// SetCircuitBreakerState sets the circuit breaker state.
func (m *Metrics) SetCircuitBreakerState(
	name string, state int,
) {
	m.circuitBreaker.WithLabelValues(name).Set(float64(state))
}

// RecordConfigReload counts a configuration reload attempt.
func (m *Metrics) RecordConfigReload(success bool) {
	result := "success"
	if !success {
		result = "error"
	}
	m.configReloads.WithLabelValues(result).Inc()
}

// SetBuildInfo sets the build information metric.
func (m *Metrics) SetBuildInfo(
	version, commit, buildTime string,
) {
	m.buildInfo.WithLabelValues(
		version, commit, buildTime,
	).Set(1)
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(
		m.registry,
		promhttp.HandlerOpts{EnableOpenMetrics: true},
	)
}

// Registry returns the Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
