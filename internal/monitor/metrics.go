package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "codemode"

// Metrics holds all Prometheus metrics for the runtime.
type Metrics struct {
	Registry *prometheus.Registry

	ExecutionsTotal   *prometheus.CounterVec
	ExecutionDuration *prometheus.HistogramVec
	ExecutionErrors   *prometheus.CounterVec
	ActiveExecutions  prometheus.Gauge
	SecurityEvents    *prometheus.CounterVec
	Redactions        *prometheus.CounterVec
	ScanFailures      prometheus.Counter
	RequestsInFlight  prometheus.Gauge
	RateLimited       prometheus.Counter
	CodeSizeBytes     prometheus.Histogram
	OutputSizeBytes   prometheus.Histogram
}

// NewMetrics creates and registers all Prometheus metrics using a dedicated registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		ExecutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "executions_total",
				Help:      "Total snippet executions by backend and outcome.",
			},
			[]string{"backend", "status"},
		),

		ExecutionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "execution_duration_seconds",
				Help:      "Wall-clock duration of snippet executions.",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"backend"},
		),

		ExecutionErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "execution_errors_total",
				Help:      "Failed executions by error code.",
			},
			[]string{"error"},
		),

		ActiveExecutions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_executions",
				Help:      "Number of snippets currently running.",
			},
		),

		SecurityEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "security_events_total",
				Help:      "Suspicious patterns seen in submitted code or output.",
			},
			[]string{"pattern"},
		),

		Redactions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "redactions_total",
				Help:      "Secrets and PII redacted from results, by kind.",
			},
			[]string{"kind"},
		),

		ScanFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "scan_failures_total",
				Help:      "Results returned unscanned because the scanner failed.",
			},
		),

		RequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "api",
				Name:      "requests_in_flight",
				Help:      "Number of HTTP requests currently being processed.",
			},
		),

		RateLimited: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "api",
				Name:      "rate_limited_total",
				Help:      "Requests rejected by the rate limiter.",
			},
		),

		CodeSizeBytes: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "code_size_bytes",
				Help:      "Size of submitted code in bytes.",
				Buckets:   prometheus.ExponentialBuckets(100, 4, 8),
			},
		),

		OutputSizeBytes: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "output_size_bytes",
				Help:      "Size of returned stdout in bytes.",
				Buckets:   prometheus.ExponentialBuckets(10, 4, 8),
			},
		),
	}

	reg.MustRegister(
		m.ExecutionsTotal,
		m.ExecutionDuration,
		m.ExecutionErrors,
		m.ActiveExecutions,
		m.SecurityEvents,
		m.Redactions,
		m.ScanFailures,
		m.RequestsInFlight,
		m.RateLimited,
		m.CodeSizeBytes,
		m.OutputSizeBytes,
	)

	return m
}

// RecordExecution records metrics for a completed execution. status is
// "success" or the result's error code.
func (m *Metrics) RecordExecution(backend, status string, durationSec float64) {
	m.ExecutionsTotal.WithLabelValues(backend, status).Inc()
	m.ExecutionDuration.WithLabelValues(backend).Observe(durationSec)
	if status != "success" {
		m.ExecutionErrors.WithLabelValues(status).Inc()
	}
}

// RecordSecurityEvent records a detector hit.
func (m *Metrics) RecordSecurityEvent(pattern string) {
	m.SecurityEvents.WithLabelValues(pattern).Inc()
}

// RecordRedaction counts n redacted findings of one kind.
func (m *Metrics) RecordRedaction(kind string, n int) {
	m.Redactions.WithLabelValues(kind).Add(float64(n))
}
