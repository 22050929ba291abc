package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for the execution engine.
type Metrics struct {
	Registry *prometheus.Registry

	EnvironmentsLive   prometheus.Gauge
	EnvironmentsTotal  *prometheus.CounterVec
	ExecutionsTotal    *prometheus.CounterVec
	ExecutionDuration  *prometheus.HistogramVec
	ExecutionErrors    *prometheus.CounterVec
	ActiveExecutions   prometheus.Gauge
	SecurityViolations *prometheus.CounterVec
	CleanupActions     *prometheus.CounterVec
	HostMemoryRatio    prometheus.Gauge
	RuntimeLatency     *prometheus.HistogramVec
	RequestsInFlight   prometheus.Gauge
	CodeSizeBytes      prometheus.Histogram
	OutputSizeBytes    prometheus.Histogram
}

// NewMetrics creates and registers all Prometheus metrics using a dedicated registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		EnvironmentsLive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "studio",
				Name:      "environments_live",
				Help:      "Number of environments currently registered.",
			},
		),

		EnvironmentsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "studio",
				Name:      "environments_created_total",
				Help:      "Total environments created by language.",
			},
			[]string{"language"},
		),

		ExecutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "studio",
				Name:      "executions_total",
				Help:      "Total code executions by language and terminal status.",
			},
			[]string{"language", "status"},
		),

		ExecutionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "studio",
				Name:      "execution_duration_seconds",
				Help:      "Duration of code executions in seconds.",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"language"},
		),

		ExecutionErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "studio",
				Name:      "execution_errors_total",
				Help:      "Total execution errors by type.",
			},
			[]string{"type"},
		),

		ActiveExecutions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "studio",
				Name:      "active_executions",
				Help:      "Number of executions currently in flight.",
			},
		),

		SecurityViolations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "studio",
				Name:      "security_violations_total",
				Help:      "Security violations recorded by kind and severity.",
			},
			[]string{"kind", "severity"},
		),

		CleanupActions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "studio",
				Name:      "cleanup_actions_total",
				Help:      "Environments retired by cleanup, by reason.",
			},
			[]string{"reason"},
		),

		HostMemoryRatio: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "studio",
				Name:      "host_memory_ratio",
				Help:      "Fraction of host memory in use, as seen by the cleanup sweeps.",
			},
		),

		RuntimeLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "studio",
				Name:      "runtime_operation_duration_seconds",
				Help:      "Duration of container runtime API operations.",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
			},
			[]string{"operation"},
		),

		RequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "studio",
				Subsystem: "api",
				Name:      "requests_in_flight",
				Help:      "Number of HTTP requests currently being processed.",
			},
		),

		CodeSizeBytes: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "studio",
				Name:      "code_size_bytes",
				Help:      "Size of submitted code in bytes.",
				Buckets:   prometheus.ExponentialBuckets(100, 4, 8),
			},
		),

		OutputSizeBytes: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "studio",
				Name:      "output_size_bytes",
				Help:      "Size of execution output in bytes.",
				Buckets:   prometheus.ExponentialBuckets(10, 4, 8),
			},
		),
	}

	// Register all collectors
	reg.MustRegister(
		m.EnvironmentsLive,
		m.EnvironmentsTotal,
		m.ExecutionsTotal,
		m.ExecutionDuration,
		m.ExecutionErrors,
		m.ActiveExecutions,
		m.SecurityViolations,
		m.CleanupActions,
		m.HostMemoryRatio,
		m.RuntimeLatency,
		m.RequestsInFlight,
		m.CodeSizeBytes,
		m.OutputSizeBytes,
	)

	return m
}

// RecordExecution records metrics for a finished execution.
func (m *Metrics) RecordExecution(language, status string, durationSec float64) {
	m.ExecutionsTotal.WithLabelValues(language, status).Inc()
	m.ExecutionDuration.WithLabelValues(language).Observe(durationSec)
}

// RecordError records an execution error by type.
func (m *Metrics) RecordError(errType string) {
	m.ExecutionErrors.WithLabelValues(errType).Inc()
}

// RecordViolation records a security violation.
func (m *Metrics) RecordViolation(kind, severity string) {
	m.SecurityViolations.WithLabelValues(kind, severity).Inc()
}

// RecordCleanup records one environment retired for the given reason.
func (m *Metrics) RecordCleanup(reason string) {
	m.CleanupActions.WithLabelValues(reason).Inc()
}
