package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector holds all Prometheus metrics for CodeSail.
// Uses a custom registry — no global state.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// Workspace operation metrics (session coordinator level).
	OperationsTotal   *prometheus.CounterVec
	OperationDuration *prometheus.HistogramVec

	// Sandbox exec metrics (executor level).
	SandboxExecutionsTotal   *prometheus.CounterVec
	SandboxExecutionDuration *prometheus.HistogramVec

	// Tree staleness events published to subscribers.
	StaleEventsTotal *prometheus.CounterVec

	// Assist (LLM suggestion) metrics.
	AssistRequestsTotal   *prometheus.CounterVec
	AssistRequestDuration *prometheus.HistogramVec

	// Gateway metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	RateLimitedTotal    *prometheus.CounterVec
	WSConnections       prometheus.Gauge

	// System metrics.
	ActiveRequests prometheus.Gauge
}

// NewMetricsCollector creates a MetricsCollector with all metrics registered
// on a custom prometheus.Registry.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		OperationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "codesail",
			Subsystem: "workspace",
			Name:      "operations_total",
			Help:      "Total workspace operations.",
		}, []string{"kind", "status"}),

		OperationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "codesail",
			Subsystem: "workspace",
			Name:      "operation_duration_seconds",
			Help:      "Workspace operation duration in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		}, []string{"kind"}),

		SandboxExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "codesail",
			Subsystem: "sandbox",
			Name:      "executions_total",
			Help:      "Total sandbox exec streams.",
		}, []string{"executor", "status"}),

		SandboxExecutionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "codesail",
			Subsystem: "sandbox",
			Name:      "execution_duration_seconds",
			Help:      "Sandbox exec stream duration in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		}, []string{"executor"}),

		StaleEventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "codesail",
			Subsystem: "tree",
			Name:      "stale_events_total",
			Help:      "Total tree-staleness events published.",
		}, []string{"reason"}),

		AssistRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "codesail",
			Subsystem: "assist",
			Name:      "requests_total",
			Help:      "Total assist suggestion requests.",
		}, []string{"provider", "status"}),

		AssistRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "codesail",
			Subsystem: "assist",
			Name:      "request_duration_seconds",
			Help:      "Assist suggestion request duration in seconds.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"provider"}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "codesail",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"method", "path", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "codesail",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),

		RateLimitedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "codesail",
			Subsystem: "http",
			Name:      "rate_limited_total",
			Help:      "Total requests rejected by the rate limiter.",
		}, []string{"surface"}),

		WSConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "codesail",
			Subsystem: "ws",
			Name:      "connections",
			Help:      "Currently open WebSocket sessions.",
		}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "codesail",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),
	}

	reg.MustRegister(
		m.OperationsTotal,
		m.OperationDuration,
		m.SandboxExecutionsTotal,
		m.SandboxExecutionDuration,
		m.StaleEventsTotal,
		m.AssistRequestsTotal,
		m.AssistRequestDuration,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.RateLimitedTotal,
		m.WSConnections,
		m.ActiveRequests,
	)

	return m
}
