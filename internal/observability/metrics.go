package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "devbot"

// MetricsCollector holds all Prometheus metrics for devbot.
// Uses a custom registry, no global state.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// LLM metrics.
	LLMRequestsTotal   *prometheus.CounterVec
	LLMRequestDuration *prometheus.HistogramVec
	LLMTokensUsed      *prometheus.CounterVec

	// Tool dispatch metrics.
	ToolDispatchesTotal  *prometheus.CounterVec
	ToolDispatchDuration *prometheus.HistogramVec
	ToolCacheLookups     *prometheus.CounterVec

	// Sandbox metrics.
	SandboxExecutionsTotal   *prometheus.CounterVec
	SandboxExecutionDuration *prometheus.HistogramVec

	// Control loop metrics.
	LoopRunsTotal *prometheus.CounterVec
	LoopTurns     prometheus.Histogram
	ActiveLoops   prometheus.Gauge

	// HTTP metrics for the observability listener.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewMetricsCollector creates a MetricsCollector with all metrics registered
// on a custom prometheus.Registry.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		LLMRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "llm",
			Name:      "requests_total",
			Help:      "Total agent backend requests.",
		}, []string{"provider", "model", "status"}),

		LLMRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "llm",
			Name:      "request_duration_seconds",
			Help:      "Agent backend request duration in seconds.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"provider", "model"}),

		LLMTokensUsed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "llm",
			Name:      "tokens_used_total",
			Help:      "Total tokens consumed.",
		}, []string{"provider", "model", "direction"}),

		ToolDispatchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tool",
			Name:      "dispatches_total",
			Help:      "Total tool dispatches by outcome.",
		}, []string{"tool", "status", "code"}),

		ToolDispatchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "tool",
			Name:      "dispatch_duration_seconds",
			Help:      "Tool dispatch duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"tool"}),

		ToolCacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tool",
			Name:      "cache_lookups_total",
			Help:      "Tool result cache lookups.",
		}, []string{"tool", "result"}),

		SandboxExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sandbox",
			Name:      "executions_total",
			Help:      "Total sandbox executions.",
		}, []string{"type", "status"}),

		SandboxExecutionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sandbox",
			Name:      "execution_duration_seconds",
			Help:      "Sandbox execution duration in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		}, []string{"type"}),

		LoopRunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "loop",
			Name:      "runs_total",
			Help:      "Completed control loop runs by terminal state.",
		}, []string{"state"}),

		LoopTurns: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "loop",
			Name:      "turns",
			Help:      "Turns taken per control loop run.",
			Buckets:   []float64{1, 2, 3, 5, 8, 13, 20, 40},
		}),

		ActiveLoops: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_loops",
			Help:      "Number of control loops currently running.",
		}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"method", "path", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
	}

	reg.MustRegister(
		m.LLMRequestsTotal,
		m.LLMRequestDuration,
		m.LLMTokensUsed,
		m.ToolDispatchesTotal,
		m.ToolDispatchDuration,
		m.ToolCacheLookups,
		m.SandboxExecutionsTotal,
		m.SandboxExecutionDuration,
		m.LoopRunsTotal,
		m.LoopTurns,
		m.ActiveLoops,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
	)

	return m
}

// RecordDispatch records one tool dispatch outcome.
func (m *MetricsCollector) RecordDispatch(tool, status, code string, d time.Duration) {
	if m == nil {
		return
	}
	m.ToolDispatchesTotal.WithLabelValues(tool, status, code).Inc()
	m.ToolDispatchDuration.WithLabelValues(tool).Observe(d.Seconds())
}

// RecordCacheLookup records a cache hit or miss for a tool.
func (m *MetricsCollector) RecordCacheLookup(tool string, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.ToolCacheLookups.WithLabelValues(tool, result).Inc()
}

// LoopStarted marks a control loop as running and returns the function that
// records its terminal state.
func (m *MetricsCollector) LoopStarted() func(state string, turns int) {
	if m == nil {
		return func(string, int) {}
	}
	m.ActiveLoops.Inc()
	return func(state string, turns int) {
		m.ActiveLoops.Dec()
		m.LoopRunsTotal.WithLabelValues(state).Inc()
		m.LoopTurns.Observe(float64(turns))
	}
}
