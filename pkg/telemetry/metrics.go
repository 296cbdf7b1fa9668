package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for pipeline runs. A nil or disabled
// Metrics is safe to use; every recorder becomes a no-op.
type Metrics struct {
	config MetricsConfig

	runsStarted   *prometheus.CounterVec
	runsCompleted *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec

	stepsExecuted *prometheus.CounterVec
	stepDuration  *prometheus.HistogramVec
	stepRetries   *prometheus.CounterVec

	adapterCalls    *prometheus.CounterVec
	adapterDuration *prometheus.HistogramVec
	adapterErrors   *prometheus.CounterVec

	errorsByCode *prometheus.CounterVec

	workspacesAllocated prometheus.Counter
	monitorPolls        *prometheus.CounterVec
	activeRuns          prometheus.Gauge
	activeMonitors      prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		runsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_started_total",
				Help:      "Total number of pipeline runs started",
			},
			[]string{"mode"},
		),
		runsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_completed_total",
				Help:      "Total number of pipeline runs reaching a terminal status",
			},
			[]string{"mode", "status"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Duration of pipeline runs in seconds",
				Buckets:   buckets,
			},
			[]string{"mode", "status"},
		),

		stepsExecuted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "steps_executed_total",
				Help:      "Total number of step attempts",
			},
			[]string{"type", "status"},
		),
		stepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "step_duration_seconds",
				Help:      "Duration of step attempts in seconds",
				Buckets:   buckets,
			},
			[]string{"type"},
		),
		stepRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "step_retries_total",
				Help:      "Total number of step retries",
			},
			[]string{"type"},
		),

		adapterCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "adapter_calls_total",
				Help:      "Total number of CI adapter calls",
			},
			[]string{"adapter", "operation"},
		),
		adapterDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "adapter_call_duration_seconds",
				Help:      "Duration of CI adapter calls in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"adapter", "operation"},
		),
		adapterErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "adapter_errors_total",
				Help:      "Total number of CI adapter errors",
			},
			[]string{"adapter", "operation"},
		),

		errorsByCode: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Total number of errors by class and code",
			},
			[]string{"class", "code"},
		),

		workspacesAllocated: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "workspaces_allocated_total",
				Help:      "Total number of workspace directories allocated",
			},
		),
		monitorPolls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "monitor_polls_total",
				Help:      "Total number of remote status polls",
			},
			[]string{"status"},
		),
		activeRuns: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_runs",
				Help:      "Current number of active runs",
			},
		),
		activeMonitors: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_monitors",
				Help:      "Current number of remote run monitors",
			},
		),
	}

	registry.MustRegister(
		m.runsStarted,
		m.runsCompleted,
		m.runDuration,
		m.stepsExecuted,
		m.stepDuration,
		m.stepRetries,
		m.adapterCalls,
		m.adapterDuration,
		m.adapterErrors,
		m.errorsByCode,
		m.workspacesAllocated,
		m.monitorPolls,
		m.activeRuns,
		m.activeMonitors,
	)

	return m, nil
}

func (m *Metrics) enabled() bool {
	return m != nil && m.registry != nil
}

// RecordRunStarted increments the counter for started runs.
func (m *Metrics) RecordRunStarted(mode string) {
	if !m.enabled() {
		return
	}
	m.runsStarted.WithLabelValues(mode).Inc()
	m.activeRuns.Inc()
}

// RecordRunCompleted records a terminal run with its status and duration.
func (m *Metrics) RecordRunCompleted(mode, status string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.runsCompleted.WithLabelValues(mode, status).Inc()
	m.runDuration.WithLabelValues(mode, status).Observe(duration.Seconds())
	m.activeRuns.Dec()
}

// RecordStepExecution records one attempt of a step.
func (m *Metrics) RecordStepExecution(stepType, status string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.stepsExecuted.WithLabelValues(stepType, status).Inc()
	m.stepDuration.WithLabelValues(stepType).Observe(duration.Seconds())
}

// RecordStepRetry records a retry of a step.
func (m *Metrics) RecordStepRetry(stepType string) {
	if !m.enabled() {
		return
	}
	m.stepRetries.WithLabelValues(stepType).Inc()
}

// RecordAdapterCall records a CI adapter call with its duration.
func (m *Metrics) RecordAdapterCall(adapter, operation string, duration time.Duration, err error) {
	if !m.enabled() {
		return
	}
	m.adapterCalls.WithLabelValues(adapter, operation).Inc()
	m.adapterDuration.WithLabelValues(adapter, operation).Observe(duration.Seconds())
	if err != nil {
		m.adapterErrors.WithLabelValues(adapter, operation).Inc()
	}
}

// RecordError records an error by class and code.
func (m *Metrics) RecordError(errorClass, errorCode string) {
	if !m.enabled() {
		return
	}
	m.errorsByCode.WithLabelValues(errorClass, errorCode).Inc()
}

// RecordWorkspaceAllocated counts a new workspace directory.
func (m *Metrics) RecordWorkspaceAllocated() {
	if !m.enabled() {
		return
	}
	m.workspacesAllocated.Inc()
}

// RecordMonitorPoll records a remote status poll result.
func (m *Metrics) RecordMonitorPoll(status string) {
	if !m.enabled() {
		return
	}
	m.monitorPolls.WithLabelValues(status).Inc()
}

// MonitorStarted tracks a new remote monitor.
func (m *Metrics) MonitorStarted() {
	if !m.enabled() {
		return
	}
	m.activeMonitors.Inc()
}

// MonitorStopped tracks a finished remote monitor.
func (m *Metrics) MonitorStopped() {
	if !m.enabled() {
		return
	}
	m.activeMonitors.Dec()
}

// Registry returns the private registry, nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if !m.enabled() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}
