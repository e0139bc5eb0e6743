package telemetry

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for OpenFleet.
type Metrics struct {
	config MetricsConfig

	// Run metrics
	runsStarted   prometheus.Counter
	runsCompleted *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec

	// Action metrics
	actionsExecuted *prometheus.CounterVec
	actionDuration  *prometheus.HistogramVec
	actionRetries   prometheus.Counter

	// Remote API metrics
	remoteCalls    *prometheus.CounterVec
	remoteDuration *prometheus.HistogramVec
	remoteErrors   *prometheus.CounterVec

	// Error metrics
	errorsByClass *prometheus.CounterVec
	errorsByCode  *prometheus.CounterVec

	// Drift detection metrics
	driftDetections *prometheus.CounterVec

	// System metrics
	activeRuns      prometheus.Gauge
	inFlightActions prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// Return a no-op metrics instance
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	// Create a new registry
	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		// Run metrics
		runsStarted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_started_total",
				Help:      "Total number of deployment runs started",
			},
		),
		runsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_completed_total",
				Help:      "Total number of deployment runs completed",
			},
			[]string{"verdict"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Duration of deployment runs in seconds",
				Buckets:   buckets,
			},
			[]string{"verdict"},
		),

		// Action metrics
		actionsExecuted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "actions_executed_total",
				Help:      "Total number of actions executed",
			},
			[]string{"operation", "status"},
		),
		actionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "action_duration_seconds",
				Help:      "Duration of action execution in seconds",
				Buckets:   buckets,
			},
			[]string{"operation"},
		),
		actionRetries: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "action_retries_total",
				Help:      "Total number of action execution retries",
			},
		),

		// Remote API metrics
		remoteCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "remote_calls_total",
				Help:      "Total number of remote provisioning API calls",
			},
			[]string{"service", "operation"},
		),
		remoteDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "remote_call_duration_seconds",
				Help:      "Duration of remote provisioning API calls in seconds",
				Buckets:   buckets,
			},
			[]string{"service", "operation"},
		),
		remoteErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "remote_errors_total",
				Help:      "Total number of remote provisioning API errors",
			},
			[]string{"service", "operation"},
		),

		// Error metrics
		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_class_total",
				Help:      "Total number of errors by error class",
			},
			[]string{"class"},
		),
		errorsByCode: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_code_total",
				Help:      "Total number of errors by error code",
			},
			[]string{"code"},
		),

		// Drift detection metrics
		driftDetections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "drift_detections_total",
				Help:      "Total number of drift detections",
			},
			[]string{"status"},
		),

		// System metrics
		activeRuns: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_runs",
				Help:      "Current number of active deployment runs",
			},
		),
		inFlightActions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "in_flight_actions",
				Help:      "Current number of actions executing",
			},
		),
	}

	// Register all metrics
	registry.MustRegister(
		m.runsStarted,
		m.runsCompleted,
		m.runDuration,
		m.actionsExecuted,
		m.actionDuration,
		m.actionRetries,
		m.remoteCalls,
		m.remoteDuration,
		m.remoteErrors,
		m.errorsByClass,
		m.errorsByCode,
		m.driftDetections,
		m.activeRuns,
		m.inFlightActions,
	)

	return m, nil
}

// Run Metrics

// RecordRunStarted increments the counter for started runs.
func (m *Metrics) RecordRunStarted() {
	if m.runsStarted == nil {
		return
	}
	m.runsStarted.Inc()
	m.activeRuns.Inc()
}

// RecordRunCompleted records a completed run with its verdict and duration.
func (m *Metrics) RecordRunCompleted(verdict string, duration time.Duration) {
	if m.runsCompleted == nil {
		return
	}
	m.runsCompleted.WithLabelValues(verdict).Inc()
	m.runDuration.WithLabelValues(verdict).Observe(duration.Seconds())
	m.activeRuns.Dec()
}

// Action Metrics

// RecordActionExecution records the execution of one action.
func (m *Metrics) RecordActionExecution(operation, status string, duration time.Duration) {
	if m.actionsExecuted == nil {
		return
	}
	m.actionsExecuted.WithLabelValues(operation, status).Inc()
	m.actionDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordActionRetry records one action execution retry.
func (m *Metrics) RecordActionRetry() {
	if m.actionRetries == nil {
		return
	}
	m.actionRetries.Inc()
}

// ActionStarted increments the in-flight action gauge.
func (m *Metrics) ActionStarted() {
	if m.inFlightActions == nil {
		return
	}
	m.inFlightActions.Inc()
}

// ActionFinished decrements the in-flight action gauge.
func (m *Metrics) ActionFinished() {
	if m.inFlightActions == nil {
		return
	}
	m.inFlightActions.Dec()
}

// Remote API Metrics

// RecordRemoteCall records a remote provisioning API call with its duration.
func (m *Metrics) RecordRemoteCall(service, operation string, duration time.Duration) {
	if m.remoteCalls == nil {
		return
	}
	m.remoteCalls.WithLabelValues(service, operation).Inc()
	m.remoteDuration.WithLabelValues(service, operation).Observe(duration.Seconds())
}

// RecordRemoteError records a remote provisioning API error.
func (m *Metrics) RecordRemoteError(service, operation string) {
	if m.remoteErrors == nil {
		return
	}
	m.remoteErrors.WithLabelValues(service, operation).Inc()
}

// Error Metrics

// RecordError records an error by class and optionally by code.
func (m *Metrics) RecordError(errorClass, errorCode string) {
	if m.errorsByClass == nil {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
	if errorCode != "" && m.errorsByCode != nil {
		m.errorsByCode.WithLabelValues(errorCode).Inc()
	}
}

// Drift Metrics

// RecordDriftDetection records a drift verification outcome.
func (m *Metrics) RecordDriftDetection(status string) {
	if m.driftDetections == nil {
		return
	}
	m.driftDetections.WithLabelValues(status).Inc()
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
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer starts an HTTP server to expose metrics.
func (m *Metrics) StartMetricsServer() error {
	if !m.config.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			// Log error but don't fail the application
			fmt.Printf("metrics server error: %v\n", err)
		}
	}()

	return nil
}
