package telemetry

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for the scheduler. A nil *Metrics and
// a disabled one both accept every Record call and discard it.
type Metrics struct {
	config MetricsConfig

	// Offer metrics
	offersReceived *prometheus.CounterVec
	cycleDuration  prometheus.Histogram

	// Evaluation metrics
	evaluationFailures *prometheus.CounterVec
	recommendations    *prometheus.CounterVec

	// Plan metrics
	blockTransitions *prometheus.CounterVec
	planComplete     *prometheus.GaugeVec

	// Task metrics
	statusUpdates *prometheus.CounterVec
	shutdowns     *prometheus.CounterVec

	// Error metrics
	errorsByCode *prometheus.CounterVec

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

		offersReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "offers_total",
				Help:      "Total number of offers processed by outcome",
			},
			[]string{"outcome"},
		),
		cycleDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "offer_cycle_duration_seconds",
				Help:      "Duration of one offer cycle in seconds",
				Buckets:   buckets,
			},
		),

		evaluationFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "evaluation_failures_total",
				Help:      "Total number of failed requirement evaluations by stage",
			},
			[]string{"stage"},
		),
		recommendations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "recommendations_total",
				Help:      "Total number of recommendations emitted by operation",
			},
			[]string{"operation"},
		),

		blockTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "block_transitions_total",
				Help:      "Total number of block status transitions",
			},
			[]string{"plan", "status"},
		),
		planComplete: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "plan_complete",
				Help:      "Whether a plan is complete (1) or not (0)",
			},
			[]string{"plan"},
		),

		statusUpdates: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "task_status_updates_total",
				Help:      "Total number of task status updates by state",
			},
			[]string{"state"},
		),
		shutdowns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "executor_shutdowns_total",
				Help:      "Total number of executor shutdown requests by result",
			},
			[]string{"result"},
		),

		errorsByCode: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_code_total",
				Help:      "Total number of errors by error code",
			},
			[]string{"code"},
		),
	}

	collectors := []prometheus.Collector{
		m.offersReceived,
		m.cycleDuration,
		m.evaluationFailures,
		m.recommendations,
		m.blockTransitions,
		m.planComplete,
		m.statusUpdates,
		m.shutdowns,
		m.errorsByCode,
	}
	for _, c := range collectors {
		if err := registry.Register(c); err != nil {
			return nil, err
		}
	}

	return m, nil
}

func (m *Metrics) enabled() bool {
	return m != nil && m.registry != nil
}

// Offer Metrics

// RecordOffer records an offer as "accepted" or "declined".
func (m *Metrics) RecordOffer(accepted bool) {
	if !m.enabled() {
		return
	}
	outcome := "declined"
	if accepted {
		outcome = "accepted"
	}
	m.offersReceived.WithLabelValues(outcome).Inc()
}

// RecordCycle records the duration of one offer cycle.
func (m *Metrics) RecordCycle(duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.cycleDuration.Observe(duration.Seconds())
}

// Evaluation Metrics

// RecordEvaluationFailure records a requirement that failed at stage.
func (m *Metrics) RecordEvaluationFailure(stage string) {
	if !m.enabled() {
		return
	}
	m.evaluationFailures.WithLabelValues(stage).Inc()
}

// RecordRecommendation records an emitted recommendation.
func (m *Metrics) RecordRecommendation(operation string) {
	if !m.enabled() {
		return
	}
	m.recommendations.WithLabelValues(operation).Inc()
}

// Plan Metrics

// RecordBlockTransition records a block entering status within plan.
func (m *Metrics) RecordBlockTransition(plan, status string) {
	if !m.enabled() {
		return
	}
	m.blockTransitions.WithLabelValues(plan, status).Inc()
}

// SetPlanComplete sets the completion gauge of plan.
func (m *Metrics) SetPlanComplete(plan string, complete bool) {
	if !m.enabled() {
		return
	}
	value := 0.0
	if complete {
		value = 1.0
	}
	m.planComplete.WithLabelValues(plan).Set(value)
}

// Task Metrics

// RecordStatusUpdate records a task status update.
func (m *Metrics) RecordStatusUpdate(state string) {
	if !m.enabled() {
		return
	}
	m.statusUpdates.WithLabelValues(state).Inc()
}

// RecordShutdown records the result of an executor shutdown request.
func (m *Metrics) RecordShutdown(result string) {
	if !m.enabled() {
		return
	}
	m.shutdowns.WithLabelValues(result).Inc()
}

// Error Metrics

// RecordError records an error by code.
func (m *Metrics) RecordError(code string) {
	if !m.enabled() || code == "" {
		return
	}
	m.errorsByCode.WithLabelValues(code).Inc()
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

// Registry returns the underlying registry, nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// StartMetricsServer starts an HTTP server exposing the metrics endpoint and
// returns it so the caller can shut it down. Serve errors are logged.
func (m *Metrics) StartMetricsServer(logger *Logger) *http.Server {
	if !m.enabled() || !m.config.Enabled {
		return nil
	}
	if logger == nil {
		logger = NopLogger()
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).WithField("address", server.Addr).Error("metrics server stopped")
		}
	}()

	return server
}
