package telemetry

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/openfroyo/govframe/pkg/engine"
)

// Metrics provides the Prometheus metrics of provisioning and plan runs.
// A disabled Metrics accepts every call and records nothing.
type Metrics struct {
	config MetricsConfig

	// Run metrics
	runsStarted   *prometheus.CounterVec
	runsCompleted *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec
	activeRuns    prometheus.Gauge

	// State machine metrics
	stateTransitions *prometheus.CounterVec
	stateAttempts    *prometheus.CounterVec
	stateDuration    *prometheus.HistogramVec

	// Task metrics
	tasksExecuted *prometheus.CounterVec
	taskDuration  *prometheus.HistogramVec

	errors   *prometheus.CounterVec
	accounts *prometheus.GaugeVec

	registry *prometheus.Registry
}

// NewMetrics creates the collectors on a dedicated registry.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	ns := cfg.Namespace
	buckets := cfg.Buckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()
	m := &Metrics{
		config:   cfg,
		registry: registry,

		runsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "runs_started_total",
			Help:      "Total number of runs started",
		}, []string{"kind"}),
		runsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "runs_completed_total",
			Help:      "Total number of runs completed",
		}, []string{"kind", "status"}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "run_duration_seconds",
			Help:      "Duration of runs in seconds",
			Buckets:   buckets,
		}, []string{"kind", "status"}),
		activeRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "active_runs",
			Help:      "Number of runs in progress",
		}),

		stateTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "state_transitions_total",
			Help:      "Provisioning state machine transitions",
		}, []string{"from", "to"}),
		stateAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "state_attempts_total",
			Help:      "Attempts of provisioning states by outcome",
		}, []string{"state", "outcome"}),
		stateDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "state_duration_seconds",
			Help:      "Time spent in each provisioning state",
			Buckets:   buckets,
		}, []string{"state"}),

		tasksExecuted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "tasks_executed_total",
			Help:      "Plan tasks executed by kind and status",
		}, []string{"kind", "status"}),
		taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "task_duration_seconds",
			Help:      "Duration of plan tasks in seconds",
			Buckets:   buckets,
		}, []string{"kind"}),

		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "errors_total",
			Help:      "Errors by class and code",
		}, []string{"class", "code"}),
		accounts: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "tracked_accounts",
			Help:      "Tracked accounts by lifecycle state",
		}, []string{"state"}),
	}

	registry.MustRegister(
		m.runsStarted,
		m.runsCompleted,
		m.runDuration,
		m.activeRuns,
		m.stateTransitions,
		m.stateAttempts,
		m.stateDuration,
		m.tasksExecuted,
		m.taskDuration,
		m.errors,
		m.accounts,
	)

	return m, nil
}

// Registry returns the registry, or nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordRunStarted counts a started run.
func (m *Metrics) RecordRunStarted(kind engine.RunKind) {
	if m.registry == nil {
		return
	}
	m.runsStarted.WithLabelValues(string(kind)).Inc()
	m.activeRuns.Inc()
}

// RecordRunCompleted counts a finished run and its duration.
func (m *Metrics) RecordRunCompleted(kind engine.RunKind, status engine.RunStatus, duration time.Duration) {
	if m.registry == nil {
		return
	}
	m.runsCompleted.WithLabelValues(string(kind), string(status)).Inc()
	m.runDuration.WithLabelValues(string(kind), string(status)).Observe(duration.Seconds())
	m.activeRuns.Dec()
}

// RecordStateTransition counts a state machine transition.
func (m *Metrics) RecordStateTransition(from, to string) {
	if m.registry == nil {
		return
	}
	m.stateTransitions.WithLabelValues(from, to).Inc()
}

// RecordStateAttempt counts one attempt of a state. Outcome is succeeded,
// retried or failed.
func (m *Metrics) RecordStateAttempt(state, outcome string) {
	if m.registry == nil {
		return
	}
	m.stateAttempts.WithLabelValues(state, outcome).Inc()
}

// ObserveStateDuration records the time spent in a state.
func (m *Metrics) ObserveStateDuration(state string, d time.Duration) {
	if m.registry == nil {
		return
	}
	m.stateDuration.WithLabelValues(state).Observe(d.Seconds())
}

// ObserveTask implements engine.TaskObserver.
func (m *Metrics) ObserveTask(task *engine.Task, result *engine.TaskResult) {
	if m.registry == nil || task == nil || result == nil {
		return
	}
	m.tasksExecuted.WithLabelValues(string(task.Kind), string(result.Status)).Inc()
	m.taskDuration.WithLabelValues(string(task.Kind)).Observe(result.Duration.Seconds())
	if result.Error != nil {
		m.RecordError(result.Error)
	}
}

// RecordError counts a classified error.
func (m *Metrics) RecordError(err error) {
	if m.registry == nil || err == nil {
		return
	}
	class, code := string(engine.ErrorClassExecution), ""
	var ee *engine.EngineError
	if errors.As(err, &ee) {
		class, code = string(ee.Class), ee.Code
	}
	m.errors.WithLabelValues(class, code).Inc()
}

// SetAccounts sets the number of tracked accounts in a state.
func (m *Metrics) SetAccounts(state engine.AccountState, count int) {
	if m.registry == nil {
		return
	}
	m.accounts.WithLabelValues(string(state)).Set(float64(count))
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

// StartMetricsServer serves the metrics endpoint in the background.
func (m *Metrics) StartMetricsServer(logger zerolog.Logger) *http.Server {
	if !m.config.Enabled {
		return nil
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
			logger.Error().Err(err).Str("addr", server.Addr).Msg("Metrics server stopped")
		}
	}()

	return server
}

var _ engine.TaskObserver = (*Metrics)(nil)
