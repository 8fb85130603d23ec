package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Status label values.
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
)

// Metrics provides Prometheus metrics for skein. A Metrics built from a
// disabled config is a no-op.
type Metrics struct {
	config MetricsConfig

	// Action metrics
	actionsStarted   *prometheus.CounterVec
	actionsCompleted *prometheus.CounterVec
	actionDuration   *prometheus.HistogramVec

	// Per-target metrics
	targetResults  *prometheus.CounterVec
	targetDuration *prometheus.HistogramVec
	errorsByKind   *prometheus.CounterVec

	// Usage analytics
	transportUsage *prometheus.CounterVec
	functionCalls  *prometheus.CounterVec

	// System metrics
	activeActions prometheus.Gauge
	activeFutures prometheus.Gauge

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

		actionsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "actions_started_total",
				Help:      "Total number of actions started",
			},
			[]string{"action"},
		),
		actionsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "actions_completed_total",
				Help:      "Total number of actions completed",
			},
			[]string{"action", "status"},
		),
		actionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "action_duration_seconds",
				Help:      "Duration of actions across all their targets in seconds",
				Buckets:   buckets,
			},
			[]string{"action"},
		),

		targetResults: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "target_results_total",
				Help:      "Total number of per-target results",
			},
			[]string{"action", "transport", "status"},
		),
		targetDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "target_duration_seconds",
				Help:      "Duration of a single batch of targets in seconds",
				Buckets:   buckets,
			},
			[]string{"action", "transport"},
		),
		errorsByKind: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_kind_total",
				Help:      "Total number of failed results by error kind",
			},
			[]string{"kind"},
		),

		transportUsage: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transport_targets_total",
				Help:      "Total number of targets addressed per transport",
			},
			[]string{"transport"},
		),
		functionCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "function_calls_total",
				Help:      "Total number of plan function calls",
			},
			[]string{"function"},
		),

		activeActions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_actions",
				Help:      "Current number of running actions",
			},
		),
		activeFutures: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_futures",
				Help:      "Current number of unfinished plan futures",
			},
		),
	}

	registry.MustRegister(
		m.actionsStarted,
		m.actionsCompleted,
		m.actionDuration,
		m.targetResults,
		m.targetDuration,
		m.errorsByKind,
		m.transportUsage,
		m.functionCalls,
		m.activeActions,
		m.activeFutures,
	)

	return m, nil
}

// Action Metrics

// RecordActionStarted increments the counter for started actions.
func (m *Metrics) RecordActionStarted(action string) {
	if m == nil || m.actionsStarted == nil {
		return
	}
	m.actionsStarted.WithLabelValues(action).Inc()
	m.activeActions.Inc()
}

// RecordActionCompleted records a finished action with its status and duration.
func (m *Metrics) RecordActionCompleted(action, status string, duration time.Duration) {
	if m == nil || m.actionsCompleted == nil {
		return
	}
	m.actionsCompleted.WithLabelValues(action, status).Inc()
	m.actionDuration.WithLabelValues(action).Observe(duration.Seconds())
	m.activeActions.Dec()
}

// Target Metrics

// RecordTargetResult records one target's outcome. kind is the error kind of
// a failed result and empty for a successful one.
func (m *Metrics) RecordTargetResult(action, transport, kind string) {
	if m == nil || m.targetResults == nil {
		return
	}
	status := StatusSuccess
	if kind != "" {
		status = StatusFailure
		m.errorsByKind.WithLabelValues(kind).Inc()
	}
	m.targetResults.WithLabelValues(action, transport, status).Inc()
}

// RecordBatchDuration records how long one batch took on a transport.
func (m *Metrics) RecordBatchDuration(action, transport string, duration time.Duration) {
	if m == nil || m.targetDuration == nil {
		return
	}
	m.targetDuration.WithLabelValues(action, transport).Observe(duration.Seconds())
}

// Analytics

// TransportUsed records that a run addressed targets over transport.
func (m *Metrics) TransportUsed(transport string, targets int) {
	if m == nil || m.transportUsage == nil {
		return
	}
	m.transportUsage.WithLabelValues(transport).Add(float64(targets))
}

// FunctionCalled records a call to a plan function.
func (m *Metrics) FunctionCalled(name string) {
	if m == nil || m.functionCalls == nil {
		return
	}
	m.functionCalls.WithLabelValues(name).Inc()
}

// System Metrics

// SetActiveFutures sets the current number of unfinished futures.
func (m *Metrics) SetActiveFutures(count int) {
	if m == nil || m.activeFutures == nil {
		return
	}
	m.activeFutures.Set(float64(count))
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

// Registry returns the underlying registry, or nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
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

// MetricsServer is a running metrics endpoint.
type MetricsServer struct {
	server *http.Server
	errc   chan error
}

// StartMetricsServer starts an HTTP server to expose metrics. It returns nil
// when metrics are disabled.
func (m *Metrics) StartMetricsServer() *MetricsServer {
	if !m.config.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())

	s := &MetricsServer{
		server: &http.Server{
			Addr:              m.config.ListenAddress,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		errc: make(chan error, 1),
	}

	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.errc <- err
		}
		close(s.errc)
	}()

	return s
}

// Shutdown stops the server and reports any error it failed with.
func (s *MetricsServer) Shutdown(ctx context.Context) error {
	if s == nil {
		return nil
	}
	if err := s.server.Shutdown(ctx); err != nil {
		return err
	}
	return <-s.errc
}
