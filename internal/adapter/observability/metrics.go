// Package observability provides logging, metrics, and tracing.
//
// It integrates with OpenTelemetry for system monitoring.
// The package provides comprehensive observability features
// including metrics collection, distributed tracing, and logging.
package observability

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// HTTPRequestsTotal counts HTTP requests by route, method, and status label.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	// HTTPRequestDuration records request durations by route and method.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	// EvaluationsEnqueuedTotal counts evaluations enqueued by priority class.
	EvaluationsEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "evaluations_enqueued_total",
			Help: "Total number of evaluations enqueued by priority",
		},
		[]string{"priority"},
	)
	// EvaluationsInFlight is a gauge of evaluations currently being executed, by priority.
	EvaluationsInFlight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "evaluations_in_flight",
			Help: "Number of evaluations currently being executed",
		},
		[]string{"priority"},
	)
	// EvaluationsTerminalTotal counts evaluations reaching a terminal status.
	EvaluationsTerminalTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "evaluations_terminal_total",
			Help: "Total number of evaluations reaching a terminal status",
		},
		[]string{"status"},
	)
	// QueueDepth is a gauge of pending items per priority queue.
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "queue_depth",
			Help: "Number of pending items per priority queue",
		},
		[]string{"priority"},
	)
	// DLQSize is a gauge of the number of evaluations currently parked in the DLQ.
	DLQSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dlq_size",
			Help: "Number of evaluations currently in the dead letter queue",
		},
	)
	// StateTransitionLatency measures time spent in each non-terminal state before advancing.
	StateTransitionLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "state_transition_latency_seconds",
			Help:    "Time spent in a status before transitioning out of it",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 300},
		},
		[]string{"from_status"},
	)
	// EventBusPublishTotal counts events published by channel.
	EventBusPublishTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventbus_publish_total",
			Help: "Total events published by channel",
		},
		[]string{"channel"},
	)
	// EventBusConsumeTotal counts events consumed by channel and outcome.
	EventBusConsumeTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventbus_consume_total",
			Help: "Total events consumed by channel and outcome",
		},
		[]string{"channel", "outcome"},
	)

	// CircuitBreakerStatus tracks circuit breaker state.
	CircuitBreakerStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_status",
			Help: "Circuit breaker status (0=closed, 1=open, 2=half-open)",
		},
		[]string{"service", "operation"},
	)

	// RetryAttemptsTotal counts retry attempts by component and error kind.
	RetryAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "retry_attempts_total",
			Help: "Total retry attempts by component and error kind",
		},
		[]string{"component", "error_kind"},
	)
)

// InitMetrics registers all Prometheus metrics with the default registry.
func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(EvaluationsEnqueuedTotal)
	prometheus.MustRegister(EvaluationsInFlight)
	prometheus.MustRegister(EvaluationsTerminalTotal)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(DLQSize)
	prometheus.MustRegister(StateTransitionLatency)
	prometheus.MustRegister(EventBusPublishTotal)
	prometheus.MustRegister(EventBusConsumeTotal)
	prometheus.MustRegister(CircuitBreakerStatus)
	prometheus.MustRegister(RetryAttemptsTotal)
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		// Route pattern may be unavailable outside chi router; guard nil
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			route = r.URL.Path
		}
		method := r.Method
		status := ww.Status()
		HTTPRequestsTotal.WithLabelValues(route, method, http.StatusText(status)).Inc()
		HTTPRequestDuration.WithLabelValues(route, method).Observe(dur)
	})
}

// EnqueueEvaluation increments the enqueued counter and queue depth gauge for priority.
func EnqueueEvaluation(priority string) {
	EvaluationsEnqueuedTotal.WithLabelValues(priority).Inc()
	QueueDepth.WithLabelValues(priority).Inc()
}

// DequeueEvaluation decrements the queue depth gauge and marks the evaluation in flight.
func DequeueEvaluation(priority string) {
	QueueDepth.WithLabelValues(priority).Dec()
	EvaluationsInFlight.WithLabelValues(priority).Inc()
}

// TerminalEvaluation marks an evaluation as no longer in flight and records its terminal status.
func TerminalEvaluation(priority, status string) {
	EvaluationsInFlight.WithLabelValues(priority).Dec()
	EvaluationsTerminalTotal.WithLabelValues(status).Inc()
}

// ObserveStateTransition records how long an evaluation spent in fromStatus.
func ObserveStateTransition(fromStatus string, dur time.Duration) {
	StateTransitionLatency.WithLabelValues(fromStatus).Observe(dur.Seconds())
}

// RecordPublish increments the publish counter for a channel.
func RecordPublish(channel string) {
	EventBusPublishTotal.WithLabelValues(channel).Inc()
}

// RecordConsume increments the consume counter for a channel and outcome ("ok"/"error").
func RecordConsume(channel, outcome string) {
	EventBusConsumeTotal.WithLabelValues(channel, outcome).Inc()
}

// RecordCircuitBreakerStatus records circuit breaker state.
func RecordCircuitBreakerStatus(service, operation string, status int) {
	CircuitBreakerStatus.WithLabelValues(service, operation).Set(float64(status))
}

// RecordRetryAttempt increments the retry counter for a component and error kind.
func RecordRetryAttempt(component, errorKind string) {
	RetryAttemptsTotal.WithLabelValues(component, errorKind).Inc()
}

// SetDLQSize sets the current DLQ size gauge.
func SetDLQSize(n int) {
	DLQSize.Set(float64(n))
}
