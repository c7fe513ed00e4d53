package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Session metrics
	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "avatar_console_active_sessions",
		Help: "Number of live avatar streaming sessions",
	})

	sessionState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "avatar_console_session_state",
		Help: "Current session state (0=uninitialized, 1=connecting, 2=ready, 3=speaking, 4=closed)",
	})

	sessionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "avatar_console_session_duration_seconds",
		Help:    "Duration of avatar sessions in seconds",
		Buckets: []float64{10, 30, 60, 300, 900, 1800, 3600},
	})

	// Speak metrics
	speakTasks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "avatar_console_speak_tasks_total",
		Help: "Total number of speak tasks by outcome",
	}, []string{"status"}) // accepted, rejected, sent, failed

	dispatchSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "avatar_console_dispatch_skipped_total",
		Help: "Selections dropped before reaching the session because their text was blank",
	})

	// Interrupt metrics
	interruptRequests = promauto.NewCounter(prometheus.CounterOpts{
		Name: "avatar_console_interrupt_requests_total",
		Help: "Total number of operator interrupt requests",
	})

	interrupts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "avatar_console_interrupts_total",
		Help: "Interrupt commands by outcome",
	}, []string{"outcome"}) // forwarded, noop, error

	// Remote service metrics
	remoteLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "avatar_console_remote_latency_seconds",
		Help:    "Avatar service call latency in seconds",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.0, 5.0},
	}, []string{"operation"})

	// Error metrics
	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "avatar_console_errors_total",
		Help: "Total number of errors",
	}, []string{"type", "component"})

	// Circuit breaker metrics
	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "avatar_console_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"service"})

	circuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "avatar_console_circuit_breaker_failures_total",
		Help: "Total circuit breaker failures",
	}, []string{"service"})

	// Control surface metrics
	surfaceClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "avatar_console_surface_clients",
		Help: "Number of browser tabs subscribed to session updates",
	})

	sessionRenewals = promauto.NewCounter(prometheus.CounterOpts{
		Name: "avatar_console_session_renewals_total",
		Help: "Closed sessions replaced by a fresh one from the control surface",
	})
)

// SessionMetrics tracks metrics for a single avatar session
type SessionMetrics struct {
	sessionID string
	startTime time.Time
}

// NewSessionMetrics creates a new metrics tracker for a session
func NewSessionMetrics(sessionID string) *SessionMetrics {
	return &SessionMetrics{
		sessionID: sessionID,
		startTime: time.Now(),
	}
}

// RecordSessionStart records a session reaching Ready
func (m *SessionMetrics) RecordSessionStart() {
	m.startTime = time.Now()
	activeSessions.Inc()
}

// RecordSessionEnd records the end of a session that had started
func (m *SessionMetrics) RecordSessionEnd() {
	activeSessions.Dec()
	sessionDuration.Observe(time.Since(m.startTime).Seconds())
}

// RecordState publishes the numeric session state
func (m *SessionMetrics) RecordState(state int) {
	sessionState.Set(float64(state))
}

// RecordSpeak records the outcome of a speak task
func (m *SessionMetrics) RecordSpeak(status string) {
	speakTasks.WithLabelValues(status).Inc()
}

// RecordInterrupt records the outcome of an executed interrupt command
func (m *SessionMetrics) RecordInterrupt(outcome string) {
	interrupts.WithLabelValues(outcome).Inc()
}

// ObserveRemote records how long a call to the avatar service took
func (m *SessionMetrics) ObserveRemote(operation string, start time.Time) {
	remoteLatency.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

// RecordError records an error
func (m *SessionMetrics) RecordError(errorType, component string) {
	RecordError(errorType, component)
}

// RecordError records an error outside of a session
func RecordError(errorType, component string) {
	errorsTotal.WithLabelValues(errorType, component).Inc()
}

// RecordDispatchSkipped counts a blank selection dropped by the dispatcher
func RecordDispatchSkipped() {
	dispatchSkipped.Inc()
}

// RecordInterruptRequest counts an operator interrupt request
func RecordInterruptRequest() {
	interruptRequests.Inc()
}

// SetSurfaceClients records the number of connected browser tabs
func SetSurfaceClients(n int) {
	surfaceClients.Set(float64(n))
}

// RecordSessionRenewal counts a closed session replaced from the surface
func RecordSessionRenewal() {
	sessionRenewals.Inc()
}

// UpdateCircuitBreakerState updates circuit breaker state metric
func UpdateCircuitBreakerState(service string, state int) {
	circuitBreakerState.WithLabelValues(service).Set(float64(state))
}

// IncrementCircuitBreakerFailures increments circuit breaker failure counter
func IncrementCircuitBreakerFailures(service string) {
	circuitBreakerFailures.WithLabelValues(service).Inc()
}
