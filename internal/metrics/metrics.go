// Package metrics exposes the Prometheus instruments of the crisis-watch engine.
// Every method is safe on a nil *Metrics so components can run without metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"crisiswatch/internal/resilience"
)

// Metrics holds all custom Prometheus metrics for the application
type Metrics struct {
	registry prometheus.Registerer

	// Alert metrics
	AlertsDispatched *prometheus.CounterVec
	AlertsSkipped    *prometheus.CounterVec
	AckLatency       prometheus.Histogram

	// Session metrics
	SessionsStarted *prometheus.CounterVec
	SessionsEnded   *prometheus.CounterVec
	SafetyTriggers  prometheus.Counter
	Handoffs        prometheus.Counter

	// Follow-up metrics
	Followups *prometheus.CounterVec

	// Dependency metrics
	BreakerState       *prometheus.GaugeVec
	DependencyFallback *prometheus.CounterVec
	DependencyLatency  *prometheus.HistogramVec
}

// New registers all metrics on reg. Pass prometheus.DefaultRegisterer in
// production and prometheus.NewRegistry() in tests.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		AlertsDispatched: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "crisiswatch_alerts_dispatched_total",
			Help: "Alerts delivered to a responder channel",
		}, []string{"severity", "target"}),

		AlertsSkipped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "crisiswatch_alerts_skipped_total",
			Help: "Classifications that did not produce an alert, by reason",
		}, []string{"reason"}),

		// Responder acknowledgement latency, first acknowledgement only
		AckLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "crisiswatch_alert_ack_latency_seconds",
			Help:    "Time from alert dispatch to first acknowledgement",
			Buckets: []float64{15, 30, 60, 120, 300, 600, 1800, 3600},
		}),

		SessionsStarted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "crisiswatch_sessions_started_total",
			Help: "Companion sessions started, by origin",
		}, []string{"origin"}), // origin: "auto", "manual", "followup"

		SessionsEnded: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "crisiswatch_sessions_ended_total",
			Help: "Companion sessions ended, by reason",
		}, []string{"reason"}),

		SafetyTriggers: factory.NewCounter(prometheus.CounterOpts{
			Name: "crisiswatch_safety_triggers_total",
			Help: "In-session messages that matched the high-risk screen",
		}),

		Handoffs: factory.NewCounter(prometheus.CounterOpts{
			Name: "crisiswatch_handoffs_total",
			Help: "Sessions taken over by a human responder",
		}),

		Followups: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "crisiswatch_followups_total",
			Help: "Follow-up lifecycle events, by outcome",
		}, []string{"outcome"}),

		BreakerState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "crisiswatch_breaker_state",
			Help: "Circuit breaker state per dependency (0=closed, 1=open, 2=half-open)",
		}, []string{"dependency"}),

		DependencyFallback: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "crisiswatch_dependency_fallbacks_total",
			Help: "Calls answered by a fallback because the dependency failed",
		}, []string{"dependency"}),

		DependencyLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "crisiswatch_dependency_duration_seconds",
			Help:    "External call latency in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}, []string{"dependency"}),
	}
}

// RegisterActiveSessions exposes a gauge read from count at scrape time
func (m *Metrics) RegisterActiveSessions(count func() int) {
	if m == nil {
		return
	}
	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "crisiswatch_sessions_active",
			Help: "Companion sessions currently active",
		},
		func() float64 { return float64(count()) },
	))
}

// RecordAlert records a delivered alert
func (m *Metrics) RecordAlert(severity, target string) {
	if m == nil {
		return
	}
	m.AlertsDispatched.WithLabelValues(severity, target).Inc()
}

// RecordAlertSkipped records a classification that produced no alert
func (m *Metrics) RecordAlertSkipped(reason string) {
	if m == nil {
		return
	}
	m.AlertsSkipped.WithLabelValues(reason).Inc()
}

// RecordAckLatency records time to first acknowledgement
func (m *Metrics) RecordAckLatency(d time.Duration) {
	if m == nil {
		return
	}
	m.AckLatency.Observe(d.Seconds())
}

// RecordSessionStarted records a new session
func (m *Metrics) RecordSessionStarted(origin string) {
	if m == nil {
		return
	}
	m.SessionsStarted.WithLabelValues(origin).Inc()
}

// RecordSessionEnded records a finished session
func (m *Metrics) RecordSessionEnded(reason string) {
	if m == nil {
		return
	}
	m.SessionsEnded.WithLabelValues(reason).Inc()
}

// RecordSafetyTrigger records a high-risk in-session message
func (m *Metrics) RecordSafetyTrigger() {
	if m == nil {
		return
	}
	m.SafetyTriggers.Inc()
}

// RecordHandoff records a human takeover
func (m *Metrics) RecordHandoff() {
	if m == nil {
		return
	}
	m.Handoffs.Inc()
}

// RecordFollowup records a follow-up lifecycle event
func (m *Metrics) RecordFollowup(outcome string) {
	if m == nil {
		return
	}
	m.Followups.WithLabelValues(outcome).Inc()
}

// RecordFallback records a degraded answer for dependency
func (m *Metrics) RecordFallback(dependency string) {
	if m == nil {
		return
	}
	m.DependencyFallback.WithLabelValues(dependency).Inc()
}

// RecordDependencyLatency records one external call
func (m *Metrics) RecordDependencyLatency(dependency string, d time.Duration) {
	if m == nil {
		return
	}
	m.DependencyLatency.WithLabelValues(dependency).Observe(d.Seconds())
}

// ObserveBreaker exports cb's state and follows its transitions
func (m *Metrics) ObserveBreaker(cb *resilience.CircuitBreaker) {
	if m == nil || cb == nil {
		return
	}
	m.BreakerState.WithLabelValues(cb.Name()).Set(float64(cb.State()))
	cb.OnStateChange(func(name string, from, to resilience.CircuitState) {
		m.BreakerState.WithLabelValues(name).Set(float64(to))
	})
}
