package metrics

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"crisiswatch/internal/resilience"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.RecordAlert("high", "escalation")
	m.RecordAlertSkipped("cooling_down")
	m.RecordAckLatency(time.Second)
	m.RecordSessionStarted("auto")
	m.RecordSessionEnded("idle_timeout")
	m.RecordSafetyTrigger()
	m.RecordHandoff()
	m.RecordFollowup("sent")
	m.RecordFallback("classifier")
	m.RecordDependencyLatency("classifier", time.Second)
	m.ObserveBreaker(resilience.NewCircuitBreaker(resilience.BreakerConfig{Name: "x"}))
	m.RegisterActiveSessions(func() int { return 1 })
}

func TestCounters(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.RecordAlert("high", "escalation")
	m.RecordAlert("high", "escalation")
	m.RecordFollowup("skipped_consent")

	if got := value(t, m.AlertsDispatched.WithLabelValues("high", "escalation")); got != 2 {
		t.Errorf("alerts dispatched = %v, want 2", got)
	}
	if got := value(t, m.Followups.WithLabelValues("skipped_consent")); got != 1 {
		t.Errorf("followups skipped_consent = %v, want 1", got)
	}
}

func TestObserveBreaker(t *testing.T) {
	m := New(prometheus.NewRegistry())
	cb := resilience.NewCircuitBreaker(resilience.BreakerConfig{Name: "companion", FailureThreshold: 1, Cooldown: time.Hour})
	m.ObserveBreaker(cb)

	gauge := m.BreakerState.WithLabelValues("companion")
	if got := value(t, gauge); got != float64(resilience.CircuitClosed) {
		t.Fatalf("initial state = %v", got)
	}

	_ = cb.Execute(context.Background(), func(ctx context.Context) error {
		return resilience.Transient(errors.New("down"))
	})
	if got := value(t, gauge); got != float64(resilience.CircuitOpen) {
		t.Errorf("state after trip = %v, want open", got)
	}
}

func TestRegisterActiveSessions(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.RegisterActiveSessions(func() int { return 3 })

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
	for _, f := range families {
		if f.GetName() == "crisiswatch_sessions_active" {
			if v := f.GetMetric()[0].GetGauge().GetValue(); v != 3 {
				t.Errorf("active sessions = %v, want 3", v)
			}
			return
		}
	}
	t.Error("crisiswatch_sessions_active not registered")
}

type writer interface {
	Write(*dto.Metric) error
}

func value(t *testing.T, m writer) float64 {
	t.Helper()
	var pb dto.Metric
	if err := m.Write(&pb); err != nil {
		t.Fatalf("read metric: %v", err)
	}
	switch {
	case pb.Counter != nil:
		return pb.Counter.GetValue()
	case pb.Gauge != nil:
		return pb.Gauge.GetValue()
	}
	t.Fatalf("unsupported metric type")
	return 0
}
