package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	var m dto.Metric
	if err := g.Write(&m); err != nil {
		t.Fatalf("failed to read gauge: %v", err)
	}
	return m.GetGauge().GetValue()
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatalf("failed to read counter: %v", err)
	}
	return m.GetCounter().GetValue()
}

// TestUpdateWorkerStates tests that state gauges are replaced, not accumulated
func TestUpdateWorkerStates(t *testing.T) {
	r := NewRegistry()

	r.UpdateWorkerStates(map[string]int{"configured": 3, "stale": 1})
	if got := gaugeValue(t, r.WorkersByState.WithLabelValues("configured")); got != 3 {
		t.Errorf("configured = %v, want 3", got)
	}
	if got := gaugeValue(t, r.WorkersByState.WithLabelValues("dead")); got != 0 {
		t.Errorf("dead = %v, want 0", got)
	}

	// A later pass with fewer workers must reset, not add
	r.UpdateWorkerStates(map[string]int{"configured": 2})
	if got := gaugeValue(t, r.WorkersByState.WithLabelValues("configured")); got != 2 {
		t.Errorf("configured after second pass = %v, want 2", got)
	}
	if got := gaugeValue(t, r.WorkersByState.WithLabelValues("stale")); got != 0 {
		t.Errorf("stale after second pass = %v, want 0", got)
	}
}

// TestCountersAccumulate tests the counter surfaces
func TestCountersAccumulate(t *testing.T) {
	r := NewRegistry()

	r.ReconcilePassesTotal.Inc()
	r.ReconcilePassesTotal.Inc()
	if got := counterValue(t, r.ReconcilePassesTotal); got != 2 {
		t.Errorf("passes = %v, want 2", got)
	}

	r.AuthFailuresTotal.WithLabelValues("bad_signature").Inc()
	if got := counterValue(t, r.AuthFailuresTotal.WithLabelValues("bad_signature")); got != 1 {
		t.Errorf("auth failures = %v, want 1", got)
	}
}

// TestIsolatedRegistries tests that two registries don't share state
func TestIsolatedRegistries(t *testing.T) {
	a := NewRegistry()
	b := NewRegistry()

	a.IdentitiesMinted.Inc()
	if got := counterValue(t, b.IdentitiesMinted); got != 0 {
		t.Errorf("registries share state: b.minted = %v", got)
	}
}
