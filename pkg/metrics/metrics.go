// Package metrics exposes the orchestrator's Prometheus metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles every fleet metric behind one Prometheus registry so
// tests can create isolated instances.
type Registry struct {
	registry *prometheus.Registry

	WorkersByState       *prometheus.GaugeVec
	GoalPartitionCount   prometheus.Gauge
	ReconcilePassesTotal prometheus.Counter
	ReconcileDuration    prometheus.Histogram
	IdentitiesMinted     prometheus.Counter
	AuthFailuresTotal    *prometheus.CounterVec
	ConnectionsActive    prometheus.Gauge
	DirectivesTotal      *prometheus.CounterVec
	HeartbeatsTotal      prometheus.Counter
}

// NewRegistry creates a registry with all fleet metrics registered.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	r := &Registry{registry: reg}

	r.WorkersByState = promauto.With(reg).NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fleet_workers",
			Help: "Number of registry entries by derived state",
		},
		[]string{"state"}, // unassigned, configuring, configured, stale, dead
	)

	r.GoalPartitionCount = promauto.With(reg).NewGauge(
		prometheus.GaugeOpts{
			Name: "fleet_goal_partition_count",
			Help: "Current goal partition count",
		},
	)

	r.ReconcilePassesTotal = promauto.With(reg).NewCounter(
		prometheus.CounterOpts{
			Name: "fleet_reconcile_passes_total",
			Help: "Total number of reconciliation passes",
		},
	)

	r.ReconcileDuration = promauto.With(reg).NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fleet_reconcile_duration_seconds",
			Help:    "Duration of reconciliation passes in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
		},
	)

	r.IdentitiesMinted = promauto.With(reg).NewCounter(
		prometheus.CounterOpts{
			Name: "fleet_identities_minted_total",
			Help: "Total number of worker identities minted",
		},
	)

	r.AuthFailuresTotal = promauto.With(reg).NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleet_auth_failures_total",
			Help: "Total authentication failures by reason",
		},
		[]string{"reason"}, // unknown_id, bad_signature, skew, rate_limited, duplicate
	)

	r.ConnectionsActive = promauto.With(reg).NewGauge(
		prometheus.GaugeOpts{
			Name: "fleet_connections_active",
			Help: "Number of verified worker connections",
		},
	)

	r.DirectivesTotal = promauto.With(reg).NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleet_directives_total",
			Help: "Total directives dispatched by kind",
		},
		[]string{"kind"}, // update, respawn, retire
	)

	r.HeartbeatsTotal = promauto.With(reg).NewCounter(
		prometheus.CounterOpts{
			Name: "fleet_heartbeats_total",
			Help: "Total heartbeat snapshots received",
		},
	)

	return r
}

// UpdateWorkerStates replaces the per-state worker gauges.
func (r *Registry) UpdateWorkerStates(counts map[string]int) {
	for _, state := range []string{"unassigned", "configuring", "configured", "stale", "dead"} {
		r.WorkersByState.WithLabelValues(state).Set(float64(counts[state]))
	}
}

// Handler returns an HTTP handler serving this registry.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
