// Package metrics exposes Prometheus collectors for the scheduler's
// internal state: queue depth, active sessions, sweeper recoveries, and
// Workflow Spec Cache hit rate: plain package-level collectors registered
// via promauto and served through promhttp.Handler().
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// StepsByStatus is a gauge set, one per step status. It is registered
	// and exported, but no code in this module sets it.
	StepsByStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "antfarm",
		Name:      "steps_by_status",
		Help:      "Number of steps currently in each status.",
	}, []string{"status"})

	// StoriesByStatus mirrors StepsByStatus for stories.
	StoriesByStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "antfarm",
		Name:      "stories_by_status",
		Help:      "Number of stories currently in each status.",
	}, []string{"status"})

	// ActiveSessions is the gauge for registered ActiveSession rows. No
	// code in this module sets it.
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "antfarm",
		Name:      "active_sessions",
		Help:      "Number of ActiveSession rows currently registered.",
	})

	// SweeperRecoveries is the counter for rows the Recovery Sweeper
	// reclaims, partitioned by pass and outcome. No code in this module
	// increments it.
	SweeperRecoveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "antfarm",
		Name:      "sweeper_recoveries_total",
		Help:      "Rows reclaimed by the Recovery Sweeper, by pass and outcome.",
	}, []string{"pass", "outcome"})

	// SpawnsTotal counts Spawner attempts, by outcome.
	SpawnsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "antfarm",
		Name:      "spawns_total",
		Help:      "Spawner peekAndSpawn outcomes.",
	}, []string{"outcome"})

	// SpecCacheHitRate reports the Workflow Spec Cache's lifetime hit
	// ratio, refreshed from workflow.Cache.Stats().
	SpecCacheHitRate = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "antfarm",
		Name:      "spec_cache_hit_rate",
		Help:      "Workflow Spec Cache lifetime hit ratio.",
	})

	// SpecCacheSize reports the number of workflow specs currently cached.
	SpecCacheSize = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "antfarm",
		Name:      "spec_cache_size",
		Help:      "Number of workflow specs currently held in the Spec Cache.",
	})
)

// CacheStats is the subset of workflow.Cache.Stats() this package needs,
// kept local to avoid an import cycle with pkg/workflow.
type CacheStats struct {
	Size    int
	HitRate float64
}

// ObserveCache updates the Spec Cache gauges from a fresh stats snapshot.
func ObserveCache(stats CacheStats) {
	SpecCacheHitRate.Set(stats.HitRate)
	SpecCacheSize.Set(float64(stats.Size))
}

// Handler returns the standard Prometheus scrape handler, mounted by the
// API package at /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
