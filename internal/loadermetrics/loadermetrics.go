// Package loadermetrics instruments Loader/DynamicLoader lifecycle events
// with Prometheus metrics (spec §7 extensions).
package loadermetrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Metrics records cache hit/miss/negative-hit counts, cache size,
// dirty-flag transitions, path-entry rebuild count and latency, and expired
// resources for a Loader. There is no eviction counter.
type Metrics struct {
	logger *zap.Logger

	cacheLookupsTotal   *prometheus.CounterVec
	cacheSize           prometheus.Gauge
	dirtyTransitions    prometheus.Counter
	pathEntryRebuilds   prometheus.Counter
	pathEntryRebuildDur prometheus.Histogram
	expiredResources    prometheus.Counter
}

// New builds a Metrics registered under namespace/subsystem "loader". Pass
// a dedicated *prometheus.Registry per Loader instance (or the global
// DefaultRegisterer if only one Loader runs per process); registering the
// same Metrics twice against one registry panics, matching
// prometheus.MustRegister's usual contract.
func New(namespace string, registry prometheus.Registerer, logger *zap.Logger) *Metrics {
	if namespace == "" {
		namespace = "classrepo"
	}

	m := &Metrics{logger: logger}

	m.cacheLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "loader",
			Name:      "cache_lookups_total",
			Help:      "Total cache lookups against a Loader's resource cache",
		},
		[]string{"result"}, // hit | miss | not_found
	)

	m.cacheSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "loader",
			Name:      "cache_size",
			Help:      "Current number of entries in a Loader's resource cache",
		},
	)

	m.dirtyTransitions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "loader",
			Name:      "dirty_transitions_total",
			Help:      "Total number of times a Loader's dirty flag was set",
		},
	)

	m.pathEntryRebuilds = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "loader",
			Name:      "path_entry_rebuilds_total",
			Help:      "Total number of times build_path_entries ran",
		},
	)

	m.pathEntryRebuildDur = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "loader",
			Name:      "path_entry_rebuild_duration_seconds",
			Help:      "Duration of build_path_entries runs",
			Buckets:   prometheus.DefBuckets,
		},
	)

	m.expiredResources = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "loader",
			Name:      "expired_resources_total",
			Help:      "Total number of resources found expired on lookup",
		},
	)

	registry.MustRegister(
		m.cacheLookupsTotal,
		m.cacheSize,
		m.dirtyTransitions,
		m.pathEntryRebuilds,
		m.pathEntryRebuildDur,
		m.expiredResources,
	)

	if logger != nil {
		logger.Debug("loader metrics registered", zap.String("namespace", namespace))
	}

	return m
}

// RecordCacheHit increments the hit counter.
func (m *Metrics) RecordCacheHit() { m.cacheLookupsTotal.WithLabelValues("hit").Inc() }

// RecordCacheMiss increments the miss counter (no cache entry at all).
func (m *Metrics) RecordCacheMiss() { m.cacheLookupsTotal.WithLabelValues("miss").Inc() }

// RecordCacheNotFound increments the negative-cache-hit counter.
func (m *Metrics) RecordCacheNotFound() { m.cacheLookupsTotal.WithLabelValues("not_found").Inc() }

// SetCacheSize reports the current cache entry count.
func (m *Metrics) SetCacheSize(n int) { m.cacheSize.Set(float64(n)) }

// RecordDirty increments the dirty-transition counter.
func (m *Metrics) RecordDirty() { m.dirtyTransitions.Inc() }

// RecordPathEntryRebuild records one build_path_entries run taking
// durationSeconds.
func (m *Metrics) RecordPathEntryRebuild(durationSeconds float64) {
	m.pathEntryRebuilds.Inc()
	m.pathEntryRebuildDur.Observe(durationSeconds)
}

// RecordExpiredResource increments the expired-resource counter.
func (m *Metrics) RecordExpiredResource() { m.expiredResources.Inc() }
