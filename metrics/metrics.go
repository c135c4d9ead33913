// Package metrics Prometheus 指标
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for filtersync
type Metrics struct {
	MatchesTotal        *prometheus.CounterVec
	RuleHitsTotal       *prometheus.CounterVec
	EngineBuildsTotal   *prometheus.CounterVec
	EngineBuildDuration prometheus.Histogram
	EngineRules         prometheus.Gauge
	EngineVersion       prometheus.Gauge
	RebuildBatchEvents  prometheus.Histogram
	FilterDownloads     *prometheus.CounterVec
	ActiveFilters       prometheus.Gauge
	TrackedContexts     prometheus.GaugeFunc
}

// New creates all metrics and registers them with reg.
// contexts reports the number of in-flight transactions; it may be nil.
func New(reg prometheus.Registerer, contexts func() float64) *Metrics {
	if contexts == nil {
		contexts = func() float64 { return 0 }
	}

	m := &Metrics{
		MatchesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "filtersync_matches_total",
				Help: "Transactions matched against the published engine, by verdict",
			},
			[]string{"verdict"},
		),
		RuleHitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "filtersync_rule_hits_total",
				Help: "Rule hits reported when a transaction phase finishes, by filter",
			},
			[]string{"filter_id"},
		),
		EngineBuildsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "filtersync_engine_builds_total",
				Help: "Engine builds by result (success/failure)",
			},
			[]string{"result"},
		),
		EngineBuildDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "filtersync_engine_build_duration_seconds",
				Help:    "Time taken to compile and publish an engine",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
		),
		EngineRules: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "filtersync_engine_rules",
				Help: "Rules in the currently published engine",
			},
		),
		EngineVersion: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "filtersync_engine_version",
				Help: "Version tag of the currently published engine",
			},
		),
		RebuildBatchEvents: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "filtersync_rebuild_batch_events",
				Help:    "Mutation events collapsed into one rebuild batch",
				Buckets: []float64{1, 2, 5, 10, 25, 50, 100, 500},
			},
		),
		FilterDownloads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "filtersync_filter_downloads_total",
				Help: "Filter download attempts by result (success/error/unchanged)",
			},
			[]string{"result"},
		),
		ActiveFilters: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "filtersync_active_filters",
				Help: "Filters compiled into the published engine",
			},
		),
		TrackedContexts: prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Name: "filtersync_tracked_contexts",
				Help: "In-flight transactions held by the request context tracker",
			},
			contexts,
		),
	}

	reg.MustRegister(
		m.MatchesTotal,
		m.RuleHitsTotal,
		m.EngineBuildsTotal,
		m.EngineBuildDuration,
		m.EngineRules,
		m.EngineVersion,
		m.RebuildBatchEvents,
		m.FilterDownloads,
		m.ActiveFilters,
		m.TrackedContexts,
	)
	return m
}
