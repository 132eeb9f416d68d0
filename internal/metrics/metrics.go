// Package metrics exposes the pipeline's Prometheus series.
//
// Usage:
//
//	metrics.RecordIngest("accepted")
//	metrics.RecordEnrichment("failed", time.Since(start))
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Ingestion

	// IngestEventsTotal counts handled feed events by outcome
	// (accepted, duplicate, rejected).
	IngestEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "battlescope_ingest_events_total",
			Help: "Killmail events handled by the ingestion loop, by outcome",
		},
		[]string{"outcome"},
	)

	// IngestRejectedTotal counts ruleset rejections by reason.
	IngestRejectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "battlescope_ingest_rejected_total",
			Help: "Killmail events rejected by the ruleset, by reason",
		},
		[]string{"reason"},
	)

	// FeedErrorsTotal counts upstream feed poll failures.
	FeedErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "battlescope_feed_errors_total",
			Help: "Failed polls against the upstream feed",
		},
	)

	// FeedLastEventTimestamp is the unix time of the last event received.
	FeedLastEventTimestamp = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "battlescope_feed_last_event_timestamp_seconds",
			Help: "Unix time of the most recent event received from the feed",
		},
	)

	// Enrichment

	// EnrichmentTotal counts enrichment attempts by result.
	EnrichmentTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "battlescope_enrichment_total",
			Help: "Enrichment attempts, by result",
		},
		[]string{"result"},
	)

	// EnrichmentDuration tracks detail fetch latency.
	EnrichmentDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "battlescope_enrichment_duration_seconds",
			Help:    "Duration of one enrichment attempt",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
	)

	// QueueRecoveredTotal counts jobs moved back by the recovery sweep.
	QueueRecoveredTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "battlescope_queue_recovered_total",
			Help: "Enrichment jobs recovered from crashed or stuck workers",
		},
	)

	// QueueDeadLetteredTotal counts jobs that exhausted their attempts.
	QueueDeadLetteredTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "battlescope_queue_dead_lettered_total",
			Help: "Enrichment jobs moved to the dead-letter list",
		},
	)

	// Clustering

	// ClusterRunsTotal counts clustering job runs by result.
	ClusterRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "battlescope_cluster_runs_total",
			Help: "Clustering job runs, by result",
		},
		[]string{"result"},
	)

	// BattlesCreatedTotal counts persisted battles.
	BattlesCreatedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "battlescope_battles_created_total",
			Help: "Battles written by the clustering job",
		},
	)

	// ClusterIgnoredTotal counts events that ended in no battle.
	ClusterIgnoredTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "battlescope_cluster_ignored_killmails_total",
			Help: "Killmails marked processed without joining a battle",
		},
	)

	// Ruleset

	// RulesetCacheTotal counts cache lookups by the layer that answered.
	RulesetCacheTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "battlescope_ruleset_cache_total",
			Help: "Ruleset lookups, by answering layer (local, redis, store)",
		},
		[]string{"layer"},
	)

	// RulesetVersion is the version of the ruleset currently in effect.
	RulesetVersion = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "battlescope_ruleset_version",
			Help: "Version of the ruleset last loaded by this process",
		},
	)

	// Ship history

	// ShipHistoryRowsTotal counts rows inserted by rebuilds.
	ShipHistoryRowsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "battlescope_ship_history_rows_total",
			Help: "Pilot ship history rows inserted by rebuilds and enrichment",
		},
	)
)

// RecordIngest counts one handled event.
func RecordIngest(outcome string) {
	IngestEventsTotal.WithLabelValues(outcome).Inc()
}

// RecordRejected counts one ruleset rejection.
func RecordRejected(reason string) {
	IngestRejectedTotal.WithLabelValues(reason).Inc()
}

// RecordEnrichment counts one enrichment attempt and observes its duration.
func RecordEnrichment(result string, d time.Duration) {
	EnrichmentTotal.WithLabelValues(result).Inc()
	EnrichmentDuration.Observe(d.Seconds())
}

// RecordRulesetLookup counts which cache layer answered.
func RecordRulesetLookup(layer string) {
	RulesetCacheTotal.WithLabelValues(layer).Inc()
}
