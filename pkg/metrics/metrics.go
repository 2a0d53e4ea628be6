// Package metrics exposes the Prometheus instrumentation surface for a
// node: document/author counts, ingest pipeline outcomes, subscription
// lifecycle transitions, and per-stage latency histograms.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	DocumentsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "loom_documents_total",
			Help: "Total number of documents known to this node",
		},
	)

	AuthorsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "loom_authors_total",
			Help: "Total number of known authors by liveness state",
		},
		[]string{"state"},
	)

	SubscriptionsByState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "loom_subscriptions_total",
			Help: "Active document subscriptions by lifecycle state",
		},
		[]string{"state"},
	)

	SubscriptionTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loom_subscription_transitions_total",
			Help: "Total subscription state machine transitions",
		},
		[]string{"from", "to"},
	)

	IngestOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loom_ingest_operations_total",
			Help: "Total operations accepted by the ingest pipeline by log type",
		},
		[]string{"log_type"},
	)

	IngestDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loom_ingest_dropped_total",
			Help: "Total operations dropped by the ingest pipeline by stage and reason",
		},
		[]string{"stage", "reason"},
	)

	IngestGapBufferSize = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "loom_ingest_gap_buffer_size",
			Help: "Current number of operations buffered waiting for a gap to fill",
		},
		[]string{"document_id"},
	)

	IngestStageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "loom_ingest_stage_duration_seconds",
			Help:    "Time spent in each ingest pipeline stage",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"stage"},
	)

	AuthorTrackerTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loom_author_tracker_transitions_total",
			Help: "Total author liveness transitions (online/offline) observed",
		},
		[]string{"transition"},
	)

	SnapshotScheduledTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "loom_snapshot_scheduled_total",
			Help: "Total times the snapshot scheduler armed its timer",
		},
	)

	SnapshotExportDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "loom_snapshot_export_duration_seconds",
			Help:    "Time taken to export a CRDT snapshot",
			Buckets: prometheus.DefBuckets,
		},
	)

	OperationStoreAppendDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "loom_operation_store_append_duration_seconds",
			Help:    "Time taken to append an operation to the operation store",
			Buckets: prometheus.DefBuckets,
		},
	)

	EphemeralMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loom_ephemeral_messages_total",
			Help: "Total ephemeral presence messages processed by kind",
		},
		[]string{"kind"},
	)

	ConnectionModeTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loom_connection_mode_transitions_total",
			Help: "Total node connection-mode transitions by from/to mode",
		},
		[]string{"from", "to"},
	)
)

func init() {
	prometheus.MustRegister(DocumentsTotal)
	prometheus.MustRegister(AuthorsTotal)
	prometheus.MustRegister(SubscriptionsByState)
	prometheus.MustRegister(SubscriptionTransitionsTotal)
	prometheus.MustRegister(IngestOperationsTotal)
	prometheus.MustRegister(IngestDroppedTotal)
	prometheus.MustRegister(IngestGapBufferSize)
	prometheus.MustRegister(IngestStageDuration)
	prometheus.MustRegister(AuthorTrackerTransitionsTotal)
	prometheus.MustRegister(SnapshotScheduledTotal)
	prometheus.MustRegister(SnapshotExportDuration)
	prometheus.MustRegister(OperationStoreAppendDuration)
	prometheus.MustRegister(EphemeralMessagesTotal)
	prometheus.MustRegister(ConnectionModeTransitionsTotal)
}

// Handler returns the Prometheus HTTP handler for scraping.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a small helper for timing an in-flight operation and
// recording its duration to a histogram once it completes.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time to histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed time to a labeled histogram.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
