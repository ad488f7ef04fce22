package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for TokenVault.
// Every component accepts a nil *Metrics and then records nothing.
type Metrics struct {
	// --- Inventory index ---
	IndexEntries        prometheus.Gauge
	ConsistencyWarnings *prometheus.CounterVec

	// --- Selection ---
	SelectTotal     *prometheus.CounterVec
	SelectDuration  prometheus.Histogram
	SelectedTokens  prometheus.Histogram
	ClaimConflicts  prometheus.Counter
	EntriesReleased *prometheus.CounterVec

	// --- Ingestion ---
	IngestUpdates       *prometheus.CounterVec
	IngestApplyDuration prometheus.Histogram
	IngestSequenceGaps  prometheus.Counter
	IngestLastSequence  prometheus.Gauge

	// --- Snapshot bootstrap ---
	SnapshotRows     prometheus.Counter
	SnapshotPages    prometheus.Counter
	SnapshotDuration prometheus.Gauge
	SnapshotCursor   prometheus.Gauge

	// --- Reservations ---
	ReservationsActive    prometheus.Gauge
	ReservationEvents     *prometheus.CounterVec
	ReservationEventDrops prometheus.Counter

	// --- Outbound & audit ---
	PublishErrors      prometheus.Counter
	AuditRowsWritten   prometheus.Counter
	AuditBatchDuration prometheus.Histogram
	AuditErrors        *prometheus.CounterVec

	// --- HTTP API ---
	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec
}

// NewMetrics creates all metrics and registers them with reg.
// Pass prometheus.DefaultRegisterer in production and a fresh
// prometheus.NewRegistry() in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	latencyBuckets := []float64{
		0.000001, 0.000005, 0.00001, 0.000025, 0.00005,
		0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	return &Metrics{
		IndexEntries: f.NewGauge(prometheus.GaugeOpts{
			Name: "tokenvault_index_entries",
			Help: "Token entries currently held in the inventory index",
		}),
		ConsistencyWarnings: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tokenvault_consistency_warnings_total",
			Help: "Upstream inconsistencies detected (duplicate produce, unknown consume, key mismatch)",
		}, []string{"kind"}),

		SelectTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tokenvault_select_total",
			Help: "Selection attempts by outcome",
		}, []string{"result"}),
		SelectDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "tokenvault_select_duration_seconds",
			Help:    "Time spent in a single selection",
			Buckets: latencyBuckets,
		}),
		SelectedTokens: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "tokenvault_selected_tokens",
			Help:    "Tokens reserved per successful selection",
			Buckets: []float64{1, 2, 3, 5, 8, 13, 21, 34, 55, 100},
		}),
		ClaimConflicts: f.NewCounter(prometheus.CounterOpts{
			Name: "tokenvault_claim_conflicts_total",
			Help: "Claim attempts lost to a concurrent selection",
		}),
		EntriesReleased: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tokenvault_entries_released_total",
			Help: "Entries returned to the free pool",
		}, []string{"reason"}),

		IngestUpdates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tokenvault_ingest_updates_total",
			Help: "Ledger updates seen by the ingestor, by outcome",
		}, []string{"result"}),
		IngestApplyDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "tokenvault_ingest_apply_duration_seconds",
			Help:    "Time to apply one ledger update to the index",
			Buckets: latencyBuckets,
		}),
		IngestSequenceGaps: f.NewCounter(prometheus.CounterOpts{
			Name: "tokenvault_ingest_sequence_gaps_total",
			Help: "Ledger sequence gaps observed on the live stream",
		}),
		IngestLastSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "tokenvault_ingest_last_sequence",
			Help: "Highest ledger sequence applied",
		}),

		SnapshotRows: f.NewCounter(prometheus.CounterOpts{
			Name: "tokenvault_snapshot_rows_total",
			Help: "Token rows loaded from ledger snapshots",
		}),
		SnapshotPages: f.NewCounter(prometheus.CounterOpts{
			Name: "tokenvault_snapshot_pages_total",
			Help: "Snapshot pages read",
		}),
		SnapshotDuration: f.NewGauge(prometheus.GaugeOpts{
			Name: "tokenvault_snapshot_duration_seconds",
			Help: "Duration of the last snapshot bootstrap",
		}),
		SnapshotCursor: f.NewGauge(prometheus.GaugeOpts{
			Name: "tokenvault_snapshot_cursor",
			Help: "Ledger sequence the last snapshot was taken at",
		}),

		ReservationsActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "tokenvault_reservations_active",
			Help: "Reservations currently held",
		}),
		ReservationEvents: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tokenvault_reservation_events_total",
			Help: "Reservation lifecycle transitions",
		}, []string{"kind"}),
		ReservationEventDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "tokenvault_reservation_event_drops_total",
			Help: "Lifecycle events dropped because the outbound channel was full",
		}),

		PublishErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "tokenvault_publish_errors_total",
			Help: "Failed outbound NATS publishes",
		}),
		AuditRowsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "tokenvault_audit_rows_written_total",
			Help: "Reservation audit rows committed",
		}),
		AuditBatchDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "tokenvault_audit_batch_duration_seconds",
			Help:    "Audit batch write duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),
		AuditErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tokenvault_audit_errors_total",
			Help: "Audit write errors by stage",
		}, []string{"stage"}),

		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tokenvault_http_requests_total",
			Help: "HTTP API requests",
		}, []string{"route", "code"}),
		HTTPDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tokenvault_http_request_duration_seconds",
			Help:    "HTTP API latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
	}
}
