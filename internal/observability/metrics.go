package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the risk engine.
type Metrics struct {
	// --- Engine processing ---
	EngineRequestsApplied  *prometheus.CounterVec
	EngineRequestsRejected *prometheus.CounterVec
	EngineRequestDuration  *prometheus.HistogramVec
	EngineSequence         prometheus.Gauge

	// --- Exchange aggregates ---
	TotalCollateral      prometheus.Gauge
	InsuranceFundBalance prometheus.Gauge
	MarketsTotal         prometheus.Gauge

	// --- Channel & backpressure ---
	ChannelSize         *prometheus.GaugeVec
	ChannelCapacity     *prometheus.GaugeVec
	ChannelUtilization  *prometheus.GaugeVec
	SinkDrops           *prometheus.CounterVec
	PersistBackpressure prometheus.Counter

	// --- Idempotency & ordering ---
	IdempotencyDuplicates *prometheus.CounterVec
	DedupLRUSize          prometheus.Gauge
	SequenceGaps          *prometheus.CounterVec
	OutOfOrder            *prometheus.CounterVec

	// --- Oracle ---
	OraclePricesAccepted *prometheus.CounterVec
	OraclePricesRejected *prometheus.CounterVec
	OracleStaleness      *prometheus.GaugeVec

	// --- Funding ---
	FundingTicksSettled  *prometheus.CounterVec
	FundingPositions     *prometheus.CounterVec
	FundingResidual      *prometheus.GaugeVec

	// --- Liquidation ---
	LiquidationsCompleted *prometheus.CounterVec
	LiquidationDeficit    *prometheus.CounterVec

	// --- Persistence ---
	PersistRecordsWritten prometheus.Counter
	PersistBatchDur       prometheus.Histogram
	PersistBatchSize      prometheus.Histogram
	PersistErrors         *prometheus.CounterVec
	PersistRetry          prometheus.Counter
	PersistLastSequence   prometheus.Gauge

	// --- Snapshot & replay ---
	SnapshotTaken     prometheus.Counter
	SnapshotDuration  prometheus.Histogram
	SnapshotLastSeq   prometheus.Gauge
	ReplayRecords     prometheus.Counter
	ReplayDuration    prometheus.Gauge

	// --- Ingestion ---
	IngestPullLatency *prometheus.HistogramVec
	IngestMessages    *prometheus.CounterVec
	IngestParseErrors *prometheus.CounterVec

	// --- Query API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
	QueryErrors   *prometheus.CounterVec

	// --- Projection ---
	ProjectionUpdateDur *prometheus.HistogramVec
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	latencyBuckets := []float64{
		0.000001, 0.000005, 0.00001, 0.000025, 0.00005,
		0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	return &Metrics{
		EngineRequestsApplied: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "vector_engine_requests_applied_total",
			Help: "Requests successfully applied by the engine",
		}, []string{"request_type"}),

		EngineRequestsRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "vector_engine_requests_rejected_total",
			Help: "Requests rejected (dedup, gap, validation)",
		}, []string{"request_type", "reason"}),

		EngineRequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vector_engine_request_apply_duration_seconds",
			Help:    "Time to apply a single request",
			Buckets: latencyBuckets,
		}, []string{"request_type"}),

		EngineSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "vector_engine_sequence",
			Help: "Current global sequence number",
		}),

		TotalCollateral: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "vector_total_collateral",
			Help: "Sum of all account collateral",
		}),

		InsuranceFundBalance: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "vector_insurance_fund_balance",
			Help: "Current insurance fund balance",
		}),

		MarketsTotal: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "vector_markets_total",
			Help: "Number of registered markets",
		}),

		ChannelSize: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vector_channel_size",
			Help: "Current items in channel",
		}, []string{"name"}),

		ChannelCapacity: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vector_channel_capacity",
			Help: "Channel capacity (constant)",
		}, []string{"name"}),

		ChannelUtilization: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vector_channel_utilization",
			Help: "Channel size / capacity (0.0-1.0)",
		}, []string{"name"}),

		SinkDrops: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "vector_sink_drops_total",
			Help: "Records dropped due to full sink channel",
		}, []string{"sink"}),

		PersistBackpressure: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vector_persist_backpressure_total",
			Help: "Times the engine blocked on the persist channel",
		}),

		IdempotencyDuplicates: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "vector_idempotency_duplicates_total",
			Help: "Duplicates caught (lru/postgres)",
		}, []string{"request_type", "tier"}),

		DedupLRUSize: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "vector_dedup_lru_size",
			Help: "Current LRU occupancy",
		}),

		SequenceGaps: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "vector_sequence_gap_total",
			Help: "Source sequence gaps",
		}, []string{"partition"}),

		OutOfOrder: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "vector_out_of_order_total",
			Help: "Out-of-order rejections",
		}, []string{"partition"}),

		OraclePricesAccepted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "vector_oracle_prices_accepted_total",
			Help: "Oracle readings applied",
		}, []string{"market"}),

		OraclePricesRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "vector_oracle_prices_rejected_total",
			Help: "Oracle readings rejected",
		}, []string{"market", "reason"}),

		OracleStaleness: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vector_oracle_staleness_seconds",
			Help: "Age of the last accepted reading",
		}, []string{"market"}),

		FundingTicksSettled: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "vector_funding_ticks_settled_total",
			Help: "Funding settlements applied",
		}, []string{"market"}),

		FundingPositions: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "vector_funding_positions_settled_total",
			Help: "Positions touched per settlement",
		}, []string{"market"}),

		FundingResidual: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vector_funding_rounding_residual",
			Help: "Rounding residual per settlement",
		}, []string{"market"}),

		LiquidationsCompleted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "vector_liquidations_completed_total",
			Help: "Completed liquidations (closed/bankrupt)",
		}, []string{"market", "outcome"}),

		LiquidationDeficit: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "vector_liquidation_deficit_total",
			Help: "Total deficit absorbed by the insurance fund",
		}, []string{"market"}),

		PersistRecordsWritten: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vector_persist_records_written_total",
			Help: "Records written to Postgres",
		}),

		PersistBatchDur: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "vector_persist_batch_duration_seconds",
			Help:    "Postgres batch write duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),

		PersistBatchSize: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "vector_persist_batch_size",
			Help:    "Records per batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		PersistErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "vector_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"error_type"}),

		PersistRetry: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vector_persist_retry_total",
			Help: "Persistence retries",
		}),

		PersistLastSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "vector_persist_last_sequence",
			Help: "Last persisted sequence",
		}),

		SnapshotTaken: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vector_snapshot_taken_total",
			Help: "Snapshots created",
		}),

		SnapshotDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "vector_snapshot_duration_seconds",
			Help:    "Snapshot creation time",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 10.0},
		}),

		SnapshotLastSeq: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "vector_snapshot_last_sequence",
			Help: "Sequence of last snapshot",
		}),

		ReplayRecords: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vector_replay_records_total",
			Help: "Records replayed on startup",
		}),

		ReplayDuration: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "vector_replay_duration_seconds",
			Help: "Total replay time",
		}),

		IngestPullLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vector_ingest_pull_latency_seconds",
			Help:    "NATS pull request latency",
			Buckets: latencyBuckets,
		}, []string{"subject"}),

		IngestMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "vector_ingest_messages_total",
			Help: "Messages received from NATS, by subject and disposition",
		}, []string{"subject", "outcome"}),

		IngestParseErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "vector_ingest_parse_errors_total",
			Help: "Messages that failed payload parsing",
		}, []string{"subject"}),

		QueryRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "vector_query_requests_total",
			Help: "Query requests",
		}, []string{"endpoint"}),

		QueryDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vector_query_duration_seconds",
			Help:    "Query latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"endpoint"}),

		QueryErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "vector_query_errors_total",
			Help: "Query errors",
		}, []string{"endpoint"}),

		ProjectionUpdateDur: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vector_projection_update_duration_seconds",
			Help:    "Projection table update duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1},
		}, []string{"projection"}),
	}
}

// SetChannelMetrics updates channel utilization metrics.
func (m *Metrics) SetChannelMetrics(name string, size, capacity int) {
	m.ChannelSize.WithLabelValues(name).Set(float64(size))
	m.ChannelCapacity.WithLabelValues(name).Set(float64(capacity))
	if capacity > 0 {
		m.ChannelUtilization.WithLabelValues(name).Set(float64(size) / float64(capacity))
	}
}
