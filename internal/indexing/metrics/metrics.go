package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RPCCallsTotal tracks RPC calls per chain, endpoint and method
	RPCCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "indexer_rpc_calls_total",
			Help: "Total number of RPC calls",
		},
		[]string{"chain", "endpoint", "method"},
	)

	// RPCErrorsTotal tracks RPC errors per chain and endpoint
	RPCErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "indexer_rpc_errors_total",
			Help: "Total number of RPC errors",
		},
		[]string{"chain", "endpoint", "method"},
	)

	// RPCLatency tracks RPC call latency
	RPCLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "indexer_rpc_latency_seconds",
			Help:    "RPC call latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"chain", "endpoint", "method"},
	)

	// EndpointHealthy reports endpoint health as seen by the pool (1 or 0)
	EndpointHealthy = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "indexer_endpoint_healthy",
			Help: "Whether an RPC endpoint is currently marked healthy",
		},
		[]string{"chain", "endpoint"},
	)

	// ChunksProcessed tracks processed chunks per chain and outcome
	ChunksProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "indexer_chunks_processed_total",
			Help: "Total number of chunks processed",
		},
		[]string{"chain", "status"},
	)

	// LogsIndexed tracks total contract logs folded into metrics
	LogsIndexed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "indexer_logs_indexed_total",
			Help: "Total number of contract event logs indexed",
		},
		[]string{"chain"},
	)

	// SessionCurrentBlock tracks per-session indexing progress
	SessionCurrentBlock = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "indexer_session_current_block",
			Help: "Current block of an indexing session",
		},
		[]string{"user", "chain"},
	)

	// SessionTargetBlock tracks per-session backfill targets
	SessionTargetBlock = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "indexer_session_target_block",
			Help: "Target block of an indexing session",
		},
		[]string{"user", "chain"},
	)

	// SnapshotSaves tracks snapshot persistence outcomes
	SnapshotSaves = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "indexer_snapshot_saves_total",
			Help: "Total number of session snapshot saves",
		},
		[]string{"outcome"},
	)

	// ProgressEventsDropped counts progress events dropped by a full sink
	ProgressEventsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "indexer_progress_events_dropped_total",
			Help: "Progress events dropped because the notification sink was full",
		},
	)
)
