// Package metrics exposes the pipeline's Prometheus instrumentation: RPC
// call counts/latency, relay collector throughput, backfill progress, and
// live-coordinator queue depth.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry groups every metric the pipeline exports, constructed once at
// startup and threaded through the components that record against it.
type Registry struct {
	RPCCallsTotal    *prometheus.CounterVec
	RPCCallDuration  *prometheus.HistogramVec

	RelayPagesTotal     *prometheus.CounterVec
	RelayPayloadsTotal  *prometheus.CounterVec
	RelayGapsDetected   *prometheus.CounterVec
	RelayRateLimitWaits *prometheus.CounterVec

	BackfillUnitsProcessed *prometheus.CounterVec
	BackfillUnitsFailed    *prometheus.CounterVec
	BackfillLag            *prometheus.GaugeVec

	LiveQueueDepth    prometheus.Gauge
	LiveHeadNumber    prometheus.Gauge
	LiveReconnects    prometheus.Counter
	LiveStageErrors   *prometheus.CounterVec

	AggregateRecordsWritten prometheus.Counter
}

// New registers every metric against reg and returns the populated Registry.
// Generalized from per-call transaction-lifecycle counters to per-stage
// pipeline counters, backed by client_golang/promauto.
func New(reg prometheus.Registerer) *Registry {
	f := promauto.With(reg)
	return &Registry{
		RPCCallsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ingestor_rpc_calls_total",
			Help: "Total JSON-RPC calls by method and outcome.",
		}, []string{"method", "outcome"}),
		RPCCallDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ingestor_rpc_call_duration_seconds",
			Help:    "JSON-RPC call latency by method.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method"}),

		RelayPagesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ingestor_relay_pages_total",
			Help: "Relay pagination pages fetched by relay and outcome.",
		}, []string{"relay", "outcome"}),
		RelayPayloadsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ingestor_relay_payloads_total",
			Help: "Relay payloads collected by relay.",
		}, []string{"relay"}),
		RelayGapsDetected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ingestor_relay_gaps_detected_total",
			Help: "Outlier-day gaps detected by relay.",
		}, []string{"relay"}),
		RelayRateLimitWaits: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ingestor_relay_rate_limit_waits_total",
			Help: "Times a relay call waited on its token bucket.",
		}, []string{"relay"}),

		BackfillUnitsProcessed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ingestor_backfill_units_processed_total",
			Help: "Backfill units committed by stream.",
		}, []string{"stream"}),
		BackfillUnitsFailed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ingestor_backfill_units_failed_total",
			Help: "Backfill units that failed and were skipped by stream.",
		}, []string{"stream"}),
		BackfillLag: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ingestor_backfill_lag",
			Help: "Remaining units in a backfill stream's work selector.",
		}, []string{"stream"}),

		LiveQueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Name: "ingestor_live_queue_depth",
			Help: "Current depth of the live coordinator's bounded block queue.",
		}),
		LiveHeadNumber: f.NewGauge(prometheus.GaugeOpts{
			Name: "ingestor_live_head_number",
			Help: "Most recent block number observed via newHeads.",
		}),
		LiveReconnects: f.NewCounter(prometheus.CounterOpts{
			Name: "ingestor_live_reconnects_total",
			Help: "WebSocket reconnects performed by the live coordinator.",
		}),
		LiveStageErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ingestor_live_stage_errors_total",
			Help: "Live coordinator per-stage errors.",
		}, []string{"stage"}),

		AggregateRecordsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "ingestor_aggregate_records_written_total",
			Help: "Aggregate PBS records upserted.",
		}),
	}
}
