package indexer

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// IndexerMetrics holds the Prometheus collectors specific to the
// streaming indexer, complementing the reusable HTTP/database collectors
// in infrastructure/metrics.
type IndexerMetrics struct {
	ChunksProcessedTotal  *prometheus.CounterVec
	ChunkSplitsTotal      *prometheus.CounterVec
	ChunkRetriesTotal     *prometheus.CounterVec
	RPCCallDuration       *prometheus.HistogramVec
	CircuitOpenGauge      *prometheus.GaugeVec
	SessionsByState       *prometheus.GaugeVec
	DeploymentCacheHits   prometheus.Counter
	DeploymentCacheMisses prometheus.Counter
}

// NewIndexerMetrics registers the indexer's collectors against registerer.
func NewIndexerMetrics(registerer prometheus.Registerer) *IndexerMetrics {
	m := &IndexerMetrics{
		ChunksProcessedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "indexer_chunks_processed_total",
				Help: "Total chunks fetched, by chain and outcome",
			},
			[]string{"chain", "outcome"},
		),
		ChunkSplitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "indexer_chunk_splits_total",
				Help: "Total chunk splits triggered by provider overflow, by chain",
			},
			[]string{"chain"},
		),
		ChunkRetriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "indexer_chunk_retries_total",
				Help: "Total chunk fetch retries, by chain",
			},
			[]string{"chain"},
		),
		RPCCallDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "indexer_rpc_call_duration_seconds",
				Help:    "RPC call latency, by chain and method",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"chain", "method"},
		),
		CircuitOpenGauge: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "indexer_rpc_endpoint_circuit_open",
				Help: "1 when an RPC endpoint's circuit breaker is open, 0 otherwise",
			},
			[]string{"chain", "endpoint"},
		),
		SessionsByState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "indexer_sessions_by_state",
				Help: "Current number of sessions in each lifecycle state",
			},
			[]string{"state"},
		),
		DeploymentCacheHits: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "indexer_deployment_cache_hits_total",
				Help: "Total deployment-finder cache hits",
			},
		),
		DeploymentCacheMisses: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "indexer_deployment_cache_misses_total",
				Help: "Total deployment-finder cache misses",
			},
		),
	}

	registerer.MustRegister(
		m.ChunksProcessedTotal, m.ChunkSplitsTotal, m.ChunkRetriesTotal,
		m.RPCCallDuration, m.CircuitOpenGauge, m.SessionsByState,
		m.DeploymentCacheHits, m.DeploymentCacheMisses,
	)
	return m
}

// ObserveRPCCall records one RPC call's latency.
func (m *IndexerMetrics) ObserveRPCCall(chainID, method string, d time.Duration) {
	m.RPCCallDuration.WithLabelValues(chainID, method).Observe(d.Seconds())
}

// RecordChunkOutcome increments the chunk counter for chainID/outcome
// ("complete", "failed").
func (m *IndexerMetrics) RecordChunkOutcome(chainID, outcome string) {
	m.ChunksProcessedTotal.WithLabelValues(chainID, outcome).Inc()
}

// RecordChunkSplit increments the split counter for chainID.
func (m *IndexerMetrics) RecordChunkSplit(chainID string) {
	m.ChunkSplitsTotal.WithLabelValues(chainID).Inc()
}

// RecordChunkRetry increments the retry counter for chainID.
func (m *IndexerMetrics) RecordChunkRetry(chainID string) {
	m.ChunkRetriesTotal.WithLabelValues(chainID).Inc()
}

// AddChunkSplits adds n to the split counter for chainID.
func (m *IndexerMetrics) AddChunkSplits(chainID string, n int64) {
	m.ChunkSplitsTotal.WithLabelValues(chainID).Add(float64(n))
}

// AddChunkRetries adds n to the retry counter for chainID.
func (m *IndexerMetrics) AddChunkRetries(chainID string, n int64) {
	m.ChunkRetriesTotal.WithLabelValues(chainID).Add(float64(n))
}

// SetSessionsByState sets the sessions-by-state gauge for every state in
// counts; a state absent from counts keeps its previous value.
func (m *IndexerMetrics) SetSessionsByState(counts map[SessionState]int) {
	for state, count := range counts {
		m.SessionsByState.WithLabelValues(string(state)).Set(float64(count))
	}
}
