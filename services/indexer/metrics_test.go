package indexer

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestIndexerMetricsRecordChunkOutcome(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewIndexerMetrics(reg)

	m.RecordChunkOutcome("ethereum", "complete")
	m.RecordChunkOutcome("ethereum", "complete")
	m.RecordChunkOutcome("ethereum", "failed")

	if got := testutil.ToFloat64(m.ChunksProcessedTotal.WithLabelValues("ethereum", "complete")); got != 2 {
		t.Errorf("complete count = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.ChunksProcessedTotal.WithLabelValues("ethereum", "failed")); got != 1 {
		t.Errorf("failed count = %v, want 1", got)
	}
}

func TestIndexerMetricsSetSessionsByState(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewIndexerMetrics(reg)

	m.SetSessionsByState(map[SessionState]int{StateRunning: 3, StateCompleted: 5})

	if got := testutil.ToFloat64(m.SessionsByState.WithLabelValues(string(StateRunning))); got != 3 {
		t.Errorf("running gauge = %v, want 3", got)
	}
}

func TestIndexerMetricsObserveRPCCall(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewIndexerMetrics(reg)

	m.ObserveRPCCall("ethereum", "eth_getLogs", 10*time.Millisecond)

	count := testutil.CollectAndCount(m.RPCCallDuration)
	if count != 1 {
		t.Errorf("RPCCallDuration series count = %d, want 1", count)
	}
}
