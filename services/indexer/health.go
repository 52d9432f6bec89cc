package indexer

import (
	"time"

	"github.com/chainlens/streaming-indexer/infrastructure/chain"
)

// HealthState is the Health Monitor's aggregate verdict.
type HealthState string

const (
	HealthHealthy   HealthState = "healthy"
	HealthDegraded  HealthState = "degraded"
	HealthUnhealthy HealthState = "unhealthy"
)

// ChainHealth summarizes one chain's RPC pool for a snapshot.
type ChainHealth struct {
	Chain          chain.ChainID `json:"chain"`
	HealthyCount   int           `json:"healthyCount"`
	TotalEndpoints int           `json:"totalEndpoints"`
}

// HealthSnapshot is the single aggregated view the Health Monitor exposes:
// pool status per chain, sessions per state, storage write latency, and
// the deployment finder's cache hit rate.
type HealthSnapshot struct {
	State                  HealthState          `json:"state"`
	Chains                 []ChainHealth        `json:"chains"`
	SessionsByState        map[SessionState]int `json:"sessionsByState"`
	StorageWriteLatency    time.Duration        `json:"storageWriteLatencyNs"`
	DeploymentCacheHitRate float64              `json:"deploymentCacheHitRate"`
	TakenAt                time.Time            `json:"takenAt"`
}

// StorageLatencyRecorder reports the most recently observed repository
// write latency; the reference storage implementations update this on
// every write.
type StorageLatencyRecorder interface {
	LastWriteLatency() time.Duration
}

// HealthMonitor is a pure, lazily-constructed aggregator: building one does
// no I/O and starts no goroutine. Per the "no blocking top-level init"
// rule, scheduling periodic snapshots is the composition root's job (a
// robfig/cron job calling Snapshot), not this type's.
type HealthMonitor struct {
	pools    map[chain.ChainID]*chain.RPCPool
	sessions *SessionManager
	finder   *DeploymentFinder
	storage  StorageLatencyRecorder
}

// NewHealthMonitor builds a monitor over the given pools, session registry,
// deployment finder and (optional) storage latency recorder.
func NewHealthMonitor(pools map[chain.ChainID]*chain.RPCPool, sessions *SessionManager, finder *DeploymentFinder, storage StorageLatencyRecorder) *HealthMonitor {
	return &HealthMonitor{pools: pools, sessions: sessions, finder: finder, storage: storage}
}

// Snapshot computes the current aggregate health. It is synchronous and
// read-only: called directly by the status endpoint, and on a schedule by
// the composition root's cron job.
func (h *HealthMonitor) Snapshot() HealthSnapshot {
	snap := HealthSnapshot{
		SessionsByState: make(map[SessionState]int),
		TakenAt:         time.Now(),
	}

	for id, pool := range h.pools {
		endpoints := pool.GetEndpoints()
		snap.Chains = append(snap.Chains, ChainHealth{
			Chain:          id,
			HealthyCount:   pool.HealthyCount(),
			TotalEndpoints: len(endpoints),
		})
	}

	if h.sessions != nil {
		h.sessions.mu.Lock()
		for _, s := range h.sessions.byID {
			snap.SessionsByState[s.State]++
		}
		h.sessions.mu.Unlock()
	}

	if h.finder != nil {
		snap.DeploymentCacheHitRate = h.finder.CacheHitRate()
	}

	if h.storage != nil {
		snap.StorageWriteLatency = h.storage.LastWriteLatency()
	}

	snap.State = computeHealthState(snap)
	return snap
}

// computeHealthState derives healthy/degraded/unhealthy from the snapshot's
// raw fields: unhealthy when any chain has no healthy endpoints while a
// session is actively running, degraded when any chain has reduced
// capacity, healthy otherwise.
func computeHealthState(snap HealthSnapshot) HealthState {
	hasActiveSession := snap.SessionsByState[StateRunning] > 0 ||
		snap.SessionsByState[StatePlanning] > 0 ||
		snap.SessionsByState[StateValidating] > 0

	degraded := false
	for _, c := range snap.Chains {
		if c.HealthyCount == 0 {
			if hasActiveSession {
				return HealthUnhealthy
			}
			degraded = true
		} else if c.HealthyCount < c.TotalEndpoints {
			degraded = true
		}
	}

	if degraded {
		return HealthDegraded
	}
	return HealthHealthy
}
