// Package indexer streams smart-contract activity — transactions, log
// events, participants and block coverage — from a contract's deployment
// block to chain head, for Ethereum, Lisk and Starknet, on behalf of a
// subscribed user.
package indexer

import (
	"encoding/json"
	"time"

	"github.com/chainlens/streaming-indexer/infrastructure/chain"
)

// =============================================================================
// Subscription tiers and block windows
// =============================================================================

// SubscriptionTier bounds how far back from chain head a session is allowed
// to index. Higher tiers see a larger trailing window; only TierEnterprise
// can opt into the full history back to the contract's deployment block
// (see CalculateWindow).
type SubscriptionTier string

const (
	TierFree       SubscriptionTier = "free"
	TierStarter    SubscriptionTier = "starter"
	TierPro        SubscriptionTier = "pro"
	TierEnterprise SubscriptionTier = "enterprise"
)

// Valid reports whether t is a recognized tier.
func (t SubscriptionTier) Valid() bool {
	switch t {
	case TierFree, TierStarter, TierPro, TierEnterprise:
		return true
	default:
		return false
	}
}

// ContinuousSync reports whether the tier keeps indexing past the initial
// backfill once chain head is reached. False only for TierFree.
func (t SubscriptionTier) ContinuousSync() bool {
	return t != TierFree
}

// BlockWindow is the inclusive [From, To] block range a session is
// responsible for indexing, computed by the tier calculator from the
// contract's deployment block, the chain head, and the tier's lookback.
type BlockWindow struct {
	From            uint64 `json:"from"`
	To              uint64 `json:"to"`
	DeploymentBlock uint64 `json:"deploymentBlock"`
}

// Len returns the number of blocks covered by the window.
func (w BlockWindow) Len() uint64 {
	if w.To < w.From {
		return 0
	}
	return w.To - w.From + 1
}

// Empty reports whether the window covers no blocks.
func (w BlockWindow) Empty() bool {
	return w.To < w.From
}

// =============================================================================
// Chunks
// =============================================================================

// ChunkStatus tracks one chunk through the fetch/validate/retry pipeline.
type ChunkStatus string

const (
	ChunkPending    ChunkStatus = "pending"
	ChunkFetching   ChunkStatus = "fetching"
	ChunkFetched    ChunkStatus = "fetched"
	ChunkValidating ChunkStatus = "validating"
	ChunkComplete   ChunkStatus = "complete"
	ChunkFailed     ChunkStatus = "failed"
)

// Chunk is one contiguous, independently-fetchable slice of a session's
// BlockWindow. The Chunk Manager splits a window into chunks, fetches each
// one (splitting further on provider overflow), and the Horizontal
// Validator checks the fetched chunks' boundaries against each other.
type Chunk struct {
	ID       string      `json:"id"`
	Window   BlockWindow `json:"window"`
	Status   ChunkStatus `json:"status"`
	Attempts int         `json:"attempts"`
	Logs     []chain.Log `json:"-"`
	Err      string      `json:"error,omitempty"`
}

// =============================================================================
// Sessions
// =============================================================================

// SessionState is the indexer session's lifecycle state. Transitions are
// one-directional: Pending -> Planning -> Running -> Validating ->
// {Completed, Failed}, with Cancelled reachable from any non-terminal
// state.
type SessionState string

const (
	StatePending    SessionState = "pending"
	StatePlanning   SessionState = "planning"
	StateRunning    SessionState = "running"
	StateValidating SessionState = "validating"
	StateCompleted  SessionState = "completed"
	StateFailed     SessionState = "failed"
	StateCancelled  SessionState = "cancelled"
)

// Terminal reports whether s is a state the session will never leave.
func (s SessionState) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	default:
		return false
	}
}

// Metrics accumulates the counters a session reports as it runs: how much
// of the window has been covered, how many logs and transactions were
// seen, and how many chunks needed a retry or a split.
type Metrics struct {
	BlocksTotal     uint64 `json:"blocks_total"`
	BlocksIndexed   uint64 `json:"blocks_indexed"`
	LogsIndexed     uint64 `json:"logs_indexed"`
	TxIndexed       uint64 `json:"tx_indexed"`
	ChunksTotal     int    `json:"chunks_total"`
	ChunksComplete  int    `json:"chunks_complete"`
	ChunksRetried   int    `json:"chunks_retried"`
	ChunksSplit     int    `json:"chunks_split"`
	ParticipantsSet int    `json:"participants_seen"`
}

// Progress returns the fraction of the window indexed so far, in [0, 1].
func (m Metrics) Progress() float64 {
	if m.BlocksTotal == 0 {
		return 0
	}
	return float64(m.BlocksIndexed) / float64(m.BlocksTotal)
}

// IndexerSession is one user's streaming indexing run over one contract on
// one chain. It is the unit the Session Manager tracks and the unit a
// ProgressEvent reports about.
type IndexerSession struct {
	ID              string           `json:"id" db:"id"`
	UserID          string           `json:"user_id" db:"user_id"`
	Chain           chain.ChainID    `json:"chain" db:"chain"`
	ContractAddress string           `json:"contract_address" db:"contract_address"`
	Tier            SubscriptionTier `json:"tier" db:"tier"`
	// FromDeployment opts an Enterprise session into indexing from the
	// contract's deployment block instead of the tier's 730-day default
	// lookback; ignored for every other tier.
	FromDeployment  bool             `json:"from_deployment" db:"from_deployment"`
	Window          BlockWindow      `json:"window" db:"-"`
	WindowFrom      uint64           `json:"-" db:"window_from"`
	WindowTo        uint64           `json:"-" db:"window_to"`
	State           SessionState     `json:"state" db:"state"`
	Metrics         Metrics          `json:"metrics" db:"-"`
	MetricsJSON     json.RawMessage  `json:"-" db:"metrics_json"`
	TerminalReason  string           `json:"terminal_reason,omitempty" db:"terminal_reason"`
	CreatedAt       time.Time        `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at" db:"updated_at"`
}

// Key identifies the single-session invariant scope: at most one
// non-terminal session may exist for a given (user, chain, contract).
func (s IndexerSession) Key() string {
	return string(s.Chain) + ":" + s.ContractAddress + ":" + s.UserID
}

// =============================================================================
// Durable record and wire projection
// =============================================================================

// Analysis is the durable repository record written through the
// Analyses interface as a session progresses. It mirrors IndexerSession
// plus the fields that only matter once persisted (e.g. a raw
// provider response echoed back to the caller).
type Analysis struct {
	ID              string           `json:"id" db:"id"`
	UserID          string           `json:"user_id" db:"user_id"`
	ContractAddress string           `json:"contract_address" db:"contract_address"`
	Chain           chain.ChainID    `json:"chain" db:"chain"`
	Tier            SubscriptionTier `json:"tier" db:"tier"`
	WindowFrom      uint64           `json:"window_from" db:"window_from"`
	WindowTo        uint64           `json:"window_to" db:"window_to"`
	Status          SessionState     `json:"status" db:"status"`
	Progress        float64          `json:"progress" db:"progress"`
	MetricsJSON     json.RawMessage  `json:"metrics" db:"metrics_json"`
	TerminalReason  string           `json:"terminal_reason,omitempty" db:"terminal_reason"`
	RawProvider     json.RawMessage  `json:"raw_provider,omitempty" db:"raw_provider"`
	CreatedAt       time.Time        `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at" db:"updated_at"`
}

// SessionView is the read-only projection returned by status/listByUser and
// serialized onto the wire.
type SessionView struct {
	SessionID       string           `json:"sessionId"`
	UserID          string           `json:"userId"`
	ContractAddress string           `json:"contractAddress"`
	Chain           chain.ChainID    `json:"chain"`
	Tier            SubscriptionTier `json:"tier"`
	State           SessionState     `json:"state"`
	Progress        float64          `json:"progress"`
	Metrics         Metrics          `json:"metrics"`
	Error           string           `json:"error,omitempty"`
	CreatedAt       time.Time        `json:"createdAt"`
	UpdatedAt       time.Time        `json:"updatedAt"`
}

// ViewOf projects an IndexerSession into its wire representation.
func ViewOf(s *IndexerSession) SessionView {
	return SessionView{
		SessionID:       s.ID,
		UserID:          s.UserID,
		ContractAddress: s.ContractAddress,
		Chain:           s.Chain,
		Tier:            s.Tier,
		State:           s.State,
		Progress:        s.Metrics.Progress(),
		Metrics:         s.Metrics,
		Error:           s.TerminalReason,
		CreatedAt:       s.CreatedAt,
		UpdatedAt:       s.UpdatedAt,
	}
}

// =============================================================================
// Progress events
// =============================================================================

// ProgressEventType discriminates the kind of update a ProgressEvent
// carries.
type ProgressEventType string

const (
	EventStateChanged  ProgressEventType = "state_changed"
	EventChunkComplete ProgressEventType = "chunk_complete"
	EventMetricsUpdate ProgressEventType = "metrics_update"
	EventError         ProgressEventType = "error"
)

// ProgressEvent is one message published by a running session and fanned
// out to its subscribers (the websocket stream handler).
type ProgressEvent struct {
	Type      ProgressEventType `json:"type"`
	SessionID string            `json:"sessionId"`
	State     SessionState      `json:"state"`
	Metrics   Metrics           `json:"metrics"`
	Message   string            `json:"message,omitempty"`
	At        time.Time         `json:"at"`
}

// Terminal reports whether the event corresponds to a terminal session
// state; terminal events are never dropped from a subscriber's queue, even
// under backpressure.
func (e ProgressEvent) Terminal() bool {
	return e.State.Terminal()
}
