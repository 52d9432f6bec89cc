package indexer

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chainlens/streaming-indexer/infrastructure/chain"
	apperrors "github.com/chainlens/streaming-indexer/infrastructure/errors"
)

// defaultStaleAfter is how long a non-terminal session may go without an
// UpdatedAt bump before RecoverStale fails it as Stale on process start.
const defaultStaleAfter = 5 * time.Minute

// SessionManager is the registry of live sessions: it enforces the
// single-session invariant, tracks per-user contract counts against the
// tier's maxContracts, and recovers sessions left non-terminal by a crash.
// Guarded by a single mutex; every operation below is O(1) or O(sessions
// for one user) and holds the lock only across in-memory work, never
// across an RPC or storage call.
type SessionManager struct {
	mu      sync.Mutex
	byID    map[string]*IndexerSession
	byKey   map[string]string             // IndexerSession.Key() -> sessionId, non-terminal only
	cancels map[string]context.CancelFunc // sessionId -> cancel for its runSession context
}

// NewSessionManager builds an empty registry.
func NewSessionManager() *SessionManager {
	return &SessionManager{
		byID:    make(map[string]*IndexerSession),
		byKey:   make(map[string]string),
		cancels: make(map[string]context.CancelFunc),
	}
}

// Start creates a new session for (userID, address, chain) at tier, unless
// the single-session invariant or the tier's maxContracts cap blocks it.
// fromDeployment requests the Enterprise-only "index from deployment" mode;
// it is ignored for every other tier.
func (m *SessionManager) Start(userID, address string, id chain.ChainID, tier SubscriptionTier, fromDeployment bool) (*IndexerSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	session := &IndexerSession{Chain: id, ContractAddress: address, UserID: userID, FromDeployment: fromDeployment}
	key := session.Key()

	if existingID, ok := m.byKey[key]; ok {
		return nil, apperrors.AlreadyRunning(key).WithDetails("sessionId", existingID)
	}

	if n := m.countActiveForUser(userID); n >= tier.MaxContracts() {
		return nil, apperrors.New(apperrors.ErrCodeOutOfRange, "maxContracts reached for tier", 403).
			WithDetails("tier", string(tier)).
			WithDetails("maxContracts", tier.MaxContracts())
	}

	now := sessionNow()
	session.ID = uuid.NewString()
	session.Tier = tier
	session.State = StatePending
	session.CreatedAt = now
	session.UpdatedAt = now

	m.byID[session.ID] = session
	m.byKey[key] = session.ID

	return session, nil
}

// Stop cancels sessionID. It is idempotent: calling it on a session that is
// already terminal reports success and changes nothing. An unknown id is
// reported to the caller as not found so the control surface can 404 it.
func (m *SessionManager) Stop(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.byID[sessionID]
	if !ok {
		return apperrors.SessionNotFound(sessionID)
	}

	if session.State.Terminal() {
		return nil
	}

	_ = session.Transition(StateCancelled, "stopped by caller")
	delete(m.byKey, session.Key())
	if cancel, ok := m.cancels[sessionID]; ok {
		cancel()
		delete(m.cancels, sessionID)
	}
	return nil
}

// SetCancel registers the cancel function for sessionID's runSession
// context, so a later Stop can actually unblock its in-flight chunk fetch
// instead of only flipping the state field.
func (m *SessionManager) SetCancel(sessionID string, cancel context.CancelFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancels[sessionID] = cancel
}

// Status returns the wire projection of sessionID.
func (m *SessionManager) Status(sessionID string) (SessionView, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.byID[sessionID]
	if !ok {
		return SessionView{}, apperrors.SessionNotFound(sessionID)
	}
	return ViewOf(session), nil
}

// ListByUser returns every session (including terminal ones still held in
// the registry) owned by userID.
func (m *SessionManager) ListByUser(userID string) []SessionView {
	m.mu.Lock()
	defer m.mu.Unlock()

	var views []SessionView
	for _, s := range m.byID {
		if s.UserID == userID {
			views = append(views, ViewOf(s))
		}
	}
	return views
}

// Get returns the live session object (not a copy) for callers that need
// to mutate it directly, such as the chunk scheduler driving it forward.
func (m *SessionManager) Get(sessionID string) (*IndexerSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byID[sessionID]
	return s, ok
}

// MarkTerminal clears the single-session-invariant key once a session
// reaches Completed or Failed, so a new session can start for the same
// (user, chain, contract) pair.
func (m *SessionManager) MarkTerminal(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.byID[sessionID]; ok {
		delete(m.byKey, s.Key())
	}
	delete(m.cancels, sessionID)
}

// RecoverStale transitions every non-terminal session whose UpdatedAt is
// older than staleAfter to Failed{Stale}. Call this once, before accepting
// new requests, on process start — a crash can otherwise leave a session
// registered forever as "running".
func (m *SessionManager) RecoverStale(now time.Time, staleAfter time.Duration) int {
	if staleAfter == 0 {
		staleAfter = defaultStaleAfter
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	recovered := 0
	for _, s := range m.byID {
		if s.IsStale(now, staleAfter) {
			_ = s.Transition(StateFailed, "Stale")
			delete(m.byKey, s.Key())
			recovered++
		}
	}
	return recovered
}

func (m *SessionManager) countActiveForUser(userID string) int {
	seen := make(map[string]struct{})
	for _, id := range m.byKey {
		s := m.byID[id]
		if s.UserID == userID {
			seen[s.ContractAddress] = struct{}{}
		}
	}
	return len(seen)
}
