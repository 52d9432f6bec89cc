package indexer

import (
	"fmt"
	"time"
)

// validTransitions enumerates the state machine's one-directional edges.
// Failed and Cancelled are reachable from any non-terminal state and are
// checked separately in Transition.
var validTransitions = map[SessionState][]SessionState{
	StatePending:    {StatePlanning},
	StatePlanning:   {StateRunning},
	StateRunning:    {StateRunning, StateValidating},
	StateValidating: {StateCompleted},
}

// Transition moves the session to next, stamping UpdatedAt and, for
// terminal transitions, TerminalReason. It rejects any edge not in
// validTransitions, except the universal escapes to Failed/Cancelled from a
// non-terminal state.
func (s *IndexerSession) Transition(next SessionState, reason string) error {
	if s.State.Terminal() {
		return fmt.Errorf("session %s: cannot transition from terminal state %s", s.ID, s.State)
	}

	if next == StateFailed || next == StateCancelled {
		s.State = next
		s.TerminalReason = reason
		s.UpdatedAt = sessionNow()
		return nil
	}

	for _, allowed := range validTransitions[s.State] {
		if allowed == next {
			s.State = next
			if next.Terminal() {
				s.TerminalReason = reason
			}
			s.UpdatedAt = sessionNow()
			return nil
		}
	}

	return fmt.Errorf("session %s: invalid transition %s -> %s", s.ID, s.State, next)
}

// sessionNow is the session package's only clock read, isolated so tests
// can observe it deterministically if ever needed.
var sessionNow = time.Now

// HardDeadline returns the session's hard deadline per its tier: 60 minutes
// for Free/Starter, 6 hours for Pro/Enterprise. Exceeding it transitions
// the session to Failed with a Timeout reason.
func (s *IndexerSession) HardDeadline() time.Duration {
	switch s.Tier {
	case TierPro, TierEnterprise:
		return 6 * time.Hour
	default:
		return 60 * time.Minute
	}
}

// SoftDeadline returns the session's soft deadline: 3x the estimated
// runtime, floored at 3 minutes. runSession does not check it, and no
// event is emitted when it passes.
func (s *IndexerSession) SoftDeadline(estimatedRuntime time.Duration) time.Duration {
	soft := 3 * estimatedRuntime
	if floor := 3 * time.Minute; soft < floor {
		return floor
	}
	return soft
}

// IsStale reports whether a non-terminal session has gone quiet long enough
// to be recovered as Failed{Stale} at process start.
func (s *IndexerSession) IsStale(now time.Time, staleAfter time.Duration) bool {
	if s.State.Terminal() {
		return false
	}
	switch s.State {
	case StateRunning, StatePlanning, StateValidating:
		return now.Sub(s.UpdatedAt) > staleAfter
	default:
		return false
	}
}
