package indexer

import "time"

// WireEvent is the JSON shape pushed to stream subscribers: one object per
// frame, terminated after the terminal event.
type WireEvent struct {
	Kind      string     `json:"kind"`
	SessionID string     `json:"sessionId"`
	Progress  float64    `json:"progress,omitempty"`
	Metrics   *Metrics   `json:"metrics,omitempty"`
	Error     *WireError `json:"error,omitempty"`
	Timestamp time.Time  `json:"ts"`
}

// WireError is the terminal-failure payload carried by a session-failed
// event.
type WireError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// ToWireEvent projects an internal ProgressEvent onto the wire format a
// stream subscriber receives. Non-terminal events are always "progress";
// the three terminal states each get their own kind.
func ToWireEvent(e ProgressEvent) WireEvent {
	w := WireEvent{
		SessionID: e.SessionID,
		Timestamp: e.At,
		Progress:  round2(e.Metrics.Progress() * 100),
	}

	switch e.State {
	case StateCompleted:
		w.Kind = "session-completed"
		metrics := e.Metrics
		w.Metrics = &metrics
		w.Progress = 100
	case StateFailed:
		w.Kind = "session-failed"
		w.Error = &WireError{Code: "IDX_SESSION_FAILED", Message: e.Message}
	case StateCancelled:
		w.Kind = "session-cancelled"
	default:
		w.Kind = "progress"
		metrics := e.Metrics
		w.Metrics = &metrics
	}
	return w
}

func round2(f float64) float64 {
	return float64(int64(f*100)) / 100
}
