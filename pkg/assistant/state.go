package assistant

import (
	"fmt"

	"github.com/go-go-golems/sidekick/pkg/contextsnap"
	"github.com/go-go-golems/sidekick/pkg/history"
	"github.com/pkg/errors"
)

// State is the lifecycle state of a session.
type State int

const (
	StateIdle State = iota
	// StateProcessing means a request was sent and no chunk has arrived yet.
	StateProcessing
	// StateStreaming means at least one chunk has arrived.
	StateStreaming
	// StateErrored means the last request ended with an error. The partial answer is kept.
	StateErrored
	// StateCancelled is transient: it is published when a request is cancelled and
	// immediately followed by StateIdle.
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateProcessing:
		return "processing"
	case StateStreaming:
		return "streaming"
	case StateErrored:
		return "errored"
	case StateCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Active reports whether a request is in flight.
func (s State) Active() bool { return s == StateProcessing || s == StateStreaming }

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *State) UnmarshalText(b []byte) error {
	for _, st := range []State{StateIdle, StateProcessing, StateStreaming, StateErrored, StateCancelled} {
		if st.String() == string(b) {
			*s = st
			return nil
		}
	}
	return errors.Errorf("unknown state %q", string(b))
}

// Status is what observers see of a session.
type Status struct {
	SessionID    string              `json:"session_id"`
	Version      uint64              `json:"version"`
	State        State               `json:"state"`
	RequestID    string              `json:"request_id,omitempty"`
	Query        string              `json:"query,omitempty"`
	ResponseText string              `json:"response_text"`
	LastError    string              `json:"last_error,omitempty"`
	ErrorKind    string              `json:"error_kind,omitempty"`
	Expanded     bool                `json:"expanded"`
	Context      contextsnap.Summary `json:"context"`
	// History is only filled by Engine.Snapshot.
	History []history.Exchange `json:"history,omitempty"`
}

// Update is published to subscribers after every state change.
type Update struct {
	Status
	// Appended is the exchange recorded by this transition, if any.
	Appended *history.Exchange `json:"appended,omitempty"`
	// HistoryCleared is set when the history was cleared by this transition.
	HistoryCleared bool `json:"history_cleared,omitempty"`
}
