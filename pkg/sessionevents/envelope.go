package sessionevents

import (
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/go-go-golems/sidekick/pkg/assistant"
)

const TypeStatus = "status"

// Envelope is the JSON frame published for every session update and sent to
// websocket clients. Seq and StreamID are filled in by the consumer.
type Envelope struct {
	Type      string           `json:"type"`
	SessionID string           `json:"session_id"`
	Update    assistant.Update `json:"update"`
	Seq       uint64           `json:"seq,omitempty"`
	StreamID  string           `json:"stream_id,omitempty"`
}

func DecodeEnvelope(b []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return Envelope{}, errors.Wrap(err, "could not decode session update")
	}
	if env.Type == "" {
		return Envelope{}, errors.New("session update without type")
	}
	return env, nil
}
