package sessionevents

import (
	"context"
	"encoding/json"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/sidekick/pkg/assistant"
)

// Updates is the part of an assistant session the forwarder needs.
type Updates interface {
	ID() string
	Subscribe(buffer int) (<-chan assistant.Update, func())
}

// Forwarder publishes the updates of one session to its topic.
type Forwarder struct {
	sessionID   string
	pub         message.Publisher
	updates     <-chan assistant.Update
	unsubscribe func()
	logger      zerolog.Logger
}

// NewForwarder subscribes to the session right away so no update produced
// after it returns is missed.
func NewForwarder(session Updates, pub message.Publisher) (*Forwarder, error) {
	if pub == nil {
		return nil, errors.New("publisher is nil")
	}
	updates, unsubscribe := session.Subscribe(64)
	return &Forwarder{
		sessionID:   session.ID(),
		pub:         pub,
		updates:     updates,
		unsubscribe: unsubscribe,
		logger:      log.With().Str("component", "sessionevents").Str("session_id", session.ID()).Logger(),
	}, nil
}

// Run publishes until ctx is done or the session is closed.
func (f *Forwarder) Run(ctx context.Context) error {
	defer f.unsubscribe()
	topic := Topic(f.sessionID)
	for {
		select {
		case <-ctx.Done():
			return nil
		case u, ok := <-f.updates:
			if !ok {
				return nil
			}
			payload, err := json.Marshal(Envelope{Type: TypeStatus, SessionID: f.sessionID, Update: u})
			if err != nil {
				return errors.Wrap(err, "could not encode session update")
			}
			msg := message.NewMessage(watermill.NewUUID(), payload)
			msg.Metadata.Set("session_id", f.sessionID)
			if err := f.pub.Publish(topic, msg); err != nil {
				f.logger.Warn().Err(err).Uint64("version", u.Status.Version).Msg("publish failed")
			}
		}
	}
}

// Close stops the subscription; a running Run returns.
func (f *Forwarder) Close() { f.unsubscribe() }
