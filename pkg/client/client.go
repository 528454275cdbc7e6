// Package client defines how the assistant talks to a language-model backend: a request
// goes in, an ordered stream of chunks ending in exactly one terminal event comes out.
package client

import (
	"context"
	"fmt"
	"time"

	"github.com/go-go-golems/sidekick/pkg/contextsnap"
	"github.com/go-go-golems/sidekick/pkg/history"
)

// Client starts streaming requests. Implementations must honour Stream.Cancel.
type Client interface {
	Stream(ctx context.Context, req Request) (*Stream, error)
}

// Request is everything a backend needs to answer one query.
type Request struct {
	ID           string
	Query        string
	Context      contextsnap.Snapshot
	History      []history.Exchange
	SystemPrompt string
	// Timeout bounds the whole request. Expiry ends the stream with a transport failure.
	Timeout time.Duration
	// Now is used to render relative timestamps. Zero means time.Now.
	Now time.Time
}

// UserPrompt renders the query together with its context.
func (r Request) UserPrompt() string {
	now := r.Now
	if now.IsZero() {
		now = time.Now()
	}
	return contextsnap.RenderPrompt(r.Query, r.Context, now)
}

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Messages returns the prior exchanges as alternating user/assistant turns followed by
// the rendered user prompt. The system prompt is not included.
func (r Request) Messages() []Message {
	msgs := make([]Message, 0, 2*len(r.History)+1)
	for _, ex := range r.History {
		msgs = append(msgs,
			Message{Role: RoleUser, Content: ex.Query},
			Message{Role: RoleAssistant, Content: ex.Answer},
		)
	}
	return append(msgs, Message{Role: RoleUser, Content: r.UserPrompt()})
}

// EventKind distinguishes chunks from the terminal events.
type EventKind int

const (
	EventChunk EventKind = iota
	EventDone
	EventError
	EventCancelled
)

func (k EventKind) String() string {
	switch k {
	case EventChunk:
		return "chunk"
	case EventDone:
		return "done"
	case EventError:
		return "error"
	case EventCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

func (k EventKind) Terminal() bool { return k != EventChunk }

// Event is one element of a stream. Seq is monotonic within a stream and starts at 1.
// Err is set on EventError and is usually a *failure.Error.
type Event struct {
	Seq  uint64
	Kind EventKind
	Text string
	Err  error
}
