package assistant

import (
	"time"

	"github.com/go-go-golems/sidekick/pkg/contextsnap"
	"github.com/go-go-golems/sidekick/pkg/history"
	"github.com/rs/zerolog"
)

const (
	DefaultTimeout      = 60 * time.Second
	DefaultHistoryTurns = 10
)

type Option func(*Engine)

// WithID names the session in logs and published updates.
func WithID(id string) Option { return func(e *Engine) { e.id = id } }

func WithBuilder(b contextsnap.Builder) Option {
	return func(e *Engine) {
		if b != nil {
			e.builder = b
		}
	}
}

func WithStore(s history.Store) Option {
	return func(e *Engine) {
		if s != nil {
			e.store = s
		}
	}
}

// WithTimeout bounds every request. Zero disables the bound.
func WithTimeout(d time.Duration) Option { return func(e *Engine) { e.timeout = d } }

func WithSystemPrompt(p string) Option { return func(e *Engine) { e.systemPrompt = p } }

// WithHistoryTurns sets how many prior exchanges are sent along with a query.
func WithHistoryTurns(n int) Option {
	return func(e *Engine) {
		if n >= 0 {
			e.historyTurns = n
		}
	}
}

func WithLogger(l zerolog.Logger) Option { return func(e *Engine) { e.logger = l } }

func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}
