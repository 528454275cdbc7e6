// Package history keeps the completed exchanges of an assistant session.
package history

import (
	"context"
	"time"

	"github.com/go-go-golems/sidekick/pkg/contextsnap"
)

// DefaultLimit is the number of exchanges retained per session.
const DefaultLimit = 200

// Exchange is one completed query and its answer. It is never modified after being appended.
type Exchange struct {
	ID        string              `json:"id" yaml:"id"`
	Query     string              `json:"query" yaml:"query"`
	Answer    string              `json:"answer" yaml:"answer"`
	Context   contextsnap.Summary `json:"context" yaml:"context"`
	CreatedAt time.Time           `json:"created_at" yaml:"created_at"`
	Duration  time.Duration       `json:"duration" yaml:"duration"`
}

// Store is the ordered history of one session. Implementations evict the oldest
// exchanges once their limit is reached.
type Store interface {
	Append(ctx context.Context, ex Exchange) error
	// History returns the exchanges oldest first. The returned slice is owned by the caller.
	History(ctx context.Context) ([]Exchange, error)
	Clear(ctx context.Context) error
}

// Last returns at most n of the most recent exchanges, oldest first.
func Last(exchanges []Exchange, n int) []Exchange {
	if n <= 0 {
		return nil
	}
	if len(exchanges) > n {
		exchanges = exchanges[len(exchanges)-n:]
	}
	out := make([]Exchange, len(exchanges))
	copy(out, exchanges)
	return out
}
