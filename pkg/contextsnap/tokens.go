package contextsnap

import (
	"github.com/pkg/errors"
	"github.com/tiktoken-go/tokenizer"
)

// TokenCounter counts the tokens of a piece of text.
type TokenCounter interface {
	Count(text string) int
}

type codecCounter struct {
	codec tokenizer.Codec
}

// NewTokenCounter returns a counter backed by the named tiktoken encoding,
// for example "cl100k_base".
func NewTokenCounter(encoding string) (TokenCounter, error) {
	if encoding == "" {
		encoding = string(tokenizer.Cl100kBase)
	}
	codec, err := tokenizer.Get(tokenizer.Encoding(encoding))
	if err != nil {
		return nil, errors.Wrapf(err, "load tokenizer %q", encoding)
	}
	return codecCounter{codec: codec}, nil
}

func (c codecCounter) Count(text string) int {
	ids, _, err := c.codec.Encode(text)
	if err != nil {
		// fall back to a rough estimate
		return len(text)/4 + 1
	}
	return len(ids)
}

// trimToBudget drops the oldest items until the remaining ones fit into budget tokens.
// items must be ordered oldest first.
func trimToBudget(items []Item, budget int, counter TokenCounter) []Item {
	costs := make([]int, len(items))
	total := 0
	for i, it := range items {
		costs[i] = counter.Count(it.DisplayAuthor() + ": " + it.Text)
		total += costs[i]
	}
	start := 0
	for total > budget && start < len(items) {
		total -= costs[start]
		start++
	}
	return items[start:]
}
