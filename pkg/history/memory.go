package history

import (
	"context"
	"sync"
)

// MemoryStore is a capped in-memory Store.
type MemoryStore struct {
	mu        sync.RWMutex
	limit     int
	exchanges []Exchange
}

var _ Store = &MemoryStore{}

// NewMemoryStore returns a store keeping at most limit exchanges.
// A limit <= 0 selects DefaultLimit.
func NewMemoryStore(limit int) *MemoryStore {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &MemoryStore{limit: limit}
}

func (s *MemoryStore) Append(_ context.Context, ex Exchange) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exchanges = append(s.exchanges, ex)
	if over := len(s.exchanges) - s.limit; over > 0 {
		// copy down so the evicted exchanges can be collected
		n := copy(s.exchanges, s.exchanges[over:])
		clear(s.exchanges[n:])
		s.exchanges = s.exchanges[:n]
	}
	return nil
}

func (s *MemoryStore) History(context.Context) ([]Exchange, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Exchange, len(s.exchanges))
	copy(out, s.exchanges)
	return out, nil
}

func (s *MemoryStore) Clear(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exchanges = nil
	return nil
}

func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.exchanges)
}
