package webassist

import (
	"context"
	"time"
)

func (m *SessionManager) SetEvictionConfig(idle, interval time.Duration) {
	m.mu.Lock()
	m.evictIdle = idle
	m.evictInterval = interval
	m.mu.Unlock()
}

// StartEvictionLoop removes idle sessions every interval until ctx is done.
// It is a no-op when eviction is not configured or already running.
func (m *SessionManager) StartEvictionLoop(ctx context.Context) {
	if ctx == nil {
		panic("webassist: StartEvictionLoop requires non-nil ctx")
	}
	m.mu.Lock()
	if m.evictRunning {
		m.mu.Unlock()
		return
	}
	idle, interval := m.evictIdle, m.evictInterval
	if idle <= 0 || interval <= 0 {
		m.mu.Unlock()
		return
	}
	m.evictRunning = true
	m.mu.Unlock()

	go m.runEvictionLoop(ctx, interval)
}

func (m *SessionManager) runEvictionLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.mu.Lock()
			m.evictRunning = false
			m.mu.Unlock()
			return
		case now := <-ticker.C:
			m.evictIdleOnce(now)
		}
	}
}

func (m *SessionManager) evictIdleOnce(now time.Time) int {
	if now.IsZero() {
		now = m.now()
	}

	m.mu.Lock()
	idle := m.evictIdle
	if idle <= 0 {
		m.mu.Unlock()
		return 0
	}
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	evicted := 0
	for _, s := range sessions {
		if !shouldEvictSession(now, idle, s) {
			continue
		}
		m.mu.Lock()
		current, ok := m.sessions[s.ID]
		if !ok || current != s {
			m.mu.Unlock()
			continue
		}
		delete(m.sessions, s.ID)
		m.mu.Unlock()

		m.cleanupSession(s)
		evicted++
	}
	return evicted
}

func shouldEvictSession(now time.Time, idle time.Duration, s *Session) bool {
	if !s.pool.IsEmpty() {
		return false
	}
	if s.Engine.Busy() {
		return false
	}
	last := s.Engine.LastActivity()
	if last.IsZero() {
		return false
	}
	return now.Sub(last) >= idle
}
