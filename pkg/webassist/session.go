// Package webassist exposes assistant sessions over HTTP and websockets.
package webassist

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/sidekick/pkg/assistant"
	"github.com/go-go-golems/sidekick/pkg/sessionevents"
)

var (
	ErrSessionNotFound = errors.New("webassist: session not found")
	ErrManagerClosed   = errors.New("webassist: session manager closed")
)

// Kind selects how a session gathers context.
type Kind string

const (
	KindGeneral Kind = "general"
	KindChannel Kind = "channel"
)

func ParseKind(s string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(s))) {
	case "", KindGeneral:
		return KindGeneral, nil
	case KindChannel:
		return KindChannel, nil
	default:
		return "", errors.Errorf("unknown session kind %q", s)
	}
}

// EngineFactory builds the assistant engine backing a new session.
type EngineFactory func(sessionID string, kind Kind) (*assistant.Engine, error)

// Session is one assistant engine plus the plumbing that streams its updates
// to attached websockets.
type Session struct {
	ID        string
	Kind      Kind
	Engine    *assistant.Engine
	CreatedAt time.Time

	pool      *ConnectionPool
	forwarder *sessionevents.Forwarder
	cancel    context.CancelFunc

	mu       sync.Mutex
	stream   *sessionevents.Coordinator
	subOwned bool
}

func (s *Session) Connections() int { return s.pool.Count() }

func (s *Session) stopStream() {
	s.mu.Lock()
	stream, owned := s.stream, s.subOwned
	s.stream = nil
	s.mu.Unlock()
	if stream == nil {
		return
	}
	if owned {
		stream.Close()
	} else {
		stream.Stop()
	}
}

// Info is the listing view of a session.
type Info struct {
	ID           string          `json:"id"`
	Kind         Kind            `json:"kind"`
	State        assistant.State `json:"state"`
	Connections  int             `json:"connections"`
	LastActivity time.Time       `json:"last_activity"`
}

type ManagerOptions struct {
	BaseCtx context.Context
	Bus     *sessionevents.Bus
	Factory EngineFactory
	// StreamIdleTimeout stops a session's update stream once its last
	// websocket has been gone this long.
	StreamIdleTimeout time.Duration
}

// SessionManager owns the live sessions.
type SessionManager struct {
	baseCtx    context.Context
	bus        *sessionevents.Bus
	factory    EngineFactory
	streamIdle time.Duration
	now        func() time.Time

	mu            sync.Mutex
	sessions      map[string]*Session
	closed        bool
	evictIdle     time.Duration
	evictInterval time.Duration
	evictRunning  bool
}

func NewSessionManager(opts ManagerOptions) (*SessionManager, error) {
	if opts.Bus == nil {
		return nil, errors.New("session manager requires a bus")
	}
	if opts.Factory == nil {
		return nil, errors.New("session manager requires an engine factory")
	}
	ctx := opts.BaseCtx
	if ctx == nil {
		ctx = context.Background()
	}
	return &SessionManager{
		baseCtx:    ctx,
		bus:        opts.Bus,
		factory:    opts.Factory,
		streamIdle: opts.StreamIdleTimeout,
		now:        time.Now,
		sessions:   map[string]*Session{},
	}, nil
}

func (m *SessionManager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// GetOrCreate returns the session with the given id, creating it with kind
// when it does not exist yet. An existing session keeps its kind.
func (m *SessionManager) GetOrCreate(id string, kind Kind) (*Session, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, errors.New("session id is empty")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrManagerClosed
	}
	if s, ok := m.sessions[id]; ok {
		return s, nil
	}

	eng, err := m.factory(id, kind)
	if err != nil {
		return nil, errors.Wrapf(err, "could not create session %s", id)
	}
	fwd, err := sessionevents.NewForwarder(eng, m.bus.Publisher())
	if err != nil {
		eng.Close()
		return nil, err
	}
	ctx, cancel := context.WithCancel(m.baseCtx)
	s := &Session{
		ID:        id,
		Kind:      kind,
		Engine:    eng,
		CreatedAt: m.now(),
		forwarder: fwd,
		cancel:    cancel,
	}
	s.pool = NewConnectionPool(id, m.streamIdle, s.stopStream)
	go func() {
		if err := fwd.Run(ctx); err != nil {
			log.Warn().Err(err).Str("component", "webassist").Str("session_id", id).Msg("forwarder stopped")
		}
	}()
	m.sessions[id] = s
	log.Info().Str("component", "webassist").Str("session_id", id).Str("kind", string(kind)).Msg("session created")
	return s, nil
}

// Attach adds a websocket to the session and makes sure its update stream
// is being consumed.
func (m *SessionManager) Attach(ctx context.Context, s *Session, conn wsConn) error {
	if err := m.ensureStream(ctx, s); err != nil {
		return err
	}
	s.pool.Add(conn)
	return nil
}

func (m *SessionManager) ensureStream(ctx context.Context, s *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stream != nil && s.stream.IsRunning() {
		return nil
	}
	sub, owned, err := m.bus.Subscriber(ctx, s.ID)
	if err != nil {
		return err
	}
	stream := sessionevents.NewCoordinator(s.ID, sub, owned, func(_ sessionevents.Envelope, _ sessionevents.Cursor, frame []byte) {
		s.pool.Broadcast(frame)
	})
	if err := stream.Start(m.baseCtx); err != nil {
		if owned {
			_ = sub.Close()
		}
		return errors.Wrap(err, "could not start session stream")
	}
	s.stream, s.subOwned = stream, owned
	return nil
}

func (m *SessionManager) List() []Info {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	out := make([]Info, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, Info{
			ID:           s.ID,
			Kind:         s.Kind,
			State:        s.Engine.Status().State,
			Connections:  s.pool.Count(),
			LastActivity: s.Engine.LastActivity(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Remove tears the session down.
func (m *SessionManager) Remove(id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if !ok {
		return ErrSessionNotFound
	}
	m.cleanupSession(s)
	return nil
}

// Close tears down every session; GetOrCreate fails afterwards.
func (m *SessionManager) Close() {
	m.mu.Lock()
	m.closed = true
	sessions := make([]*Session, 0, len(m.sessions))
	for id, s := range m.sessions {
		sessions = append(sessions, s)
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	for _, s := range sessions {
		m.cleanupSession(s)
	}
}

func (m *SessionManager) cleanupSession(s *Session) {
	s.pool.CloseAll()
	s.stopStream()
	s.forwarder.Close()
	s.Engine.Close()
	s.cancel()
	log.Info().Str("component", "webassist").Str("session_id", s.ID).Msg("session removed")
}
