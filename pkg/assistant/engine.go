// Package assistant implements the streaming assistant session: one query in flight at a
// time, incremental answers, cancellation, error surfacing and a bounded history.
package assistant

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-go-golems/sidekick/pkg/client"
	"github.com/go-go-golems/sidekick/pkg/contextsnap"
	"github.com/go-go-golems/sidekick/pkg/failure"
	"github.com/go-go-golems/sidekick/pkg/history"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	ErrBusy       = errors.New("assistant: a request is in flight")
	ErrEmptyQuery = errors.New("assistant: empty query")
	ErrClosed     = errors.New("assistant: session closed")
)

// Engine is one assistant session. All state transitions happen under mu.
type Engine struct {
	id           string
	client       client.Client
	builder      contextsnap.Builder
	store        history.Store
	timeout      time.Duration
	systemPrompt string
	historyTurns int
	logger       zerolog.Logger
	now          func() time.Time

	mu           sync.Mutex
	state        State
	text         strings.Builder
	lastErr      error
	expanded     bool
	query        string
	requestID    string
	summary      contextsnap.Summary
	active       *inFlight
	version      uint64
	lastActivity time.Time
	closed       bool
	subs         map[int]chan Update
	nextSub      int

	wg sync.WaitGroup
}

// inFlight is the request currently owned by the session.
type inFlight struct {
	id        string
	query     string
	summary   contextsnap.Summary
	stream    *client.Stream
	cancel    context.CancelFunc
	startedAt time.Time
	nextSeq   uint64
	pending   map[uint64]client.Event
}

// New returns an idle session answering through c.
func New(c client.Client, opts ...Option) *Engine {
	e := &Engine{
		id:           uuid.NewString(),
		client:       c,
		builder:      contextsnap.None{},
		store:        history.NewMemoryStore(history.DefaultLimit),
		timeout:      DefaultTimeout,
		systemPrompt: DefaultSystemPrompt,
		historyTurns: DefaultHistoryTurns,
		logger:       log.Logger,
		now:          time.Now,
		subs:         map[int]chan Update{},
	}
	for _, o := range opts {
		o(e)
	}
	e.logger = e.logger.With().Str("component", "assistant").Str("session_id", e.id).Logger()
	e.lastActivity = e.now()
	return e
}

func (e *Engine) ID() string { return e.id }

// Ask starts answering query, cancelling any request still in flight. It returns once the
// context is built and the backend request is started; the answer arrives through
// Subscribe and Status. Errors of the request itself are reported through the session
// state, not returned here.
func (e *Engine) Ask(ctx context.Context, query string, hint contextsnap.Hint) (string, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	query = strings.TrimSpace(query)
	if query == "" {
		return "", ErrEmptyQuery
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return "", ErrClosed
	}
	e.abandonLocked("superseded by a new request")

	buildCtx, cancelBuild := context.WithCancel(ctx)
	fl := &inFlight{
		id:        uuid.NewString(),
		query:     query,
		cancel:    cancelBuild,
		startedAt: e.now(),
		nextSeq:   1,
		pending:   map[uint64]client.Event{},
	}
	e.active = fl
	e.state = StateProcessing
	e.text.Reset()
	e.lastErr = nil
	e.expanded = true
	e.query = query
	e.requestID = fl.id
	e.summary = contextsnap.Summary{}
	e.lastActivity = fl.startedAt
	e.publishLocked(nil, false)
	e.mu.Unlock()

	logger := e.logger.With().Str("request_id", fl.id).Logger()
	logger.Debug().Str("query", query).Msg("ask")

	hint.Query = query
	snap := e.builder.Build(buildCtx, hint)
	var prior []history.Exchange
	if e.historyTurns > 0 {
		all, err := e.store.History(buildCtx)
		if err != nil {
			logger.Warn().Err(err).Msg("loading history failed, asking without it")
		}
		prior = history.Last(all, e.historyTurns)
	}

	e.mu.Lock()
	replaced := e.active != fl
	e.mu.Unlock()
	if replaced {
		cancelBuild()
		logger.Debug().Msg("request replaced while building context")
		return fl.id, nil
	}

	// the request outlives the caller; it ends on Cancel, supersession, timeout or Close
	streamCtx, cancelStream := context.WithCancel(context.WithoutCancel(ctx))
	stream, err := e.client.Stream(streamCtx, client.Request{
		ID:           fl.id,
		Query:        query,
		Context:      snap,
		History:      prior,
		SystemPrompt: e.systemPrompt,
		Timeout:      e.timeout,
		Now:          e.now(),
	})

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active != fl {
		cancelBuild()
		cancelStream()
		if stream != nil {
			stream.Cancel()
		}
		logger.Debug().Msg("request replaced before it started")
		return fl.id, nil
	}
	fl.summary = snap.Summary()
	e.summary = fl.summary
	if err != nil {
		cancelBuild()
		cancelStream()
		e.failLocked(fl, classify(err))
		return fl.id, nil
	}
	fl.stream = stream
	fl.cancel = func() {
		cancelBuild()
		cancelStream()
	}
	e.wg.Add(1)
	go e.pump(fl, logger)
	return fl.id, nil
}

func (e *Engine) pump(fl *inFlight, logger zerolog.Logger) {
	defer e.wg.Done()
	defer fl.cancel()
	for {
		ev, ok := fl.stream.Next()
		if !ok {
			return
		}
		if !e.apply(fl, ev, logger) {
			return
		}
	}
}

// apply feeds one event of fl into the session. It returns false once fl is no longer
// the active request.
func (e *Engine) apply(fl *inFlight, ev client.Event, logger zerolog.Logger) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active != fl {
		logger.Debug().
			Str("kind", failure.SupersededRequest.String()).
			Str("event", ev.Kind.String()).
			Uint64("seq", ev.Seq).
			Msg("dropping event of inactive request")
		return false
	}

	if ev.Kind.Terminal() {
		// nothing follows a terminal; apply whatever is still waiting for a gap
		e.flushPendingLocked(fl)
		e.terminateLocked(fl, ev, logger)
		return false
	}

	if ev.Seq == 0 {
		ev.Seq = fl.nextSeq
	}
	if ev.Seq < fl.nextSeq {
		logger.Debug().Uint64("seq", ev.Seq).Msg("dropping duplicate chunk")
		return true
	}
	fl.pending[ev.Seq] = ev
	for {
		next, ok := fl.pending[fl.nextSeq]
		if !ok {
			break
		}
		delete(fl.pending, fl.nextSeq)
		fl.nextSeq++
		e.appendChunkLocked(next.Text)
	}
	return true
}

func (e *Engine) flushPendingLocked(fl *inFlight) {
	if len(fl.pending) == 0 {
		return
	}
	seqs := make([]uint64, 0, len(fl.pending))
	for s := range fl.pending {
		seqs = append(seqs, s)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	for _, s := range seqs {
		e.appendChunkLocked(fl.pending[s].Text)
	}
	fl.pending = map[uint64]client.Event{}
}

func (e *Engine) appendChunkLocked(text string) {
	if e.state == StateProcessing {
		e.state = StateStreaming
	}
	e.text.WriteString(text)
	e.lastActivity = e.now()
	e.publishLocked(nil, false)
}

func (e *Engine) terminateLocked(fl *inFlight, ev client.Event, logger zerolog.Logger) {
	switch ev.Kind {
	case client.EventDone:
		now := e.now()
		ex := history.Exchange{
			ID:        fl.id,
			Query:     fl.query,
			Answer:    e.text.String(),
			Context:   fl.summary,
			CreatedAt: now,
			Duration:  now.Sub(fl.startedAt),
		}
		e.active = nil
		e.state = StateIdle
		e.lastActivity = now
		if err := e.store.Append(context.Background(), ex); err != nil {
			logger.Error().Err(err).Msg("recording exchange failed")
		}
		logger.Debug().Dur("duration", ex.Duration).Int("answer_len", len(ex.Answer)).Msg("request done")
		e.publishLocked(&ex, false)
	case client.EventCancelled:
		e.cancelledLocked()
	default:
		err := ev.Err
		if err == nil {
			err = failure.New(failure.TransportFailure, "request failed")
		}
		switch failure.KindOf(err) {
		case failure.Cancelled:
			e.cancelledLocked()
			return
		case failure.TransportFailure, failure.BackendError:
		default:
			err = failure.Wrap(failure.TransportFailure, err, failure.Message(err))
		}
		e.failLocked(fl, err)
		logger.Warn().Err(err).Str("kind", failure.KindOf(err).String()).Msg("request failed")
	}
}

func (e *Engine) failLocked(fl *inFlight, err error) {
	if e.active == fl {
		e.active = nil
	}
	e.state = StateErrored
	e.lastErr = err
	e.lastActivity = e.now()
	e.publishLocked(nil, false)
}

func (e *Engine) cancelledLocked() {
	e.active = nil
	e.state = StateCancelled
	e.publishLocked(nil, false)
	e.text.Reset()
	e.state = StateIdle
	e.lastActivity = e.now()
	e.publishLocked(nil, false)
}

// abandonLocked cancels the active request without touching the visible state.
func (e *Engine) abandonLocked(reason string) *inFlight {
	fl := e.active
	if fl == nil {
		return nil
	}
	e.active = nil
	fl.cancel()
	if fl.stream != nil {
		fl.stream.Cancel()
	}
	e.logger.Debug().Str("request_id", fl.id).Str("reason", reason).Msg("abandoning request")
	return fl
}

// Cancel stops the request in flight, discarding its partial answer. It never waits for
// the backend and reports whether there was anything to cancel.
func (e *Engine) Cancel() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.abandonLocked("cancelled") == nil {
		return false
	}
	e.cancelledLocked()
	return true
}

// Collapse hides the response area. It is ignored while a request waits for its first
// chunk and reports whether it applied.
func (e *Engine) Collapse() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == StateProcessing {
		return false
	}
	if e.expanded {
		e.expanded = false
		e.publishLocked(nil, false)
	}
	return true
}

// ToggleExpanded flips the expanded flag, except that it never collapses a session that
// is waiting for its first chunk. It returns the new value.
func (e *Engine) ToggleExpanded() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.expanded && e.state == StateProcessing {
		return true
	}
	e.expanded = !e.expanded
	e.publishLocked(nil, false)
	return e.expanded
}

// DismissError clears the error of an errored session and returns it to idle. The
// partial answer stays visible.
func (e *Engine) DismissError() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateErrored {
		return false
	}
	e.lastErr = nil
	e.state = StateIdle
	e.publishLocked(nil, false)
	return true
}

// ClearHistory forgets all exchanges and the visible answer. It is rejected with ErrBusy
// while a request is in flight.
func (e *Engine) ClearHistory(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active != nil {
		return ErrBusy
	}
	if err := e.store.Clear(ctx); err != nil {
		return errors.Wrap(err, "clear history")
	}
	e.text.Reset()
	e.lastErr = nil
	e.query = ""
	e.summary = contextsnap.Summary{}
	e.state = StateIdle
	e.expanded = false
	e.lastActivity = e.now()
	e.publishLocked(nil, true)
	return nil
}

// Status returns the current state without history.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.statusLocked()
}

// Snapshot returns the current state including the full history.
func (e *Engine) Snapshot(ctx context.Context) (Status, error) {
	st := e.Status()
	h, err := e.History(ctx)
	if err != nil {
		return st, err
	}
	st.History = h
	return st, nil
}

func (e *Engine) History(ctx context.Context) ([]history.Exchange, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	h, err := e.store.History(ctx)
	return h, errors.Wrap(err, "load history")
}

// LastError returns the error of the last failed request, if it is still shown.
func (e *Engine) LastError() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastErr
}

// Busy reports whether a request is in flight.
func (e *Engine) Busy() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active != nil
}

func (e *Engine) LastActivity() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastActivity
}

func (e *Engine) statusLocked() Status {
	st := Status{
		SessionID:    e.id,
		Version:      e.version,
		State:        e.state,
		RequestID:    e.requestID,
		Query:        e.query,
		ResponseText: e.text.String(),
		Expanded:     e.expanded,
		Context:      e.summary,
	}
	if e.lastErr != nil {
		st.LastError = failure.Message(e.lastErr)
		st.ErrorKind = failure.KindOf(e.lastErr).String()
	}
	return st
}

// Subscribe returns a channel of updates and a function to stop them. Delivery never
// blocks the session: a subscriber that falls behind only sees the latest updates.
func (e *Engine) Subscribe(buffer int) (<-chan Update, func()) {
	if buffer < 1 {
		buffer = 16
	}
	ch := make(chan Update, buffer)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		close(ch)
		return ch, func() {}
	}
	id := e.nextSub
	e.nextSub++
	e.subs[id] = ch
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			e.mu.Lock()
			defer e.mu.Unlock()
			if c, ok := e.subs[id]; ok {
				delete(e.subs, id)
				close(c)
			}
		})
	}
}

func (e *Engine) publishLocked(appended *history.Exchange, cleared bool) {
	e.version++
	u := Update{Status: e.statusLocked(), Appended: appended, HistoryCleared: cleared}
	for _, ch := range e.subs {
		select {
		case ch <- u:
			continue
		default:
		}
		// drop the oldest update to make room
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- u:
		default:
		}
	}
}

// Wait blocks until the request identified by requestID is no longer in flight and returns
// the resulting status.
func (e *Engine) Wait(ctx context.Context, requestID string) (Status, error) {
	updates, unsubscribe := e.Subscribe(16)
	defer unsubscribe()
	for {
		st := e.Status()
		if st.RequestID != requestID || !st.State.Active() {
			return st, nil
		}
		select {
		case <-ctx.Done():
			return st, ctx.Err()
		case _, ok := <-updates:
			if !ok {
				return e.Status(), ErrClosed
			}
		}
	}
}

// Close cancels the request in flight, ends all subscriptions and waits for the request
// goroutine to exit.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	if e.abandonLocked("session closed") != nil {
		e.cancelledLocked()
	}
	for id, ch := range e.subs {
		delete(e.subs, id)
		close(ch)
	}
	e.mu.Unlock()
	e.wg.Wait()
}

func classify(err error) error {
	if failure.KindOf(err) != failure.Unknown {
		return err
	}
	return failure.Wrap(failure.TransportFailure, err, "starting request failed")
}
