package client

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-go-golems/sidekick/pkg/failure"
	"github.com/pkg/errors"
)

// Stream is the consumer side of a streaming request. Next must be called from a single
// goroutine; Cancel may be called from any goroutine.
type Stream struct {
	events    chan Event
	done      chan struct{}
	cancelCtx context.CancelFunc
	once      sync.Once
	cancelled atomic.Bool

	finished bool
	lastSeq  uint64
}

// Next returns the next event. After the terminal event it returns false.
// Once Cancel has returned, Next never yields another chunk: it yields a single
// EventCancelled instead.
func (s *Stream) Next() (Event, bool) {
	if s.finished {
		return Event{}, false
	}
	if s.cancelled.Load() {
		return s.finishCancelled(), true
	}
	select {
	case <-s.done:
		return s.finishCancelled(), true
	case ev, ok := <-s.events:
		if s.cancelled.Load() {
			return s.finishCancelled(), true
		}
		if !ok {
			s.finished = true
			return Event{
				Seq:  s.lastSeq + 1,
				Kind: EventError,
				Err:  failure.New(failure.TransportFailure, "stream ended without a terminal event"),
			}, true
		}
		if ev.Seq > s.lastSeq {
			s.lastSeq = ev.Seq
		}
		if ev.Kind.Terminal() {
			s.finished = true
		}
		return ev, true
	}
}

func (s *Stream) finishCancelled() Event {
	s.finished = true
	return Event{Seq: s.lastSeq + 1, Kind: EventCancelled, Err: failure.New(failure.Cancelled, "request cancelled")}
}

// Cancel stops the request. It is idempotent and never waits for the transport.
func (s *Stream) Cancel() {
	s.once.Do(func() {
		s.cancelled.Store(true)
		close(s.done)
		if s.cancelCtx != nil {
			s.cancelCtx()
		}
	})
}

func (s *Stream) Cancelled() bool { return s.cancelled.Load() }

// Producer writes the chunks of one request. Returning nil completes the stream with
// EventDone; returning an error completes it with EventError. Producers never emit
// terminal events themselves.
type Producer func(ctx context.Context, emit *Emitter) error

// Emitter hands chunks from a producer to its stream.
type Emitter struct {
	s      *Stream
	ctx    context.Context
	seq    uint64
	maxSeq uint64
}

// Chunk emits text with the next sequence number.
func (e *Emitter) Chunk(text string) error {
	e.seq++
	return e.ChunkSeq(e.seq, text)
}

// ChunkSeq emits text with a sequence number assigned by the transport. Transports that
// may reorder chunks use it so the consumer can restore the original order.
func (e *Emitter) ChunkSeq(seq uint64, text string) error {
	if seq == 0 {
		return errors.New("chunk sequence numbers start at 1")
	}
	if seq > e.maxSeq {
		e.maxSeq = seq
	}
	if seq > e.seq {
		e.seq = seq
	}
	return e.send(Event{Seq: seq, Kind: EventChunk, Text: text})
}

func (e *Emitter) send(ev Event) error {
	select {
	case <-e.s.done:
		return context.Canceled
	case <-e.ctx.Done():
		return e.ctx.Err()
	case e.s.events <- ev:
		return nil
	}
}

// terminate delivers the terminal event even when the request context has expired.
func (e *Emitter) terminate(kind EventKind, err error) {
	ev := Event{Seq: e.maxSeq + 1, Kind: kind, Err: err}
	select {
	case <-e.s.done:
	case e.s.events <- ev:
	}
}

const streamBuffer = 64

// Start runs produce in its own goroutine and returns the stream it feeds. timeout bounds
// the whole request; a zero timeout means no bound besides ctx.
func Start(ctx context.Context, timeout time.Duration, produce Producer) *Stream {
	if ctx == nil {
		ctx = context.Background()
	}
	var (
		reqCtx context.Context
		cancel context.CancelFunc
	)
	if timeout > 0 {
		reqCtx, cancel = context.WithTimeout(ctx, timeout)
	} else {
		reqCtx, cancel = context.WithCancel(ctx)
	}
	s := &Stream{
		events:    make(chan Event, streamBuffer),
		done:      make(chan struct{}),
		cancelCtx: cancel,
	}
	em := &Emitter{s: s, ctx: reqCtx}

	go func() {
		defer cancel()
		err := produce(reqCtx, em)
		if s.cancelled.Load() {
			return
		}
		switch {
		case err == nil:
			em.terminate(EventDone, nil)
		case errors.Is(reqCtx.Err(), context.DeadlineExceeded):
			em.terminate(EventError, timeoutFailure(timeout))
		case ctx.Err() != nil:
			em.terminate(EventCancelled, failure.Wrap(failure.Cancelled, ctx.Err(), "request cancelled"))
		default:
			em.terminate(EventError, classify(err))
		}
	}()
	return s
}

func timeoutFailure(timeout time.Duration) error {
	if timeout <= 0 {
		return failure.New(failure.TransportFailure, "request timed out")
	}
	return failure.Newf(failure.TransportFailure, "request timed out after %s", timeout)
}

// classify treats unclassified producer errors as transport failures.
func classify(err error) error {
	if failure.KindOf(err) != failure.Unknown {
		return err
	}
	return failure.Wrap(failure.TransportFailure, err, "stream failed")
}

// Collect drains a stream and returns the accumulated text. It returns the error of an
// EventError terminal and a failure.Cancelled error when the stream was cancelled.
func Collect(s *Stream, onChunk func(string)) (string, error) {
	var sb strings.Builder
	for {
		ev, ok := s.Next()
		if !ok {
			return sb.String(), nil
		}
		switch ev.Kind {
		case EventChunk:
			sb.WriteString(ev.Text)
			if onChunk != nil {
				onChunk(ev.Text)
			}
		case EventDone:
			return sb.String(), nil
		case EventError, EventCancelled:
			return sb.String(), ev.Err
		}
	}
}
