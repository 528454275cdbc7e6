package scripted

import (
	"context"
	"sync"
	"time"

	"github.com/go-go-golems/sidekick/pkg/client"
	"github.com/pkg/errors"
)

// Manual is a client whose streams are driven step by step through Handles.
type Manual struct {
	mu      sync.Mutex
	handles []*Handle
	calls   chan *Handle
	// StartErr, when set, is returned by Stream instead of starting a request.
	StartErr error
}

var _ client.Client = &Manual{}

func NewManual() *Manual {
	return &Manual{calls: make(chan *Handle, 64)}
}

// Handle controls one request started through a Manual client.
type Handle struct {
	Request client.Request
	ops     chan op
	exited  chan struct{}
}

type op struct {
	seq  uint64
	text string
	end  bool
	err  error
}

func (m *Manual) Stream(ctx context.Context, req client.Request) (*client.Stream, error) {
	if m.StartErr != nil {
		return nil, m.StartErr
	}
	h := &Handle{Request: req, ops: make(chan op), exited: make(chan struct{})}
	s := client.Start(ctx, req.Timeout, func(ctx context.Context, emit *client.Emitter) error {
		defer close(h.exited)
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case o := <-h.ops:
				if o.end {
					return o.err
				}
				var err error
				if o.seq > 0 {
					err = emit.ChunkSeq(o.seq, o.text)
				} else {
					err = emit.Chunk(o.text)
				}
				if err != nil {
					return err
				}
			}
		}
	})
	m.mu.Lock()
	m.handles = append(m.handles, h)
	m.mu.Unlock()
	m.calls <- h
	return s, nil
}

// Await returns the next started request.
func (m *Manual) Await(timeout time.Duration) (*Handle, error) {
	select {
	case h := <-m.calls:
		return h, nil
	case <-time.After(timeout):
		return nil, errors.New("no request started")
	}
}

// Handles returns all requests started so far.
func (m *Manual) Handles() []*Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*Handle(nil), m.handles...)
}

func (h *Handle) send(o op) bool {
	select {
	case h.ops <- o:
		return true
	case <-h.exited:
		return false
	}
}

// Chunk emits text. It returns false if the request is already over.
func (h *Handle) Chunk(text string) bool { return h.send(op{text: text}) }

// ChunkSeq emits text with an explicit sequence number.
func (h *Handle) ChunkSeq(seq uint64, text string) bool {
	return h.send(op{seq: seq, text: text})
}

func (h *Handle) Done() bool { return h.send(op{end: true}) }

func (h *Handle) Fail(err error) bool { return h.send(op{end: true, err: err}) }

// Exited is closed once the producer of the request has returned.
func (h *Handle) Exited() <-chan struct{} { return h.exited }
