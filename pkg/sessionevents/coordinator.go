package sessionevents

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/rs/zerolog/log"
)

type Cursor struct {
	StreamID string
	Seq      uint64
}

// FrameHandler receives decoded updates in topic order together with the
// frame to send downstream.
type FrameHandler func(env Envelope, cur Cursor, frame []byte)

// Coordinator consumes one session topic, assigns monotonic cursors and
// drops updates older than the last one seen.
type Coordinator struct {
	sessionID  string
	subscriber message.Subscriber
	owned      bool
	onFrame    FrameHandler

	seq         atomic.Uint64
	lastVersion uint64

	mu      sync.Mutex
	cancel  context.CancelFunc
	running bool
	done    chan struct{}
}

// NewCoordinator returns a stopped coordinator. When owned is set Close also
// closes the subscriber.
func NewCoordinator(sessionID string, subscriber message.Subscriber, owned bool, onFrame FrameHandler) *Coordinator {
	return &Coordinator{
		sessionID:  sessionID,
		subscriber: subscriber,
		owned:      owned,
		onFrame:    onFrame,
	}
}

func (sc *Coordinator) Start(ctx context.Context) error {
	if sc == nil || sc.subscriber == nil {
		return nil
	}
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.running {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	// the subscription ends with runCtx, so Stop also unsubscribes
	runCtx, cancel := context.WithCancel(ctx)
	ch, err := sc.subscriber.Subscribe(runCtx, Topic(sc.sessionID))
	if err != nil {
		cancel()
		return err
	}
	sc.cancel = cancel
	sc.running = true
	sc.done = make(chan struct{})
	go sc.consume(runCtx, ch, sc.done)
	return nil
}

func (sc *Coordinator) Stop() {
	if sc == nil {
		return
	}
	sc.mu.Lock()
	if sc.cancel != nil {
		sc.cancel()
	}
	sc.cancel = nil
	sc.running = false
	sc.mu.Unlock()
}

func (sc *Coordinator) Close() {
	if sc == nil {
		return
	}
	sc.Stop()
	if sc.owned && sc.subscriber != nil {
		if err := sc.subscriber.Close(); err != nil {
			log.Warn().Err(err).Str("component", "sessionevents").Str("session_id", sc.sessionID).Msg("coordinator: subscriber close failed")
		}
	}
}

func (sc *Coordinator) IsRunning() bool {
	if sc == nil {
		return false
	}
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.running
}

// Done is closed when the consume loop of the last Start exits.
func (sc *Coordinator) Done() <-chan struct{} {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.done
}

func (sc *Coordinator) consume(ctx context.Context, ch <-chan *message.Message, done chan struct{}) {
	defer close(done)
	logger := log.With().Str("component", "sessionevents").Str("session_id", sc.sessionID).Logger()
	logger.Debug().Msg("coordinator: started")
	for {
		var msg *message.Message
		var ok bool
		select {
		case <-ctx.Done():
			ok = false
		case msg, ok = <-ch:
		}
		if !ok {
			break
		}
		env, err := DecodeEnvelope(msg.Payload)
		if err != nil {
			logger.Warn().Err(err).Msg("coordinator: dropping undecodable update")
			msg.Ack()
			continue
		}
		if v := env.Update.Status.Version; v != 0 && v <= sc.lastVersion {
			msg.Ack()
			continue
		} else if v != 0 {
			sc.lastVersion = v
		}

		cur := Cursor{StreamID: extractStreamID(msg)}
		cur.Seq = sc.nextSeq(cur.StreamID)
		env.Seq, env.StreamID = cur.Seq, cur.StreamID
		if sc.onFrame != nil {
			frame, err := json.Marshal(env)
			if err == nil {
				sc.onFrame(env, cur, frame)
			}
		}
		msg.Ack()
	}
	logger.Debug().Msg("coordinator: stopped")
	sc.mu.Lock()
	if sc.done == done {
		sc.running = false
		sc.cancel = nil
	}
	sc.mu.Unlock()
}

func (sc *Coordinator) nextSeq(streamID string) uint64 {
	if streamID != "" {
		if derived, ok := deriveSeqFromStreamID(streamID); ok {
			for {
				current := sc.seq.Load()
				next := derived
				if next <= current {
					next = current + 1
				}
				if sc.seq.CompareAndSwap(current, next) {
					return next
				}
			}
		}
	}
	for {
		current := sc.seq.Load()
		next := uint64(time.Now().UnixMilli()) * 1_000_000
		if next <= current {
			next = current + 1
		}
		if sc.seq.CompareAndSwap(current, next) {
			return next
		}
	}
}

func extractStreamID(msg *message.Message) string {
	if msg == nil || msg.Metadata == nil {
		return ""
	}
	for _, k := range []string{"xid", "redis_xid"} {
		if v := msg.Metadata.Get(k); v != "" {
			return v
		}
	}
	return ""
}

// deriveSeqFromStreamID turns a Redis stream id "<ms>-<n>" into ms*1e6+n.
func deriveSeqFromStreamID(streamID string) (uint64, bool) {
	ms, n, ok := strings.Cut(streamID, "-")
	if !ok {
		return 0, false
	}
	msv, err := strconv.ParseUint(ms, 10, 64)
	if err != nil {
		return 0, false
	}
	nv, err := strconv.ParseUint(n, 10, 64)
	if err != nil {
		return 0, false
	}
	return msv*1_000_000 + nv, true
}
