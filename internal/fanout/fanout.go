// Package fanout broadcasts published events to subscribers. Frames are
// topic-addressed: [<store>.<topic>, body] where body is the msgpack map of
// the full event view. Delivery is best-effort pub/sub; an optional NATS
// mirror republishes every frame to msgplane.<store>.<topic>.
package fanout

import (
	"context"

	"github.com/go-zeromq/zmq4"
	"github.com/nats-io/nats.go"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"

	"msgplane/internal/event"
	"msgplane/internal/metrics"
)

// Message is one topic-addressed frame pair.
type Message struct {
	Topic []byte
	Body  []byte
}

const queueSize = 4096

// Broadcaster owns the PUB socket. Producers enqueue without blocking; a
// full queue drops the frame and counts it, never stalling a publisher.
type Broadcaster struct {
	enabled bool
	queue   chan Message
	pub     zmq4.Socket
	nc      *nats.Conn
	log     *zap.Logger
	reg     *metrics.Registry

	done chan struct{}
}

// New creates a broadcaster. pub and nc may be nil (socketless operation is
// used by tests); with enabled false the broadcaster is a discarding sink.
func New(enabled bool, pub zmq4.Socket, nc *nats.Conn, log *zap.Logger, reg *metrics.Registry) *Broadcaster {
	return &Broadcaster{
		enabled: enabled,
		queue:   make(chan Message, queueSize),
		pub:     pub,
		nc:      nc,
		log:     log,
		reg:     reg,
		done:    make(chan struct{}),
	}
}

// EnqueueEvent encodes ev as a pub frame and queues it. Exactly one frame
// is produced per call while publishing is enabled, zero otherwise.
func (b *Broadcaster) EnqueueEvent(ev *event.Event) {
	if !b.enabled {
		return
	}
	body, err := msgpack.Marshal(map[string]any{
		"seq":     ev.Seq,
		"ts":      ev.TS,
		"store":   ev.Store,
		"topic":   ev.Topic,
		"payload": ev.PayloadRaw,
		"index":   ev.IndexRaw,
	})
	if err != nil {
		b.log.Debug("fanout encode failed", zap.Error(err))
		return
	}
	b.Enqueue(Message{Topic: []byte(ev.Store + "." + ev.Topic), Body: body})
}

// Enqueue queues a prebuilt frame, dropping on back pressure.
func (b *Broadcaster) Enqueue(m Message) {
	if !b.enabled {
		return
	}
	select {
	case b.queue <- m:
	default:
		if b.reg != nil {
			b.reg.FanoutDropped.Inc()
		}
	}
}

// Pending returns the number of queued frames (test hook).
func (b *Broadcaster) Pending() int { return len(b.queue) }

// Run drains the queue onto the PUB socket until ctx is cancelled.
func (b *Broadcaster) Run(ctx context.Context) {
	defer close(b.done)
	for {
		select {
		case <-ctx.Done():
			return
		case m := <-b.queue:
			b.send(m)
		}
	}
}

func (b *Broadcaster) send(m Message) {
	if b.pub != nil {
		if err := b.pub.Send(zmq4.NewMsgFrom(m.Topic, m.Body)); err != nil {
			b.log.Debug("pub send failed", zap.Error(err))
			return
		}
		if b.reg != nil {
			b.reg.FanoutPublished.Inc()
		}
	}
	if b.nc != nil {
		subject := "msgplane." + string(m.Topic)
		if err := b.nc.Publish(subject, m.Body); err != nil {
			if b.reg != nil {
				b.reg.NATSErrors.Inc()
			}
			b.log.Debug("nats mirror failed", zap.String("subject", subject), zap.Error(err))
			return
		}
		if b.reg != nil {
			b.reg.NATSMirrored.Inc()
		}
	}
}

// Wait blocks until Run has returned.
func (b *Broadcaster) Wait() { <-b.done }
