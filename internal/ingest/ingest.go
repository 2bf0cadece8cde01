// Package ingest applies one-way state pushes from a PULL socket. Unlike the
// RPC path nothing is ever answered: malformed envelopes and oversized items
// are dropped with a debug log and a counter bump.
package ingest

import (
	"context"
	"encoding/json"

	"github.com/go-zeromq/zmq4"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"

	"msgplane/internal/config"
	"msgplane/internal/event"
	"msgplane/internal/fanout"
	"msgplane/internal/metrics"
	"msgplane/internal/store"
	"msgplane/internal/value"
)

// Receiver decodes ingest envelopes and applies them to the stores.
type Receiver struct {
	cfg   *config.Config
	state *store.State
	bcast *fanout.Broadcaster
	log   *zap.Logger
	reg   *metrics.Registry
}

// New wires a receiver. reg may be nil.
func New(cfg *config.Config, state *store.State, bcast *fanout.Broadcaster, log *zap.Logger, reg *metrics.Registry) *Receiver {
	return &Receiver{cfg: cfg, state: state, bcast: bcast, log: log, reg: reg}
}

// Run reads frames from the PULL socket until ctx is cancelled. Closing the
// socket unblocks the pending Recv.
func (r *Receiver) Run(ctx context.Context, pull zmq4.Socket) {
	for {
		msg, err := pull.Recv()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			r.log.Debug("ingest recv failed", zap.Error(err))
			continue
		}
		for _, frame := range msg.Frames {
			r.Apply(frame)
		}
	}
}

// Apply decodes one envelope body and dispatches on its kind. Requests arrive
// as msgpack or JSON, same as the RPC path.
func (r *Receiver) Apply(body []byte) {
	var env map[string]any
	var decoded any
	if err := msgpack.Unmarshal(body, &decoded); err == nil {
		env, _ = value.Map(decoded)
	}
	if env == nil {
		var j any
		if err := json.Unmarshal(body, &j); err == nil {
			env, _ = value.Map(j)
		}
	}
	if env == nil {
		r.drop("undecodable ingest envelope")
		return
	}

	kind, _ := value.Str(env["kind"])
	switch kind {
	case "snapshot":
		r.applySnapshot(env)
	case "delta_batch":
		r.applyDeltaBatch(env)
	default:
		r.drop("unknown ingest kind", zap.String("kind", kind))
	}
}

// applySnapshot replaces (or appends to) one topic wholesale. The topic
// defaults to snapshot.all so bare snapshots land somewhere queryable.
func (r *Receiver) applySnapshot(env map[string]any) {
	storeName, _ := value.Str(env["store"])
	if storeName == "" {
		storeName, _ = value.Str(env["bus"])
	}
	if storeName == "" {
		storeName = store.StoreMessages
	}
	topic, _ := value.Str(env["topic"])
	if topic == "" {
		topic = "snapshot.all"
	}
	mode, _ := value.Str(env["mode"])
	if mode != "append" {
		mode = "replace"
	}
	items, _ := value.Slice(env["items"])

	st, ok := r.state.Store(storeName)
	if !ok {
		r.drop("snapshot for unknown store", zap.String("store", storeName))
		return
	}
	if len(topic) > r.cfg.TopicNameMaxLen {
		r.drop("snapshot topic too long", zap.String("topic", topic))
		return
	}
	if st.AtTopicCap(topic) {
		r.drop("snapshot would exceed topic cap", zap.String("store", storeName), zap.String("topic", topic))
		return
	}

	kept := make([]any, 0, len(items))
	for _, item := range items {
		// snapshots carry structured records only; scalars are dropped,
		// not wrapped like delta payloads
		if _, isMap := value.Map(item); !isMap {
			r.drop("non-map snapshot item")
			continue
		}
		payload := r.admit(item)
		if payload == nil {
			continue
		}
		kept = append(kept, payload)
	}

	var events []*event.Event
	if mode == "replace" {
		events = st.ReplaceTopic(topic, kept)
	} else {
		for _, payload := range kept {
			events = append(events, st.Publish(topic, payload))
		}
	}
	for _, ev := range events {
		r.bcast.EnqueueEvent(ev)
		if r.reg != nil {
			r.reg.IngestAccepted.Inc()
		}
	}
	r.log.Debug("snapshot applied",
		zap.String("store", storeName),
		zap.String("topic", topic),
		zap.String("mode", mode),
		zap.Int("items", len(events)))
}

// applyDeltaBatch publishes each item to its own store/topic pair.
func (r *Receiver) applyDeltaBatch(env map[string]any) {
	items, _ := value.Slice(env["items"])
	applied := 0
	for _, raw := range items {
		item, ok := value.Map(raw)
		if !ok {
			r.drop("non-map delta item")
			continue
		}
		storeName, _ := value.Str(item["store"])
		if storeName == "" {
			storeName, _ = value.Str(item["bus"])
		}
		if storeName == "" {
			storeName = store.StoreMessages
		}
		topic, _ := value.Str(item["topic"])
		if topic == "" {
			topic = "all"
		}

		st, ok := r.state.Store(storeName)
		if !ok {
			r.drop("delta item for unknown store", zap.String("store", storeName))
			continue
		}
		if len(topic) > r.cfg.TopicNameMaxLen {
			r.drop("delta topic too long", zap.String("topic", topic))
			continue
		}
		if st.AtTopicCap(topic) {
			r.drop("delta would exceed topic cap", zap.String("store", storeName), zap.String("topic", topic))
			continue
		}

		payload := r.admit(item["payload"])
		if payload == nil {
			continue
		}

		ev := st.Publish(topic, payload)
		r.bcast.EnqueueEvent(ev)
		if r.reg != nil {
			r.reg.IngestAccepted.Inc()
		}
		applied++
	}
	if applied > 0 {
		r.log.Debug("delta batch applied", zap.Int("items", applied))
	}
}

// admit normalizes and size-checks one payload. Non-map payloads, null
// included, are wrapped so every stored payload is a map. A nil return means
// the item was dropped.
func (r *Receiver) admit(payload any) any {
	if _, isMap := value.Map(payload); !isMap {
		payload = map[string]any{"value": payload}
	}
	if r.cfg.ValidatePayloadBytes {
		encoded, err := msgpack.Marshal(payload)
		if err != nil {
			r.drop("ingest payload not serializable", zap.Error(err))
			return nil
		}
		if len(encoded) > r.cfg.PayloadMaxBytes {
			r.drop("ingest payload too large", zap.Int("bytes", len(encoded)))
			return nil
		}
	}
	return payload
}

func (r *Receiver) drop(msg string, fields ...zap.Field) {
	if r.reg != nil {
		r.reg.IngestDropped.Inc()
	}
	r.log.Debug(msg, fields...)
}
