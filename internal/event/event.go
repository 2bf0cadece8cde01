// Package event defines the immutable event record and the index subrecord
// derived from its payload at publish time. Events are shared by pointer
// between topic buffers, the read cache, the fan-out channel and RPC result
// encoders; nothing mutates them after construction.
package event

import (
	"math"
	"strconv"

	"github.com/vmihailenco/msgpack/v5"

	"msgplane/internal/value"
)

// Index is the canonical subrecord extracted from a payload. Missing string
// fields stay nil, missing numerics fall back to 0 or the event timestamp.
// All filtering and dedupe runs against these fields.
type Index struct {
	PluginID  *string `msgpack:"plugin_id" json:"plugin_id"`
	Source    *string `msgpack:"source" json:"source"`
	Priority  int64   `msgpack:"priority" json:"priority"`
	Kind      *string `msgpack:"kind" json:"kind"`
	Type      *string `msgpack:"type" json:"type"`
	Timestamp float64 `msgpack:"timestamp" json:"timestamp"`
	ID        *string `msgpack:"id" json:"id"`
}

// Event is one publication. PayloadRaw and IndexRaw hold the msgpack
// encodings computed once at construction so response encoders can splice
// them without re-encoding.
type Event struct {
	Seq        uint64
	TS         float64
	Store      string
	Topic      string
	Payload    any
	Index      Index
	PayloadRaw msgpack.RawMessage
	IndexRaw   msgpack.RawMessage
}

var nilRaw = msgpack.RawMessage{0xc0}

// New builds an event, deriving the index and freezing both encodings.
// Encoding failures substitute msgpack nil, never an error.
func New(seq uint64, ts float64, store, topic string, payload any) *Event {
	ev := &Event{
		Seq:     seq,
		TS:      ts,
		Store:   store,
		Topic:   topic,
		Payload: payload,
		Index:   ExtractIndex(payload, ts),
	}
	if raw, err := msgpack.Marshal(payload); err == nil {
		ev.PayloadRaw = raw
	} else {
		ev.PayloadRaw = nilRaw
	}
	if raw, err := msgpack.Marshal(&ev.Index); err == nil {
		ev.IndexRaw = raw
	} else {
		ev.IndexRaw = nilRaw
	}
	return ev
}

// ExtractIndex derives the index subrecord from a payload. It is pure: the
// same payload and default timestamp always produce the same index.
func ExtractIndex(payload any, defaultTS float64) Index {
	idx := Index{Timestamp: defaultTS}
	obj, ok := value.Map(payload)
	if !ok {
		return idx
	}

	idx.PluginID = nonEmptyString(obj["plugin_id"])
	idx.Source = nonEmptyString(obj["source"])
	idx.Kind = nonEmptyString(obj["kind"])

	idx.Type = nonEmptyString(obj["type"])
	if idx.Type == nil {
		idx.Type = nonEmptyString(obj["message_type"])
	}

	if raw, present := obj["priority"]; present {
		if n, ok := integralInt64(raw); ok {
			idx.Priority = n
		} else if s, ok := value.Str(raw); ok {
			if n, err := strconv.ParseInt(s, 10, 64); err == nil {
				idx.Priority = n
			}
		}
	}

	tsRaw, present := obj["timestamp"]
	if !present {
		tsRaw, present = obj["time"]
	}
	if present {
		if f, ok := value.Float64(tsRaw); ok {
			idx.Timestamp = f
		} else if s, ok := value.Str(tsRaw); ok {
			if f, err := strconv.ParseFloat(s, 64); err == nil {
				idx.Timestamp = f
			}
		}
	}

	for _, key := range []string{"message_id", "event_id", "lifecycle_id", "id", "task_id", "run_id"} {
		if id := nonEmptyString(obj[key]); id != nil {
			idx.ID = id
			break
		}
	}
	return idx
}

// integralInt64 coerces numeric values that carry a whole number. Fractional
// floats are not a priority, same as any other unparseable value.
func integralInt64(v any) (int64, bool) {
	switch f := v.(type) {
	case float32:
		if float64(f) != math.Trunc(float64(f)) {
			return 0, false
		}
	case float64:
		if f != math.Trunc(f) {
			return 0, false
		}
	}
	return value.Int64(v)
}

func nonEmptyString(v any) *string {
	s, ok := value.Str(v)
	if !ok || s == "" {
		return nil
	}
	return &s
}

// FieldValue resolves a field name against the index, then the payload, then
// the event header. Unknown fields yield nil.
func (e *Event) FieldValue(name string) any {
	switch name {
	case "plugin_id":
		return strOrNil(e.Index.PluginID)
	case "source":
		return strOrNil(e.Index.Source)
	case "priority":
		return e.Index.Priority
	case "kind":
		return strOrNil(e.Index.Kind)
	case "type":
		return strOrNil(e.Index.Type)
	case "timestamp":
		return e.Index.Timestamp
	case "id":
		return strOrNil(e.Index.ID)
	}
	if obj, ok := value.Map(e.Payload); ok {
		if v, present := obj[name]; present {
			return v
		}
	}
	switch name {
	case "seq":
		return e.Seq
	case "ts":
		return e.TS
	case "store":
		return e.Store
	case "topic":
		return e.Topic
	}
	return nil
}

func strOrNil(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

// DedupeKey identifies an event for set-algebra composition: the index id
// when it is a non-empty string, the sequence number otherwise. The tag
// keeps the two namespaces from colliding.
func (e *Event) DedupeKey() (tag, key string) {
	if e.Index.ID != nil && *e.Index.ID != "" {
		return "id", *e.Index.ID
	}
	return "seq", strconv.FormatUint(e.Seq, 10)
}

// View renders the wire form of the event. With light set the payload is
// omitted; seq, ts, store, topic and index are always present.
func (e *Event) View(light bool) map[string]any {
	m := map[string]any{
		"seq":   e.Seq,
		"ts":    e.TS,
		"store": e.Store,
		"topic": e.Topic,
		"index": e.IndexRaw,
	}
	if !light {
		m["payload"] = e.PayloadRaw
	}
	return m
}

// Views renders a batch of events.
func Views(events []*Event, light bool) []any {
	out := make([]any, len(events))
	for i, ev := range events {
		out[i] = ev.View(light)
	}
	return out
}
