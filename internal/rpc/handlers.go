// Package rpc validates and executes framed requests against the event
// store. The request envelope carries {v, req_id, op, args}; responses
// mirror it with {v, req_id, ok, result?, error?}.
package rpc

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"

	"msgplane/internal/config"
	"msgplane/internal/event"
	"msgplane/internal/fanout"
	"msgplane/internal/metrics"
	"msgplane/internal/query"
	"msgplane/internal/store"
	"msgplane/internal/value"
)

const queryMaxLimit = 10000

// Handler executes decoded request envelopes.
type Handler struct {
	cfg   *config.Config
	state *store.State
	bcast *fanout.Broadcaster
	log   *zap.Logger
	reg   *metrics.Registry
}

// NewHandler wires a handler. reg may be nil.
func NewHandler(cfg *config.Config, state *store.State, bcast *fanout.Broadcaster, log *zap.Logger, reg *metrics.Registry) *Handler {
	return &Handler{cfg: cfg, state: state, bcast: bcast, log: log, reg: reg}
}

// HandleBody decodes a raw request body and returns the encoded response.
// Bodies that decode to a msgpack map take the binary path; everything else
// falls back to JSON. Panics are contained and answered, never propagated.
func (h *Handler) HandleBody(body []byte) (out []byte) {
	defer func() {
		if r := recover(); r != nil {
			h.log.Error("handler panic", zap.Any("panic", r))
			out = Encode(errResponse("", CodeBadReq, "internal error"))
		}
	}()

	var req map[string]any
	fromBinary := false
	var decoded any
	if err := msgpack.Unmarshal(body, &decoded); err == nil {
		if m, ok := value.Map(decoded); ok {
			req = m
			fromBinary = true
		}
	}
	if req == nil {
		var j any
		if err := json.Unmarshal(body, &j); err == nil {
			req, _ = value.Map(j)
		}
	}

	return Encode(h.handle(req, fromBinary))
}

func (h *Handler) handle(req map[string]any, fromBinary bool) *Response {
	if req == nil {
		return errResponse("", CodeBadReq, "invalid request")
	}

	reqID, _ := value.Str(req["req_id"])
	op, _ := value.Str(req["op"])
	args, _ := value.Map(req["args"])
	if args == nil {
		args = map[string]any{}
	}

	if h.reg != nil {
		h.reg.RPCRequests.WithLabelValues(op).Inc()
	}

	if resp := h.checkVersion(req, reqID); resp != nil {
		return h.counted(resp)
	}

	switch op {
	case "ping", "health":
		return okResponse(reqID, map[string]any{"ok": true, "ts": store.NowTS()})
	case "bus.get_recent":
		return h.counted(h.getRecent(reqID, args))
	case "bus.publish":
		return h.counted(h.publish(reqID, args, fromBinary))
	case "bus.query":
		return h.counted(h.query(reqID, args))
	case "bus.replay":
		return h.counted(h.replay(reqID, args))
	case "bus.get_since":
		return h.counted(h.getSince(reqID, args))
	case "bus.stats":
		return h.counted(h.stats(reqID))
	}
	return h.counted(errResponse(reqID, CodeUnknownOp, fmt.Sprintf("unknown op: %s", op)))
}

func (h *Handler) counted(resp *Response) *Response {
	if h.reg != nil && resp.Error != nil {
		h.reg.RPCErrors.WithLabelValues(resp.Error.Code).Inc()
	}
	return resp
}

// checkVersion enforces the protocol version according to validate mode.
// A nil return means the request may proceed.
func (h *Handler) checkVersion(req map[string]any, reqID string) *Response {
	raw, present := req["v"]
	var v int64
	switch h.cfg.ValidateMode {
	case config.ModeStrict:
		if !present {
			return errResponse(reqID, CodeBadVer, "missing protocol version")
		}
		var ok bool
		if v, ok = value.Int64(raw); !ok {
			v = -1
		}
	case config.ModeWarn:
		if !present {
			h.log.Warn("rpc envelope missing protocol version")
		}
		v = 1
		if present {
			if n, ok := value.Int64(raw); ok {
				v = n
			}
		}
	default:
		v = 1
		if present {
			if n, ok := value.Int64(raw); ok {
				v = n
			}
		}
	}
	if v != 1 {
		return errResponse(reqID, CodeBadVer, fmt.Sprintf("unsupported protocol version: %d", v))
	}
	return nil
}

func (h *Handler) getRecent(reqID string, args map[string]any) *Response {
	storeName := strArg(args, "store", store.StoreMessages)
	topic := strArg(args, "topic", "all")
	light, _ := value.Bool(args["light"])

	// zero is an honored limit (empty result); only negatives fall back
	limit := 200
	if n, ok := value.Int64(args["limit"]); ok && n >= 0 {
		limit = int(n)
	}
	if limit > h.cfg.GetRecentMaxLimit {
		limit = h.cfg.GetRecentMaxLimit
	}

	st, ok := h.state.Store(storeName)
	if !ok {
		return errResponse(reqID, CodeBadStore, "invalid store")
	}
	items := st.GetRecent(topic, limit)
	return okResponse(reqID, map[string]any{
		"store": storeName,
		"topic": topic,
		"items": event.Views(items, light),
		"light": light,
	})
}

func (h *Handler) publish(reqID string, args map[string]any, fromBinary bool) *Response {
	storeName := strArg(args, "store", store.StoreMessages)
	topic := strArg(args, "topic", "")
	if topic == "" {
		return errResponse(reqID, CodeBadArgs, "topic is required")
	}
	if len(topic) > h.cfg.TopicNameMaxLen {
		return errResponse(reqID, CodeBadArgs, "topic too long")
	}

	payload := args["payload"]
	if !fromBinary {
		if _, isMap := value.Map(payload); !isMap {
			payload = map[string]any{"value": payload}
		}
	}

	if h.cfg.ValidatePayloadBytes {
		encoded, err := msgpack.Marshal(payload)
		if err != nil {
			return errResponse(reqID, CodeBadArgs, "payload not serializable")
		}
		if len(encoded) > h.cfg.PayloadMaxBytes {
			return errResponse(reqID, CodeBadArgs, "payload too large")
		}
	}

	st, ok := h.state.Store(storeName)
	if !ok {
		return errResponse(reqID, CodeBadStore, "invalid store")
	}
	if st.AtTopicCap(topic) {
		return errResponse(reqID, CodeBadArgs, "too many topics")
	}

	ev := st.Publish(topic, payload)
	h.bcast.EnqueueEvent(ev)

	return okResponse(reqID, map[string]any{
		"accepted": true,
		"event":    ev.View(false),
	})
}

func (h *Handler) query(reqID string, args map[string]any) *Response {
	storeName := strArg(args, "store", store.StoreMessages)
	topic := strArg(args, "topic", "*")
	light, _ := value.Bool(args["light"])

	limit := int64(200)
	if n, ok := value.Int64(args["limit"]); ok {
		limit = n
	}
	if limit <= 0 {
		if h.cfg.Strict() {
			return errResponse(reqID, CodeBadArgs, "invalid args: limit<=0")
		}
		if h.cfg.Warn() {
			h.log.Warn("invalid args for bus.query: limit<=0")
		}
		limit = 200
	}
	if limit > queryMaxLimit {
		if h.cfg.Warn() {
			h.log.Warn("bus.query clamped limit", zap.Int64("limit", limit))
		}
		limit = queryMaxLimit
	}

	if topic == "" {
		if h.cfg.Strict() {
			return errResponse(reqID, CodeBadArgs, "invalid args: empty topic")
		}
		if h.cfg.Warn() {
			h.log.Warn("invalid args for bus.query: empty topic; using '*'")
		}
		topic = "*"
	}

	f := query.FilterFromArgs(args)

	var snapshots []*event.Event
	if st, ok := h.state.Store(storeName); ok {
		st.CountQuery()
		if strings.TrimSpace(topic) == "*" {
			snapshots = st.SnapshotAll()
		} else {
			snapshots = st.SnapshotTopic(topic)
		}
	}

	out := f.Apply(snapshots, int(limit))
	return okResponse(reqID, map[string]any{
		"store": storeName,
		"topic": topic,
		"items": event.Views(out, light),
		"light": light,
	})
}

func (h *Handler) replay(reqID string, args map[string]any) *Response {
	plan := args["plan"]
	if plan == nil {
		plan = args["trace"]
	}
	planMap, planIsMap := value.Map(plan)

	if h.cfg.Strict() && !planIsMap {
		return errResponse(reqID, CodeBadArgs, "invalid args: missing/invalid plan")
	}
	if h.cfg.Warn() && !planIsMap {
		h.log.Warn("invalid args for bus.replay: missing/invalid plan")
	}

	storeName := strArg(args, "store", "")
	if storeName == "" {
		storeName = strArg(args, "bus", store.StoreMessages)
	}
	if !planIsMap {
		return errResponse(reqID, CodeBadArgs, "plan is required")
	}
	light, _ := value.Bool(args["light"])

	st, ok := h.state.Store(storeName)
	if !ok {
		return errResponse(reqID, CodeBadStore, "invalid store")
	}

	eval := query.Evaluator{MaxLimit: h.cfg.GetRecentMaxLimit}
	items, supported := eval.Eval(st, map[string]any(planMap))
	if !supported {
		return errResponse(reqID, CodeBadArgs, "unsupported plan")
	}
	if len(items) > h.cfg.GetRecentMaxLimit {
		items = items[:h.cfg.GetRecentMaxLimit]
	}

	return okResponse(reqID, map[string]any{
		"store": storeName,
		"items": event.Views(items, light),
		"light": light,
	})
}

func (h *Handler) getSince(reqID string, args map[string]any) *Response {
	storeName := strArg(args, "store", store.StoreMessages)
	topic := strArg(args, "topic", "")
	light, _ := value.Bool(args["light"])

	var afterSeq uint64
	if n, ok := value.Int64(args["after_seq"]); ok && n > 0 {
		afterSeq = uint64(n)
	}
	limit := 200
	if n, ok := value.Int64(args["limit"]); ok && n > 0 {
		limit = int(n)
	}
	if limit > h.cfg.GetRecentMaxLimit {
		limit = h.cfg.GetRecentMaxLimit
	}

	st, ok := h.state.Store(storeName)
	if !ok {
		return errResponse(reqID, CodeBadStore, "invalid store")
	}
	items := st.GetSince(topic, afterSeq, limit)
	return okResponse(reqID, map[string]any{
		"store": storeName,
		"topic": topic,
		"items": event.Views(items, light),
		"light": light,
	})
}

func (h *Handler) stats(reqID string) *Response {
	stores := make(map[string]any)
	for _, name := range h.state.Names() {
		st, ok := h.state.Store(name)
		if !ok {
			continue
		}
		stores[name] = st.MetricsSnapshot()
	}
	return okResponse(reqID, map[string]any{"stores": stores})
}

func strArg(args map[string]any, key, def string) string {
	if s, ok := value.Str(args[key]); ok && s != "" {
		return s
	}
	return def
}
