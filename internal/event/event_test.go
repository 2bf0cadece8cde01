package event

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
)

func strPtr(s string) *string { return &s }

func TestExtractIndexFullPayload(t *testing.T) {
	idx := ExtractIndex(map[string]any{
		"plugin_id": "p1",
		"source":    "agent",
		"kind":      "chat",
		"type":      "message",
		"priority":  int64(5),
		"timestamp": 1700000000.5,
		"id":        "m-1",
	}, 99.0)

	assert.Equal(t, strPtr("p1"), idx.PluginID)
	assert.Equal(t, strPtr("agent"), idx.Source)
	assert.Equal(t, strPtr("chat"), idx.Kind)
	assert.Equal(t, strPtr("message"), idx.Type)
	assert.Equal(t, int64(5), idx.Priority)
	assert.Equal(t, 1700000000.5, idx.Timestamp)
	assert.Equal(t, strPtr("m-1"), idx.ID)
}

func TestExtractIndexDefaults(t *testing.T) {
	idx := ExtractIndex(map[string]any{}, 42.0)

	assert.Nil(t, idx.PluginID)
	assert.Nil(t, idx.Source)
	assert.Nil(t, idx.Kind)
	assert.Nil(t, idx.Type)
	assert.Nil(t, idx.ID)
	assert.Equal(t, int64(0), idx.Priority)
	assert.Equal(t, 42.0, idx.Timestamp, "missing timestamp falls back to event ts")
}

func TestExtractIndexFallbackKeys(t *testing.T) {
	idx := ExtractIndex(map[string]any{
		"message_type": "task_done",
		"time":         "123.25",
		"priority":     "7",
		"run_id":       "r-9",
	}, 0)

	assert.Equal(t, strPtr("task_done"), idx.Type, "message_type backs up type")
	assert.Equal(t, 123.25, idx.Timestamp, "numeric strings parse")
	assert.Equal(t, int64(7), idx.Priority)
	assert.Equal(t, strPtr("r-9"), idx.ID)
}

func TestExtractIndexPriorityCoercion(t *testing.T) {
	idx := ExtractIndex(map[string]any{"priority": 5.0}, 0)
	assert.Equal(t, int64(5), idx.Priority, "whole floats coerce")

	idx = ExtractIndex(map[string]any{"priority": 5.5}, 0)
	assert.Equal(t, int64(0), idx.Priority, "fractional floats are not a priority")

	idx = ExtractIndex(map[string]any{"priority": "5.5"}, 0)
	assert.Equal(t, int64(0), idx.Priority)

	idx = ExtractIndex(map[string]any{"priority": true}, 0)
	assert.Equal(t, int64(0), idx.Priority)
}

func TestExtractIndexIDPrecedence(t *testing.T) {
	idx := ExtractIndex(map[string]any{
		"message_id": "msg-1",
		"id":         "generic",
		"run_id":     "r-1",
	}, 0)
	assert.Equal(t, strPtr("msg-1"), idx.ID)

	idx = ExtractIndex(map[string]any{
		"id":     "generic",
		"run_id": "r-1",
	}, 0)
	assert.Equal(t, strPtr("generic"), idx.ID)
}

func TestExtractIndexNonMapPayload(t *testing.T) {
	idx := ExtractIndex("just a string", 7.5)
	assert.Nil(t, idx.PluginID)
	assert.Equal(t, 7.5, idx.Timestamp)
}

func TestExtractIndexEmptyStringsStayNil(t *testing.T) {
	idx := ExtractIndex(map[string]any{"source": "", "id": ""}, 0)
	assert.Nil(t, idx.Source)
	assert.Nil(t, idx.ID)
}

func TestNewFreezesEncodings(t *testing.T) {
	ev := New(3, 10.5, "messages", "chat", map[string]any{"source": "a", "content": "hi"})

	var payload map[string]any
	require.NoError(t, msgpack.Unmarshal(ev.PayloadRaw, &payload))
	assert.Equal(t, "hi", payload["content"])

	var idx Index
	require.NoError(t, msgpack.Unmarshal(ev.IndexRaw, &idx))
	assert.Equal(t, strPtr("a"), idx.Source)
	assert.Equal(t, 10.5, idx.Timestamp)
}

func TestFieldValueResolution(t *testing.T) {
	ev := New(9, 55.0, "messages", "chat", map[string]any{
		"source":  "agent",
		"content": "hello",
		"extra":   int64(12),
	})

	assert.Equal(t, "agent", ev.FieldValue("source"), "index wins")
	assert.Equal(t, "hello", ev.FieldValue("content"), "payload second")
	assert.Equal(t, int64(12), ev.FieldValue("extra"))
	assert.Equal(t, uint64(9), ev.FieldValue("seq"), "header last")
	assert.Equal(t, 55.0, ev.FieldValue("ts"))
	assert.Equal(t, "messages", ev.FieldValue("store"))
	assert.Equal(t, "chat", ev.FieldValue("topic"))
	assert.Nil(t, ev.FieldValue("missing"))
}

func TestFieldValueNilIndexFields(t *testing.T) {
	ev := New(1, 0, "messages", "chat", map[string]any{})
	assert.Nil(t, ev.FieldValue("plugin_id"))
	assert.Nil(t, ev.FieldValue("id"))
}

func TestDedupeKey(t *testing.T) {
	withID := New(1, 0, "messages", "chat", map[string]any{"message_id": "m-1"})
	tag, key := withID.DedupeKey()
	assert.Equal(t, "id", tag)
	assert.Equal(t, "m-1", key)

	withoutID := New(7, 0, "messages", "chat", map[string]any{})
	tag, key = withoutID.DedupeKey()
	assert.Equal(t, "seq", tag)
	assert.Equal(t, "7", key)
}

func TestViewLightOmitsPayload(t *testing.T) {
	ev := New(2, 1.5, "messages", "chat", map[string]any{"content": "x"})

	full := ev.View(false)
	assert.Contains(t, full, "payload")
	assert.Equal(t, uint64(2), full["seq"])

	light := ev.View(true)
	assert.NotContains(t, light, "payload")
	assert.Contains(t, light, "index")
	assert.Equal(t, "chat", light["topic"])
}
