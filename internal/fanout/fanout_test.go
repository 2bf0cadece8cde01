package fanout

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"

	"msgplane/internal/event"
)

func TestEnqueueEventFrameShape(t *testing.T) {
	b := New(true, nil, nil, zap.NewNop(), nil)
	ev := event.New(7, 1.5, "messages", "chat", map[string]any{"source": "agent", "content": "hi"})

	b.EnqueueEvent(ev)
	require.Equal(t, 1, b.Pending())

	m := <-b.queue
	assert.Equal(t, "messages.chat", string(m.Topic), "topic frame is store.topic")

	var body map[string]any
	require.NoError(t, msgpack.Unmarshal(m.Body, &body))
	assert.EqualValues(t, 7, body["seq"])
	assert.EqualValues(t, 1.5, body["ts"])
	assert.Equal(t, "messages", body["store"])
	assert.Equal(t, "chat", body["topic"])

	payload, ok := body["payload"].(map[string]any)
	require.True(t, ok, "payload raw bytes decode in place")
	assert.Equal(t, "hi", payload["content"])

	idx, ok := body["index"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "agent", idx["source"])
}

func TestDisabledBroadcasterDiscards(t *testing.T) {
	b := New(false, nil, nil, zap.NewNop(), nil)
	b.EnqueueEvent(event.New(1, 0, "messages", "chat", map[string]any{}))
	b.Enqueue(Message{Topic: []byte("x"), Body: []byte("y")})
	assert.Equal(t, 0, b.Pending())
}

func TestEnqueueDropsOnBackPressure(t *testing.T) {
	b := New(true, nil, nil, zap.NewNop(), nil)
	for i := 0; i < queueSize+50; i++ {
		b.Enqueue(Message{Topic: []byte("t"), Body: []byte("b")})
	}
	assert.Equal(t, queueSize, b.Pending(), "overflow drops instead of blocking")
}

func TestExactlyOneFramePerEvent(t *testing.T) {
	b := New(true, nil, nil, zap.NewNop(), nil)
	for i := 0; i < 5; i++ {
		b.EnqueueEvent(event.New(uint64(i+1), 0, "messages", "chat", map[string]any{}))
	}
	assert.Equal(t, 5, b.Pending())
}
