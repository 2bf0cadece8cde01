package value

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInt64CoversDecoderWidths(t *testing.T) {
	for _, v := range []any{int(7), int8(7), int16(7), int32(7), int64(7), uint8(7), uint64(7), float64(7), json.Number("7")} {
		n, ok := Int64(v)
		assert.True(t, ok, "%T", v)
		assert.Equal(t, int64(7), n, "%T", v)
	}

	_, ok := Int64("7")
	assert.False(t, ok, "strings do not coerce")
	_, ok = Int64(nil)
	assert.False(t, ok)
}

func TestFloat64(t *testing.T) {
	f, ok := Float64(int8(3))
	assert.True(t, ok)
	assert.Equal(t, 3.0, f)

	f, ok = Float64(json.Number("2.5"))
	assert.True(t, ok)
	assert.Equal(t, 2.5, f)

	_, ok = Float64(true)
	assert.False(t, ok)
}

func TestStringify(t *testing.T) {
	assert.Equal(t, "hello", Stringify("hello"))
	assert.Equal(t, "null", Stringify(nil))
	assert.Equal(t, "5", Stringify(int64(5)))
	assert.Equal(t, "5", Stringify(5.0), "whole floats render without a decimal point")
	assert.Equal(t, "2.5", Stringify(2.5))
	assert.Equal(t, "true", Stringify(true))
	assert.Equal(t, `["a","b"]`, Stringify([]any{"a", "b"}))
}

func TestEqualAcrossDecoders(t *testing.T) {
	// msgpack yields int8, JSON yields float64; they must compare equal
	assert.True(t, Equal(int8(5), 5.0))
	assert.True(t, Equal(uint64(5), int64(5)))
	assert.False(t, Equal(int64(5), int64(6)))
	assert.False(t, Equal(int64(5), "5"))

	assert.True(t, Equal(
		map[string]any{"a": int8(1), "b": []any{int16(2)}},
		map[string]any{"a": 1.0, "b": []any{2.0}},
	))
	assert.False(t, Equal(
		map[string]any{"a": 1.0},
		map[string]any{"a": 1.0, "b": 2.0},
	))
}

func TestEqualStringsAndNil(t *testing.T) {
	assert.True(t, Equal("x", "x"))
	assert.True(t, Equal(nil, nil))
	assert.False(t, Equal(nil, "x"))
}
