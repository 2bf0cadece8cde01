// Package value normalizes the loosely typed values that arrive from the
// msgpack and JSON decoders. msgpack hands back sized integers, JSON hands
// back float64; every consumer goes through these helpers instead of type
// switching on its own.
package value

import (
	"encoding/json"
	"strconv"
)

// Str returns the string form of v, or "" when v is not a string.
func Str(v any) (string, bool) {
	s, ok := v.(string)
	return s, ok
}

// Int64 coerces any numeric value to int64.
func Int64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint:
		return int64(n), true
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint64:
		return int64(n), true
	case float32:
		return int64(n), true
	case float64:
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	}
	return 0, false
}

// Float64 coerces any numeric value to float64.
func Float64(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// Bool returns the boolean form of v.
func Bool(v any) (bool, bool) {
	b, ok := v.(bool)
	return b, ok
}

// Map returns v as a string-keyed map when it is one.
func Map(v any) (map[string]any, bool) {
	m, ok := v.(map[string]any)
	return m, ok
}

// Slice returns v as a generic slice when it is one.
func Slice(v any) ([]any, bool) {
	s, ok := v.([]any)
	return s, ok
}

// IsNumber reports whether v carries a numeric value.
func IsNumber(v any) bool {
	_, ok := Float64(v)
	return ok
}

// Stringify renders v the way the query layer compares values: strings pass
// through unchanged, everything else takes its JSON form ("null" for nil).
func Stringify(v any) string {
	if v == nil {
		return "null"
	}
	if s, ok := v.(string); ok {
		return s
	}
	if f, ok := Float64(v); ok {
		return strconv.FormatFloat(f, 'g', -1, 64)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}

// Canonical maps v to a decoder-independent shape: all numbers become
// float64, maps and slices are rebuilt recursively. Used for structural
// equality between plan parameters and stored payload values.
func Canonical(v any) any {
	if v == nil {
		return nil
	}
	if f, ok := Float64(v); ok {
		return f
	}
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = Canonical(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = Canonical(e)
		}
		return out
	}
	return v
}

// Equal reports structural equality after canonicalization.
func Equal(a, b any) bool {
	return deepEqual(Canonical(a), Canonical(b))
}

func deepEqual(a, b any) bool {
	switch av := a.(type) {
	case map[string]any:
		bv, ok := b.(map[string]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, e := range av {
			o, ok := bv[k]
			if !ok || !deepEqual(e, o) {
				return false
			}
		}
		return true
	case []any:
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !deepEqual(av[i], bv[i]) {
				return false
			}
		}
		return true
	default:
		return a == b
	}
}
