// Package query evaluates replay plans: small algebraic trees over stored
// events with projection (filter/where/sort/limit), set-algebra composition
// (merge/intersection/difference) and a get leaf reading from a store.
package query

import (
	"regexp"
	"sort"
	"strconv"
	"strings"

	"msgplane/internal/event"
	"msgplane/internal/store"
	"msgplane/internal/value"
)

const (
	maxPatternLen = 128
	maxMatchLen   = 1024
)

// Evaluator executes plan trees against one store.
type Evaluator struct {
	// MaxLimit clamps the get leaf's limit, matching get_recent.
	MaxLimit int
}

// Eval runs the plan. ok is false when the plan shape or an op is
// unsupported.
func (e Evaluator) Eval(st *store.Store, node any) (items []*event.Event, ok bool) {
	obj, isMap := value.Map(node)
	if !isMap {
		return nil, false
	}
	kind, _ := value.Str(obj["kind"])
	op, _ := value.Str(obj["op"])
	params, _ := value.Map(obj["params"])

	switch kind {
	case "get":
		return e.evalGet(st, params), true
	case "unary":
		child, present := obj["child"]
		if !present {
			return nil, false
		}
		base, ok := e.Eval(st, child)
		if !ok {
			return nil, false
		}
		return applyUnary(base, op, params)
	case "binary":
		left, ok := e.Eval(st, obj["left"])
		if !ok {
			return nil, false
		}
		right, ok := e.Eval(st, obj["right"])
		if !ok {
			return nil, false
		}
		return applyBinary(left, right, op)
	}
	return nil, false
}

// evalGet reads events from the store. Parameters live one level down in
// params.params, a quirk of the plan format the plugin SDK emits.
func (e Evaluator) evalGet(st *store.Store, params map[string]any) []*event.Event {
	p, _ := value.Map(params["params"])

	limit := int64(200)
	if n, ok := value.Int64(p["max_count"]); ok {
		limit = n
	} else if n, ok := value.Int64(p["limit"]); ok {
		limit = n
	}
	if e.MaxLimit > 0 && limit > int64(e.MaxLimit) {
		limit = int64(e.MaxLimit)
	}
	if limit <= 0 {
		limit = 200
	}

	topic, ok := value.Str(p["topic"])
	if !ok || topic == "" {
		topic = "all"
	}

	f := FilterFromArgs(p)
	if f.Empty() {
		return st.GetRecent(topic, int(limit))
	}

	st.CountQuery()
	return f.Apply(st.SnapshotTopic(topic), int(limit))
}

func applyUnary(items []*event.Event, op string, params map[string]any) ([]*event.Event, bool) {
	switch op {
	case "limit":
		n, _ := value.Int64(params["n"])
		if n <= 0 {
			return nil, true
		}
		if int64(len(items)) > n {
			items = items[:n]
		}
		return items, true
	case "sort":
		return applySort(items, params), true
	case "filter":
		return applyFilter(items, params), true
	case "where_eq":
		return applyWhereEq(items, params), true
	case "where_in":
		return applyWhereIn(items, params), true
	case "where_contains":
		return applyWhereContains(items, params), true
	case "where_regex":
		return applyWhereRegex(items, params), true
	}
	return nil, false
}

// sortKey gives every value a total, deterministic order: numbers before
// strings before null, compared as (tag, string) pairs.
type sortKey struct {
	tag int
	str string
}

func keyFor(v any) sortKey {
	if v == nil {
		return sortKey{tag: 2}
	}
	if f, ok := value.Float64(v); ok {
		return sortKey{tag: 0, str: strconv.FormatFloat(f, 'g', -1, 64)}
	}
	return sortKey{tag: 1, str: value.Stringify(v)}
}

func lessKeys(a, b []sortKey) bool {
	for i := range a {
		if a[i].tag != b[i].tag {
			return a[i].tag < b[i].tag
		}
		if a[i].str != b[i].str {
			return a[i].str < b[i].str
		}
	}
	return false
}

func applySort(items []*event.Event, params map[string]any) []*event.Event {
	fields := []string{"timestamp", "created_at", "time"}
	switch by := params["by"].(type) {
	case string:
		fields = []string{by}
	case []any:
		fields = make([]string, 0, len(by))
		for _, f := range by {
			fields = append(fields, value.Stringify(f))
		}
	}
	reverse, _ := value.Bool(params["reverse"])

	keys := make([][]sortKey, len(items))
	for i, ev := range items {
		ks := make([]sortKey, len(fields))
		for j, f := range fields {
			ks[j] = keyFor(ev.FieldValue(f))
		}
		keys[i] = ks
	}

	idx := make([]int, len(items))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		if reverse {
			return lessKeys(keys[idx[b]], keys[idx[a]])
		}
		return lessKeys(keys[idx[a]], keys[idx[b]])
	})

	out := make([]*event.Event, len(items))
	for i, j := range idx {
		out[i] = items[j]
	}
	return out
}

// matchVerdict is the three-valued outcome of a best-effort regex check.
type matchVerdict int

const (
	matchSkip matchVerdict = iota // pattern not applicable, keep the event
	matchFail
	matchPass
)

// matchRegex evaluates pattern against a field value. Oversized or invalid
// patterns fail the event in strict mode and are skipped otherwise. Matched
// text is truncated before matching.
func matchRegex(pattern string, val any, hasVal bool, strict bool) matchVerdict {
	if pattern == "" {
		return matchSkip
	}
	if len(pattern) > maxPatternLen {
		if strict {
			return matchFail
		}
		return matchSkip
	}
	if !hasVal || val == nil {
		return matchFail
	}
	text := value.Stringify(val)
	if len(text) > maxMatchLen {
		text = text[:maxMatchLen]
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		if strict {
			return matchFail
		}
		return matchSkip
	}
	if re.MatchString(text) {
		return matchPass
	}
	return matchFail
}

var filterEqualityFields = []string{"plugin_id", "source", "kind", "type"}

// applyFilter is the rich predicate: equality keys, priority_min, time
// bounds, per-field regexes and content_re against payload.content. strict
// (default true) drops events whose values cannot be coerced.
func applyFilter(items []*event.Event, params map[string]any) []*event.Event {
	p := make(map[string]any, len(params))
	for k, v := range params {
		p[k] = v
	}
	strict := true
	if b, ok := value.Bool(p["strict"]); ok {
		strict = b
	}
	delete(p, "strict")
	if flt, ok := value.Map(p["flt"]); ok {
		for k, v := range flt {
			p[k] = v
		}
	}

	var out []*event.Event
scan:
	for _, ev := range items {
		for _, k := range filterEqualityFields {
			if want, present := p[k]; present {
				if !value.Equal(ev.FieldValue(k), want) {
					continue scan
				}
			}
		}

		if raw, present := p["priority_min"]; present {
			min, ok := value.Int64(raw)
			if !ok {
				if s, isStr := value.Str(raw); isStr {
					if n, err := strconv.ParseInt(s, 10, 64); err == nil {
						min, ok = n, true
					}
				}
			}
			if ok {
				pri, _ := value.Int64(ev.FieldValue("priority"))
				if pri < min {
					continue
				}
			} else if strict {
				continue
			}
		}

		if !timeBound(p, "since_ts", ev, strict, false) {
			continue
		}
		if !timeBound(p, "until_ts", ev, strict, true) {
			continue
		}

		for _, field := range filterEqualityFields {
			if pat, ok := value.Str(p[field+"_re"]); ok && pat != "" {
				got := ev.FieldValue(field)
				if matchRegex(pat, got, got != nil, strict) == matchFail {
					continue scan
				}
			}
		}

		if pat, ok := value.Str(p["content_re"]); ok && pat != "" {
			var content any
			hasContent := false
			if obj, ok := value.Map(ev.Payload); ok {
				content, hasContent = obj["content"]
			}
			if matchRegex(pat, content, hasContent, strict) == matchFail {
				continue
			}
		}

		out = append(out, ev)
	}
	return out
}

func timeBound(p map[string]any, key string, ev *event.Event, strict, upper bool) bool {
	raw, present := p[key]
	if !present {
		return true
	}
	bound, ok := value.Float64(raw)
	if !ok {
		if s, isStr := value.Str(raw); isStr {
			if f, err := strconv.ParseFloat(s, 64); err == nil {
				bound, ok = f, true
			}
		}
	}
	if !ok {
		return !strict
	}
	ts, _ := value.Float64(ev.FieldValue("timestamp"))
	if upper {
		return ts <= bound
	}
	return ts >= bound
}

func applyWhereEq(items []*event.Event, params map[string]any) []*event.Event {
	field, _ := value.Str(params["field"])
	if field == "" {
		return items
	}
	want := params["value"]
	var out []*event.Event
	for _, ev := range items {
		if value.Equal(ev.FieldValue(field), want) {
			out = append(out, ev)
		}
	}
	return out
}

func applyWhereIn(items []*event.Event, params map[string]any) []*event.Event {
	field, _ := value.Str(params["field"])
	values, ok := value.Slice(params["values"])
	if field == "" || !ok {
		return items
	}
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[value.Stringify(v)] = struct{}{}
	}
	var out []*event.Event
	for _, ev := range items {
		if _, hit := set[value.Stringify(ev.FieldValue(field))]; hit {
			out = append(out, ev)
		}
	}
	return out
}

func applyWhereContains(items []*event.Event, params map[string]any) []*event.Event {
	field, _ := value.Str(params["field"])
	substr, _ := value.Str(params["value"])
	if field == "" || substr == "" {
		return items
	}
	var out []*event.Event
	for _, ev := range items {
		if strings.Contains(value.Stringify(ev.FieldValue(field)), substr) {
			out = append(out, ev)
		}
	}
	return out
}

func applyWhereRegex(items []*event.Event, params map[string]any) []*event.Event {
	field, _ := value.Str(params["field"])
	pattern, _ := value.Str(params["pattern"])
	strict := true
	if b, ok := value.Bool(params["strict"]); ok {
		strict = b
	}
	if field == "" || pattern == "" {
		return items
	}

	// A rejected pattern empties the result in strict mode and passes
	// everything through otherwise.
	if len(pattern) > maxPatternLen {
		if strict {
			return nil
		}
		return items
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		if strict {
			return nil
		}
		return items
	}

	var out []*event.Event
	for _, ev := range items {
		got := ev.FieldValue(field)
		if got == nil {
			continue
		}
		text := value.Stringify(got)
		if len(text) > maxMatchLen {
			text = text[:maxMatchLen]
		}
		if re.MatchString(text) {
			out = append(out, ev)
		}
	}
	return out
}

func applyBinary(left, right []*event.Event, op string) ([]*event.Event, bool) {
	switch op {
	case "merge", "intersection", "difference":
	default:
		return nil, false
	}

	type key struct{ tag, id string }
	rightKeys := make(map[key]struct{}, len(right))
	for _, ev := range right {
		t, id := ev.DedupeKey()
		rightKeys[key{t, id}] = struct{}{}
	}

	seen := make(map[key]struct{})
	var out []*event.Event

	keep := func(ev *event.Event) {
		t, id := ev.DedupeKey()
		k := key{t, id}
		if _, dup := seen[k]; dup {
			return
		}
		switch op {
		case "intersection":
			if _, hit := rightKeys[k]; !hit {
				return
			}
		case "difference":
			if _, hit := rightKeys[k]; hit {
				return
			}
		}
		seen[k] = struct{}{}
		out = append(out, ev)
	}

	for _, ev := range left {
		keep(ev)
	}
	if op == "merge" {
		for _, ev := range right {
			keep(ev)
		}
	}

	SortBySeqDesc(out)
	return out, true
}
