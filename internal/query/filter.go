package query

import (
	"sort"
	"strconv"

	"msgplane/internal/event"
	"msgplane/internal/value"
)

// Filter is the linear-scan predicate shared by bus.query and the plan
// evaluator's get leaf. Equality fields match against the event index;
// empty strings mean "not set". Numeric strings are accepted for
// priority_min / since_ts / until_ts.
type Filter struct {
	PluginID    string
	Source      string
	Kind        string
	Type        string
	PriorityMin *int64
	SinceTS     *float64
	UntilTS     *float64
}

// FilterFromArgs reads the filter keys out of an args map.
func FilterFromArgs(args map[string]any) Filter {
	var f Filter
	f.PluginID, _ = value.Str(args["plugin_id"])
	f.Source, _ = value.Str(args["source"])
	f.Kind, _ = value.Str(args["kind"])
	f.Type, _ = value.Str(args["type"])

	if raw, ok := args["priority_min"]; ok {
		if n, ok := value.Int64(raw); ok {
			f.PriorityMin = &n
		} else if s, ok := value.Str(raw); ok {
			if n, err := strconv.ParseInt(s, 10, 64); err == nil {
				f.PriorityMin = &n
			}
		}
	}
	f.SinceTS = floatArg(args, "since_ts")
	f.UntilTS = floatArg(args, "until_ts")
	return f
}

func floatArg(args map[string]any, key string) *float64 {
	raw, ok := args[key]
	if !ok {
		return nil
	}
	if n, ok := value.Float64(raw); ok {
		return &n
	}
	if s, ok := value.Str(raw); ok {
		if n, err := strconv.ParseFloat(s, 64); err == nil {
			return &n
		}
	}
	return nil
}

// Empty reports whether no predicate is set.
func (f *Filter) Empty() bool {
	return f.PluginID == "" && f.Source == "" && f.Kind == "" && f.Type == "" &&
		f.PriorityMin == nil && f.SinceTS == nil && f.UntilTS == nil
}

// Matches evaluates the predicate against the event's index.
func (f *Filter) Matches(ev *event.Event) bool {
	if f.PluginID != "" && !strEq(ev.Index.PluginID, f.PluginID) {
		return false
	}
	if f.Source != "" && !strEq(ev.Index.Source, f.Source) {
		return false
	}
	if f.Kind != "" && !strEq(ev.Index.Kind, f.Kind) {
		return false
	}
	if f.Type != "" && !strEq(ev.Index.Type, f.Type) {
		return false
	}
	if f.PriorityMin != nil && ev.Index.Priority < *f.PriorityMin {
		return false
	}
	if f.SinceTS != nil && ev.Index.Timestamp < *f.SinceTS {
		return false
	}
	if f.UntilTS != nil && ev.Index.Timestamp > *f.UntilTS {
		return false
	}
	return true
}

func strEq(field *string, want string) bool {
	return field != nil && *field == want
}

// Apply filters events, sorts matches by seq descending and truncates to
// limit.
func (f *Filter) Apply(events []*event.Event, limit int) []*event.Event {
	var out []*event.Event
	for _, ev := range events {
		if f.Matches(ev) {
			out = append(out, ev)
		}
	}
	SortBySeqDesc(out)
	if limit >= 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// SortBySeqDesc orders events newest-first.
func SortBySeqDesc(events []*event.Event) {
	sort.Slice(events, func(i, j int) bool { return events[i].Seq > events[j].Seq })
}
