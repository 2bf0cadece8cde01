package store

import "msgplane/internal/metrics"

// Store names created at startup.
const (
	StoreMessages  = "messages"
	StoreEvents    = "events"
	StoreLifecycle = "lifecycle"
	StoreRuns      = "runs"
	StoreExport    = "export"
	StoreMemory    = "memory"
)

// State is the process-wide registry of the six fixed stores. The capacity
// profiles are derived from one maxlen/topicMax pair: high-frequency stores
// keep full capacity, low-frequency ones shrink with a floor.
type State struct {
	stores map[string]*Store
	names  []string
}

// NewState builds the six stores. reg may be nil.
func NewState(maxLen, topicMax int, reg *metrics.Registry) *State {
	profiles := []struct {
		name     string
		maxLen   int
		topicMax int
	}{
		{StoreMessages, maxLen, topicMax},
		{StoreEvents, atLeast(maxLen/2, 10000), atLeast(topicMax/2, 1000)},
		{StoreLifecycle, atLeast(maxLen/20, 1000), atLeast(topicMax/4, 500)},
		{StoreRuns, atLeast(maxLen/40, 500), atLeast(topicMax/10, 200)},
		{StoreExport, atLeast(maxLen/4, 5000), atLeast(topicMax/4, 500)},
		{StoreMemory, atLeast(maxLen/10, 2000), atLeast(topicMax/2, 1000)},
	}

	st := &State{stores: make(map[string]*Store, len(profiles))}
	for _, p := range profiles {
		st.stores[p.name] = NewStore(p.name, p.maxLen, p.topicMax, reg)
		st.names = append(st.names, p.name)
	}
	return st
}

func atLeast(n, floor int) int {
	if n < floor {
		return floor
	}
	return n
}

// Store looks up a store by name.
func (s *State) Store(name string) (*Store, bool) {
	st, ok := s.stores[name]
	return st, ok
}

// Names returns the store names in creation order.
func (s *State) Names() []string {
	return s.names
}
