// Package store implements the in-memory, topic-partitioned event store: a
// named store owns bounded FIFO buffers per topic, a monotonic sequence
// allocator and a lock-free read cache for the hot get_recent path.
package store

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"msgplane/internal/event"
	"msgplane/internal/metrics"
)

// NowTS returns the wall clock as float seconds since the epoch, the
// timestamp format events carry on the wire.
func NowTS() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}

// topicBuffer is a bounded FIFO of events protected by a reader-writer lock.
type topicBuffer struct {
	mu     sync.RWMutex
	events []*event.Event
}

// TopicMeta tracks per-topic bookkeeping.
type TopicMeta struct {
	mu         sync.Mutex
	createdAt  float64
	lastTS     float64
	countTotal uint64
}

// Snapshot returns a copy of the metadata fields.
func (m *TopicMeta) Snapshot() (createdAt, lastTS float64, countTotal uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createdAt, m.lastTS, m.countTotal
}

// Metrics is an atomic snapshot of a store's counters.
type Metrics struct {
	TotalEvents    uint64 `msgpack:"total_events" json:"total_events"`
	TotalPublishes uint64 `msgpack:"total_publishes" json:"total_publishes"`
	TotalQueries   uint64 `msgpack:"total_queries" json:"total_queries"`
	CacheHits      uint64 `msgpack:"cache_hits" json:"cache_hits"`
	CacheMisses    uint64 `msgpack:"cache_misses" json:"cache_misses"`
	Topics         int    `msgpack:"topics" json:"topics"`
	MaxLen         int    `msgpack:"maxlen" json:"maxlen"`
	TopicMax       int    `msgpack:"topic_max" json:"topic_max"`
}

// Store is a named collection of topic buffers with one sequence counter.
// The sequence is allocated before buffer insertion, so a concurrent reader
// may transiently observe seq gaps; per topic, visibility order equals seq
// order equals insertion order.
type Store struct {
	name     string
	maxLen   int
	topicMax int

	nextSeq atomic.Uint64

	topics     sync.Map // string -> *topicBuffer
	meta       sync.Map // string -> *TopicMeta
	topicCount atomic.Int64
	readCache  sync.Map // string -> []*event.Event

	totalPublishes atomic.Uint64
	totalQueries   atomic.Uint64
	cacheHits      atomic.Uint64
	cacheMisses    atomic.Uint64

	reg *metrics.Registry
}

// NewStore creates a store. reg may be nil.
func NewStore(name string, maxLen, topicMax int, reg *metrics.Registry) *Store {
	s := &Store{name: name, maxLen: maxLen, topicMax: topicMax, reg: reg}
	s.nextSeq.Store(1)
	return s
}

// Name returns the store name.
func (s *Store) Name() string { return s.name }

// MaxLen returns the per-topic buffer capacity.
func (s *Store) MaxLen() int { return s.maxLen }

// TopicMax returns the maximum number of distinct topics.
func (s *Store) TopicMax() int { return s.topicMax }

// TopicCount returns the number of topics created so far.
func (s *Store) TopicCount() int { return int(s.topicCount.Load()) }

// HasTopic reports whether the topic already exists.
func (s *Store) HasTopic(topic string) bool {
	_, ok := s.meta.Load(topic)
	return ok
}

// AtTopicCap reports whether creating topic would breach the topic cap.
// Publish does not re-check; callers gate new topics through this.
func (s *Store) AtTopicCap(topic string) bool {
	return !s.HasTopic(topic) && s.TopicCount() >= s.topicMax
}

// TopicNames returns the current topic names in no particular order.
func (s *Store) TopicNames() []string {
	var names []string
	s.topics.Range(func(k, _ any) bool {
		names = append(names, k.(string))
		return true
	})
	return names
}

func (s *Store) buffer(topic string) *topicBuffer {
	if buf, ok := s.topics.Load(topic); ok {
		return buf.(*topicBuffer)
	}
	buf, _ := s.topics.LoadOrStore(topic, &topicBuffer{})
	return buf.(*topicBuffer)
}

func (s *Store) metaEntry(topic string, ts float64) *TopicMeta {
	if m, ok := s.meta.Load(topic); ok {
		return m.(*TopicMeta)
	}
	m, loaded := s.meta.LoadOrStore(topic, &TopicMeta{createdAt: ts, lastTS: ts})
	if !loaded {
		s.topicCount.Add(1)
	}
	return m.(*TopicMeta)
}

// Publish appends a new event for payload to topic and returns it. The
// caller is responsible for the topic-cap check (AtTopicCap).
func (s *Store) Publish(topic string, payload any) *event.Event {
	ts := NowTS()
	seq := s.nextSeq.Add(1) - 1
	ev := event.New(seq, ts, s.name, topic, payload)

	meta := s.metaEntry(topic, ts)
	buf := s.buffer(topic)

	buf.mu.Lock()
	buf.events = append(buf.events, ev)
	if excess := len(buf.events) - s.maxLen; excess > 0 {
		buf.events = buf.events[excess:]
	}
	buf.mu.Unlock()

	meta.mu.Lock()
	meta.lastTS = ts
	meta.countTotal++
	meta.mu.Unlock()

	s.refreshReadCache(topic, buf)

	s.totalPublishes.Add(1)
	if s.reg != nil {
		s.reg.StorePublishes.WithLabelValues(s.name).Inc()
	}
	return ev
}

// refreshReadCache copies the buffer into the read cache under a
// non-blocking read attempt. When the lock is contended the refresh is
// skipped; the cache stays slightly stale and the next write corrects it.
func (s *Store) refreshReadCache(topic string, buf *topicBuffer) {
	if !buf.mu.TryRLock() {
		return
	}
	snapshot := make([]*event.Event, len(buf.events))
	copy(snapshot, buf.events)
	buf.mu.RUnlock()
	s.readCache.Store(topic, snapshot)
}

// ReplaceTopic clears the topic and republishes records in order with fresh
// sequence numbers and timestamps. Topic metadata is reset.
func (s *Store) ReplaceTopic(topic string, records []any) []*event.Event {
	ts := NowTS()
	buf := s.buffer(topic)
	buf.mu.Lock()
	buf.events = buf.events[:0]
	buf.mu.Unlock()

	meta := s.metaEntry(topic, ts)
	meta.mu.Lock()
	meta.createdAt = ts
	meta.lastTS = ts
	meta.countTotal = 0
	meta.mu.Unlock()

	s.readCache.Store(topic, []*event.Event{})

	out := make([]*event.Event, 0, len(records))
	for _, rec := range records {
		out = append(out, s.Publish(topic, rec))
	}
	return out
}

// GetRecent returns at most limit most-recent events of topic in insertion
// order. The read cache is tried first without any lock; a miss falls back
// to a shared-lock copy of the buffer.
func (s *Store) GetRecent(topic string, limit int) []*event.Event {
	if cached, ok := s.readCache.Load(topic); ok {
		s.cacheHits.Add(1)
		if s.reg != nil {
			s.reg.CacheHits.WithLabelValues(s.name).Inc()
		}
		return tail(cached.([]*event.Event), limit)
	}

	s.cacheMisses.Add(1)
	if s.reg != nil {
		s.reg.CacheMisses.WithLabelValues(s.name).Inc()
	}

	raw, ok := s.topics.Load(topic)
	if !ok {
		return nil
	}
	buf := raw.(*topicBuffer)
	buf.mu.RLock()
	defer buf.mu.RUnlock()
	return tail(buf.events, limit)
}

func tail(events []*event.Event, limit int) []*event.Event {
	n := limit
	if n > len(events) {
		n = len(events)
	}
	if n <= 0 {
		return nil
	}
	out := make([]*event.Event, n)
	copy(out, events[len(events)-n:])
	return out
}

// GetSince collects events with seq > afterSeq from one topic (or all
// topics when topic is "" or "*"), sorted by seq ascending, truncated to
// limit.
func (s *Store) GetSince(topic string, afterSeq uint64, limit int) []*event.Event {
	s.totalQueries.Add(1)
	if s.reg != nil {
		s.reg.StoreQueries.WithLabelValues(s.name).Inc()
	}

	var scan []string
	if topic != "" && topic != "*" {
		scan = []string{topic}
	} else {
		scan = s.TopicNames()
	}

	var out []*event.Event
	for _, name := range scan {
		raw, ok := s.topics.Load(name)
		if !ok {
			continue
		}
		buf := raw.(*topicBuffer)
		buf.mu.RLock()
		for _, ev := range buf.events {
			if ev.Seq > afterSeq {
				out = append(out, ev)
			}
		}
		buf.mu.RUnlock()
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	if limit >= 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// SnapshotTopic copies the full buffer of one topic.
func (s *Store) SnapshotTopic(topic string) []*event.Event {
	raw, ok := s.topics.Load(topic)
	if !ok {
		return nil
	}
	buf := raw.(*topicBuffer)
	buf.mu.RLock()
	defer buf.mu.RUnlock()
	out := make([]*event.Event, len(buf.events))
	copy(out, buf.events)
	return out
}

// SnapshotAll copies the buffers of every topic.
func (s *Store) SnapshotAll() []*event.Event {
	var out []*event.Event
	for _, name := range s.TopicNames() {
		out = append(out, s.SnapshotTopic(name)...)
	}
	return out
}

// CountQuery bumps the query counter for scans driven from outside the
// store (bus.query runs its own filter over snapshots).
func (s *Store) CountQuery() {
	s.totalQueries.Add(1)
	if s.reg != nil {
		s.reg.StoreQueries.WithLabelValues(s.name).Inc()
	}
}

// MetricsSnapshot reads the counters atomically.
func (s *Store) MetricsSnapshot() Metrics {
	return Metrics{
		TotalEvents:    s.nextSeq.Load() - 1,
		TotalPublishes: s.totalPublishes.Load(),
		TotalQueries:   s.totalQueries.Load(),
		CacheHits:      s.cacheHits.Load(),
		CacheMisses:    s.cacheMisses.Load(),
		Topics:         s.TopicCount(),
		MaxLen:         s.maxLen,
		TopicMax:       s.topicMax,
	}
}
