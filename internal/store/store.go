// Package store implements the bounded, insertion-ordered trade store:
// a capped id→flow mapping with oldest-first capacity eviction and an
// age-based sweep. One writer (the ingestor) and many readers (the query
// engine) share it; readers work on value snapshots taken under a short
// lock.
package store

import (
	"container/list"
	"sync"
	"time"

	"github.com/quantfeed/optionsflow/internal/flow"
	"github.com/quantfeed/optionsflow/internal/metrics"
)

// Capacity and eviction policy.
const (
	// MaxRecords caps the store.
	MaxRecords = 100_000
	// MaxAge is the age-sweep horizon.
	MaxAge = 2 * time.Minute
	// SweepThreshold is the fill fraction above which refreshes run an
	// age sweep first.
	SweepThreshold = 0.5
	// ForceSweepThreshold is the fill fraction above which a sweep runs
	// unconditionally before live refreshes.
	ForceSweepThreshold = 0.8
)

// Store owns flow records after insertion. Records are never mutated in
// place; eviction happens on capacity overflow or via AgeSweep.
type Store struct {
	mu      sync.RWMutex
	byID    map[string]*list.Element
	order   *list.List // *flow.Record values, insertion order
	cap     int
	metrics *metrics.Metrics

	now func() time.Time
}

// New creates a store with the standard capacity. metrics may be nil.
func New(m *metrics.Metrics) *Store {
	return NewWithCapacity(MaxRecords, m)
}

// NewWithCapacity creates a store with a custom capacity, for tests.
func NewWithCapacity(capacity int, m *metrics.Metrics) *Store {
	return &Store{
		byID:    make(map[string]*list.Element),
		order:   list.New(),
		cap:     capacity,
		metrics: m,
		now:     time.Now,
	}
}

// Insert adds a record, evicting the oldest-inserted entry first when the
// store is at capacity. Re-inserting an existing id replaces the record
// but keeps its insertion slot.
func (s *Store) Insert(rec *flow.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if elem, ok := s.byID[rec.ID]; ok {
		elem.Value = rec
		return
	}

	if s.order.Len() >= s.cap {
		s.evictOldestLocked()
	}

	s.byID[rec.ID] = s.order.PushBack(rec)
	s.gauge()
}

func (s *Store) evictOldestLocked() {
	front := s.order.Front()
	if front == nil {
		return
	}
	old := front.Value.(*flow.Record)
	s.order.Remove(front)
	delete(s.byID, old.ID)
	if s.metrics != nil {
		s.metrics.StoreEvictions.WithLabelValues("capacity").Inc()
	}
}

// AgeSweep drops every record whose event time is older than maxAge and
// returns the count removed.
func (s *Store) AgeSweep(maxAge time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-maxAge)
	removed := 0

	for elem := s.order.Front(); elem != nil; {
		next := elem.Next()
		rec := elem.Value.(*flow.Record)
		if rec.Timestamp.Before(cutoff) {
			s.order.Remove(elem)
			delete(s.byID, rec.ID)
			removed++
		}
		elem = next
	}

	if removed > 0 && s.metrics != nil {
		s.metrics.StoreEvictions.WithLabelValues("age").Add(float64(removed))
	}
	s.gauge()
	return removed
}

// SweepIfCrowded runs the standard age sweep when the store has passed
// the given fill fraction. Returns records removed.
func (s *Store) SweepIfCrowded(threshold float64) int {
	if s.FillFraction() <= threshold {
		return 0
	}
	return s.AgeSweep(MaxAge)
}

// Get returns the record for id, if present.
func (s *Store) Get(id string) (*flow.Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	elem, ok := s.byID[id]
	if !ok {
		return nil, false
	}
	return elem.Value.(*flow.Record), true
}

// Snapshot copies the current values in insertion order. Callers filter
// and sort the copy without holding the store lock.
func (s *Store) Snapshot() []*flow.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*flow.Record, 0, s.order.Len())
	for elem := s.order.Front(); elem != nil; elem = elem.Next() {
		out = append(out, elem.Value.(*flow.Record))
	}
	return out
}

// Len returns the current record count.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.order.Len()
}

// FillFraction returns occupancy as a fraction of capacity.
func (s *Store) FillFraction() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.cap == 0 {
		return 0
	}
	return float64(s.order.Len()) / float64(s.cap)
}

func (s *Store) gauge() {
	if s.metrics != nil {
		s.metrics.StoreSize.Set(float64(s.order.Len()))
	}
}
