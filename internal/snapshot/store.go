// Package snapshot holds the latest accepted reading for every metric.
package snapshot

import (
	"sync"

	"github.com/printer-dashboard/relay/internal/models"
)

// Store keeps one reading per metric. It is safe for concurrent use; writers
// are expected to be serialised by the relay so that the stored state always
// equals the fold of the durable log.
type Store struct {
	mu       sync.RWMutex
	readings models.Snapshot
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{readings: make(models.Snapshot)}
}

// Merge replaces the reading for r.Metric and returns the value it replaced.
// ok is false on the first observation of a metric.
func (s *Store) Merge(r models.Reading) (prev models.Reading, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok = s.readings[r.Metric]
	s.readings[r.Metric] = r
	return prev, ok
}

// Current returns a point-in-time copy of every known reading.
func (s *Store) Current() models.Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(models.Snapshot, len(s.readings))
	for m, r := range s.readings {
		out[m] = r
	}
	return out
}

// Get returns the latest reading for one metric.
func (s *Store) Get(m models.Metric) (models.Reading, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.readings[m]
	return r, ok
}

// Len returns the number of metrics observed so far.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.readings)
}
