// Package session tracks connected relay clients: the per-connection
// Session with its outbound queue, and the Registry that owns them.
package session

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/printer-dashboard/relay/internal/models"
)

// Registry holds every registered session keyed by its identifier.
type Registry struct {
	sessions map[uint64]*Session
	mu       sync.RWMutex
	lastID   atomic.Uint64
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[uint64]*Session),
	}
}

// NextID returns a fresh identifier. Identifiers increase monotonically for
// the lifetime of the registry and are never reused.
func (r *Registry) NextID() uint64 {
	return r.lastID.Add(1)
}

// Add registers a session. Registering a closed session or a duplicate
// identifier is an error.
func (r *Registry) Add(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[s.ID()]; exists {
		return fmt.Errorf("session %d already registered", s.ID())
	}
	if s.State() == models.SessionStateClosed {
		return fmt.Errorf("session %d is closed", s.ID())
	}
	r.sessions[s.ID()] = s
	return nil
}

// Remove unregisters a session and returns it. A second Remove for the same
// id returns false.
func (r *Registry) Remove(id uint64) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	return s, ok
}

// Get looks up a session by id.
func (r *Registry) Get(id uint64) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// ForEachActive calls fn for every Active session in id order. It iterates
// over a copy, so sessions may be added, removed or closed by fn or by other
// goroutines meanwhile; sessions that are no longer Active are skipped.
func (r *Registry) ForEachActive(fn func(*Session)) {
	for _, s := range r.snapshot() {
		if s.State() != models.SessionStateActive {
			continue
		}
		fn(s)
	}
}

// List returns info for every registered session in id order.
func (r *Registry) List() []models.SessionInfo {
	list := r.snapshot()
	out := make([]models.SessionInfo, 0, len(list))
	for _, s := range list {
		out = append(out, s.Info())
	}
	return out
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func (r *Registry) snapshot() []*Session {
	r.mu.RLock()
	list := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		list = append(list, s)
	}
	r.mu.RUnlock()

	sort.Slice(list, func(i, j int) bool {
		return list[i].ID() < list[j].ID()
	})
	return list
}
