package broadcast

import (
	"sync"

	"github.com/pscheid92/wspush/internal/adapter/metrics"
)

// Registry is the process-wide set of live sessions keyed by id.
// Only map access is synchronized; callers iterate a Snapshot without holding
// the lock, so delivery never blocks Register or Unregister.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	metrics  *metrics.WebSocketMetrics
}

// NewRegistry creates an empty registry. m may be nil.
func NewRegistry(m *metrics.WebSocketMetrics) *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		metrics:  m,
	}
}

// Register inserts s under its id. It fails with *DuplicateSessionError if
// the id is already present.
func (r *Registry) Register(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[s.id]; exists {
		return &DuplicateSessionError{ID: s.id}
	}
	r.sessions[s.id] = s
	r.metrics.SetActiveSessions(len(r.sessions))
	return nil
}

// Unregister removes the session with the given id. Removing an absent id is
// a no-op.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[id]; !exists {
		return
	}
	delete(r.sessions, id)
	r.metrics.SetActiveSessions(len(r.sessions))
}

// remove deletes s only if it is still the entry under its id, so a late
// teardown of an evicted session cannot drop its replacement.
func (r *Registry) remove(s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, exists := r.sessions[s.id]; !exists || cur != s {
		return false
	}
	delete(r.sessions, s.id)
	r.metrics.SetActiveSessions(len(r.sessions))
	return true
}

// Get returns the session registered under id.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Snapshot returns the sessions registered at the time of the call.
func (r *Registry) Snapshot() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Size returns the number of registered sessions.
func (r *Registry) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
