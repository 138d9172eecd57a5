package session

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// Registry is the directory of live sessions. Ids come from Allocate and are
// unique for the process lifetime; sessions that reached their terminal state
// are removed, never left in the map.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	counter  atomic.Uint64
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Allocate returns a fresh identifier. Safe under arbitrary concurrent
// callers; ids are never reused.
func (r *Registry) Allocate() string {
	return fmt.Sprintf("s_%d", r.counter.Add(1))
}

// Add inserts a session under id. Fails if the id is already present, which
// cannot happen for ids obtained from Allocate.
func (r *Registry) Add(id string, s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sessions[id]; exists {
		return fmt.Errorf("session id already registered: %s", id)
	}
	r.sessions[id] = s
	return nil
}

func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Remove deletes id from the registry. Removing an unknown id is a no-op.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

// List returns a point-in-time copy safe to iterate without the lock.
func (r *Registry) List() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	list := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		list = append(list, s)
	}
	return list
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
