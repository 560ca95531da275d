package session

import (
	"fmt"
	"sort"
	"sync"

	"github.com/DIO0550/instructions/internal/engine"
)

// Registry maps session ids to live sessions of one transport family.
type Registry struct {
	name string

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry creates an empty registry. name is used in logs.
func NewRegistry(name string) *Registry {
	return &Registry{
		name:     name,
		sessions: make(map[string]*Session),
	}
}

// Name returns the registry name.
func (r *Registry) Name() string {
	return r.name
}

// Create registers a new session for eng. It fails with ErrExists when id is
// already registered; the caller keeps ownership of eng in that case.
func (r *Registry) Create(id string, kind Kind, eng *engine.Engine) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[id]; ok {
		return nil, fmt.Errorf("%w: %s", ErrExists, id)
	}
	s := newSession(id, kind, eng)
	r.sessions[id] = s
	return s, nil
}

// GetOrCreate returns the session registered under id, or registers one whose
// engine comes from build. build runs inside the critical section, so racing
// callers construct at most one engine per id.
func (r *Registry) GetOrCreate(id string, kind Kind, build func() *engine.Engine) (s *Session, created bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok {
		return s, false
	}
	s = newSession(id, kind, build())
	r.sessions[id] = s
	return s, true
}

// Get looks up a session.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Remove unregisters the session and releases it before returning. A
// following Get for id misses.
func (r *Registry) Remove(id string) (*Session, bool) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	if !ok {
		return nil, false
	}
	_ = s.Close()
	return s, true
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Snapshot returns the ids registered at the time of the call, sorted.
func (r *Registry) Snapshot() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)
	return ids
}
