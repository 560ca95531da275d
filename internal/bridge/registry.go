package bridge

import (
	"fmt"
	"sort"
	"sync"
)

// Registry tracks the live connections of a bridge by client id.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*Connection
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]*Connection)}
}

func (r *Registry) add(c *Connection) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[c.ClientID]; ok {
		return fmt.Errorf("client %s already connected", c.ClientID)
	}
	r.conns[c.ClientID] = c
	return nil
}

func (r *Registry) remove(c *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.conns[c.ClientID]; ok && cur == c {
		delete(r.conns, c.ClientID)
	}
}

// Get looks up a connection.
func (r *Registry) Get(clientID string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[clientID]
	return c, ok
}

// Len returns the number of live connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Snapshot returns the live connections ordered by client id.
func (r *Registry) Snapshot() []*Connection {
	r.mu.RLock()
	out := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ClientID < out[j].ClientID })
	return out
}
