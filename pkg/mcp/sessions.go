package mcp

import (
	"slices"
	"sync"
)

// SessionRegistry maps worker hosts to MCP session IDs.
// Populated when a worker reports a task callback carrying its host.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]string // host → sessionID
}

// NewSessionRegistry creates a new empty SessionRegistry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{sessions: make(map[string]string)}
}

// Register associates a worker host with a session ID.
// A worker that reconnects overwrites its previous session.
func (r *SessionRegistry) Register(host, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[host] = sessionID
}

// SessionFor returns the session ID of the given worker, if connected.
func (r *SessionRegistry) SessionFor(host string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sid, ok := r.sessions[host]
	return sid, ok
}

// Remove deletes every host mapped to sessionID and returns them sorted.
func (r *SessionRegistry) Remove(sessionID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var removed []string
	for host, sid := range r.sessions {
		if sid == sessionID {
			delete(r.sessions, host)
			removed = append(removed, host)
		}
	}
	slices.Sort(removed)
	return removed
}

// Hosts returns the connected worker hosts, sorted.
func (r *SessionRegistry) Hosts() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	hosts := make([]string, 0, len(r.sessions))
	for host := range r.sessions {
		hosts = append(hosts, host)
	}
	slices.Sort(hosts)
	return hosts
}
