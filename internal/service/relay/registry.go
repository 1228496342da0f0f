package relay

import (
	"sort"
	"sync"
)

// Registry tracks active call sessions by stream id.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Register maps streamID to s and returns the session it displaced, if any.
func (r *Registry) Register(streamID string, s *Session) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev := r.sessions[streamID]
	r.sessions[streamID] = s
	if prev == s {
		return nil
	}
	return prev
}

// Unregister removes streamID only while it still maps to s.
func (r *Registry) Unregister(streamID string, s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.sessions[streamID]; ok && cur == s {
		delete(r.sessions, streamID)
		return true
	}
	return false
}

// Get returns the session for streamID.
func (r *Registry) Get(streamID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[streamID]
	return s, ok
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// StreamIDs returns the registered stream ids in sorted order.
func (r *Registry) StreamIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Sessions returns a snapshot of the registered sessions.
func (r *Registry) Sessions() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}
