package ingest

import (
	"errors"
	"sync"
)

var ErrSessionExists = errors.New("session already registered")

// Registry tracks live sessions by id. All operations are safe for
// concurrent use; lookup and removal happen under one lock so a session
// can never be popped twice.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Register adds a session under its id.
func (r *Registry) Register(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[s.ID()]; ok {
		return ErrSessionExists
	}
	r.sessions[s.ID()] = s
	return nil
}

// Get returns the session for id, or nil.
func (r *Registry) Get(id string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[id]
}

// Pop removes and returns the session for id, or nil if absent. The
// caller owns closing the returned session.
func (r *Registry) Pop(id string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.sessions[id]
	delete(r.sessions, id)
	return s
}

// Count reports the number of live sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// CloseAll pops every session and closes it, returning the summaries.
// Used on engine shutdown to drain stragglers.
func (r *Registry) CloseAll() []Summary {
	r.mu.Lock()
	all := make([]*Session, 0, len(r.sessions))
	for id, s := range r.sessions {
		all = append(all, s)
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	summaries := make([]Summary, 0, len(all))
	for _, s := range all {
		summaries = append(summaries, s.Close())
	}
	return summaries
}
