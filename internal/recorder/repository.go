package recorder

import (
	"sort"
	"sync"
	"time"
)

// SessionRepository is the process-wide session table. Sessions are created
// lazily on first access and live for the life of the process.
type SessionRepository struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewSessionRepository returns an empty session table.
func NewSessionRepository() *SessionRepository {
	return &SessionRepository{sessions: make(map[string]*Session)}
}

// Get returns the session for id if it exists.
func (r *SessionRepository) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// GetOrCreate returns the session for id, creating it with createdAt if it
// does not exist yet. created reports whether a new session was made.
func (r *SessionRepository) GetOrCreate(id string, createdAt time.Time) (s *Session, created bool) {
	if s, ok := r.Get(id); ok {
		return s, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok {
		return s, false
	}
	s = newSession(id, createdAt)
	r.sessions[id] = s
	return s, true
}

// List returns all sessions ordered by id.
func (r *SessionRepository) List() []*Session {
	r.mu.RLock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Counts returns the number of known sessions and how many of them are halted.
// Session locks are taken one at a time, never under the table lock.
func (r *SessionRepository) Counts() (active, halted int) {
	for _, s := range r.List() {
		active++
		s.mu.Lock()
		if s.halted != nil {
			halted++
		}
		s.mu.Unlock()
	}
	return active, halted
}
