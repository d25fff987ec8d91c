package session

import (
	"sort"
	"sync"
	"time"

	"github.com/harun/devrel/internal/observability"
)

// Registry holds the live session records of this process.
//
// The registry only guards its own map. Mutation of a State is serialized by
// the caller through the session's command lane.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*entry
	now      func() time.Time
}

// entry keeps its own activity stamp so idle scans never read a State
// that a lane may be writing.
type entry struct {
	state    *State
	lastSeen time.Time
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	observability.EnsureRegistered()
	return &Registry{
		sessions: make(map[string]*entry),
		now:      time.Now,
	}
}

// GetOrCreate returns the live record for sessionID, creating it on first use.
// The bool is true when a new record was created.
func (r *Registry) GetOrCreate(sessionID, userID, platform string) (*State, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if e, ok := r.sessions[sessionID]; ok {
		e.lastSeen = now
		return e.state, false
	}

	st := NewState(sessionID, userID, platform)
	st.CreatedAt = now
	st.LastActive = now
	r.sessions[sessionID] = &entry{state: st, lastSeen: now}
	observability.SetActiveSessions(len(r.sessions))
	return st, true
}

// Get returns the live record for sessionID
func (r *Registry) Get(sessionID string) (*State, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.sessions[sessionID]
	if !ok {
		return nil, false
	}
	return e.state, true
}

// Touch marks the session as active now
func (r *Registry) Touch(sessionID string) {
	r.mu.Lock()
	if e, ok := r.sessions[sessionID]; ok {
		e.lastSeen = r.now()
	}
	r.mu.Unlock()
}

// Put replaces the live record, e.g. with a restored workflow snapshot.
func (r *Registry) Put(st *State) {
	if st == nil || st.SessionID == "" {
		return
	}
	r.mu.Lock()
	r.sessions[st.SessionID] = &entry{state: st, lastSeen: r.now()}
	n := len(r.sessions)
	r.mu.Unlock()
	observability.SetActiveSessions(n)
}

// Remove drops the live record. It reports whether one existed.
func (r *Registry) Remove(sessionID string) bool {
	r.mu.Lock()
	_, ok := r.sessions[sessionID]
	delete(r.sessions, sessionID)
	n := len(r.sessions)
	r.mu.Unlock()

	observability.SetActiveSessions(n)
	return ok
}

// Idle returns the ids of sessions not touched within ttl,
// oldest first. A ttl <= 0 disables idle expiry.
func (r *Registry) Idle(ttl time.Duration) []string {
	if ttl <= 0 {
		return nil
	}
	cutoff := r.now().Add(-ttl)

	r.mu.RLock()
	type idle struct {
		id   string
		last time.Time
	}
	var found []idle
	for id, e := range r.sessions {
		if e.lastSeen.Before(cutoff) {
			found = append(found, idle{id: id, last: e.lastSeen})
		}
	}
	r.mu.RUnlock()

	sort.Slice(found, func(i, j int) bool { return found[i].last.Before(found[j].last) })
	ids := make([]string, len(found))
	for i, f := range found {
		ids[i] = f.id
	}
	return ids
}

// List returns the live session ids in sorted order
func (r *Registry) List() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	sort.Strings(ids)
	return ids
}

// Len returns the number of live sessions
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
