// ABOUTME: Per-session keyed mutex for coarse session-level critical sections
// ABOUTME: Entries are refcounted and removed when the last holder releases

package engine

import "sync"

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

// sessionLocks serializes all mutations to one session's canonical state.
// Locking is coarse: one mutex per session id, not per field.
type sessionLocks struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

func newSessionLocks() *sessionLocks {
	return &sessionLocks{entries: make(map[string]*lockEntry)}
}

// lock acquires the session's mutex and returns its release func.
func (l *sessionLocks) lock(sessionID string) func() {
	l.mu.Lock()
	e, ok := l.entries[sessionID]
	if !ok {
		e = &lockEntry{}
		l.entries[sessionID] = e
	}
	e.refs++
	l.mu.Unlock()

	e.mu.Lock()

	return func() {
		e.mu.Unlock()

		l.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(l.entries, sessionID)
		}
		l.mu.Unlock()
	}
}
