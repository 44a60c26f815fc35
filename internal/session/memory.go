// ABOUTME: In-memory Store implementation for tests and ephemeral deployments
// ABOUTME: Mirrors SQLiteStore semantics including version CAS and destroyed-id tombstones

package session

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemStore is an in-memory Store. It is safe for concurrent use and keeps
// tombstones for destroyed session ids.
type MemStore struct {
	mu        sync.RWMutex
	sessions  map[string]*Session
	channels  map[string]map[string]*ChannelState // sessionID -> channelType
	conflicts map[string]*ConflictRecord
	switches  map[string][]*SwitchContext // sessionID
}

// NewMemStore creates an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{
		sessions:  make(map[string]*Session),
		channels:  make(map[string]map[string]*ChannelState),
		conflicts: make(map[string]*ConflictRecord),
		switches:  make(map[string][]*SwitchContext),
	}
}

func copySession(s *Session) *Session {
	out := *s
	out.AttachedChannels = append([]string(nil), s.AttachedChannels...)
	out.Canonical = s.Canonical.Clone()
	return &out
}

func copyChannelState(cs *ChannelState) *ChannelState {
	out := *cs
	out.Payload = append([]byte(nil), cs.Payload...)
	return &out
}

func copyConflict(c *ConflictRecord) *ConflictRecord {
	out := *c
	out.Candidates = append([]Candidate(nil), c.Candidates...)
	if c.ResolvedAt != nil {
		at := *c.ResolvedAt
		out.ResolvedAt = &at
	}
	return &out
}

// CreateSession stores a new session. Destroyed ids are rejected.
func (m *MemStore) CreateSession(ctx context.Context, sess *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.sessions[sess.SessionID]; ok {
		if existing.Destroyed {
			return ErrSessionDestroyed
		}
		return ErrDuplicateSession
	}
	m.sessions[sess.SessionID] = copySession(sess)
	return nil
}

// GetSession retrieves an active session by id.
func (m *MemStore) GetSession(ctx context.Context, id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	if s.Destroyed {
		return nil, ErrSessionDestroyed
	}
	return copySession(s), nil
}

// UpdateSession applies an optimistic versioned update.
func (m *MemStore) UpdateSession(ctx context.Context, sess *Session, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.sessions[sess.SessionID]
	if !ok {
		return ErrNotFound
	}
	if existing.Destroyed {
		return ErrSessionDestroyed
	}
	if existing.Version != expectedVersion {
		return ErrVersionMismatch
	}
	next := copySession(sess)
	next.Version = expectedVersion + 1
	m.sessions[sess.SessionID] = next
	sess.Version = next.Version
	return nil
}

// TouchSession updates the last-activity timestamp without bumping the version.
func (m *MemStore) TouchSession(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok || s.Destroyed {
		return ErrNotFound
	}
	s.LastActivityAt = at
	return nil
}

// DestroySession tombstones a session id.
func (m *MemStore) DestroySession(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	s.Destroyed = true
	delete(m.channels, id)
	return nil
}

// ExpireIdleSessions destroys sessions idle since before cutoff.
func (m *MemStore) ExpireIdleSessions(ctx context.Context, cutoff time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var expired []string
	for id, s := range m.sessions {
		if !s.Destroyed && s.LastActivityAt.Before(cutoff) {
			s.Destroyed = true
			delete(m.channels, id)
			expired = append(expired, id)
		}
	}
	sort.Strings(expired)
	return expired, nil
}

// PutChannelState inserts or replaces a channel sub-state.
func (m *MemStore) PutChannelState(ctx context.Context, cs *ChannelState) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	byType, ok := m.channels[cs.SessionID]
	if !ok {
		byType = make(map[string]*ChannelState)
		m.channels[cs.SessionID] = byType
	}
	byType[cs.ChannelType] = copyChannelState(cs)
	return nil
}

// GetChannelState retrieves one channel sub-state.
func (m *MemStore) GetChannelState(ctx context.Context, sessionID, channelType string) (*ChannelState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cs, ok := m.channels[sessionID][channelType]
	if !ok {
		return nil, ErrNotFound
	}
	return copyChannelState(cs), nil
}

// ListChannelStates returns all channel sub-states for a session, ordered by
// channel type for determinism.
func (m *MemStore) ListChannelStates(ctx context.Context, sessionID string) ([]*ChannelState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	byType := m.channels[sessionID]
	out := make([]*ChannelState, 0, len(byType))
	for _, cs := range byType {
		out = append(out, copyChannelState(cs))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChannelType < out[j].ChannelType })
	return out, nil
}

// DeleteChannelState removes one channel sub-state.
func (m *MemStore) DeleteChannelState(ctx context.Context, sessionID, channelType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.channels[sessionID], channelType)
	return nil
}

// SaveConflict inserts or replaces a conflict record.
func (m *MemStore) SaveConflict(ctx context.Context, rec *ConflictRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.conflicts[rec.ConflictID] = copyConflict(rec)
	return nil
}

// GetConflict retrieves a conflict record by id.
func (m *MemStore) GetConflict(ctx context.Context, id string) (*ConflictRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.conflicts[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyConflict(c), nil
}

// ListConflicts returns every conflict for a session, open or resolved,
// oldest first.
func (m *MemStore) ListConflicts(ctx context.Context, sessionID string) ([]*ConflictRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*ConflictRecord
	for _, c := range m.conflicts {
		if c.SessionID == sessionID {
			out = append(out, copyConflict(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// ListOpenConflicts returns unresolved conflicts for a session, oldest first.
func (m *MemStore) ListOpenConflicts(ctx context.Context, sessionID string) ([]*ConflictRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*ConflictRecord
	for _, c := range m.conflicts {
		if c.SessionID == sessionID && c.Open() {
			out = append(out, copyConflict(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// SaveSwitch appends a switch context record.
func (m *MemStore) SaveSwitch(ctx context.Context, sw *SwitchContext) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *sw
	cp.LostData = append([]string(nil), sw.LostData...)
	m.switches[sw.SessionID] = append(m.switches[sw.SessionID], &cp)
	return nil
}

// ListSwitches returns switch records for a session in insertion order.
func (m *MemStore) ListSwitches(ctx context.Context, sessionID string) ([]*SwitchContext, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	src := m.switches[sessionID]
	out := make([]*SwitchContext, 0, len(src))
	for _, sw := range src {
		cp := *sw
		cp.LostData = append([]string(nil), sw.LostData...)
		out = append(out, &cp)
	}
	return out, nil
}

// Close is a no-op for the in-memory store.
func (m *MemStore) Close() error { return nil }
