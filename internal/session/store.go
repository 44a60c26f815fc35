// ABOUTME: Store interface for conversation session persistence
// ABOUTME: Sessions use optimistic versioned updates; channel states are keyed by (session, channel)

package session

import (
	"context"
	"time"
)

// Store is the durable keyed storage contract for sessions, channel
// sub-states, conflict records and switch contexts. Session updates are
// optimistic: UpdateSession succeeds only when the stored version matches the
// caller's expectation, and bumps it by one.
type Store interface {
	// Sessions
	CreateSession(ctx context.Context, sess *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	// UpdateSession writes sess if the stored version equals expectedVersion,
	// then sets Version = expectedVersion + 1. Returns ErrVersionMismatch
	// otherwise.
	UpdateSession(ctx context.Context, sess *Session, expectedVersion int64) error
	TouchSession(ctx context.Context, id string, at time.Time) error
	// DestroySession tombstones the session id; it is never reused.
	DestroySession(ctx context.Context, id string) error
	// ExpireIdleSessions destroys sessions idle since before the cutoff and
	// returns their ids.
	ExpireIdleSessions(ctx context.Context, cutoff time.Time) ([]string, error)

	// Channel states
	PutChannelState(ctx context.Context, cs *ChannelState) error
	GetChannelState(ctx context.Context, sessionID, channelType string) (*ChannelState, error)
	ListChannelStates(ctx context.Context, sessionID string) ([]*ChannelState, error)
	DeleteChannelState(ctx context.Context, sessionID, channelType string) error

	// Conflicts
	SaveConflict(ctx context.Context, rec *ConflictRecord) error
	GetConflict(ctx context.Context, id string) (*ConflictRecord, error)
	ListConflicts(ctx context.Context, sessionID string) ([]*ConflictRecord, error)
	ListOpenConflicts(ctx context.Context, sessionID string) ([]*ConflictRecord, error)

	// Switches
	SaveSwitch(ctx context.Context, sw *SwitchContext) error
	ListSwitches(ctx context.Context, sessionID string) ([]*SwitchContext, error)

	Close() error
}
