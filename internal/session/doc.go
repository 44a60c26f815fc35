// ABOUTME: Package documentation for the session data model and stores
// ABOUTME: Explains canonical state, versioning, deltas, conflicts and tombstones

// Package session defines the data model for cross-channel conversations and
// the Store contract for persisting it.
//
// # Model
//
// One Session holds the canonical conversation state for a (userId, sessionId)
// pair. Every channel attached to the session keeps a ChannelState: an
// adapter-private payload plus the canonical version it last incorporated.
// Channel sub-states are derived views; the canonical state is the only source
// of truth once a delta is merged.
//
// # Versioning
//
// Session.Version increases monotonically. All writes go through
// Store.UpdateSession, a compare-and-swap on the version column: the update
// succeeds only when the stored version matches the caller's expectation, so
// two writers can never both commit against the same base version.
//
// # Deltas and conflicts
//
// A StateDelta is the unit of synchronization: the dotted canonical field
// paths one turn (or one handoff) changed, the version it was computed
// against, and when it was produced. Two deltas from different channels
// touching the same field at the same base version open a ConflictRecord per
// overlapping field. Closed records are immutable.
//
// # Tombstones
//
// Destroyed sessions stay in the store as tombstones. Creating or loading a
// destroyed id returns ErrSessionDestroyed, never a fresh session, so an
// ended conversation's id cannot be silently reused.
//
// # Implementations
//
// SQLiteStore is the durable implementation (modernc.org/sqlite, WAL mode).
// MemStore mirrors its semantics in memory for tests and ephemeral runs.
package session
