// ABOUTME: Package documentation for the universal conversation engine
// ABOUTME: Describes lifecycle operations, locking, and failure semantics

// Package engine owns conversation session lifecycle and drives message
// turns through channel adapters and the external Router.
//
// # Operations
//
//   - StartConversation: attach-or-create for a (user, session, channel)
//   - ProcessMessage: preprocess -> route -> commit -> adapt
//   - StreamResponse: native relay or simulated chunking, commit after the
//     final chunk
//   - SwitchChannel: export/import handoff with lost-data reporting
//   - EndConversation: cleanup, tombstone, terminal notification
//
// # Concurrency
//
// Every mutation to a session's canonical state runs inside one critical
// section per session id. Commits go through the store's optimistic versioned
// update, so the version counter is strictly increasing and no two committed
// deltas share a base version.
//
// # Failure semantics
//
// The router gets at most one retry with no backoff; a second failure
// degrades the turn to a fallback apology with FallbackUsed set, leaving
// canonical state untouched. Session-not-found and cross-user conflicts are
// typed, non-retryable errors. Committed deltas are handed to the DeltaSink
// asynchronously; the requesting channel never waits on fan-out.
package engine
