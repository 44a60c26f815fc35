// ABOUTME: Package documentation for the cross-channel synchronizer
// ABOUTME: Describes fan-out rules, coalescing, conflict routing, and staleness

// Package syncer keeps every channel attached to a session eventually
// consistent with the canonical state.
//
// Deltas are submitted fire-and-forget. Within the coalescing window, deltas
// from the same source and base version merge into one outgoing sync (last
// field write wins; a single writer is not a conflict), while a delta at a
// new base fires the pending batch immediately. For each target channel
// other than the source:
//
//   - in step with the delta's base version: incremental apply
//   - more versions behind than the staleness threshold: full-state resync
//   - holding an unsynced delta for the same base and overlapping fields:
//     a genuine conflict, routed to the conflict resolver before either
//     delta lands
//
// A propagation that cannot complete within the timeout marks the target
// stale and eligible for resync; it is never left half-applied, and unsynced
// state is never deleted on error. HealthFor exposes per-session lag for
// external alerting.
package syncer
