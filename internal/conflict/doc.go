// ABOUTME: Package documentation for the conflict resolution engine
// ABOUTME: Describes the strategy chain and escalation semantics

// Package conflict reconciles competing field values produced by different
// channels writing against the same canonical version.
//
// Given a ConflictRecord, the Resolver selects exactly one strategy:
// a stored user preference for the field, set union for set-valued fields,
// semantic merge for narrative text, configured channel precedence, then
// recency with a stable channel-order tie-break. When none applies safely the
// conflict escalates: the field is frozen at its last-known-good value, both
// candidates are preserved, and the record stays open until a user chooses.
//
// Losing candidates are never deleted. They are retained on the record and
// reported in the Resolution's Discarded list.
package conflict
