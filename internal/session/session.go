// ABOUTME: Core data types for cross-channel conversation sessions
// ABOUTME: Defines Session, ChannelState, StateDelta, ConflictRecord and SwitchContext

package session

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrDuplicateSession is returned when creating a session whose id is already active.
var ErrDuplicateSession = errors.New("session already exists")

// ErrSessionDestroyed is returned when a destroyed session id is used again.
// Destroyed ids are tombstoned and never silently reused.
var ErrSessionDestroyed = errors.New("session destroyed")

// ErrVersionMismatch is returned by optimistic updates when the stored version
// no longer matches the caller's expected version.
var ErrVersionMismatch = errors.New("session version mismatch")

// Capabilities describes what a channel can render and accept. It is static
// per channel type and snapshotted into each ChannelState.
type Capabilities struct {
	SupportsVoice     bool          `json:"supports_voice"`
	SupportsText      bool          `json:"supports_text"`
	SupportsImages    bool          `json:"supports_images"`
	SupportsStreaming bool          `json:"supports_streaming"`
	MaxResponseTime   time.Duration `json:"max_response_time"`
}

// HistoryEntry is one turn of the conversation as recorded in canonical state.
type HistoryEntry struct {
	Role      string    `json:"role"` // "user" or "assistant"
	Channel   string    `json:"channel"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// StoryRef references the story currently being created or experienced.
type StoryRef struct {
	StoryID string   `json:"story_id"`
	Title   string   `json:"title"`
	Summary string   `json:"summary"`
	Beats   []string `json:"beats"` // accumulated story beats, set-valued
}

// CharacterRef references the character currently in focus.
type CharacterRef struct {
	CharacterID string   `json:"character_id"`
	Name        string   `json:"name"`
	Traits      []string `json:"traits"` // set-valued
}

// EmotionalContext is a snapshot of the user's inferred emotional state.
type EmotionalContext struct {
	Mood      string    `json:"mood"`
	Intensity float64   `json:"intensity"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CanonicalState is the single authoritative representation of a
// conversation's progress, independent of any channel. Channel sub-states are
// derived views, never sources of truth once merged.
type CanonicalState struct {
	Phase            string           `json:"phase"`
	History          []HistoryEntry   `json:"history"`
	CurrentStory     *StoryRef        `json:"current_story,omitempty"`
	CurrentCharacter *CharacterRef    `json:"current_character,omitempty"`
	Emotional        EmotionalContext `json:"emotional"`
}

// Session is one logical conversation that may span multiple channels.
// Version increases monotonically with every committed mutation.
type Session struct {
	SessionID        string
	UserID           string
	ActiveChannel    string
	AttachedChannels []string
	Canonical        CanonicalState
	Version          int64
	LastActivityAt   time.Time
	Destroyed        bool
}

// Attached reports whether the given channel type is attached to the session.
func (s *Session) Attached(channelType string) bool {
	for _, c := range s.AttachedChannels {
		if c == channelType {
			return true
		}
	}
	return false
}

// Attach adds a channel type to the attached set, once.
func (s *Session) Attach(channelType string) {
	if !s.Attached(channelType) {
		s.AttachedChannels = append(s.AttachedChannels, channelType)
	}
}

// ChannelState is the per-(session, channel) sub-state. The Payload is owned
// exclusively by the channel's adapter and opaque to everything else.
type ChannelState struct {
	SessionID         string
	ChannelType       string
	Payload           []byte
	Capabilities      Capabilities
	LastSyncedVersion int64 // canonical version this channel last incorporated
	Stale             bool  // set when propagation timed out; eligible for full resync
	UpdatedAt         time.Time
}

// StateDelta is the unit of synchronization: the canonical fields one turn or
// one handoff changed, keyed by dotted field path. Immutable once created.
type StateDelta struct {
	DeltaID       string
	SessionID     string
	SourceChannel string
	Fields        map[string]any
	BaseVersion   int64
	ProducedAt    time.Time
}

// Overlap returns the field paths present in both deltas.
func (d *StateDelta) Overlap(other *StateDelta) []string {
	var paths []string
	for p := range d.Fields {
		if _, ok := other.Fields[p]; ok {
			paths = append(paths, p)
		}
	}
	return paths
}

// ConflictType classifies why two deltas collided.
type ConflictType string

const (
	ConflictDataMismatch ConflictType = "data_mismatch"
	ConflictTimestamp    ConflictType = "timestamp_conflict"
	ConflictVersion      ConflictType = "version_conflict"
)

// Candidate is one competing value with its provenance.
type Candidate struct {
	Channel    string    `json:"channel"`
	Value      any       `json:"value"`
	ProducedAt time.Time `json:"produced_at"`
}

// ConflictRecord captures two deltas from different channels touching the same
// field at the same base version. Once ResolvedAt is set the record is closed
// and never mutated; a new conflict is opened instead.
type ConflictRecord struct {
	ConflictID         string
	SessionID          string
	FieldPath          string
	Type               ConflictType
	Candidates         []Candidate // ordered, losers retained
	Strategy           string
	ResolvedValue      any
	ResolvedAt         *time.Time
	RequiresUserChoice bool
	CreatedAt          time.Time
}

// Open reports whether the conflict still awaits resolution.
func (c *ConflictRecord) Open() bool {
	return c.ResolvedAt == nil
}

// SwitchOutcome is the terminal state of a channel handoff.
type SwitchOutcome string

const (
	SwitchSuccess  SwitchOutcome = "success"
	SwitchLostData SwitchOutcome = "lost_data"
	SwitchFailed   SwitchOutcome = "failed"
)

// SwitchContext describes one in-progress or completed channel handoff.
type SwitchContext struct {
	SwitchID      string
	SessionID     string
	FromChannel   string
	ToChannel     string
	PreserveState bool
	StartedAt     time.Time
	CompletedAt   time.Time
	Outcome       SwitchOutcome
	LostData      []string
}
