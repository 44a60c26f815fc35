// ABOUTME: ChannelAdapter contract plus the canonical message and response shapes
// ABOUTME: One Adapter implementation per channel type; the engine never branches on type

package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/jqsirls/storygate/internal/session"
)

// Channel type identifiers. Adapters are selected once at registration time.
const (
	TypeWebChat        = "web_chat"
	TypeVoiceAssistant = "voice_assistant"
	TypeMobileVoice    = "mobile_voice"
	TypeDirectAPI      = "direct_api"
)

// Message is the canonical inbound shape the Router consumes, produced by
// PreprocessMessage from a channel's native envelope.
type Message struct {
	SessionID  string
	UserID     string
	Channel    string
	Text       string
	Intent     string
	Slots      map[string]string
	ReceivedAt time.Time
}

// Response is the canonical outbound shape. PostprocessResponse enriches it
// in a channel-agnostic way; AdaptResponse turns it into the wire payload.
type Response struct {
	SessionID        string
	Text             string
	Speech           string // voice-shaped rendering of Text, set by postprocess
	VisualCues       []string
	VoiceOptimized   bool
	ShouldEndSession bool
	RequiresInput    bool
	FallbackUsed     bool
	Confidence       float64
	AgentsUsed       []string
	ResponseTime     time.Duration
}

// MappingError indicates a channel could not express a canonical message or
// response. Adapters degrade to their plainest representation before
// returning this; it surfaces only when even that failed.
type MappingError struct {
	Channel string
	Err     error
}

func (e *MappingError) Error() string {
	return fmt.Sprintf("channel %s: cannot map payload: %v", e.Channel, e.Err)
}

func (e *MappingError) Unwrap() error { return e.Err }

// Adapter translates between one channel's native shape and the canonical
// shapes, and exports/imports the channel's private sub-state for handoff.
//
// Adapters own their ChannelState payload exclusively; they must not mutate
// the session beyond it.
type Adapter interface {
	// Type returns the channel type identifier.
	Type() string

	// Capabilities returns the static capability descriptor for the channel.
	Capabilities() session.Capabilities

	// InitializeSession seeds the channel's private sub-state with defaults.
	// Idempotent: re-initializing an already-seeded state is a no-op.
	InitializeSession(ctx context.Context, sess *session.Session, cs *session.ChannelState) error

	// PreprocessMessage normalizes a native envelope into the canonical
	// Message.
	PreprocessMessage(ctx context.Context, raw []byte, sess *session.Session, cs *session.ChannelState) (*Message, error)

	// PostprocessResponse enriches the canonical response (voice pacing,
	// visual cues) without constructing the wire shape.
	PostprocessResponse(ctx context.Context, resp *Response, sess *session.Session) (*Response, error)

	// AdaptResponse produces the channel-native wire payload.
	AdaptResponse(ctx context.Context, resp *Response, sess *session.Session) ([]byte, error)

	// ExportState serializes the channel's private sub-state for handoff.
	ExportState(ctx context.Context, sess *session.Session, cs *session.ChannelState) ([]byte, error)

	// ImportState applies a blob exported by another (possibly different
	// version) adapter. Unknown fields are ignored, missing ones fall back to
	// InitializeSession defaults, and fields that could not be honored are
	// returned as lostData.
	ImportState(ctx context.Context, sess *session.Session, cs *session.ChannelState, blob []byte) (lostData []string, err error)

	// CleanupSession releases the channel's private resources. Never touches
	// canonical state.
	CleanupSession(ctx context.Context, sess *session.Session, cs *session.ChannelState) error
}

// decodeExport unmarshals an exported state blob into a generic map so
// importers can pick the keys they understand and report the rest.
func decodeExport(blob []byte) (map[string]any, error) {
	if len(blob) == 0 {
		return map[string]any{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal(blob, &m); err != nil {
		return nil, fmt.Errorf("decoding exported state: %w", err)
	}
	return m, nil
}

// unhonoredKeys returns the keys of m not present in known, sorted for stable
// lostData reporting.
func unhonoredKeys(m map[string]any, known map[string]bool) []string {
	var lost []string
	for k := range m {
		if !known[k] {
			lost = append(lost, k)
		}
	}
	sort.Strings(lost)
	return lost
}
