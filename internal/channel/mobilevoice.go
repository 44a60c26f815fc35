// ABOUTME: Mobile voice adapter: compact JSON payloads for phone voice clients
// ABOUTME: Voice plus text surface; honors both chat and voice preference keys on import

package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jqsirls/storygate/internal/session"
)

// mobilePrefs is the adapter-private sub-state for mobile voice clients.
// It deliberately understands both chat keys (display_name) and voice keys
// (voice_id) so handoffs from either side arrive without loss.
type mobilePrefs struct {
	DisplayName string  `json:"display_name,omitempty"`
	Locale      string  `json:"locale,omitempty"`
	VoiceID     string  `json:"voice_id,omitempty"`
	SpeechRate  float64 `json:"speech_rate,omitempty"`
	Codec       string  `json:"codec,omitempty"`
	PushToken   string  `json:"push_token,omitempty"`
}

// mobileFrame is the compact native inbound shape.
type mobileFrame struct {
	U   string `json:"u"`   // utterance text (post speech-to-text)
	UID string `json:"uid"` // user id
}

// MobileVoiceAdapter implements Adapter for mobile voice clients.
type MobileVoiceAdapter struct{}

// NewMobileVoiceAdapter creates the mobile voice adapter.
func NewMobileVoiceAdapter() *MobileVoiceAdapter { return &MobileVoiceAdapter{} }

func (a *MobileVoiceAdapter) Type() string { return TypeMobileVoice }

func (a *MobileVoiceAdapter) Capabilities() session.Capabilities {
	return session.Capabilities{
		SupportsVoice:     true,
		SupportsText:      true,
		SupportsStreaming: true,
		MaxResponseTime:   6 * time.Second,
	}
}

func (a *MobileVoiceAdapter) InitializeSession(ctx context.Context, sess *session.Session, cs *session.ChannelState) error {
	if len(cs.Payload) > 0 {
		return nil
	}
	payload, err := json.Marshal(mobilePrefs{Locale: "en-US", Codec: "opus"})
	if err != nil {
		return err
	}
	cs.Payload = payload
	cs.Capabilities = a.Capabilities()
	return nil
}

func (a *MobileVoiceAdapter) PreprocessMessage(ctx context.Context, raw []byte, sess *session.Session, cs *session.ChannelState) (*Message, error) {
	var frame mobileFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return nil, &MappingError{Channel: TypeMobileVoice, Err: err}
	}
	if frame.U == "" {
		return nil, &MappingError{Channel: TypeMobileVoice, Err: fmt.Errorf("empty utterance")}
	}
	userID := frame.UID
	if userID == "" {
		userID = sess.UserID
	}
	return &Message{
		SessionID:  sess.SessionID,
		UserID:     userID,
		Channel:    TypeMobileVoice,
		Text:       frame.U,
		ReceivedAt: time.Now().UTC(),
	}, nil
}

func (a *MobileVoiceAdapter) PostprocessResponse(ctx context.Context, resp *Response, sess *session.Session) (*Response, error) {
	out := *resp
	out.Speech = resp.Text // mobile clients do their own TTS pacing
	out.VoiceOptimized = true
	return &out, nil
}

func (a *MobileVoiceAdapter) AdaptResponse(ctx context.Context, resp *Response, sess *session.Session) ([]byte, error) {
	speech := resp.Speech
	if speech == "" {
		speech = resp.Text
	}
	out := map[string]any{
		"t":   speech,
		"end": resp.ShouldEndSession,
		"in":  resp.RequiresInput,
	}
	if resp.FallbackUsed {
		out["fb"] = true
	}
	return json.Marshal(out)
}

func (a *MobileVoiceAdapter) ExportState(ctx context.Context, sess *session.Session, cs *session.ChannelState) ([]byte, error) {
	return append([]byte(nil), cs.Payload...), nil
}

var mobileImportKeys = map[string]bool{
	"display_name": true,
	"locale":       true,
	"voice_id":     true,
	"speech_rate":  true,
	"codec":        true,
	"push_token":   true,
}

func (a *MobileVoiceAdapter) ImportState(ctx context.Context, sess *session.Session, cs *session.ChannelState, blob []byte) ([]string, error) {
	fields, err := decodeExport(blob)
	if err != nil {
		return nil, &MappingError{Channel: TypeMobileVoice, Err: err}
	}

	prefs := mobilePrefs{Locale: "en-US", Codec: "opus"}
	if s, ok := fields["display_name"].(string); ok {
		prefs.DisplayName = s
	}
	if s, ok := fields["locale"].(string); ok {
		prefs.Locale = s
	}
	if s, ok := fields["voice_id"].(string); ok {
		prefs.VoiceID = s
	}
	if f, ok := fields["speech_rate"].(float64); ok && f > 0 {
		prefs.SpeechRate = f
	}
	if s, ok := fields["codec"].(string); ok {
		prefs.Codec = s
	}
	if s, ok := fields["push_token"].(string); ok {
		prefs.PushToken = s
	}

	payload, err := json.Marshal(prefs)
	if err != nil {
		return nil, err
	}
	cs.Payload = payload
	cs.Capabilities = a.Capabilities()
	return unhonoredKeys(fields, mobileImportKeys), nil
}

func (a *MobileVoiceAdapter) CleanupSession(ctx context.Context, sess *session.Session, cs *session.ChannelState) error {
	cs.Payload = nil
	return nil
}
