// ABOUTME: Voice assistant adapter: Alexa-style intent envelopes in, SSML out
// ABOUTME: Voice-only surface with an 8 second response budget

package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jqsirls/storygate/internal/session"
)

// voicePrefs is the adapter-private sub-state for the voice assistant.
type voicePrefs struct {
	VoiceID    string  `json:"voice_id,omitempty"`
	SpeechRate float64 `json:"speech_rate,omitempty"`
	Locale     string  `json:"locale,omitempty"`
}

// voiceRequest is the Alexa-style native envelope.
type voiceRequest struct {
	Version string `json:"version"`
	Session struct {
		User struct {
			UserID string `json:"userId"`
		} `json:"user"`
	} `json:"session"`
	Request struct {
		Type   string `json:"type"`
		Intent struct {
			Name  string `json:"name"`
			Slots map[string]struct {
				Value string `json:"value"`
			} `json:"slots"`
		} `json:"intent"`
	} `json:"request"`
}

// VoiceAssistantAdapter implements Adapter for smart-speaker voice assistants.
type VoiceAssistantAdapter struct{}

// NewVoiceAssistantAdapter creates the voice assistant adapter.
func NewVoiceAssistantAdapter() *VoiceAssistantAdapter { return &VoiceAssistantAdapter{} }

func (a *VoiceAssistantAdapter) Type() string { return TypeVoiceAssistant }

func (a *VoiceAssistantAdapter) Capabilities() session.Capabilities {
	return session.Capabilities{
		SupportsVoice:   true,
		MaxResponseTime: 8 * time.Second,
	}
}

func (a *VoiceAssistantAdapter) InitializeSession(ctx context.Context, sess *session.Session, cs *session.ChannelState) error {
	if len(cs.Payload) > 0 {
		return nil
	}
	payload, err := json.Marshal(voicePrefs{SpeechRate: 1.0, Locale: "en-US"})
	if err != nil {
		return err
	}
	cs.Payload = payload
	cs.Capabilities = a.Capabilities()
	return nil
}

func (a *VoiceAssistantAdapter) PreprocessMessage(ctx context.Context, raw []byte, sess *session.Session, cs *session.ChannelState) (*Message, error) {
	var req voiceRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, &MappingError{Channel: TypeVoiceAssistant, Err: err}
	}
	if req.Request.Type == "" {
		return nil, &MappingError{Channel: TypeVoiceAssistant, Err: fmt.Errorf("missing request type")}
	}

	slots := make(map[string]string, len(req.Request.Intent.Slots))
	for name, slot := range req.Request.Intent.Slots {
		slots[name] = slot.Value
	}

	// The utterance slot carries the free-form text; fall back to the intent
	// name when the skill sent none.
	text := slots["utterance"]
	if text == "" {
		text = req.Request.Intent.Name
	}

	userID := req.Session.User.UserID
	if userID == "" {
		userID = sess.UserID
	}

	return &Message{
		SessionID:  sess.SessionID,
		UserID:     userID,
		Channel:    TypeVoiceAssistant,
		Text:       text,
		Intent:     req.Request.Intent.Name,
		Slots:      slots,
		ReceivedAt: time.Now().UTC(),
	}, nil
}

func (a *VoiceAssistantAdapter) PostprocessResponse(ctx context.Context, resp *Response, sess *session.Session) (*Response, error) {
	out := *resp
	out.Speech = paceSpeech(resp.Text)
	out.VoiceOptimized = true
	return &out, nil
}

func (a *VoiceAssistantAdapter) AdaptResponse(ctx context.Context, resp *Response, sess *session.Session) ([]byte, error) {
	speech := resp.Speech
	if speech == "" {
		// Plainest supported representation: unshaped text as speech.
		speech = resp.Text
	}
	out := map[string]any{
		"version": "1.0",
		"response": map[string]any{
			"outputSpeech": map[string]any{
				"type": "SSML",
				"ssml": "<speak>" + speech + "</speak>",
			},
			"shouldEndSession": resp.ShouldEndSession,
		},
	}
	// Visual cues have no voice rendering and are dropped here; the canonical
	// response still carries them for channels that can show them.
	return json.Marshal(out)
}

func (a *VoiceAssistantAdapter) ExportState(ctx context.Context, sess *session.Session, cs *session.ChannelState) ([]byte, error) {
	return append([]byte(nil), cs.Payload...), nil
}

var voiceImportKeys = map[string]bool{
	"voice_id":    true,
	"speech_rate": true,
	"locale":      true,
}

func (a *VoiceAssistantAdapter) ImportState(ctx context.Context, sess *session.Session, cs *session.ChannelState, blob []byte) ([]string, error) {
	fields, err := decodeExport(blob)
	if err != nil {
		return nil, &MappingError{Channel: TypeVoiceAssistant, Err: err}
	}

	prefs := voicePrefs{SpeechRate: 1.0, Locale: "en-US"}
	if s, ok := fields["voice_id"].(string); ok {
		prefs.VoiceID = s
	}
	if f, ok := fields["speech_rate"].(float64); ok && f > 0 {
		prefs.SpeechRate = f
	}
	if s, ok := fields["locale"].(string); ok {
		prefs.Locale = s
	}

	payload, err := json.Marshal(prefs)
	if err != nil {
		return nil, err
	}
	cs.Payload = payload
	cs.Capabilities = a.Capabilities()
	return unhonoredKeys(fields, voiceImportKeys), nil
}

func (a *VoiceAssistantAdapter) CleanupSession(ctx context.Context, sess *session.Session, cs *session.ChannelState) error {
	cs.Payload = nil
	return nil
}

// paceSpeech inserts short breaks after sentence boundaries so long story
// passages read naturally on a speaker.
func paceSpeech(text string) string {
	if text == "" {
		return text
	}
	var b strings.Builder
	for _, r := range text {
		b.WriteRune(r)
		if r == '.' || r == '!' || r == '?' {
			b.WriteString(`<break time="300ms"/>`)
		}
	}
	return b.String()
}
