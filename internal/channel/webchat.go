// ABOUTME: Web chat adapter: JSON chat frames over WebSocket or HTTP
// ABOUTME: Supports text, images and streaming; private prefs carry display name and card mode

package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jqsirls/storygate/internal/session"
)

// webChatPrefs is the adapter-private sub-state for web chat.
// Zero-valued optional fields are omitted from exports so a fresh session
// hands off with no unmappable baggage.
type webChatPrefs struct {
	DisplayName string `json:"display_name,omitempty"`
	Locale      string `json:"locale,omitempty"`
	RichCards   bool   `json:"rich_cards,omitempty"`
}

// webChatFrame is the native inbound message shape.
type webChatFrame struct {
	Type   string `json:"type"`
	Text   string `json:"text"`
	UserID string `json:"user_id"`
}

// WebChatAdapter implements Adapter for browser chat surfaces.
type WebChatAdapter struct{}

// NewWebChatAdapter creates the web chat adapter.
func NewWebChatAdapter() *WebChatAdapter { return &WebChatAdapter{} }

func (a *WebChatAdapter) Type() string { return TypeWebChat }

func (a *WebChatAdapter) Capabilities() session.Capabilities {
	return session.Capabilities{
		SupportsText:      true,
		SupportsImages:    true,
		SupportsStreaming: true,
		MaxResponseTime:   10 * time.Second,
	}
}

func (a *WebChatAdapter) InitializeSession(ctx context.Context, sess *session.Session, cs *session.ChannelState) error {
	if len(cs.Payload) > 0 {
		return nil
	}
	payload, err := json.Marshal(webChatPrefs{Locale: "en-US"})
	if err != nil {
		return err
	}
	cs.Payload = payload
	cs.Capabilities = a.Capabilities()
	return nil
}

func (a *WebChatAdapter) PreprocessMessage(ctx context.Context, raw []byte, sess *session.Session, cs *session.ChannelState) (*Message, error) {
	var frame webChatFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return nil, &MappingError{Channel: TypeWebChat, Err: err}
	}
	if frame.Text == "" {
		return nil, &MappingError{Channel: TypeWebChat, Err: fmt.Errorf("empty text in %q frame", frame.Type)}
	}
	userID := frame.UserID
	if userID == "" {
		userID = sess.UserID
	}
	return &Message{
		SessionID:  sess.SessionID,
		UserID:     userID,
		Channel:    TypeWebChat,
		Text:       frame.Text,
		ReceivedAt: time.Now().UTC(),
	}, nil
}

func (a *WebChatAdapter) PostprocessResponse(ctx context.Context, resp *Response, sess *session.Session) (*Response, error) {
	// Text surface: no voice shaping, visual cues pass through untouched.
	return resp, nil
}

func (a *WebChatAdapter) AdaptResponse(ctx context.Context, resp *Response, sess *session.Session) ([]byte, error) {
	out := map[string]any{
		"type":           "response",
		"text":           resp.Text,
		"requires_input": resp.RequiresInput,
		"end_session":    resp.ShouldEndSession,
	}
	if len(resp.VisualCues) > 0 {
		out["visual_cues"] = resp.VisualCues
	}
	if resp.FallbackUsed {
		out["fallback"] = true
	}
	return json.Marshal(out)
}

func (a *WebChatAdapter) ExportState(ctx context.Context, sess *session.Session, cs *session.ChannelState) ([]byte, error) {
	// The payload already uses stable snake_case keys with omitempty.
	return append([]byte(nil), cs.Payload...), nil
}

// webChatImportKeys are the exported-state keys this adapter can honor.
var webChatImportKeys = map[string]bool{
	"display_name": true,
	"locale":       true,
	"rich_cards":   true,
}

func (a *WebChatAdapter) ImportState(ctx context.Context, sess *session.Session, cs *session.ChannelState, blob []byte) ([]string, error) {
	fields, err := decodeExport(blob)
	if err != nil {
		return nil, &MappingError{Channel: TypeWebChat, Err: err}
	}

	prefs := webChatPrefs{Locale: "en-US"}
	if s, ok := fields["display_name"].(string); ok {
		prefs.DisplayName = s
	}
	if s, ok := fields["locale"].(string); ok {
		prefs.Locale = s
	}
	if b, ok := fields["rich_cards"].(bool); ok {
		prefs.RichCards = b
	}

	payload, err := json.Marshal(prefs)
	if err != nil {
		return nil, err
	}
	cs.Payload = payload
	cs.Capabilities = a.Capabilities()
	return unhonoredKeys(fields, webChatImportKeys), nil
}

func (a *WebChatAdapter) CleanupSession(ctx context.Context, sess *session.Session, cs *session.ChannelState) error {
	cs.Payload = nil
	return nil
}
