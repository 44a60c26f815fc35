// ABOUTME: Direct API adapter: plain JSON for webhook and server-to-server integrations
// ABOUTME: Pass-through shapes with full response metadata exposed

package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jqsirls/storygate/internal/session"
)

// directPrefs is the adapter-private sub-state for direct API integrations.
type directPrefs struct {
	Locale string            `json:"locale,omitempty"`
	Labels map[string]string `json:"labels,omitempty"`
}

// directRequest is the native inbound shape.
type directRequest struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
	Message   string `json:"message"`
}

// DirectAPIAdapter implements Adapter for direct API and webhook callers.
type DirectAPIAdapter struct{}

// NewDirectAPIAdapter creates the direct API adapter.
func NewDirectAPIAdapter() *DirectAPIAdapter { return &DirectAPIAdapter{} }

func (a *DirectAPIAdapter) Type() string { return TypeDirectAPI }

func (a *DirectAPIAdapter) Capabilities() session.Capabilities {
	return session.Capabilities{
		SupportsText:    true,
		MaxResponseTime: 30 * time.Second,
	}
}

func (a *DirectAPIAdapter) InitializeSession(ctx context.Context, sess *session.Session, cs *session.ChannelState) error {
	if len(cs.Payload) > 0 {
		return nil
	}
	payload, err := json.Marshal(directPrefs{Locale: "en-US"})
	if err != nil {
		return err
	}
	cs.Payload = payload
	cs.Capabilities = a.Capabilities()
	return nil
}

func (a *DirectAPIAdapter) PreprocessMessage(ctx context.Context, raw []byte, sess *session.Session, cs *session.ChannelState) (*Message, error) {
	var req directRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, &MappingError{Channel: TypeDirectAPI, Err: err}
	}
	if req.Message == "" {
		return nil, &MappingError{Channel: TypeDirectAPI, Err: fmt.Errorf("missing message")}
	}
	userID := req.UserID
	if userID == "" {
		userID = sess.UserID
	}
	return &Message{
		SessionID:  sess.SessionID,
		UserID:     userID,
		Channel:    TypeDirectAPI,
		Text:       req.Message,
		ReceivedAt: time.Now().UTC(),
	}, nil
}

func (a *DirectAPIAdapter) PostprocessResponse(ctx context.Context, resp *Response, sess *session.Session) (*Response, error) {
	return resp, nil
}

func (a *DirectAPIAdapter) AdaptResponse(ctx context.Context, resp *Response, sess *session.Session) ([]byte, error) {
	out := map[string]any{
		"session_id":         resp.SessionID,
		"response":           resp.Text,
		"should_end_session": resp.ShouldEndSession,
		"requires_input":     resp.RequiresInput,
		"fallback_used":      resp.FallbackUsed,
	}
	if resp.Confidence > 0 {
		out["confidence"] = resp.Confidence
	}
	if len(resp.AgentsUsed) > 0 {
		out["agents_used"] = resp.AgentsUsed
	}
	if resp.ResponseTime > 0 {
		out["response_time_ms"] = resp.ResponseTime.Milliseconds()
	}
	return json.Marshal(out)
}

func (a *DirectAPIAdapter) ExportState(ctx context.Context, sess *session.Session, cs *session.ChannelState) ([]byte, error) {
	return append([]byte(nil), cs.Payload...), nil
}

var directImportKeys = map[string]bool{
	"locale": true,
	"labels": true,
}

func (a *DirectAPIAdapter) ImportState(ctx context.Context, sess *session.Session, cs *session.ChannelState, blob []byte) ([]string, error) {
	fields, err := decodeExport(blob)
	if err != nil {
		return nil, &MappingError{Channel: TypeDirectAPI, Err: err}
	}

	prefs := directPrefs{Locale: "en-US"}
	if s, ok := fields["locale"].(string); ok {
		prefs.Locale = s
	}
	if m, ok := fields["labels"].(map[string]any); ok {
		prefs.Labels = make(map[string]string, len(m))
		for k, v := range m {
			if s, ok := v.(string); ok {
				prefs.Labels[k] = s
			}
		}
	}

	payload, err := json.Marshal(prefs)
	if err != nil {
		return nil, err
	}
	cs.Payload = payload
	cs.Capabilities = a.Capabilities()
	return unhonoredKeys(fields, directImportKeys), nil
}

func (a *DirectAPIAdapter) CleanupSession(ctx context.Context, sess *session.Session, cs *session.ChannelState) error {
	cs.Payload = nil
	return nil
}
