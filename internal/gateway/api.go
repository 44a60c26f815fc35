// ABOUTME: HTTP API handlers for conversation lifecycle and sync operations
// ABOUTME: Maps engine and adapter errors to JSON responses with proper status codes

package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/jqsirls/storygate/internal/channel"
	"github.com/jqsirls/storygate/internal/engine"
	"github.com/jqsirls/storygate/internal/session"
)

// StartConversationRequest is the JSON request body for POST /api/conversations.
type StartConversationRequest struct {
	UserID      string `json:"user_id"`
	ChannelType string `json:"channel_type"`
	SessionID   string `json:"session_id,omitempty"`
}

// SessionResponse is the JSON shape of a conversation session.
type SessionResponse struct {
	SessionID        string   `json:"session_id"`
	UserID           string   `json:"user_id"`
	ActiveChannel    string   `json:"active_channel"`
	AttachedChannels []string `json:"attached_channels"`
	Phase            string   `json:"phase"`
	Version          int64    `json:"version"`
}

// SwitchChannelRequest is the JSON request body for POST /api/sessions/{id}/switch.
type SwitchChannelRequest struct {
	FromChannel   string `json:"from_channel"`
	ToChannel     string `json:"to_channel"`
	PreserveState *bool  `json:"preserve_state,omitempty"`
}

// SwitchChannelResponse is the JSON response for a channel switch.
type SwitchChannelResponse struct {
	SwitchID    string   `json:"switch_id"`
	SessionID   string   `json:"session_id"`
	FromChannel string   `json:"from_channel"`
	ToChannel   string   `json:"to_channel"`
	Outcome     string   `json:"outcome"`
	LostData    []string `json:"lost_data"`
}

// ConflictResponse is the JSON shape of one conflict record.
type ConflictResponse struct {
	ConflictID         string `json:"conflict_id"`
	FieldPath          string `json:"field_path"`
	Strategy           string `json:"strategy,omitempty"`
	RequiresUserChoice bool   `json:"requires_user_choice"`
	Resolved           bool   `json:"resolved"`
}

func sessionResponse(sess *session.Session) *SessionResponse {
	return &SessionResponse{
		SessionID:        sess.SessionID,
		UserID:           sess.UserID,
		ActiveChannel:    sess.ActiveChannel,
		AttachedChannels: sess.AttachedChannels,
		Phase:            sess.Canonical.Phase,
		Version:          sess.Version,
	}
}

// sendJSON writes a JSON response with the given status code.
func (g *Gateway) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Error("failed to encode response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	g.sendJSON(w, status, map[string]string{"error": message})
}

// sendEngineError maps engine and adapter errors to HTTP status codes.
func (g *Gateway) sendEngineError(w http.ResponseWriter, err error) {
	var notFound *engine.SessionNotFoundError
	var conflict *engine.SessionConflictError
	var mapping *channel.MappingError

	switch {
	case errors.As(err, &notFound):
		g.sendJSONError(w, http.StatusNotFound, err.Error())
	case errors.As(err, &conflict):
		g.sendJSONError(w, http.StatusConflict, err.Error())
	case errors.Is(err, session.ErrSessionDestroyed):
		g.sendJSONError(w, http.StatusGone, "session destroyed")
	case errors.As(err, &mapping), errors.Is(err, channel.ErrAdapterNotFound):
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
	default:
		g.logger.Error("request failed", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
	}
}

// decodeBody decodes a JSON request body into v.
func decodeBody(r *http.Request, v any) error {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return fmt.Errorf("reading body: %w", err)
	}
	if len(body) == 0 {
		return errors.New("empty request body")
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return nil
}

// handleStartConversation handles POST /api/conversations.
// It attaches the channel to an existing session or creates a fresh one.
func (g *Gateway) handleStartConversation(w http.ResponseWriter, r *http.Request) {
	var req StartConversationRequest
	if err := decodeBody(r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.UserID == "" || req.ChannelType == "" {
		g.sendJSONError(w, http.StatusBadRequest, "user_id and channel_type are required")
		return
	}

	sess, err := g.engine.StartConversation(r.Context(), req.UserID, req.ChannelType, req.SessionID)
	if err != nil {
		g.sendEngineError(w, err)
		return
	}

	g.sendJSON(w, http.StatusCreated, sessionResponse(sess))
}

// directEnvelope is the minimal slice of the direct_api inbound body the
// gateway needs for routing. The full raw body goes to the adapter untouched.
type directEnvelope struct {
	SessionID string `json:"session_id"`
}

// handleMessage handles POST /api/messages, the direct_api channel inbound.
// The body is the channel-native envelope; the adapter's wire payload comes
// back as the response body.
func (g *Gateway) handleMessage(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "reading body: "+err.Error())
		return
	}

	var env directEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if env.SessionID == "" {
		g.sendJSONError(w, http.StatusBadRequest, "session_id is required")
		return
	}

	result, err := g.engine.ProcessMessage(r.Context(), &engine.ProcessRequest{
		SessionID:   env.SessionID,
		ChannelType: channel.TypeDirectAPI,
		Raw:         raw,
	})
	if err != nil {
		g.sendEngineError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(result.Payload)
}

// handleSwitchChannel handles POST /api/sessions/{id}/switch.
func (g *Gateway) handleSwitchChannel(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")

	var req SwitchChannelRequest
	if err := decodeBody(r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.FromChannel == "" || req.ToChannel == "" {
		g.sendJSONError(w, http.StatusBadRequest, "from_channel and to_channel are required")
		return
	}

	preserve := true
	if req.PreserveState != nil {
		preserve = *req.PreserveState
	}

	sw, err := g.engine.SwitchChannel(r.Context(), sessionID, req.FromChannel, req.ToChannel, preserve)
	if err != nil {
		g.sendEngineError(w, err)
		return
	}

	lost := sw.LostData
	if lost == nil {
		lost = []string{}
	}
	g.sendJSON(w, http.StatusOK, &SwitchChannelResponse{
		SwitchID:    sw.SwitchID,
		SessionID:   sw.SessionID,
		FromChannel: sw.FromChannel,
		ToChannel:   sw.ToChannel,
		Outcome:     string(sw.Outcome),
		LostData:    lost,
	})
}

// handleEndConversation handles DELETE /api/sessions/{id}.
func (g *Gateway) handleEndConversation(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	reason := r.URL.Query().Get("reason")
	if reason == "" {
		reason = "client request"
	}

	if err := g.engine.EndConversation(r.Context(), sessionID, reason); err != nil {
		g.sendEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleSyncHealth handles GET /api/sessions/{id}/sync.
// It reports the syncer's health signal for one session.
func (g *Gateway) handleSyncHealth(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")

	health, err := g.syncer.HealthFor(r.Context(), sessionID)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			g.sendJSONError(w, http.StatusNotFound, "session not found")
			return
		}
		if errors.Is(err, session.ErrSessionDestroyed) {
			g.sendJSONError(w, http.StatusGone, "session destroyed")
			return
		}
		g.sendEngineError(w, err)
		return
	}

	g.sendJSON(w, http.StatusOK, health)
}

// handleListConflicts handles GET /api/sessions/{id}/conflicts.
func (g *Gateway) handleListConflicts(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")

	records, err := g.store.ListConflicts(r.Context(), sessionID)
	if err != nil {
		g.sendEngineError(w, err)
		return
	}

	out := make([]ConflictResponse, 0, len(records))
	for _, rec := range records {
		out = append(out, ConflictResponse{
			ConflictID:         rec.ConflictID,
			FieldPath:          rec.FieldPath,
			Strategy:           rec.Strategy,
			RequiresUserChoice: rec.RequiresUserChoice,
			Resolved:           !rec.Open(),
		})
	}
	g.sendJSON(w, http.StatusOK, out)
}
