// ABOUTME: WebSocket transport for the web_chat channel
// ABOUTME: Frame loop drives the engine; lifecycle events are pushed to the client

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"

	"github.com/coder/websocket"

	"github.com/jqsirls/storygate/internal/channel"
	"github.com/jqsirls/storygate/internal/engine"
	"github.com/jqsirls/storygate/internal/notify"
)

// wsConn serializes writes to a WebSocket connection. The read loop and the
// event relay goroutine both write; coder/websocket allows only one writer
// at a time.
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsConn) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.writeRaw(ctx, data)
}

func (c *wsConn) writeRaw(ctx context.Context, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.Write(ctx, websocket.MessageText, data)
}

// wsControlFrame is the transport-level envelope read off the wire. Message
// text rides in the same frame shape the web chat adapter parses, so the raw
// bytes are handed to the engine untouched for "message" and "stream" types.
type wsControlFrame struct {
	Type string `json:"type"`
}

// wsEventFrame is pushed to the client when the session changes underneath
// it: a sync from another channel, or a conflict escalation.
type wsEventFrame struct {
	Type   string         `json:"type"`
	Kind   string         `json:"kind"`
	Detail map[string]any `json:"detail,omitempty"`
}

// handleWebChat handles GET /ws/chat. Query parameters: user_id (required),
// session_id (optional, attaches to an existing session when present).
func (g *Gateway) handleWebChat(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		http.Error(w, "user_id required", http.StatusBadRequest)
		return
	}
	sessionID := r.URL.Query().Get("session_id")

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		g.logger.Error("failed to accept WebSocket", "error", err, "user_id", userID)
		return
	}
	conn := &wsConn{conn: ws}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			g.logger.Debug("failed to close websocket", "error", closeErr)
		}
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sess, err := g.engine.StartConversation(ctx, userID, channel.TypeWebChat, sessionID)
	if err != nil {
		_ = conn.writeJSON(ctx, map[string]string{"type": "error", "error": err.Error()})
		return
	}

	if err := conn.writeJSON(ctx, map[string]string{
		"type":       "session",
		"session_id": sess.SessionID,
	}); err != nil {
		return
	}

	go g.relayEvents(ctx, conn, sess.SessionID)

	g.readLoop(ctx, conn, sess.SessionID)
	g.logger.Info("web chat connection closed", "session_id", sess.SessionID)
}

// relayEvents pushes sync and conflict notifications to the client until the
// connection context is done.
func (g *Gateway) relayEvents(ctx context.Context, conn *wsConn, sessionID string) {
	events, subID := g.notifier.Subscribe(ctx, sessionID)
	defer g.notifier.Unsubscribe(sessionID, subID)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch ev.Kind {
			case notify.KindSyncApplied, notify.KindConflictEscalated, notify.KindChannelSwitched:
				_ = conn.writeJSON(ctx, &wsEventFrame{
					Type:   "event",
					Kind:   ev.Kind,
					Detail: ev.Detail,
				})
			}
		}
	}
}

// readLoop processes inbound frames until the client disconnects or ends the
// session.
func (g *Gateway) readLoop(ctx context.Context, conn *wsConn, sessionID string) {
	for {
		_, raw, err := conn.conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == -1 && !errors.Is(err, context.Canceled) {
				g.logger.Debug("websocket read failed", "error", err, "session_id", sessionID)
			}
			return
		}

		var frame wsControlFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			_ = conn.writeJSON(ctx, map[string]string{"type": "error", "error": "invalid frame"})
			continue
		}

		switch frame.Type {
		case "message":
			g.handleWSMessage(ctx, conn, sessionID, raw)
		case "stream":
			g.handleWSStream(ctx, conn, sessionID, raw)
		case "end":
			if err := g.engine.EndConversation(ctx, sessionID, "client request"); err != nil {
				_ = conn.writeJSON(ctx, map[string]string{"type": "error", "error": err.Error()})
				continue
			}
			_ = conn.writeJSON(ctx, map[string]string{"type": "ended", "session_id": sessionID})
			return
		default:
			_ = conn.writeJSON(ctx, map[string]string{"type": "error", "error": "unknown frame type"})
		}
	}
}

// handleWSMessage runs one full turn and writes the adapter payload back.
func (g *Gateway) handleWSMessage(ctx context.Context, conn *wsConn, sessionID string, raw []byte) {
	result, err := g.engine.ProcessMessage(ctx, &engine.ProcessRequest{
		SessionID:   sessionID,
		ChannelType: channel.TypeWebChat,
		Raw:         raw,
	})
	if err != nil {
		_ = conn.writeJSON(ctx, map[string]string{"type": "error", "error": err.Error()})
		return
	}
	_ = conn.writeRaw(ctx, result.Payload)
}

// handleWSStream runs one streamed turn, writing each chunk as it arrives.
func (g *Gateway) handleWSStream(ctx context.Context, conn *wsConn, sessionID string, raw []byte) {
	chunks, err := g.engine.StreamResponse(ctx, &engine.ProcessRequest{
		SessionID:   sessionID,
		ChannelType: channel.TypeWebChat,
		Raw:         raw,
	})
	if err != nil {
		_ = conn.writeJSON(ctx, map[string]string{"type": "error", "error": err.Error()})
		return
	}

	for chunk := range chunks {
		_ = conn.writeJSON(ctx, map[string]any{
			"type":     "chunk",
			"content":  chunk.Content,
			"index":    chunk.Index,
			"complete": chunk.IsComplete,
		})
	}
}
