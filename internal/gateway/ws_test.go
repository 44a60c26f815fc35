// ABOUTME: Tests for the web_chat WebSocket transport
// ABOUTME: Dials real sockets against an httptest server

package gateway

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jqsirls/storygate/internal/channel"
	"github.com/jqsirls/storygate/internal/engine"
)

func wsURL(srv *httptest.Server, query string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/chat?" + query
}

func dialChat(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	conn, _, err := websocket.Dial(ctx, wsURL(srv, query), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "test done") })
	return conn
}

// readFrameOfType reads frames until one of the wanted type arrives, skipping
// asynchronous "event" frames pushed by the notifier relay.
func readFrameOfType(t *testing.T, conn *websocket.Conn, wanted string) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		_, raw, err := conn.Read(ctx)
		require.NoError(t, err)
		var frame map[string]any
		require.NoError(t, json.Unmarshal(raw, &frame))
		if frame["type"] == wanted {
			return frame
		}
		require.Equal(t, "event", frame["type"], "unexpected frame while waiting for %q: %v", wanted, frame)
	}
}

func writeFrame(t *testing.T, conn *websocket.Conn, frame map[string]any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	raw, err := json.Marshal(frame)
	require.NoError(t, err)
	require.NoError(t, conn.Write(ctx, websocket.MessageText, raw))
}

func TestWebChat_SessionFrameOnConnect(t *testing.T) {
	_, srv := testServer(t, &stubRouter{result: &engine.Result{Text: "hi"}})

	conn := dialChat(t, srv, "user_id=user-1")
	frame := readFrameOfType(t, conn, "session")
	assert.NotEmpty(t, frame["session_id"])
}

func TestWebChat_RejectsMissingUserID(t *testing.T) {
	_, srv := testServer(t, &stubRouter{result: &engine.Result{Text: "hi"}})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, resp, err := websocket.Dial(ctx, wsURL(srv, ""), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 400, resp.StatusCode)
}

func TestWebChat_MessageTurn(t *testing.T) {
	router := &stubRouter{result: &engine.Result{Text: "hello there", RequiresInput: true}}
	_, srv := testServer(t, router)

	conn := dialChat(t, srv, "user_id=user-1")
	readFrameOfType(t, conn, "session")

	writeFrame(t, conn, map[string]any{"type": "message", "text": "hi", "user_id": "user-1"})
	frame := readFrameOfType(t, conn, "response")
	assert.Equal(t, "hello there", frame["text"])
	assert.Equal(t, true, frame["requires_input"])
}

func TestWebChat_AttachesToExistingSession(t *testing.T) {
	_, srv := testServer(t, &stubRouter{result: &engine.Result{Text: "hi"}})

	sess := startSession(t, srv, "user-1", channel.TypeDirectAPI)

	conn := dialChat(t, srv, "user_id=user-1&session_id="+sess.SessionID)
	frame := readFrameOfType(t, conn, "session")
	assert.Equal(t, sess.SessionID, frame["session_id"])
}

func TestWebChat_CrossUserAttachRejected(t *testing.T) {
	_, srv := testServer(t, &stubRouter{result: &engine.Result{Text: "hi"}})

	sess := startSession(t, srv, "user-1", channel.TypeWebChat)

	conn := dialChat(t, srv, "user_id=user-2&session_id="+sess.SessionID)
	frame := readFrameOfType(t, conn, "error")
	assert.Contains(t, frame["error"], sess.SessionID)
}

func TestWebChat_StreamedTurn(t *testing.T) {
	text := "one two three four five six seven eight nine ten eleven twelve"
	router := &stubRouter{result: &engine.Result{Text: text}}
	g, srv := testServer(t, router)

	conn := dialChat(t, srv, "user_id=user-1")
	sessFrame := readFrameOfType(t, conn, "session")
	sessionID := sessFrame["session_id"].(string)

	writeFrame(t, conn, map[string]any{"type": "stream", "text": "go", "user_id": "user-1"})

	var rebuilt []string
	for {
		frame := readFrameOfType(t, conn, "chunk")
		rebuilt = append(rebuilt, frame["content"].(string))
		if frame["complete"] == true {
			break
		}
	}
	assert.Equal(t, text, strings.Join(rebuilt, " "))

	stored, err := g.store.GetSession(context.Background(), sessionID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stored.Version)
}

func TestWebChat_EndFrameDestroysSession(t *testing.T) {
	g, srv := testServer(t, &stubRouter{result: &engine.Result{Text: "hi"}})

	conn := dialChat(t, srv, "user_id=user-1")
	sessFrame := readFrameOfType(t, conn, "session")
	sessionID := sessFrame["session_id"].(string)

	writeFrame(t, conn, map[string]any{"type": "end"})
	frame := readFrameOfType(t, conn, "ended")
	assert.Equal(t, sessionID, frame["session_id"])

	_, err := g.store.GetSession(context.Background(), sessionID)
	assert.Error(t, err)
}

func TestWebChat_UnknownFrameType(t *testing.T) {
	_, srv := testServer(t, &stubRouter{result: &engine.Result{Text: "hi"}})

	conn := dialChat(t, srv, "user_id=user-1")
	readFrameOfType(t, conn, "session")

	writeFrame(t, conn, map[string]any{"type": "bogus"})
	frame := readFrameOfType(t, conn, "error")
	assert.Equal(t, "unknown frame type", frame["error"])
}
