// ABOUTME: Tests for the gateway HTTP API and server lifecycle
// ABOUTME: Uses a scripted router backend and httptest servers

package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jqsirls/storygate/internal/channel"
	"github.com/jqsirls/storygate/internal/config"
	"github.com/jqsirls/storygate/internal/engine"
)

// stubRouter fails its first failures calls, then returns result.
type stubRouter struct {
	mu       sync.Mutex
	calls    int
	failures int
	result   *engine.Result
}

func (r *stubRouter) Handle(ctx context.Context, msg *channel.Message, sc *engine.SessionContext) (*engine.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.calls <= r.failures {
		return nil, errors.New("router boom")
	}
	res := *r.result
	return &res, nil
}

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Server.HTTPAddr = "127.0.0.1:0"
	cfg.Database.Path = ":memory:"
	cfg.Sync.CoalescingWindow = 10 * time.Millisecond
	cfg.Sync.StalenessThreshold = 5
	cfg.Sync.PropagationTimeout = 2 * time.Second
	return cfg
}

func testGateway(t *testing.T, router engine.Router) *Gateway {
	t.Helper()
	g, err := New(testConfig(), router, nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = g.Shutdown(ctx)
	})
	return g
}

func testServer(t *testing.T, router engine.Router) (*Gateway, *httptest.Server) {
	t.Helper()
	g := testGateway(t, router)
	srv := httptest.NewServer(g.Handler())
	t.Cleanup(srv.Close)
	return g, srv
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	return resp
}

func decodeJSON[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func startSession(t *testing.T, srv *httptest.Server, userID, channelType string) SessionResponse {
	t.Helper()
	resp := postJSON(t, srv.URL+"/api/conversations", StartConversationRequest{
		UserID:      userID,
		ChannelType: channelType,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	return decodeJSON[SessionResponse](t, resp)
}

func TestHealthEndpoints(t *testing.T) {
	_, srv := testServer(t, &stubRouter{result: &engine.Result{Text: "hi"}})

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/health/ready")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestStartConversation_CreatesSession(t *testing.T) {
	_, srv := testServer(t, &stubRouter{result: &engine.Result{Text: "hi"}})

	sess := startSession(t, srv, "user-1", channel.TypeWebChat)
	assert.NotEmpty(t, sess.SessionID)
	assert.Equal(t, "user-1", sess.UserID)
	assert.Equal(t, channel.TypeWebChat, sess.ActiveChannel)
	assert.Equal(t, "greeting", sess.Phase)
	assert.Contains(t, sess.AttachedChannels, channel.TypeWebChat)
}

func TestStartConversation_RejectsMissingFields(t *testing.T) {
	_, srv := testServer(t, &stubRouter{result: &engine.Result{Text: "hi"}})

	resp := postJSON(t, srv.URL+"/api/conversations", StartConversationRequest{UserID: "user-1"})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStartConversation_CrossUserConflict(t *testing.T) {
	_, srv := testServer(t, &stubRouter{result: &engine.Result{Text: "hi"}})

	resp := postJSON(t, srv.URL+"/api/conversations", StartConversationRequest{
		UserID: "user-1", ChannelType: channel.TypeWebChat, SessionID: "s1",
	})
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = postJSON(t, srv.URL+"/api/conversations", StartConversationRequest{
		UserID: "user-2", ChannelType: channel.TypeWebChat, SessionID: "s1",
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestMessage_DirectAPITurn(t *testing.T) {
	router := &stubRouter{result: &engine.Result{Text: "once upon a time", RequiresInput: true}}
	_, srv := testServer(t, router)

	sess := startSession(t, srv, "user-1", channel.TypeDirectAPI)

	resp := postJSON(t, srv.URL+"/api/messages", map[string]string{
		"session_id": sess.SessionID,
		"user_id":    "user-1",
		"message":    "tell me a story",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeJSON[map[string]any](t, resp)
	assert.Equal(t, "once upon a time", body["response"])
	assert.Equal(t, sess.SessionID, body["session_id"])
	assert.Equal(t, true, body["requires_input"])
}

func TestMessage_UnknownSession(t *testing.T) {
	_, srv := testServer(t, &stubRouter{result: &engine.Result{Text: "hi"}})

	resp := postJSON(t, srv.URL+"/api/messages", map[string]string{
		"session_id": "nope",
		"user_id":    "user-1",
		"message":    "hello",
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestMessage_MissingSessionID(t *testing.T) {
	_, srv := testServer(t, &stubRouter{result: &engine.Result{Text: "hi"}})

	resp := postJSON(t, srv.URL+"/api/messages", map[string]string{
		"user_id": "user-1",
		"message": "hello",
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestMessage_RouterFailureDegradesToFallback(t *testing.T) {
	router := &stubRouter{failures: 10, result: &engine.Result{Text: "never"}}
	_, srv := testServer(t, router)

	sess := startSession(t, srv, "user-1", channel.TypeDirectAPI)

	resp := postJSON(t, srv.URL+"/api/messages", map[string]string{
		"session_id": sess.SessionID,
		"user_id":    "user-1",
		"message":    "hello",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeJSON[map[string]any](t, resp)
	assert.Equal(t, true, body["fallback_used"])
	assert.Equal(t, true, body["requires_input"])
}

func TestSwitchChannel_WebChatToMobileVoice(t *testing.T) {
	_, srv := testServer(t, &stubRouter{result: &engine.Result{Text: "hi"}})

	sess := startSession(t, srv, "user-1", channel.TypeWebChat)

	resp := postJSON(t, srv.URL+"/api/sessions/"+sess.SessionID+"/switch", SwitchChannelRequest{
		FromChannel: channel.TypeWebChat,
		ToChannel:   channel.TypeMobileVoice,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	sw := decodeJSON[SwitchChannelResponse](t, resp)
	assert.Equal(t, "success", sw.Outcome)
	assert.Empty(t, sw.LostData)
	assert.NotEmpty(t, sw.SwitchID)
}

func TestSwitchChannel_UnknownSession(t *testing.T) {
	_, srv := testServer(t, &stubRouter{result: &engine.Result{Text: "hi"}})

	resp := postJSON(t, srv.URL+"/api/sessions/nope/switch", SwitchChannelRequest{
		FromChannel: channel.TypeWebChat,
		ToChannel:   channel.TypeMobileVoice,
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestEndConversation(t *testing.T) {
	_, srv := testServer(t, &stubRouter{result: &engine.Result{Text: "hi"}})

	sess := startSession(t, srv, "user-1", channel.TypeWebChat)

	req, err := http.NewRequest(http.MethodDelete, srv.URL+"/api/sessions/"+sess.SessionID, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	// The ended session is gone for messaging.
	resp = postJSON(t, srv.URL+"/api/messages", map[string]string{
		"session_id": sess.SessionID,
		"user_id":    "user-1",
		"message":    "hello",
	})
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	// Reattaching to the tombstoned id is rejected, not recycled.
	resp = postJSON(t, srv.URL+"/api/conversations", StartConversationRequest{
		UserID: "user-1", ChannelType: channel.TypeWebChat, SessionID: sess.SessionID,
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusGone, resp.StatusCode)
}

func TestSyncHealth(t *testing.T) {
	_, srv := testServer(t, &stubRouter{result: &engine.Result{Text: "hi"}})

	sess := startSession(t, srv, "user-1", channel.TypeWebChat)

	resp, err := http.Get(srv.URL + "/api/sessions/" + sess.SessionID + "/sync")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	health := decodeJSON[map[string]any](t, resp)
	assert.Equal(t, sess.SessionID, health["session_id"])
	assert.Equal(t, float64(0), health["channels_behind"])

	resp, err = http.Get(srv.URL + "/api/sessions/nope/sync")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestListConflicts_EmptyForFreshSession(t *testing.T) {
	_, srv := testServer(t, &stubRouter{result: &engine.Result{Text: "hi"}})

	sess := startSession(t, srv, "user-1", channel.TypeWebChat)

	resp, err := http.Get(srv.URL + "/api/sessions/" + sess.SessionID + "/conflicts")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	records := decodeJSON[[]ConflictResponse](t, resp)
	assert.Empty(t, records)
}

func TestRun_GracefulShutdown(t *testing.T) {
	g, err := New(testConfig(), &stubRouter{result: &engine.Result{Text: "hi"}}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- g.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("gateway did not shut down")
	}
}

func TestRun_ListenFailure(t *testing.T) {
	cfg := testConfig()
	cfg.Server.HTTPAddr = "256.256.256.256:0"
	g, err := New(cfg, &stubRouter{result: &engine.Result{Text: "hi"}}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = g.store.Close() })

	err = g.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "listening on HTTP address")
}

func TestMessage_TurnAdvancesSessionVersion(t *testing.T) {
	router := &stubRouter{result: &engine.Result{
		Text:         "noted",
		StateUpdates: map[string]any{"phase": "story_creation"},
	}}
	g, srv := testServer(t, router)

	sess := startSession(t, srv, "user-1", channel.TypeDirectAPI)

	for i := 0; i < 3; i++ {
		resp := postJSON(t, srv.URL+"/api/messages", map[string]string{
			"session_id": sess.SessionID,
			"user_id":    "user-1",
			"message":    fmt.Sprintf("turn %d", i),
		})
		resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}

	stored, err := g.store.GetSession(context.Background(), sess.SessionID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), stored.Version)
	assert.Equal(t, "story_creation", stored.Canonical.Phase)
	assert.Len(t, stored.Canonical.History, 6)
}
