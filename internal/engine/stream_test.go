// ABOUTME: Tests for streaming responses: simulated chunking and native relay
// ABOUTME: Verifies ordering, completion marking, commit-after-final-chunk, and cancellation

package engine

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jqsirls/storygate/internal/channel"
	"github.com/jqsirls/storygate/internal/session"
)

// nativeStreamRouter implements StreamingRouter with scripted chunks.
type nativeStreamRouter struct {
	scriptedRouter
	chunks []Chunk
}

func (r *nativeStreamRouter) HandleStream(ctx context.Context, msg *channel.Message, sc *SessionContext) (<-chan Chunk, <-chan *Result, error) {
	chunks := make(chan Chunk)
	results := make(chan *Result, 1)
	go func() {
		defer close(chunks)
		for _, c := range r.chunks {
			chunks <- c
		}
		res := *r.result
		results <- &res
		close(results)
	}()
	return chunks, results, nil
}

func drain(t *testing.T, ch <-chan Chunk) []Chunk {
	t.Helper()
	var out []Chunk
	deadline := time.After(5 * time.Second)
	for {
		select {
		case c, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, c)
		case <-deadline:
			t.Fatal("timed out draining stream")
		}
	}
}

func TestStreamResponse_SimulatedChunking(t *testing.T) {
	text := strings.Repeat("once upon a time there was a dragon ", 3) // 21 words
	router := &scriptedRouter{result: &Result{
		Text:         strings.TrimSpace(text),
		StateUpdates: map[string]any{session.FieldPhase: "interactive_story"},
	}}
	eng, store, sink := testEngine(t, router)

	_, err := eng.StartConversation(context.Background(), "user-1", channel.TypeWebChat, "s1")
	require.NoError(t, err)

	ch, err := eng.StreamResponse(context.Background(), &ProcessRequest{
		SessionID:   "s1",
		ChannelType: channel.TypeWebChat,
		Raw:         webChatFrame("tell me more"),
	})
	require.NoError(t, err)

	chunks := drain(t, ch)
	require.Len(t, chunks, 3) // 21 words at 8 per chunk

	for i, c := range chunks {
		assert.Equal(t, i, c.Index)
		assert.Equal(t, 3, c.Total)
		assert.Equal(t, i == len(chunks)-1, c.IsComplete)
	}
	full := make([]string, 0, len(chunks))
	for _, c := range chunks {
		full = append(full, c.Content)
	}
	assert.Equal(t, router.result.Text, strings.Join(full, " "))

	// Committed exactly once, after the final chunk.
	sess, err := store.GetSession(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), sess.Version)
	assert.Equal(t, "interactive_story", sess.Canonical.Phase)
	assert.Len(t, sink.all(), 1)
}

func TestStreamResponse_NativeRelay(t *testing.T) {
	router := &nativeStreamRouter{
		scriptedRouter: scriptedRouter{result: &Result{
			Text:         "The dragon roared.",
			StateUpdates: map[string]any{session.FieldPhase: "interactive_story"},
		}},
		chunks: []Chunk{
			{Content: "The dragon", Index: 0, Total: 2},
			{Content: "roared.", Index: 1, Total: 2, IsComplete: true},
		},
	}
	eng, store, _ := testEngine(t, router)

	_, err := eng.StartConversation(context.Background(), "user-1", channel.TypeWebChat, "s1")
	require.NoError(t, err)

	ch, err := eng.StreamResponse(context.Background(), &ProcessRequest{
		SessionID:   "s1",
		ChannelType: channel.TypeWebChat,
		Raw:         webChatFrame("go on"),
	})
	require.NoError(t, err)

	chunks := drain(t, ch)
	require.Len(t, chunks, 2)
	assert.Equal(t, "The dragon", chunks[0].Content)
	assert.True(t, chunks[1].IsComplete)

	sess, err := store.GetSession(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), sess.Version)
}

func TestStreamResponse_CancellationSkipsCommit(t *testing.T) {
	router := &scriptedRouter{result: &Result{
		Text:         strings.TrimSpace(strings.Repeat("word ", 100)),
		StateUpdates: map[string]any{session.FieldPhase: "interactive_story"},
	}}
	eng, store, sink := testEngine(t, router)

	_, err := eng.StartConversation(context.Background(), "user-1", channel.TypeWebChat, "s1")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := eng.StreamResponse(ctx, &ProcessRequest{
		SessionID:   "s1",
		ChannelType: channel.TypeWebChat,
		Raw:         webChatFrame("go"),
	})
	require.NoError(t, err)

	// Take one chunk, then disconnect.
	first, ok := <-ch
	require.True(t, ok)
	assert.Equal(t, 0, first.Index)
	cancel()

	// The stream closes without emitting the rest.
	for range ch {
	}

	// No partial state: nothing was committed.
	sess, err := store.GetSession(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), sess.Version)
	assert.Empty(t, sink.all())
}

// silentStreamRouter closes its chunk channel without ever delivering a
// result.
type silentStreamRouter struct {
	scriptedRouter
}

func (r *silentStreamRouter) HandleStream(ctx context.Context, msg *channel.Message, sc *SessionContext) (<-chan Chunk, <-chan *Result, error) {
	chunks := make(chan Chunk)
	close(chunks)
	return chunks, make(chan *Result), nil
}

func TestStreamResponse_NativeRelayWithoutResultReleasesSession(t *testing.T) {
	router := &silentStreamRouter{scriptedRouter{result: &Result{Text: "recovered"}}}
	eng, store, _ := testEngine(t, router)

	_, err := eng.StartConversation(context.Background(), "user-1", channel.TypeWebChat, "s1")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := eng.StreamResponse(ctx, &ProcessRequest{
		SessionID:   "s1",
		ChannelType: channel.TypeWebChat,
		Raw:         webChatFrame("hello"),
	})
	require.NoError(t, err)

	cancel()
	assert.Empty(t, drain(t, ch))

	// The session lock must come free; the next turn runs synchronously.
	res, err := eng.ProcessMessage(context.Background(), &ProcessRequest{
		SessionID:   "s1",
		ChannelType: channel.TypeWebChat,
		Raw:         webChatFrame("again"),
	})
	require.NoError(t, err)
	assert.Equal(t, "recovered", res.Response.Text)

	sess, err := store.GetSession(context.Background(), "s1")
	require.NoError(t, err)
	// Only the synchronous turn committed; the abandoned stream did not.
	assert.Equal(t, int64(1), sess.Version)
}

func TestStreamResponse_RouterFailureStreamsFallback(t *testing.T) {
	router := &scriptedRouter{failures: 99, result: &Result{Text: "never"}}
	eng, store, _ := testEngine(t, router)

	_, err := eng.StartConversation(context.Background(), "user-1", channel.TypeWebChat, "s1")
	require.NoError(t, err)

	ch, err := eng.StreamResponse(context.Background(), &ProcessRequest{
		SessionID:   "s1",
		ChannelType: channel.TypeWebChat,
		Raw:         webChatFrame("hi"),
	})
	require.NoError(t, err)

	chunks := drain(t, ch)
	require.NotEmpty(t, chunks)
	assert.True(t, chunks[len(chunks)-1].IsComplete)

	sess, err := store.GetSession(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), sess.Version)
}

func TestSplitChunks(t *testing.T) {
	tests := []struct {
		name      string
		text      string
		size      int
		wantCount int
	}{
		{"empty", "", 8, 1},
		{"single word", "hi", 8, 1},
		{"exact multiple", "a b c d", 2, 2},
		{"remainder", "a b c d e", 2, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chunks := splitChunks(tt.text, tt.size)
			require.Len(t, chunks, tt.wantCount)
			assert.True(t, chunks[len(chunks)-1].IsComplete)
			for i, c := range chunks {
				assert.Equal(t, i, c.Index)
				assert.Equal(t, tt.wantCount, c.Total)
			}
		})
	}
}
