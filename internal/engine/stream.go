// ABOUTME: Streaming response contract: native relay or simulated chunking
// ABOUTME: Canonical commit happens once, after the final chunk; cancellation never rolls back

package engine

import (
	"context"
	"strings"

	"github.com/jqsirls/storygate/internal/channel"
	"github.com/jqsirls/storygate/internal/notify"
	"github.com/jqsirls/storygate/internal/session"
)

// StreamResponse runs one message turn as an ordered chunk sequence. When the
// router supports native streaming its chunks are relayed 1:1; otherwise the
// synchronous response is split into word-bounded chunks. Either way the
// canonical state commits exactly once, after the final chunk, so a cancelled
// stream never leaves partial state. The turn is restartable only by
// re-invoking the whole request.
//
// The session lock is held until the stream finishes or the context is
// cancelled.
func (e *Engine) StreamResponse(ctx context.Context, req *ProcessRequest) (<-chan Chunk, error) {
	unlock := e.locks.lock(req.SessionID)

	sess, _, cs, msg, err := e.prepareTurn(ctx, req)
	if err != nil {
		unlock()
		return nil, err
	}

	out := make(chan Chunk)

	if sr, ok := e.router.(StreamingRouter); ok {
		go e.relayNativeStream(ctx, unlock, out, sr, sess, cs, msg)
	} else {
		go e.simulateStream(ctx, unlock, out, sess, cs, msg)
	}
	return out, nil
}

// relayNativeStream forwards the router's own chunks, committing after the
// stream completes.
func (e *Engine) relayNativeStream(ctx context.Context, unlock func(), out chan<- Chunk, sr StreamingRouter, sess *session.Session, cs *session.ChannelState, msg *channel.Message) {
	defer unlock()
	defer close(out)

	rctx, cancel := context.WithTimeout(ctx, e.opts.RouterTimeout)
	defer cancel()

	chunks, results, err := sr.HandleStream(rctx, msg, e.sessionContext(sess, cs))
	if err != nil {
		e.logger.Warn("native stream failed, degrading to fallback",
			"session_id", sess.SessionID, "error", err)
		e.emitChunks(ctx, out, splitChunks(fallbackText, e.opts.StreamChunkSize))
		return
	}

	for c := range chunks {
		select {
		case out <- c:
		case <-ctx.Done():
			// Client gone: stop emission. Nothing committed yet.
			return
		}
	}

	// A router that closes its chunk channel without delivering a result
	// must not pin the session lock forever.
	var result *Result
	select {
	case result = <-results:
	case <-rctx.Done():
		return
	}
	if result == nil {
		return
	}
	e.commitStreamTurn(ctx, sess, cs, msg, result)
}

// simulateStream splits one synchronous response into artificial chunks.
func (e *Engine) simulateStream(ctx context.Context, unlock func(), out chan<- Chunk, sess *session.Session, cs *session.ChannelState, msg *channel.Message) {
	defer unlock()
	defer close(out)

	result, rerr := e.callRouter(ctx, msg, e.sessionContext(sess, cs))
	if rerr != nil {
		e.logger.Warn("router unavailable, streaming fallback",
			"session_id", sess.SessionID, "error", rerr)
		e.emitChunks(ctx, out, splitChunks(fallbackText, e.opts.StreamChunkSize))
		return
	}

	if !e.emitChunks(ctx, out, splitChunks(result.Text, e.opts.StreamChunkSize)) {
		// Cancelled before the final chunk: no commit.
		return
	}
	e.commitStreamTurn(ctx, sess, cs, msg, result)
}

// commitStreamTurn commits a completed stream's state and fans out the delta.
func (e *Engine) commitStreamTurn(ctx context.Context, sess *session.Session, cs *session.ChannelState, msg *channel.Message, result *Result) {
	delta, err := e.commitTurn(ctx, sess, cs, msg, result)
	if err != nil {
		e.logger.Error("stream commit failed", "session_id", sess.SessionID, "error", err)
		return
	}
	if delta != nil && e.sink != nil {
		e.sink.Submit(delta)
	}
	e.publish(&notify.Event{
		Kind:      notify.KindMessageProcessed,
		SessionID: sess.SessionID,
		Channel:   msg.Channel,
		Detail:    map[string]any{"version": sess.Version, "streamed": true},
	})
}

// emitChunks sends every chunk in order, reporting whether all were emitted.
func (e *Engine) emitChunks(ctx context.Context, out chan<- Chunk, chunks []Chunk) bool {
	for _, c := range chunks {
		select {
		case out <- c:
		case <-ctx.Done():
			return false
		}
	}
	return true
}

// splitChunks breaks text into word-bounded chunks of at most wordsPerChunk
// words, with monotonically increasing indexes and the last chunk marked
// complete. Empty text yields a single complete empty chunk.
func splitChunks(text string, wordsPerChunk int) []Chunk {
	words := strings.Fields(text)
	if len(words) == 0 {
		return []Chunk{{Content: text, Index: 0, Total: 1, IsComplete: true}}
	}

	total := (len(words) + wordsPerChunk - 1) / wordsPerChunk
	chunks := make([]Chunk, 0, total)
	for i := 0; i < total; i++ {
		start := i * wordsPerChunk
		end := start + wordsPerChunk
		if end > len(words) {
			end = len(words)
		}
		chunks = append(chunks, Chunk{
			Content:    strings.Join(words[start:end], " "),
			Index:      i,
			Total:      total,
			IsComplete: i == total-1,
		})
	}
	return chunks
}
