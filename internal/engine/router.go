// ABOUTME: Router contract: the external dialogue backend the engine drives
// ABOUTME: Optional streaming extension; results carry canonical field updates

package engine

import (
	"context"
	"time"

	"github.com/jqsirls/storygate/internal/channel"
	"github.com/jqsirls/storygate/internal/session"
)

// SessionContext is the slice of session state the router sees for one turn.
type SessionContext struct {
	SessionID    string
	UserID       string
	ChannelType  string
	Canonical    session.CanonicalState
	Capabilities session.Capabilities
}

// Result is the router's answer for one turn. StateUpdates names the
// canonical fields the turn changed, keyed by dotted field path; the engine
// applies them, computes the delta, and commits.
type Result struct {
	Text             string
	ShouldEndSession bool
	RequiresInput    bool
	Confidence       float64
	AgentsUsed       []string
	ResponseTime     time.Duration
	StateUpdates     map[string]any
}

// Chunk is one piece of a streamed response. Index increases monotonically
// from 0; the final chunk has IsComplete set.
type Chunk struct {
	Content    string
	Index      int
	Total      int
	IsComplete bool
}

// Router handles one canonical message and produces a result. Any error is
// treated as "router unavailable"; the router owns its own resilience beyond
// the engine's single retry.
type Router interface {
	Handle(ctx context.Context, msg *channel.Message, sc *SessionContext) (*Result, error)
}

// StreamingRouter is implemented by routers with native streaming. Chunks are
// relayed 1:1; the stream's Result arrives on the result channel after the
// final chunk.
type StreamingRouter interface {
	Router
	HandleStream(ctx context.Context, msg *channel.Message, sc *SessionContext) (<-chan Chunk, <-chan *Result, error)
}
