// ABOUTME: Loopback dialogue backend for running without an external router
// ABOUTME: Echoes phase-aware canned replies so every surface can be exercised

package main

import (
	"context"
	"fmt"
	"time"

	"github.com/jqsirls/storygate/internal/channel"
	"github.com/jqsirls/storygate/internal/engine"
)

// loopbackRouter is a stand-in dialogue backend. It produces deterministic
// replies and advances the conversation phase on the first turn, which is
// enough to drive every channel surface end to end.
type loopbackRouter struct{}

func newLoopbackRouter() *loopbackRouter { return &loopbackRouter{} }

func (r *loopbackRouter) Handle(ctx context.Context, msg *channel.Message, sc *engine.SessionContext) (*engine.Result, error) {
	start := time.Now()

	result := &engine.Result{
		RequiresInput: true,
		Confidence:    1.0,
		AgentsUsed:    []string{"loopback"},
	}

	switch sc.Canonical.Phase {
	case "greeting":
		result.Text = fmt.Sprintf("Welcome back! You said: %s. Shall we start a story?", msg.Text)
		result.StateUpdates = map[string]any{"phase": "story_creation"}
	default:
		result.Text = fmt.Sprintf("And then... %s. What happens next?", msg.Text)
	}

	result.ResponseTime = time.Since(start)
	return result, nil
}
