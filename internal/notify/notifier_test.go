// ABOUTME: Tests for the lifecycle event notifier
// ABOUTME: Covers subscribe, publish, wildcard delivery, unsubscribe, and slow subscribers

package notify

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNotifier_SubscriberReceivesEvent(t *testing.T) {
	n := NewNotifier(nil)
	defer n.Close()

	ch, _ := n.Subscribe(context.Background(), "s1")

	n.Publish(&Event{Kind: KindSessionStarted, SessionID: "s1", Channel: "web_chat"})

	select {
	case ev := <-ch:
		assert.Equal(t, KindSessionStarted, ev.Kind)
		assert.NotEmpty(t, ev.ID)
		assert.False(t, ev.At.IsZero())
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestNotifier_SessionsAreIsolated(t *testing.T) {
	n := NewNotifier(nil)
	defer n.Close()

	ch1, _ := n.Subscribe(context.Background(), "s1")
	ch2, _ := n.Subscribe(context.Background(), "s2")

	n.Publish(&Event{Kind: KindMessageProcessed, SessionID: "s1"})

	select {
	case ev := <-ch1:
		assert.Equal(t, "s1", ev.SessionID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}

	select {
	case ev := <-ch2:
		t.Fatalf("subscriber for s2 received event for %s", ev.SessionID)
	case <-time.After(50 * time.Millisecond):
		// Expected: nothing delivered
	}
}

func TestNotifier_WildcardReceivesAllSessions(t *testing.T) {
	n := NewNotifier(nil)
	defer n.Close()

	ch, _ := n.Subscribe(context.Background(), "*")

	n.Publish(&Event{Kind: KindSessionStarted, SessionID: "s1"})
	n.Publish(&Event{Kind: KindSessionEnded, SessionID: "s2"})

	got := make([]string, 0, 2)
	for i := 0; i < 2; i++ {
		select {
		case ev := <-ch:
			got = append(got, ev.SessionID)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for events")
		}
	}
	assert.ElementsMatch(t, []string{"s1", "s2"}, got)
}

func TestNotifier_UnsubscribeClosesChannel(t *testing.T) {
	n := NewNotifier(nil)
	defer n.Close()

	ch, subID := n.Subscribe(context.Background(), "s1")
	n.Unsubscribe("s1", subID)

	_, open := <-ch
	assert.False(t, open)
}

func TestNotifier_SlowSubscriberDropsNotBlocks(t *testing.T) {
	n := NewNotifier(nil)
	defer n.Close()

	n.Subscribe(context.Background(), "s1")

	done := make(chan struct{})
	go func() {
		// Overflow the buffer with nobody draining; Publish must not block.
		for i := 0; i < subscriberBufferSize*2; i++ {
			n.Publish(&Event{Kind: KindSyncApplied, SessionID: "s1"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}
}
