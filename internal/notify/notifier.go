// ABOUTME: In-memory fan-out notifier for session lifecycle events
// ABOUTME: Fire-and-forget pub/sub keyed by session id; drops events for slow subscribers

package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// subscriberBufferSize is the channel buffer for each subscriber.
	subscriberBufferSize = 64
)

// Event kinds emitted over a session's lifetime.
const (
	KindSessionStarted    = "session_started"
	KindMessageProcessed  = "message_processed"
	KindChannelSwitched   = "channel_switched"
	KindSessionEnded      = "session_ended"
	KindConflictEscalated = "conflict_escalated"
	KindSyncApplied       = "sync_applied"
)

// Event is one lifecycle notification. Detail keys are event-kind specific.
type Event struct {
	ID        string
	Kind      string
	SessionID string
	Channel   string
	Detail    map[string]any
	At        time.Time
}

// Notifier provides in-memory pub/sub for lifecycle events. Subscribers
// register for a session id ("*" for all sessions) and receive events as they
// occur. Delivery is best-effort: correctness never depends on it.
type Notifier struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan *Event // sessionID -> subID -> ch
	logger      *slog.Logger
}

// NewNotifier creates a notifier. Pass nil logger for default.
func NewNotifier(logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		subscribers: make(map[string]map[string]chan *Event),
		logger:      logger.With("component", "notifier"),
	}
}

// Subscribe registers a subscriber for events on the given session id, or
// every session when key is "*". Returns a receive channel and a subscription
// ID for later unsubscription. The subscription is automatically cleaned up
// when ctx is cancelled.
func (n *Notifier) Subscribe(ctx context.Context, key string) (<-chan *Event, string) {
	subID := uuid.New().String()
	ch := make(chan *Event, subscriberBufferSize)

	n.mu.Lock()
	if _, ok := n.subscribers[key]; !ok {
		n.subscribers[key] = make(map[string]chan *Event)
	}
	n.subscribers[key][subID] = ch
	n.mu.Unlock()

	n.logger.Debug("subscriber added", "key", key, "sub_id", subID)

	// Auto-cleanup on context cancellation
	go func() {
		<-ctx.Done()
		n.Unsubscribe(key, subID)
	}()

	return ch, subID
}

// Publish sends an event to subscribers of its session id and to wildcard
// subscribers. Fills in ID and At when empty. Non-blocking: events are
// dropped for subscribers whose channels are full.
func (n *Notifier) Publish(event *Event) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}

	n.mu.RLock()
	targets := make([]chan *Event, 0, 4)
	for _, key := range []string{event.SessionID, "*"} {
		for _, ch := range n.subscribers[key] {
			targets = append(targets, ch)
		}
	}
	n.mu.RUnlock()

	for _, ch := range targets {
		select {
		case ch <- event:
			// Sent
		default:
			// Subscriber channel full — drop event for this subscriber
			n.logger.Debug("dropped event for slow subscriber",
				"session_id", event.SessionID,
				"kind", event.Kind)
		}
	}
}

// Unsubscribe removes a subscription and closes its channel.
func (n *Notifier) Unsubscribe(key, subID string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	subs, ok := n.subscribers[key]
	if !ok {
		return
	}

	ch, exists := subs[subID]
	if !exists {
		return
	}

	delete(subs, subID)
	close(ch)

	// Clean up empty key entries
	if len(subs) == 0 {
		delete(n.subscribers, key)
	}

	n.logger.Debug("subscriber removed", "key", key, "sub_id", subID)
}

// Close shuts down the notifier and closes all subscriber channels.
func (n *Notifier) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()

	for key, subs := range n.subscribers {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
		}
		delete(n.subscribers, key)
	}

	n.logger.Debug("notifier closed")
}
