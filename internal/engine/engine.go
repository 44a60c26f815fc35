// ABOUTME: Universal conversation engine: session lifecycle and message turns
// ABOUTME: Serializes per-session mutations, drives adapters and the router, emits deltas

package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/jqsirls/storygate/internal/channel"
	"github.com/jqsirls/storygate/internal/notify"
	"github.com/jqsirls/storygate/internal/session"
)

// fallbackText is the degraded response when the router fails twice.
const fallbackText = "I'm sorry, I'm having trouble thinking right now. Could you say that again?"

// DeltaSink receives committed state deltas for cross-channel fan-out.
// Submission is fire-and-forget relative to the message turn.
type DeltaSink interface {
	Submit(delta *session.StateDelta)
}

// Options are the engine's timing knobs.
type Options struct {
	// RouterTimeout bounds each router call (applied per attempt).
	RouterTimeout time.Duration
	// SwitchTimeout bounds a channel switch end to end.
	SwitchTimeout time.Duration
	// StreamChunkSize is the word count per simulated stream chunk.
	StreamChunkSize int
}

func (o *Options) applyDefaults() {
	if o.RouterTimeout == 0 {
		o.RouterTimeout = 10 * time.Second
	}
	if o.SwitchTimeout == 0 {
		o.SwitchTimeout = 5 * time.Second
	}
	if o.StreamChunkSize == 0 {
		o.StreamChunkSize = 8
	}
}

// Engine owns session lifecycle and drives message processing. All mutations
// to one session's canonical state pass through a single critical section per
// session id, so concurrent turns never race on the version counter.
type Engine struct {
	store    session.Store
	registry *channel.Registry
	router   Router
	sink     DeltaSink
	notifier *notify.Notifier
	opts     Options
	locks    *sessionLocks
	logger   *slog.Logger
}

// New creates an Engine. sink and notifier may be nil; pass nil logger for
// default.
func New(store session.Store, registry *channel.Registry, router Router, sink DeltaSink, notifier *notify.Notifier, opts Options, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	opts.applyDefaults()
	return &Engine{
		store:    store,
		registry: registry,
		router:   router,
		sink:     sink,
		notifier: notifier,
		opts:     opts,
		locks:    newSessionLocks(),
		logger:   logger.With("component", "engine"),
	}
}

// StartConversation attaches a channel to an existing session or creates a
// fresh one. A generated id is used when sessionID is empty. Returns
// SessionConflictError when the id belongs to a different user, and rejects
// reuse of destroyed ids.
func (e *Engine) StartConversation(ctx context.Context, userID, channelType, sessionID string) (*session.Session, error) {
	adapter, err := e.registry.Get(channelType)
	if err != nil {
		return nil, fmt.Errorf("starting conversation: %w", err)
	}

	if sessionID == "" {
		sessionID = uuid.New().String()
	}

	unlock := e.locks.lock(sessionID)
	defer unlock()

	sess, err := e.store.GetSession(ctx, sessionID)
	switch {
	case err == nil:
		if sess.UserID != userID {
			return nil, &SessionConflictError{SessionID: sessionID, UserID: userID}
		}
		if sess.Attached(channelType) {
			sess.ActiveChannel = channelType
			if err := e.store.UpdateSession(ctx, sess, sess.Version); err != nil {
				return nil, fmt.Errorf("activating channel: %w", err)
			}
			return sess, nil
		}
		if err := e.attachChannel(ctx, sess, adapter); err != nil {
			return nil, err
		}
		return sess, nil

	case errors.Is(err, session.ErrSessionDestroyed):
		return nil, fmt.Errorf("starting conversation %s: %w", sessionID, err)

	case errors.Is(err, session.ErrNotFound):
		// Fresh session below.

	default:
		return nil, fmt.Errorf("resolving session: %w", err)
	}

	now := time.Now().UTC()
	sess = &session.Session{
		SessionID:      sessionID,
		UserID:         userID,
		ActiveChannel:  channelType,
		Canonical:      session.CanonicalState{Phase: "greeting"},
		Version:        0,
		LastActivityAt: now,
	}
	sess.Attach(channelType)

	if err := e.store.CreateSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("creating session: %w", err)
	}

	cs := &session.ChannelState{
		SessionID:   sessionID,
		ChannelType: channelType,
		UpdatedAt:   now,
	}
	if err := adapter.InitializeSession(ctx, sess, cs); err != nil {
		return nil, fmt.Errorf("initializing channel %s: %w", channelType, err)
	}
	if err := e.store.PutChannelState(ctx, cs); err != nil {
		return nil, fmt.Errorf("storing channel state: %w", err)
	}

	e.publish(&notify.Event{Kind: notify.KindSessionStarted, SessionID: sessionID, Channel: channelType})
	e.logger.Info("session started", "session_id", sessionID, "user_id", userID, "channel", channelType)
	return sess, nil
}

// attachChannel adds a new channel to a live session under the caller's lock.
func (e *Engine) attachChannel(ctx context.Context, sess *session.Session, adapter channel.Adapter) error {
	cs := &session.ChannelState{
		SessionID:         sess.SessionID,
		ChannelType:       adapter.Type(),
		LastSyncedVersion: sess.Version,
		UpdatedAt:         time.Now().UTC(),
	}
	if err := adapter.InitializeSession(ctx, sess, cs); err != nil {
		return fmt.Errorf("initializing channel %s: %w", adapter.Type(), err)
	}
	if err := e.store.PutChannelState(ctx, cs); err != nil {
		return fmt.Errorf("storing channel state: %w", err)
	}

	sess.Attach(adapter.Type())
	sess.ActiveChannel = adapter.Type()
	if err := e.store.UpdateSession(ctx, sess, sess.Version); err != nil {
		return fmt.Errorf("attaching channel: %w", err)
	}
	return nil
}

// ProcessRequest is one inbound message turn.
type ProcessRequest struct {
	SessionID   string
	ChannelType string
	Raw         []byte // channel-native envelope
}

// ProcessResult is the outcome of one turn: the canonical response, the
// channel-native payload, and the committed delta (nil when nothing changed
// or the turn degraded to fallback).
type ProcessResult struct {
	Response *channel.Response
	Payload  []byte
	Delta    *session.StateDelta
}

// ProcessMessage runs one message turn: preprocess, route, commit, adapt.
// Router failure after one retry degrades to a fallback apology rather than
// surfacing the error; session resolution failures are returned as typed
// errors.
func (e *Engine) ProcessMessage(ctx context.Context, req *ProcessRequest) (*ProcessResult, error) {
	unlock := e.locks.lock(req.SessionID)
	defer unlock()

	sess, adapter, cs, msg, err := e.prepareTurn(ctx, req)
	if err != nil {
		return nil, err
	}

	result, rerr := e.callRouter(ctx, msg, e.sessionContext(sess, cs))
	if rerr != nil {
		e.logger.Warn("router unavailable, degrading to fallback",
			"session_id", sess.SessionID, "error", rerr)
		resp := e.fallbackResponse(sess.SessionID)
		payload, err := e.renderResponse(ctx, adapter, resp, sess)
		if err != nil {
			return nil, err
		}
		if err := e.store.TouchSession(ctx, sess.SessionID, time.Now().UTC()); err != nil {
			e.logger.Warn("touch after fallback failed", "session_id", sess.SessionID, "error", err)
		}
		return &ProcessResult{Response: resp, Payload: payload}, nil
	}

	delta, err := e.commitTurn(ctx, sess, cs, msg, result)
	if err != nil {
		return nil, err
	}

	resp := &channel.Response{
		SessionID:        sess.SessionID,
		Text:             result.Text,
		ShouldEndSession: result.ShouldEndSession,
		RequiresInput:    result.RequiresInput,
		Confidence:       result.Confidence,
		AgentsUsed:       result.AgentsUsed,
		ResponseTime:     result.ResponseTime,
	}
	payload, err := e.renderResponse(ctx, adapter, resp, sess)
	if err != nil {
		return nil, err
	}

	if delta != nil && e.sink != nil {
		e.sink.Submit(delta)
	}
	e.publish(&notify.Event{
		Kind:      notify.KindMessageProcessed,
		SessionID: sess.SessionID,
		Channel:   req.ChannelType,
		Detail:    map[string]any{"version": sess.Version},
	})

	return &ProcessResult{Response: resp, Payload: payload, Delta: delta}, nil
}

// prepareTurn resolves the session, adapter, channel state and canonical
// message for one turn. Runs under the session lock. A channel not yet
// attached is attached on its first message.
func (e *Engine) prepareTurn(ctx context.Context, req *ProcessRequest) (*session.Session, channel.Adapter, *session.ChannelState, *channel.Message, error) {
	sess, err := e.resolveSession(ctx, req.SessionID)
	if err != nil {
		return nil, nil, nil, nil, err
	}

	adapter, err := e.registry.Get(req.ChannelType)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("processing message: %w", err)
	}

	cs, err := e.store.GetChannelState(ctx, req.SessionID, req.ChannelType)
	switch {
	case errors.Is(err, session.ErrNotFound):
		if aerr := e.attachChannel(ctx, sess, adapter); aerr != nil {
			return nil, nil, nil, nil, aerr
		}
		cs, err = e.store.GetChannelState(ctx, req.SessionID, req.ChannelType)
		if err != nil {
			return nil, nil, nil, nil, fmt.Errorf("loading channel state: %w", err)
		}
	case err != nil:
		return nil, nil, nil, nil, fmt.Errorf("loading channel state: %w", err)
	}

	msg, err := adapter.PreprocessMessage(ctx, req.Raw, sess, cs)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	return sess, adapter, cs, msg, nil
}

// resolveSession loads the session, mapping store sentinels to the engine's
// typed errors.
func (e *Engine) resolveSession(ctx context.Context, sessionID string) (*session.Session, error) {
	sess, err := e.store.GetSession(ctx, sessionID)
	if errors.Is(err, session.ErrNotFound) || errors.Is(err, session.ErrSessionDestroyed) {
		return nil, &SessionNotFoundError{SessionID: sessionID}
	}
	if err != nil {
		return nil, fmt.Errorf("resolving session: %w", err)
	}
	return sess, nil
}

func (e *Engine) sessionContext(sess *session.Session, cs *session.ChannelState) *SessionContext {
	return &SessionContext{
		SessionID:    sess.SessionID,
		UserID:       sess.UserID,
		ChannelType:  cs.ChannelType,
		Canonical:    sess.Canonical.Clone(),
		Capabilities: cs.Capabilities,
	}
}

// callRouter invokes the router with at most one retry and no backoff.
// Retries beyond that belong to the router's own resilience.
func (e *Engine) callRouter(ctx context.Context, msg *channel.Message, sc *SessionContext) (*Result, error) {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		rctx, cancel := context.WithTimeout(ctx, e.opts.RouterTimeout)
		result, err := e.router.Handle(rctx, msg, sc)
		cancel()
		if err == nil {
			return result, nil
		}
		lastErr = err
	}
	return nil, &RouterUnavailableError{Err: lastErr}
}

func (e *Engine) fallbackResponse(sessionID string) *channel.Response {
	return &channel.Response{
		SessionID:        sessionID,
		Text:             fallbackText,
		ShouldEndSession: false,
		RequiresInput:    true,
		FallbackUsed:     true,
	}
}

// renderResponse runs postprocess then adapt for the requesting channel.
func (e *Engine) renderResponse(ctx context.Context, adapter channel.Adapter, resp *channel.Response, sess *session.Session) ([]byte, error) {
	shaped, err := adapter.PostprocessResponse(ctx, resp, sess)
	if err != nil {
		return nil, err
	}
	*resp = *shaped
	return adapter.AdaptResponse(ctx, shaped, sess)
}

// commitTurn applies the router's state updates and the turn's history
// entries to the canonical state, commits through the versioned store, and
// produces the delta. Runs under the session lock. Returns a nil delta when
// the turn changed nothing.
func (e *Engine) commitTurn(ctx context.Context, sess *session.Session, cs *session.ChannelState, msg *channel.Message, result *Result) (*session.StateDelta, error) {
	now := time.Now().UTC()
	before := sess.Canonical.Clone()

	for path, v := range result.StateUpdates {
		if !session.KnownField(path) {
			e.logger.Warn("router returned unknown field, skipping",
				"session_id", sess.SessionID, "field", path)
			continue
		}
		if err := sess.Canonical.SetField(path, v); err != nil {
			e.logger.Warn("state update rejected",
				"session_id", sess.SessionID, "field", path, "error", err)
		}
	}

	sess.Canonical.History = append(sess.Canonical.History,
		session.HistoryEntry{Role: "user", Channel: msg.Channel, Content: msg.Text, Timestamp: msg.ReceivedAt},
		session.HistoryEntry{Role: "assistant", Channel: msg.Channel, Content: result.Text, Timestamp: now},
	)

	fields := session.Diff(&before, &sess.Canonical)
	base := sess.Version
	sess.LastActivityAt = now
	if err := e.store.UpdateSession(ctx, sess, base); err != nil {
		return nil, fmt.Errorf("committing turn: %w", err)
	}

	cs.LastSyncedVersion = sess.Version
	cs.UpdatedAt = now
	if err := e.store.PutChannelState(ctx, cs); err != nil {
		return nil, fmt.Errorf("updating channel state: %w", err)
	}

	if len(fields) == 0 {
		return nil, nil
	}
	return &session.StateDelta{
		DeltaID:       uuid.New().String(),
		SessionID:     sess.SessionID,
		SourceChannel: msg.Channel,
		Fields:        fields,
		BaseVersion:   base,
		ProducedAt:    now,
	}, nil
}

// SwitchChannel hands a session off from one channel to another. Export and
// import run under the session lock so a switch never races a message turn;
// the whole handoff is bounded by the switch timeout. Unmappable fields are
// reported in the returned context's LostData, never silently dropped.
func (e *Engine) SwitchChannel(ctx context.Context, sessionID, from, to string, preserveState bool) (*session.SwitchContext, error) {
	unlock := e.locks.lock(sessionID)
	defer unlock()

	ctx, cancel := context.WithTimeout(ctx, e.opts.SwitchTimeout)
	defer cancel()

	sw := &session.SwitchContext{
		SwitchID:      uuid.New().String(),
		SessionID:     sessionID,
		FromChannel:   from,
		ToChannel:     to,
		PreserveState: preserveState,
		StartedAt:     time.Now().UTC(),
	}

	sess, err := e.resolveSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	sw, err = e.performSwitch(ctx, sess, sw)

	sw.CompletedAt = time.Now().UTC()
	if saveErr := e.store.SaveSwitch(ctx, sw); saveErr != nil {
		e.logger.Error("recording switch failed", "session_id", sessionID, "error", saveErr)
	}
	e.publish(&notify.Event{
		Kind:      notify.KindChannelSwitched,
		SessionID: sessionID,
		Channel:   to,
		Detail:    map[string]any{"from": from, "outcome": string(sw.Outcome), "lost_data": sw.LostData},
	})

	if err != nil {
		return sw, err
	}
	e.logger.Info("channel switched",
		"session_id", sessionID, "from", from, "to", to,
		"outcome", string(sw.Outcome), "lost_fields", len(sw.LostData))
	return sw, nil
}

func (e *Engine) performSwitch(ctx context.Context, sess *session.Session, sw *session.SwitchContext) (*session.SwitchContext, error) {
	fromAdapter, err := e.registry.Get(sw.FromChannel)
	if err != nil {
		sw.Outcome = session.SwitchFailed
		return sw, fmt.Errorf("switch: %w", err)
	}
	toAdapter, err := e.registry.Get(sw.ToChannel)
	if err != nil {
		sw.Outcome = session.SwitchFailed
		return sw, fmt.Errorf("switch: %w", err)
	}

	fromCS, err := e.store.GetChannelState(ctx, sw.SessionID, sw.FromChannel)
	if err != nil {
		sw.Outcome = session.SwitchFailed
		return sw, fmt.Errorf("loading source channel state: %w", err)
	}

	blob, err := fromAdapter.ExportState(ctx, sess, fromCS)
	if err != nil {
		sw.Outcome = session.SwitchFailed
		return sw, fmt.Errorf("exporting %s state: %w", sw.FromChannel, err)
	}

	toCS, err := e.store.GetChannelState(ctx, sw.SessionID, sw.ToChannel)
	if errors.Is(err, session.ErrNotFound) {
		toCS = &session.ChannelState{
			SessionID:         sw.SessionID,
			ChannelType:       sw.ToChannel,
			LastSyncedVersion: sess.Version,
		}
		err = nil
	}
	if err != nil {
		sw.Outcome = session.SwitchFailed
		return sw, fmt.Errorf("loading target channel state: %w", err)
	}

	if sw.PreserveState {
		lost, err := toAdapter.ImportState(ctx, sess, toCS, blob)
		if err != nil {
			sw.Outcome = session.SwitchFailed
			return sw, fmt.Errorf("importing into %s: %w", sw.ToChannel, err)
		}
		sw.LostData = lost
	} else {
		toCS.Payload = nil
		if err := toAdapter.InitializeSession(ctx, sess, toCS); err != nil {
			sw.Outcome = session.SwitchFailed
			return sw, fmt.Errorf("initializing %s: %w", sw.ToChannel, err)
		}
	}

	toCS.LastSyncedVersion = sess.Version
	toCS.UpdatedAt = time.Now().UTC()
	if err := e.store.PutChannelState(ctx, toCS); err != nil {
		sw.Outcome = session.SwitchFailed
		return sw, fmt.Errorf("storing target channel state: %w", err)
	}

	sess.Attach(sw.ToChannel)
	sess.ActiveChannel = sw.ToChannel
	sess.LastActivityAt = time.Now().UTC()
	if err := e.store.UpdateSession(ctx, sess, sess.Version); err != nil {
		sw.Outcome = session.SwitchFailed
		return sw, fmt.Errorf("committing switch: %w", err)
	}

	if len(sw.LostData) > 0 {
		sw.Outcome = session.SwitchLostData
	} else {
		sw.Outcome = session.SwitchSuccess
	}
	return sw, nil
}

// EndConversation cleans up every attached channel, tombstones the session,
// and emits the terminal lifecycle notification. Adapter cleanup errors are
// logged, never fatal: one channel's failure must not strand the others.
func (e *Engine) EndConversation(ctx context.Context, sessionID, reason string) error {
	unlock := e.locks.lock(sessionID)
	defer unlock()

	sess, err := e.resolveSession(ctx, sessionID)
	if err != nil {
		return err
	}

	states, err := e.store.ListChannelStates(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("listing channel states: %w", err)
	}
	for _, cs := range states {
		adapter, aerr := e.registry.Get(cs.ChannelType)
		if aerr != nil {
			continue
		}
		if cerr := adapter.CleanupSession(ctx, sess, cs); cerr != nil {
			e.logger.Warn("channel cleanup failed",
				"session_id", sessionID, "channel", cs.ChannelType, "error", cerr)
		}
	}

	if err := e.store.DestroySession(ctx, sessionID); err != nil {
		return fmt.Errorf("destroying session: %w", err)
	}

	e.publish(&notify.Event{
		Kind:      notify.KindSessionEnded,
		SessionID: sessionID,
		Detail:    map[string]any{"reason": reason},
	})
	e.logger.Info("session ended", "session_id", sessionID, "reason", reason)
	return nil
}

func (e *Engine) publish(ev *notify.Event) {
	if e.notifier != nil {
		e.notifier.Publish(ev)
	}
}
