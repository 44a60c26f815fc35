// ABOUTME: Cross-channel synchronizer: fans committed deltas out to attached channels
// ABOUTME: Coalesces bursts, detects same-base conflicts, full-resyncs stale channels

package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jqsirls/storygate/internal/conflict"
	"github.com/jqsirls/storygate/internal/notify"
	"github.com/jqsirls/storygate/internal/session"
)

// SyncStalenessError indicates a target channel has fallen too many versions
// behind for incremental catch-up. It is an internal signal: the synchronizer
// reacts with a full-state resync, the user never sees it.
type SyncStalenessError struct {
	SessionID   string
	ChannelType string
	Behind      int64
}

func (e *SyncStalenessError) Error() string {
	return fmt.Sprintf("channel %s on session %s is %d versions behind", e.ChannelType, e.SessionID, e.Behind)
}

// Config are the synchronizer's tuning knobs.
type Config struct {
	// CoalescingWindow batches deltas from the same source produced close
	// together into one outgoing sync per target.
	CoalescingWindow time.Duration
	// StalenessThreshold is how many versions behind a channel may fall
	// before it gets a full resync instead of an incremental delta.
	StalenessThreshold int64
	// PropagationTimeout bounds one fan-out pass; on timeout the remaining
	// targets are marked stale rather than left half-applied.
	PropagationTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.CoalescingWindow == 0 {
		c.CoalescingWindow = 250 * time.Millisecond
	}
	if c.StalenessThreshold == 0 {
		c.StalenessThreshold = 5
	}
	if c.PropagationTimeout == 0 {
		c.PropagationTimeout = 2 * time.Second
	}
}

// Health is the per-session sync health signal.
type Health struct {
	SessionID       string `json:"session_id"`
	ChannelsBehind  int    `json:"channels_behind"`
	OldestUnsynced  int64  `json:"oldest_unsynced_ms"` // age of the oldest pending delta
	OpenConflicts   int    `json:"open_conflicts"`
	CanonicalVer    int64  `json:"canonical_version"`
	StaleChannels   int    `json:"stale_channels"`
	PendingBatches  int    `json:"pending_batches"`
	AttachedTargets int    `json:"attached_targets"`
}

// batch is one coalescing window's worth of deltas from a single source.
type batch struct {
	delta *session.StateDelta
	timer *time.Timer
}

// Syncer keeps every channel attached to a session eventually consistent with
// the canonical state. Deltas are submitted fire-and-forget; application is
// serialized per syncer instance.
type Syncer struct {
	store    session.Store
	resolver *conflict.Resolver
	notifier *notify.Notifier
	cfg      Config
	logger   *slog.Logger

	mu sync.Mutex
	// pending holds one coalescing batch per (session, source) pair.
	pending map[string]*batch
	// applied remembers recent deltas by session and base version for
	// same-base conflict detection.
	applied map[string]map[int64][]*session.StateDelta
	closed  bool
	wg      sync.WaitGroup
}

// New creates a Syncer. notifier may be nil; pass nil logger for default.
func New(store session.Store, resolver *conflict.Resolver, notifier *notify.Notifier, cfg Config, logger *slog.Logger) *Syncer {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.applyDefaults()
	return &Syncer{
		store:    store,
		resolver: resolver,
		notifier: notifier,
		cfg:      cfg,
		logger:   logger.With("component", "syncer"),
		pending:  make(map[string]*batch),
		applied:  make(map[string]map[int64][]*session.StateDelta),
	}
}

// Submit queues a delta for fan-out. Deltas from the same source and base
// version within the coalescing window merge into one outgoing sync; last
// field write wins, since a single writer means this is not a cross-source
// conflict. Fire-and-forget: the caller never blocks on propagation.
func (s *Syncer) Submit(delta *session.StateDelta) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	key := delta.SessionID + "|" + delta.SourceChannel
	if b, ok := s.pending[key]; ok {
		if b.delta.BaseVersion == delta.BaseVersion {
			for path, v := range delta.Fields {
				b.delta.Fields[path] = v
			}
			if delta.ProducedAt.After(b.delta.ProducedAt) {
				b.delta.ProducedAt = delta.ProducedAt
			}
			return
		}
		// The session advanced mid-window. Merging across bases would
		// remember the later fields under the wrong base version and hide
		// genuine same-base conflicts, so fire the pending batch now and
		// start a fresh one for the new base.
		delete(s.pending, key)
		if b.timer.Stop() {
			prior := b
			go func() {
				defer s.wg.Done()
				s.dispatch(prior.delta)
			}()
		}
		// When Stop fails the timer callback is already running; it will
		// dispatch the prior batch itself.
	}

	// Copy so later coalesced writes never mutate the caller's delta.
	merged := &session.StateDelta{
		DeltaID:       delta.DeltaID,
		SessionID:     delta.SessionID,
		SourceChannel: delta.SourceChannel,
		Fields:        make(map[string]any, len(delta.Fields)),
		BaseVersion:   delta.BaseVersion,
		ProducedAt:    delta.ProducedAt,
	}
	for path, v := range delta.Fields {
		merged.Fields[path] = v
	}

	b := &batch{delta: merged}
	s.pending[key] = b
	s.wg.Add(1)
	b.timer = time.AfterFunc(s.cfg.CoalescingWindow, func() {
		defer s.wg.Done()
		s.flushBatch(key, b)
	})
}

// Flush fires every pending batch immediately and waits for them to apply.
func (s *Syncer) Flush() {
	s.mu.Lock()
	var ready []*batch
	for key, b := range s.pending {
		if b.timer.Stop() {
			delete(s.pending, key)
			ready = append(ready, b)
		}
	}
	s.mu.Unlock()

	for _, b := range ready {
		s.dispatch(b.delta)
		s.wg.Done()
	}
	s.wg.Wait()
}

// flushBatch removes the batch from pending, unless Submit already replaced
// it there, and fans its delta out.
func (s *Syncer) flushBatch(key string, b *batch) {
	s.mu.Lock()
	if s.pending[key] == b {
		delete(s.pending, key)
	}
	s.mu.Unlock()
	s.dispatch(b.delta)
}

// dispatch runs one batch's delta through reconciliation and fan-out.
func (s *Syncer) dispatch(delta *session.StateDelta) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.PropagationTimeout)
	defer cancel()

	if err := s.process(ctx, delta); err != nil {
		s.logger.Error("delta fan-out failed",
			"session_id", delta.SessionID,
			"source", delta.SourceChannel,
			"error", err)
	}
}

// process reconciles one delta against concurrent writers and fans it out.
func (s *Syncer) process(ctx context.Context, delta *session.StateDelta) error {
	sess, err := s.store.GetSession(ctx, delta.SessionID)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) || errors.Is(err, session.ErrSessionDestroyed) {
			// Session gone mid-flight; nothing to propagate and nothing
			// left to conflict with.
			s.forget(delta.SessionID)
			return nil
		}
		return fmt.Errorf("resolving session: %w", err)
	}

	conflicted, err := s.reconcile(ctx, sess, delta)
	if err != nil {
		return err
	}

	if err := s.applyLocal(ctx, sess, delta, conflicted); err != nil {
		return err
	}

	s.rememberDelta(delta)
	return s.fanOut(ctx, sess, delta)
}

// reconcile detects genuine conflicts: a previously seen delta from another
// source sharing this delta's base version and touching the same fields.
// Exactly one ConflictRecord is opened per overlapping field; the resolved
// value is committed through the versioned store before the incoming delta's
// remaining fields are applied. Returns the set of conflicted field paths.
func (s *Syncer) reconcile(ctx context.Context, sess *session.Session, delta *session.StateDelta) (map[string]bool, error) {
	s.mu.Lock()
	var rivals []*session.StateDelta
	for _, seen := range s.applied[delta.SessionID][delta.BaseVersion] {
		if seen.SourceChannel != delta.SourceChannel && len(seen.Overlap(delta)) > 0 {
			rivals = append(rivals, seen)
		}
	}
	s.mu.Unlock()

	conflicted := make(map[string]bool)
	for _, rival := range rivals {
		for _, path := range rival.Overlap(delta) {
			if conflicted[path] {
				continue
			}
			conflicted[path] = true
			if err := s.resolveField(ctx, sess, path, rival, delta); err != nil {
				return nil, err
			}
		}
	}
	return conflicted, nil
}

// resolveField opens one conflict record for a contested field, runs the
// resolver, and commits the outcome.
func (s *Syncer) resolveField(ctx context.Context, sess *session.Session, path string, rival, delta *session.StateDelta) error {
	now := time.Now().UTC()
	typ := session.ConflictDataMismatch
	if rival.ProducedAt.Equal(delta.ProducedAt) {
		typ = session.ConflictTimestamp
	}
	rec := &session.ConflictRecord{
		ConflictID: uuid.New().String(),
		SessionID:  sess.SessionID,
		FieldPath:  path,
		Type:       typ,
		Candidates: []session.Candidate{
			{Channel: rival.SourceChannel, Value: rival.Fields[path], ProducedAt: rival.ProducedAt},
			{Channel: delta.SourceChannel, Value: delta.Fields[path], ProducedAt: delta.ProducedAt},
		},
		CreatedAt: now,
	}

	lastKnownGood, _ := sess.Canonical.Field(path)
	res, rerr := s.resolver.Resolve(rec, lastKnownGood)

	var unresolvable *conflict.UnresolvableConflictError
	switch {
	case rerr == nil:
		rec.Strategy = res.Strategy
		rec.ResolvedValue = res.Value
		resolvedAt := time.Now().UTC()
		rec.ResolvedAt = &resolvedAt
		if err := s.commitField(ctx, sess, path, res.Value); err != nil {
			return err
		}
		s.logger.Info("conflict resolved",
			"session_id", sess.SessionID, "field", path,
			"strategy", res.Strategy, "conflict_id", rec.ConflictID)

	case errors.As(rerr, &unresolvable):
		// Field frozen at last-known-good; record stays open for the user.
		rec.Strategy = res.Strategy
		rec.RequiresUserChoice = true
		s.publish(&notify.Event{
			Kind:      notify.KindConflictEscalated,
			SessionID: sess.SessionID,
			Detail:    map[string]any{"conflict_id": rec.ConflictID, "field": path},
		})

	default:
		return fmt.Errorf("resolving conflict on %s: %w", path, rerr)
	}

	if err := s.store.SaveConflict(ctx, rec); err != nil {
		return fmt.Errorf("saving conflict record: %w", err)
	}
	return nil
}

// commitField writes one resolved field through the optimistic update path,
// re-reading once on a lost race.
func (s *Syncer) commitField(ctx context.Context, sess *session.Session, path string, value any) error {
	for attempt := 0; attempt < 2; attempt++ {
		if err := sess.Canonical.SetField(path, value); err != nil {
			return fmt.Errorf("setting %s: %w", path, err)
		}
		sess.LastActivityAt = time.Now().UTC()
		err := s.store.UpdateSession(ctx, sess, sess.Version)
		if err == nil {
			return nil
		}
		if !errors.Is(err, session.ErrVersionMismatch) {
			return fmt.Errorf("committing %s: %w", path, err)
		}
		fresh, gerr := s.store.GetSession(ctx, sess.SessionID)
		if gerr != nil {
			return fmt.Errorf("reloading session: %w", gerr)
		}
		*sess = *fresh
	}
	return fmt.Errorf("committing %s: %w", path, session.ErrVersionMismatch)
}

// applyLocal folds the delta's non-conflicted fields into canonical state
// when they are not there yet. Deltas the engine already committed are
// recognized by value equality and skipped. A lost CAS race against a
// concurrent batch gets one reload-and-retry.
func (s *Syncer) applyLocal(ctx context.Context, sess *session.Session, delta *session.StateDelta, conflicted map[string]bool) error {
	for attempt := 0; attempt < 2; attempt++ {
		changed := false
		for path, v := range delta.Fields {
			if conflicted[path] || !session.KnownField(path) {
				continue
			}
			current, _ := sess.Canonical.Field(path)
			if equalValues(current, v) {
				continue
			}
			if err := sess.Canonical.SetField(path, v); err != nil {
				s.logger.Warn("delta field rejected",
					"session_id", sess.SessionID, "field", path, "error", err)
				continue
			}
			changed = true
		}
		if !changed {
			return nil
		}

		sess.LastActivityAt = time.Now().UTC()
		err := s.store.UpdateSession(ctx, sess, sess.Version)
		if err == nil {
			return nil
		}
		if !errors.Is(err, session.ErrVersionMismatch) {
			return fmt.Errorf("applying delta: %w", err)
		}
		fresh, gerr := s.store.GetSession(ctx, sess.SessionID)
		if gerr != nil {
			return fmt.Errorf("reloading session: %w", gerr)
		}
		*sess = *fresh
	}
	return fmt.Errorf("applying delta: %w", session.ErrVersionMismatch)
}

// fanOut advances every attached channel other than the source. Channels past
// the staleness threshold get a full resync instead of an incremental delta;
// a propagation failure marks the target stale, never half-applied.
func (s *Syncer) fanOut(ctx context.Context, sess *session.Session, delta *session.StateDelta) error {
	states, err := s.store.ListChannelStates(ctx, sess.SessionID)
	if err != nil {
		return fmt.Errorf("listing channel states: %w", err)
	}

	for _, cs := range states {
		if cs.ChannelType == delta.SourceChannel {
			continue
		}
		if cs.LastSyncedVersion >= sess.Version {
			continue
		}

		full := false
		if err := s.checkStaleness(sess, cs); err != nil {
			var stale *SyncStalenessError
			if errors.As(err, &stale) {
				// Bounded staleness: ship the whole canonical state instead
				// of chaining incremental catch-ups.
				full = true
				s.logger.Info("full resync",
					"session_id", sess.SessionID, "channel", cs.ChannelType,
					"behind", stale.Behind)
			}
		}

		cs.LastSyncedVersion = sess.Version
		cs.Stale = false
		cs.UpdatedAt = time.Now().UTC()
		if err := s.store.PutChannelState(ctx, cs); err != nil {
			// Never leave a target half-applied: mark it stale and move on.
			s.markStale(sess.SessionID, cs.ChannelType)
			s.logger.Warn("propagation failed, target marked stale",
				"session_id", sess.SessionID, "channel", cs.ChannelType, "error", err)
			continue
		}

		s.publish(&notify.Event{
			Kind:      notify.KindSyncApplied,
			SessionID: sess.SessionID,
			Channel:   cs.ChannelType,
			Detail: map[string]any{
				"version": sess.Version,
				"full":    full,
				"source":  delta.SourceChannel,
			},
		})
	}
	return nil
}

// checkStaleness reports SyncStalenessError when the target is too far behind
// for incremental catch-up.
func (s *Syncer) checkStaleness(sess *session.Session, cs *session.ChannelState) error {
	behind := sess.Version - cs.LastSyncedVersion
	if cs.Stale || behind > s.cfg.StalenessThreshold {
		return &SyncStalenessError{
			SessionID:   sess.SessionID,
			ChannelType: cs.ChannelType,
			Behind:      behind,
		}
	}
	return nil
}

func (s *Syncer) markStale(sessionID, channelType string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.PropagationTimeout)
	defer cancel()

	cs, err := s.store.GetChannelState(ctx, sessionID, channelType)
	if err != nil {
		return
	}
	cs.Stale = true
	if err := s.store.PutChannelState(ctx, cs); err != nil {
		s.logger.Warn("marking channel stale failed",
			"session_id", sessionID, "channel", channelType, "error", err)
	}
}

// rememberDelta records the delta for same-base conflict detection against
// later submissions. Old base versions are pruned as the session advances.
func (s *Syncer) rememberDelta(delta *session.StateDelta) {
	s.mu.Lock()
	defer s.mu.Unlock()

	byBase, ok := s.applied[delta.SessionID]
	if !ok {
		byBase = make(map[int64][]*session.StateDelta)
		s.applied[delta.SessionID] = byBase
	}
	byBase[delta.BaseVersion] = append(byBase[delta.BaseVersion], delta)

	for base := range byBase {
		if base < delta.BaseVersion-s.cfg.StalenessThreshold {
			delete(byBase, base)
		}
	}
}

// forget drops a destroyed session's conflict-detection bookkeeping.
func (s *Syncer) forget(sessionID string) {
	s.mu.Lock()
	delete(s.applied, sessionID)
	s.mu.Unlock()
}

// HealthFor reports the session's sync health: channels behind the canonical
// version, open conflicts, and the age of the oldest pending delta.
func (s *Syncer) HealthFor(ctx context.Context, sessionID string) (*Health, error) {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	states, err := s.store.ListChannelStates(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	open, err := s.store.ListOpenConflicts(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	h := &Health{
		SessionID:       sessionID,
		CanonicalVer:    sess.Version,
		OpenConflicts:   len(open),
		AttachedTargets: len(states),
	}
	for _, cs := range states {
		if cs.LastSyncedVersion < sess.Version {
			h.ChannelsBehind++
		}
		if cs.Stale {
			h.StaleChannels++
		}
	}

	s.mu.Lock()
	now := time.Now().UTC()
	for _, b := range s.pending {
		if b.delta.SessionID != sessionID {
			continue
		}
		h.PendingBatches++
		age := now.Sub(b.delta.ProducedAt).Milliseconds()
		if age > h.OldestUnsynced {
			h.OldestUnsynced = age
		}
	}
	s.mu.Unlock()

	return h, nil
}

// Close drains pending batches and stops accepting new ones.
func (s *Syncer) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.Flush()
	s.logger.Debug("syncer closed")
}

func (s *Syncer) publish(ev *notify.Event) {
	if s.notifier != nil {
		s.notifier.Publish(ev)
	}
}

// equalValues compares canonical field values structurally. Slice-valued
// fields (history, beats, traits) need deep comparison.
func equalValues(a, b any) bool {
	return reflect.DeepEqual(a, b)
}
