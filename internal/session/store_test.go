// ABOUTME: Store contract tests run against both MemStore and SQLiteStore
// ABOUTME: Covers CAS versioning, tombstones, channel states, conflicts and switches

package session

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func storeImpls(t *testing.T) map[string]Store {
	t.Helper()
	sqlStore, err := NewSQLiteStore(filepath.Join(t.TempDir(), "sessions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sqlStore.Close() })
	return map[string]Store{
		"mem":    NewMemStore(),
		"sqlite": sqlStore,
	}
}

func newTestSession(userID string) *Session {
	return &Session{
		SessionID:        uuid.New().String(),
		UserID:           userID,
		AttachedChannels: []string{"web_chat"},
		Canonical: CanonicalState{
			Phase: "greeting",
		},
		Version:        0,
		LastActivityAt: time.Now().UTC(),
	}
}

func TestStore_SessionLifecycle(t *testing.T) {
	for name, s := range storeImpls(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			sess := newTestSession("user-1")

			require.NoError(t, s.CreateSession(ctx, sess))
			require.ErrorIs(t, s.CreateSession(ctx, sess), ErrDuplicateSession)

			got, err := s.GetSession(ctx, sess.SessionID)
			require.NoError(t, err)
			assert.Equal(t, "user-1", got.UserID)
			assert.Equal(t, "greeting", got.Canonical.Phase)
			assert.Equal(t, int64(0), got.Version)

			_, err = s.GetSession(ctx, "missing")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestStore_UpdateSessionCAS(t *testing.T) {
	for name, s := range storeImpls(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			sess := newTestSession("user-1")
			require.NoError(t, s.CreateSession(ctx, sess))

			sess.Canonical.Phase = "story_creation"
			require.NoError(t, s.UpdateSession(ctx, sess, 0))
			assert.Equal(t, int64(1), sess.Version)

			// Stale expectation loses the CAS
			stale := *sess
			stale.Canonical = sess.Canonical.Clone()
			stale.Canonical.Phase = "other"
			assert.ErrorIs(t, s.UpdateSession(ctx, &stale, 0), ErrVersionMismatch)

			got, err := s.GetSession(ctx, sess.SessionID)
			require.NoError(t, err)
			assert.Equal(t, "story_creation", got.Canonical.Phase)
			assert.Equal(t, int64(1), got.Version)
		})
	}
}

func TestStore_DestroyedIDNeverReused(t *testing.T) {
	for name, s := range storeImpls(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			sess := newTestSession("user-1")
			require.NoError(t, s.CreateSession(ctx, sess))
			require.NoError(t, s.DestroySession(ctx, sess.SessionID))

			_, err := s.GetSession(ctx, sess.SessionID)
			assert.ErrorIs(t, err, ErrSessionDestroyed)

			fresh := newTestSession("user-1")
			fresh.SessionID = sess.SessionID
			assert.ErrorIs(t, s.CreateSession(ctx, fresh), ErrSessionDestroyed)
		})
	}
}

func TestStore_TouchDestroyedSessionFails(t *testing.T) {
	for name, s := range storeImpls(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			sess := newTestSession("user-1")
			require.NoError(t, s.CreateSession(ctx, sess))
			require.NoError(t, s.TouchSession(ctx, sess.SessionID, time.Now().UTC()))

			require.NoError(t, s.DestroySession(ctx, sess.SessionID))
			assert.ErrorIs(t, s.TouchSession(ctx, sess.SessionID, time.Now().UTC()), ErrNotFound)
		})
	}
}

func TestStore_ExpireIdleSessions(t *testing.T) {
	for name, s := range storeImpls(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			idle := newTestSession("user-1")
			idle.LastActivityAt = time.Now().Add(-2 * time.Hour).UTC()
			require.NoError(t, s.CreateSession(ctx, idle))

			active := newTestSession("user-2")
			require.NoError(t, s.CreateSession(ctx, active))

			expired, err := s.ExpireIdleSessions(ctx, time.Now().Add(-time.Hour))
			require.NoError(t, err)
			assert.Equal(t, []string{idle.SessionID}, expired)

			_, err = s.GetSession(ctx, idle.SessionID)
			assert.ErrorIs(t, err, ErrSessionDestroyed)
			_, err = s.GetSession(ctx, active.SessionID)
			assert.NoError(t, err)
		})
	}
}

func TestStore_ExpireIdleSubSecondCutoff(t *testing.T) {
	for name, s := range storeImpls(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			base := time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)

			// A fraction with trailing zeros must still sort before a longer
			// fraction under the stored representation.
			idle := newTestSession("user-1")
			idle.LastActivityAt = base.Add(500 * time.Millisecond)
			require.NoError(t, s.CreateSession(ctx, idle))

			expired, err := s.ExpireIdleSessions(ctx, base.Add(510*time.Millisecond))
			require.NoError(t, err)
			assert.Equal(t, []string{idle.SessionID}, expired)
		})
	}
}

func TestStore_ChannelStates(t *testing.T) {
	for name, s := range storeImpls(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			sess := newTestSession("user-1")
			require.NoError(t, s.CreateSession(ctx, sess))

			cs := &ChannelState{
				SessionID:   sess.SessionID,
				ChannelType: "web_chat",
				Payload:     []byte(`{"display_name":"Kai"}`),
				Capabilities: Capabilities{
					SupportsText:      true,
					SupportsStreaming: true,
					MaxResponseTime:   10 * time.Second,
				},
				LastSyncedVersion: 0,
				UpdatedAt:         time.Now().UTC(),
			}
			require.NoError(t, s.PutChannelState(ctx, cs))

			got, err := s.GetChannelState(ctx, sess.SessionID, "web_chat")
			require.NoError(t, err)
			assert.JSONEq(t, `{"display_name":"Kai"}`, string(got.Payload))
			assert.True(t, got.Capabilities.SupportsStreaming)
			assert.False(t, got.Stale)

			// Upsert advances the synced version
			cs.LastSyncedVersion = 3
			cs.Stale = true
			require.NoError(t, s.PutChannelState(ctx, cs))
			got, err = s.GetChannelState(ctx, sess.SessionID, "web_chat")
			require.NoError(t, err)
			assert.Equal(t, int64(3), got.LastSyncedVersion)
			assert.True(t, got.Stale)

			voice := &ChannelState{
				SessionID:   sess.SessionID,
				ChannelType: "voice_assistant",
				Payload:     []byte(`{}`),
				UpdatedAt:   time.Now().UTC(),
			}
			require.NoError(t, s.PutChannelState(ctx, voice))

			all, err := s.ListChannelStates(ctx, sess.SessionID)
			require.NoError(t, err)
			require.Len(t, all, 2)
			assert.Equal(t, "voice_assistant", all[0].ChannelType)
			assert.Equal(t, "web_chat", all[1].ChannelType)

			require.NoError(t, s.DeleteChannelState(ctx, sess.SessionID, "web_chat"))
			_, err = s.GetChannelState(ctx, sess.SessionID, "web_chat")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestStore_Conflicts(t *testing.T) {
	for name, s := range storeImpls(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Now().UTC()
			rec := &ConflictRecord{
				ConflictID: uuid.New().String(),
				SessionID:  "s1",
				FieldPath:  FieldCharacterName,
				Type:       ConflictDataMismatch,
				Candidates: []Candidate{
					{Channel: "web_chat", Value: "Luna", ProducedAt: now},
					{Channel: "mobile_voice", Value: "Nova", ProducedAt: now.Add(time.Second)},
				},
				CreatedAt: now,
			}
			require.NoError(t, s.SaveConflict(ctx, rec))

			open, err := s.ListOpenConflicts(ctx, "s1")
			require.NoError(t, err)
			require.Len(t, open, 1)
			assert.True(t, open[0].Open())
			assert.Len(t, open[0].Candidates, 2)

			resolvedAt := now.Add(2 * time.Second)
			rec.Strategy = "most_recent"
			rec.ResolvedValue = "Nova"
			rec.ResolvedAt = &resolvedAt
			require.NoError(t, s.SaveConflict(ctx, rec))

			open, err = s.ListOpenConflicts(ctx, "s1")
			require.NoError(t, err)
			assert.Empty(t, open)

			all, err := s.ListConflicts(ctx, "s1")
			require.NoError(t, err)
			require.Len(t, all, 1)
			assert.False(t, all[0].Open())

			got, err := s.GetConflict(ctx, rec.ConflictID)
			require.NoError(t, err)
			assert.False(t, got.Open())
			assert.Equal(t, "Nova", got.ResolvedValue)
			// The losing candidate stays on the record
			assert.Equal(t, "Luna", got.Candidates[0].Value)
		})
	}
}

func TestStore_Switches(t *testing.T) {
	for name, s := range storeImpls(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Now().UTC()
			sw := &SwitchContext{
				SwitchID:      uuid.New().String(),
				SessionID:     "s1",
				FromChannel:   "web_chat",
				ToChannel:     "mobile_voice",
				PreserveState: true,
				StartedAt:     now,
				CompletedAt:   now.Add(50 * time.Millisecond),
				Outcome:       SwitchLostData,
				LostData:      []string{"rich_cards"},
			}
			require.NoError(t, s.SaveSwitch(ctx, sw))

			got, err := s.ListSwitches(ctx, "s1")
			require.NoError(t, err)
			require.Len(t, got, 1)
			assert.Equal(t, SwitchLostData, got[0].Outcome)
			assert.Equal(t, []string{"rich_cards"}, got[0].LostData)
			assert.True(t, got[0].PreserveState)
		})
	}
}
