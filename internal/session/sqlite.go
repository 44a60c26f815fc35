// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: JSON-encodes canonical state and channel payloads; CAS on the version column

package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// sqliteTimeFormat is RFC 3339 with a fixed nine-digit fraction. RFC3339Nano
// trims trailing zeros, which breaks the lexicographic ordering the timestamp
// columns rely on in WHERE and ORDER BY clauses.
const sqliteTimeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore opens (or creates) a SQLite store at the given path. Parent
// directories are created if needed; the schema is created on first open.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "session-store")

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// An in-memory database exists per connection; keep the pool at one so
	// every query sees the same schema.
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	// WAL for concurrent readers alongside the single writer
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{db: db, logger: logger}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite session store initialized", "path", path)
	return s, nil
}

func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS sessions (
			session_id        TEXT PRIMARY KEY,
			user_id           TEXT NOT NULL,
			active_channel    TEXT NOT NULL DEFAULT '',
			attached_channels TEXT NOT NULL,
			canonical         TEXT NOT NULL,
			version           INTEGER NOT NULL,
			last_activity_at  TEXT NOT NULL,
			destroyed         INTEGER NOT NULL DEFAULT 0
		);

		CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id);
		CREATE INDEX IF NOT EXISTS idx_sessions_activity ON sessions(last_activity_at);

		CREATE TABLE IF NOT EXISTS channel_states (
			session_id          TEXT NOT NULL,
			channel_type        TEXT NOT NULL,
			payload             BLOB,
			capabilities        TEXT NOT NULL,
			last_synced_version INTEGER NOT NULL,
			stale               INTEGER NOT NULL DEFAULT 0,
			updated_at          TEXT NOT NULL,

			PRIMARY KEY (session_id, channel_type)
		);

		CREATE TABLE IF NOT EXISTS conflicts (
			conflict_id          TEXT PRIMARY KEY,
			session_id           TEXT NOT NULL,
			field_path           TEXT NOT NULL,
			type                 TEXT NOT NULL,
			candidates           TEXT NOT NULL,
			strategy             TEXT,
			resolved_value       TEXT,
			resolved_at          TEXT,
			requires_user_choice INTEGER NOT NULL DEFAULT 0,
			created_at           TEXT NOT NULL,

			CHECK (type IN ('data_mismatch', 'timestamp_conflict', 'version_conflict'))
		);

		CREATE INDEX IF NOT EXISTS idx_conflicts_session ON conflicts(session_id, created_at);

		CREATE TABLE IF NOT EXISTS switches (
			switch_id      TEXT PRIMARY KEY,
			session_id     TEXT NOT NULL,
			from_channel   TEXT NOT NULL,
			to_channel     TEXT NOT NULL,
			preserve_state INTEGER NOT NULL,
			started_at     TEXT NOT NULL,
			completed_at   TEXT NOT NULL,
			outcome        TEXT NOT NULL,
			lost_data      TEXT NOT NULL,

			CHECK (outcome IN ('success', 'lost_data', 'failed'))
		);

		CREATE INDEX IF NOT EXISTS idx_switches_session ON switches(session_id, started_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// CreateSession inserts a session row. Destroyed ids are rejected.
func (s *SQLiteStore) CreateSession(ctx context.Context, sess *Session) error {
	var destroyed int
	err := s.db.QueryRowContext(ctx,
		"SELECT destroyed FROM sessions WHERE session_id = ?", sess.SessionID,
	).Scan(&destroyed)
	switch {
	case err == nil && destroyed != 0:
		return ErrSessionDestroyed
	case err == nil:
		return ErrDuplicateSession
	case err != sql.ErrNoRows:
		return fmt.Errorf("checking session: %w", err)
	}

	attached, err := json.Marshal(sess.AttachedChannels)
	if err != nil {
		return fmt.Errorf("encoding channels: %w", err)
	}
	canonical, err := json.Marshal(sess.Canonical)
	if err != nil {
		return fmt.Errorf("encoding canonical state: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (session_id, user_id, active_channel, attached_channels, canonical, version, last_activity_at, destroyed)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0)`,
		sess.SessionID, sess.UserID, sess.ActiveChannel, string(attached), string(canonical),
		sess.Version, sess.LastActivityAt.UTC().Format(sqliteTimeFormat),
	)
	if err != nil {
		return fmt.Errorf("inserting session: %w", err)
	}
	return nil
}

func (s *SQLiteStore) scanSession(row *sql.Row) (*Session, error) {
	var sess Session
	var attached, canonical, activity string
	var destroyed int
	err := row.Scan(&sess.SessionID, &sess.UserID, &sess.ActiveChannel, &attached, &canonical,
		&sess.Version, &activity, &destroyed)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning session: %w", err)
	}
	if destroyed != 0 {
		return nil, ErrSessionDestroyed
	}
	if err := json.Unmarshal([]byte(attached), &sess.AttachedChannels); err != nil {
		return nil, fmt.Errorf("decoding channels: %w", err)
	}
	if err := json.Unmarshal([]byte(canonical), &sess.Canonical); err != nil {
		return nil, fmt.Errorf("decoding canonical state: %w", err)
	}
	sess.LastActivityAt, err = time.Parse(time.RFC3339Nano, activity)
	if err != nil {
		return nil, fmt.Errorf("parsing activity time: %w", err)
	}
	return &sess, nil
}

// GetSession retrieves an active session by id.
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT session_id, user_id, active_channel, attached_channels, canonical, version, last_activity_at, destroyed
		FROM sessions WHERE session_id = ?`, id)
	return s.scanSession(row)
}

// UpdateSession applies an optimistic versioned update: the row is written
// only when the stored version matches expectedVersion, and the version is
// bumped by one.
func (s *SQLiteStore) UpdateSession(ctx context.Context, sess *Session, expectedVersion int64) error {
	attached, err := json.Marshal(sess.AttachedChannels)
	if err != nil {
		return fmt.Errorf("encoding channels: %w", err)
	}
	canonical, err := json.Marshal(sess.Canonical)
	if err != nil {
		return fmt.Errorf("encoding canonical state: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions
		SET user_id = ?, active_channel = ?, attached_channels = ?, canonical = ?, version = ?, last_activity_at = ?
		WHERE session_id = ? AND version = ? AND destroyed = 0`,
		sess.UserID, sess.ActiveChannel, string(attached), string(canonical), expectedVersion+1,
		sess.LastActivityAt.UTC().Format(sqliteTimeFormat),
		sess.SessionID, expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("updating session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		// Distinguish missing/destroyed from a lost CAS race.
		if _, getErr := s.GetSession(ctx, sess.SessionID); getErr != nil {
			return getErr
		}
		return ErrVersionMismatch
	}
	sess.Version = expectedVersion + 1
	return nil
}

// TouchSession updates the last-activity timestamp without a version bump.
func (s *SQLiteStore) TouchSession(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE sessions SET last_activity_at = ? WHERE session_id = ? AND destroyed = 0",
		at.UTC().Format(sqliteTimeFormat), id)
	if err != nil {
		return fmt.Errorf("touching session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DestroySession tombstones a session id and drops its channel states.
func (s *SQLiteStore) DestroySession(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE sessions SET destroyed = 1 WHERE session_id = ?", id)
	if err != nil {
		return fmt.Errorf("destroying session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	if _, err := s.db.ExecContext(ctx,
		"DELETE FROM channel_states WHERE session_id = ?", id); err != nil {
		return fmt.Errorf("deleting channel states: %w", err)
	}
	return nil
}

// ExpireIdleSessions destroys sessions idle since before cutoff.
func (s *SQLiteStore) ExpireIdleSessions(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT session_id FROM sessions WHERE destroyed = 0 AND last_activity_at < ? ORDER BY session_id",
		cutoff.UTC().Format(sqliteTimeFormat))
	if err != nil {
		return nil, fmt.Errorf("listing idle sessions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, id := range ids {
		if err := s.DestroySession(ctx, id); err != nil {
			return nil, err
		}
	}
	return ids, nil
}

// PutChannelState inserts or replaces a channel sub-state.
func (s *SQLiteStore) PutChannelState(ctx context.Context, cs *ChannelState) error {
	caps, err := json.Marshal(cs.Capabilities)
	if err != nil {
		return fmt.Errorf("encoding capabilities: %w", err)
	}
	stale := 0
	if cs.Stale {
		stale = 1
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO channel_states (session_id, channel_type, payload, capabilities, last_synced_version, stale, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (session_id, channel_type) DO UPDATE SET
			payload = excluded.payload,
			capabilities = excluded.capabilities,
			last_synced_version = excluded.last_synced_version,
			stale = excluded.stale,
			updated_at = excluded.updated_at`,
		cs.SessionID, cs.ChannelType, cs.Payload, string(caps),
		cs.LastSyncedVersion, stale, cs.UpdatedAt.UTC().Format(sqliteTimeFormat),
	)
	if err != nil {
		return fmt.Errorf("saving channel state: %w", err)
	}
	return nil
}

func scanChannelState(scan func(dest ...any) error) (*ChannelState, error) {
	var cs ChannelState
	var caps, updated string
	var stale int
	if err := scan(&cs.SessionID, &cs.ChannelType, &cs.Payload, &caps,
		&cs.LastSyncedVersion, &stale, &updated); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(caps), &cs.Capabilities); err != nil {
		return nil, fmt.Errorf("decoding capabilities: %w", err)
	}
	cs.Stale = stale != 0
	var err error
	cs.UpdatedAt, err = time.Parse(time.RFC3339Nano, updated)
	if err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &cs, nil
}

// GetChannelState retrieves one channel sub-state.
func (s *SQLiteStore) GetChannelState(ctx context.Context, sessionID, channelType string) (*ChannelState, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT session_id, channel_type, payload, capabilities, last_synced_version, stale, updated_at
		FROM channel_states WHERE session_id = ? AND channel_type = ?`,
		sessionID, channelType)
	cs, err := scanChannelState(row.Scan)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning channel state: %w", err)
	}
	return cs, nil
}

// ListChannelStates returns all channel sub-states for a session.
func (s *SQLiteStore) ListChannelStates(ctx context.Context, sessionID string) ([]*ChannelState, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, channel_type, payload, capabilities, last_synced_version, stale, updated_at
		FROM channel_states WHERE session_id = ? ORDER BY channel_type`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("listing channel states: %w", err)
	}
	defer rows.Close()

	var out []*ChannelState
	for rows.Next() {
		cs, err := scanChannelState(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scanning channel state: %w", err)
		}
		out = append(out, cs)
	}
	return out, rows.Err()
}

// DeleteChannelState removes one channel sub-state.
func (s *SQLiteStore) DeleteChannelState(ctx context.Context, sessionID, channelType string) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM channel_states WHERE session_id = ? AND channel_type = ?",
		sessionID, channelType)
	if err != nil {
		return fmt.Errorf("deleting channel state: %w", err)
	}
	return nil
}

// SaveConflict inserts or replaces a conflict record.
func (s *SQLiteStore) SaveConflict(ctx context.Context, rec *ConflictRecord) error {
	candidates, err := json.Marshal(rec.Candidates)
	if err != nil {
		return fmt.Errorf("encoding candidates: %w", err)
	}
	var resolvedValue sql.NullString
	if rec.ResolvedValue != nil {
		b, err := json.Marshal(rec.ResolvedValue)
		if err != nil {
			return fmt.Errorf("encoding resolved value: %w", err)
		}
		resolvedValue = sql.NullString{String: string(b), Valid: true}
	}
	var resolvedAt sql.NullString
	if rec.ResolvedAt != nil {
		resolvedAt = sql.NullString{String: rec.ResolvedAt.UTC().Format(sqliteTimeFormat), Valid: true}
	}
	requires := 0
	if rec.RequiresUserChoice {
		requires = 1
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO conflicts (conflict_id, session_id, field_path, type, candidates, strategy, resolved_value, resolved_at, requires_user_choice, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (conflict_id) DO UPDATE SET
			candidates = excluded.candidates,
			strategy = excluded.strategy,
			resolved_value = excluded.resolved_value,
			resolved_at = excluded.resolved_at,
			requires_user_choice = excluded.requires_user_choice`,
		rec.ConflictID, rec.SessionID, rec.FieldPath, string(rec.Type),
		string(candidates), rec.Strategy, resolvedValue, resolvedAt, requires,
		rec.CreatedAt.UTC().Format(sqliteTimeFormat),
	)
	if err != nil {
		return fmt.Errorf("saving conflict: %w", err)
	}
	return nil
}

func scanConflict(scan func(dest ...any) error) (*ConflictRecord, error) {
	var rec ConflictRecord
	var typ, candidates, created string
	var strategy, resolvedValue, resolvedAt sql.NullString
	var requires int
	if err := scan(&rec.ConflictID, &rec.SessionID, &rec.FieldPath, &typ,
		&candidates, &strategy, &resolvedValue, &resolvedAt, &requires, &created); err != nil {
		return nil, err
	}
	rec.Type = ConflictType(typ)
	if err := json.Unmarshal([]byte(candidates), &rec.Candidates); err != nil {
		return nil, fmt.Errorf("decoding candidates: %w", err)
	}
	rec.Strategy = strategy.String
	if resolvedValue.Valid {
		if err := json.Unmarshal([]byte(resolvedValue.String), &rec.ResolvedValue); err != nil {
			return nil, fmt.Errorf("decoding resolved value: %w", err)
		}
	}
	if resolvedAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, resolvedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parsing resolved_at: %w", err)
		}
		rec.ResolvedAt = &t
	}
	rec.RequiresUserChoice = requires != 0
	var err error
	rec.CreatedAt, err = time.Parse(time.RFC3339Nano, created)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &rec, nil
}

const conflictColumns = "conflict_id, session_id, field_path, type, candidates, strategy, resolved_value, resolved_at, requires_user_choice, created_at"

// GetConflict retrieves a conflict record by id.
func (s *SQLiteStore) GetConflict(ctx context.Context, id string) (*ConflictRecord, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+conflictColumns+" FROM conflicts WHERE conflict_id = ?", id)
	rec, err := scanConflict(row.Scan)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning conflict: %w", err)
	}
	return rec, nil
}

// ListConflicts returns every conflict for a session, open or resolved,
// oldest first.
func (s *SQLiteStore) ListConflicts(ctx context.Context, sessionID string) ([]*ConflictRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+conflictColumns+" FROM conflicts WHERE session_id = ? ORDER BY created_at",
		sessionID)
	if err != nil {
		return nil, fmt.Errorf("listing conflicts: %w", err)
	}
	defer rows.Close()

	var out []*ConflictRecord
	for rows.Next() {
		rec, err := scanConflict(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scanning conflict: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ListOpenConflicts returns unresolved conflicts for a session, oldest first.
func (s *SQLiteStore) ListOpenConflicts(ctx context.Context, sessionID string) ([]*ConflictRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+conflictColumns+" FROM conflicts WHERE session_id = ? AND resolved_at IS NULL ORDER BY created_at",
		sessionID)
	if err != nil {
		return nil, fmt.Errorf("listing conflicts: %w", err)
	}
	defer rows.Close()

	var out []*ConflictRecord
	for rows.Next() {
		rec, err := scanConflict(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scanning conflict: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// SaveSwitch records a completed channel handoff.
func (s *SQLiteStore) SaveSwitch(ctx context.Context, sw *SwitchContext) error {
	lost, err := json.Marshal(sw.LostData)
	if err != nil {
		return fmt.Errorf("encoding lost data: %w", err)
	}
	preserve := 0
	if sw.PreserveState {
		preserve = 1
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO switches (switch_id, session_id, from_channel, to_channel, preserve_state, started_at, completed_at, outcome, lost_data)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sw.SwitchID, sw.SessionID, sw.FromChannel, sw.ToChannel, preserve,
		sw.StartedAt.UTC().Format(sqliteTimeFormat),
		sw.CompletedAt.UTC().Format(sqliteTimeFormat),
		string(sw.Outcome), string(lost),
	)
	if err != nil {
		return fmt.Errorf("saving switch: %w", err)
	}
	return nil
}

// ListSwitches returns switch records for a session, oldest first.
func (s *SQLiteStore) ListSwitches(ctx context.Context, sessionID string) ([]*SwitchContext, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT switch_id, session_id, from_channel, to_channel, preserve_state, started_at, completed_at, outcome, lost_data
		FROM switches WHERE session_id = ? ORDER BY started_at`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("listing switches: %w", err)
	}
	defer rows.Close()

	var out []*SwitchContext
	for rows.Next() {
		var sw SwitchContext
		var preserve int
		var started, completed, outcome, lost string
		if err := rows.Scan(&sw.SwitchID, &sw.SessionID, &sw.FromChannel, &sw.ToChannel,
			&preserve, &started, &completed, &outcome, &lost); err != nil {
			return nil, fmt.Errorf("scanning switch: %w", err)
		}
		sw.PreserveState = preserve != 0
		sw.Outcome = SwitchOutcome(outcome)
		if sw.StartedAt, err = time.Parse(time.RFC3339Nano, started); err != nil {
			return nil, fmt.Errorf("parsing started_at: %w", err)
		}
		if sw.CompletedAt, err = time.Parse(time.RFC3339Nano, completed); err != nil {
			return nil, fmt.Errorf("parsing completed_at: %w", err)
		}
		if err := json.Unmarshal([]byte(lost), &sw.LostData); err != nil {
			return nil, fmt.Errorf("decoding lost data: %w", err)
		}
		out = append(out, &sw)
	}
	return out, rows.Err()
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
