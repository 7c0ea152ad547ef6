package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/glia-ai/glia/pkg/unified"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens (or creates) a SQLite store and runs migrations.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	// In-memory databases need a shared cache so every pooled connection
	// sees the same data.
	if dsn == ":memory:" {
		dsn = "file::memory:?cache=shared"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			backend_session_id TEXT NOT NULL DEFAULT '',
			name TEXT NOT NULL DEFAULT '',
			cwd TEXT NOT NULL DEFAULT '',
			state TEXT NOT NULL DEFAULT '{}',
			history TEXT NOT NULL DEFAULT '[]',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_updated_at ON sessions(updated_at)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_backend_id ON sessions(backend_session_id)`,
	}
	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n  SQL: %s", err, m)
		}
	}
	return nil
}

func (s *SQLiteStore) UpsertSession(ctx context.Context, snap *unified.Snapshot) error {
	state, err := json.Marshal(snap.State)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	history, err := json.Marshal(snap.History)
	if err != nil {
		return fmt.Errorf("marshal history: %w", err)
	}

	createdAt := snap.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, backend_session_id, name, cwd, state, history, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			backend_session_id = excluded.backend_session_id,
			name = excluded.name,
			cwd = excluded.cwd,
			state = excluded.state,
			history = excluded.history,
			updated_at = excluded.updated_at`,
		snap.ID, snap.BackendSessionID, snap.Name, snap.Cwd,
		string(state), string(history), createdAt, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*unified.Snapshot, error) {
	var (
		snap    unified.Snapshot
		state   string
		history string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, backend_session_id, name, cwd, state, history, created_at, updated_at
		FROM sessions WHERE id = ?`, id).Scan(
		&snap.ID, &snap.BackendSessionID, &snap.Name, &snap.Cwd,
		&state, &history, &snap.CreatedAt, &snap.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}

	if err := json.Unmarshal([]byte(state), &snap.State); err != nil {
		return nil, fmt.Errorf("unmarshal state: %w", err)
	}
	if err := json.Unmarshal([]byte(history), &snap.History); err != nil {
		return nil, fmt.Errorf("unmarshal history: %w", err)
	}
	return &snap, nil
}

func (s *SQLiteStore) ListSessions(ctx context.Context) ([]unified.Snapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, backend_session_id, name, cwd, state, created_at, updated_at
		FROM sessions ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []unified.Snapshot
	for rows.Next() {
		var (
			snap  unified.Snapshot
			state string
		)
		if err := rows.Scan(&snap.ID, &snap.BackendSessionID, &snap.Name, &snap.Cwd,
			&state, &snap.CreatedAt, &snap.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		if err := json.Unmarshal([]byte(state), &snap.State); err != nil {
			return nil, fmt.Errorf("unmarshal state: %w", err)
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) SetSessionName(ctx context.Context, id, name string) error {
	return s.exec(ctx, `UPDATE sessions SET name = ?, updated_at = ? WHERE id = ?`, name, time.Now().UTC(), id)
}

func (s *SQLiteStore) SetBackendSessionID(ctx context.Context, id, backendID string) error {
	return s.exec(ctx, `UPDATE sessions SET backend_session_id = ?, updated_at = ? WHERE id = ?`, backendID, time.Now().UTC(), id)
}

func (s *SQLiteStore) DeleteSession(ctx context.Context, id string) error {
	return s.exec(ctx, `DELETE FROM sessions WHERE id = ?`, id)
}

func (s *SQLiteStore) exec(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
