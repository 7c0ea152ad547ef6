package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/glia-ai/glia/pkg/unified"
)

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres opens a PostgreSQL store and runs migrations.
func NewPostgres(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &PostgresStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *PostgresStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			backend_session_id TEXT NOT NULL DEFAULT '',
			name TEXT NOT NULL DEFAULT '',
			cwd TEXT NOT NULL DEFAULT '',
			state JSONB NOT NULL DEFAULT '{}',
			history JSONB NOT NULL DEFAULT '[]',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
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

func (s *PostgresStore) UpsertSession(ctx context.Context, snap *unified.Snapshot) error {
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
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT(id) DO UPDATE SET
			backend_session_id = EXCLUDED.backend_session_id,
			name = EXCLUDED.name,
			cwd = EXCLUDED.cwd,
			state = EXCLUDED.state,
			history = EXCLUDED.history,
			updated_at = EXCLUDED.updated_at`,
		snap.ID, snap.BackendSessionID, snap.Name, snap.Cwd,
		state, history, createdAt, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetSession(ctx context.Context, id string) (*unified.Snapshot, error) {
	var (
		snap    unified.Snapshot
		state   []byte
		history []byte
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, backend_session_id, name, cwd, state, history, created_at, updated_at
		FROM sessions WHERE id = $1`, id).Scan(
		&snap.ID, &snap.BackendSessionID, &snap.Name, &snap.Cwd,
		&state, &history, &snap.CreatedAt, &snap.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}

	if err := json.Unmarshal(state, &snap.State); err != nil {
		return nil, fmt.Errorf("unmarshal state: %w", err)
	}
	if err := json.Unmarshal(history, &snap.History); err != nil {
		return nil, fmt.Errorf("unmarshal history: %w", err)
	}
	return &snap, nil
}

func (s *PostgresStore) ListSessions(ctx context.Context) ([]unified.Snapshot, error) {
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
			state []byte
		)
		if err := rows.Scan(&snap.ID, &snap.BackendSessionID, &snap.Name, &snap.Cwd,
			&state, &snap.CreatedAt, &snap.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		if err := json.Unmarshal(state, &snap.State); err != nil {
			return nil, fmt.Errorf("unmarshal state: %w", err)
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SetSessionName(ctx context.Context, id, name string) error {
	return s.exec(ctx, `UPDATE sessions SET name = $1, updated_at = NOW() WHERE id = $2`, name, id)
}

func (s *PostgresStore) SetBackendSessionID(ctx context.Context, id, backendID string) error {
	return s.exec(ctx, `UPDATE sessions SET backend_session_id = $1, updated_at = NOW() WHERE id = $2`, backendID, id)
}

func (s *PostgresStore) DeleteSession(ctx context.Context, id string) error {
	return s.exec(ctx, `DELETE FROM sessions WHERE id = $1`, id)
}

func (s *PostgresStore) exec(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}
