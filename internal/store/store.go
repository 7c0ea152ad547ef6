// Package store persists session snapshots so sessions survive daemon
// restarts and backend reconnects. SQLite is the default; PostgreSQL serves
// multi-daemon deployments and the in-memory store serves tests.
package store

import (
	"context"
	"errors"

	"github.com/glia-ai/glia/pkg/unified"
)

// ErrNotFound is returned when no snapshot exists for the given id.
var ErrNotFound = errors.New("session not found")

// Store is the snapshot persistence interface.
type Store interface {
	// UpsertSession writes a full snapshot, inserting or replacing by id.
	UpsertSession(ctx context.Context, snap *unified.Snapshot) error
	// GetSession loads one snapshot, or ErrNotFound.
	GetSession(ctx context.Context, id string) (*unified.Snapshot, error)
	// ListSessions returns all snapshots without history, most recently
	// updated first.
	ListSessions(ctx context.Context) ([]unified.Snapshot, error)
	// SetSessionName renames a session.
	SetSessionName(ctx context.Context, id, name string) error
	// SetBackendSessionID records the agent-native session id for resume.
	SetBackendSessionID(ctx context.Context, id, backendID string) error
	// DeleteSession removes a snapshot.
	DeleteSession(ctx context.Context, id string) error

	// Ping verifies connectivity.
	Ping(ctx context.Context) error
	Close() error
}
