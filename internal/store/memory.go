package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/glia-ai/glia/pkg/unified"
)

// MemoryStore implements Store in process memory. Snapshots are deep-copied
// on the way in and out so callers never share history slices.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*unified.Snapshot
}

// NewMemory creates an empty in-memory store.
func NewMemory() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*unified.Snapshot)}
}

func (s *MemoryStore) UpsertSession(ctx context.Context, snap *unified.Snapshot) error {
	cp := copySnapshot(snap)
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	cp.UpdatedAt = time.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.sessions[cp.ID]; ok {
		cp.CreatedAt = prev.CreatedAt
	}
	s.sessions[cp.ID] = cp
	return nil
}

func (s *MemoryStore) GetSession(ctx context.Context, id string) (*unified.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copySnapshot(snap), nil
}

func (s *MemoryStore) ListSessions(ctx context.Context) ([]unified.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]unified.Snapshot, 0, len(s.sessions))
	for _, snap := range s.sessions {
		cp := copySnapshot(snap)
		cp.History = nil
		out = append(out, *cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out, nil
}

func (s *MemoryStore) SetSessionName(ctx context.Context, id, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.sessions[id]
	if !ok {
		return ErrNotFound
	}
	snap.Name = name
	snap.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) SetBackendSessionID(ctx context.Context, id, backendID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.sessions[id]
	if !ok {
		return ErrNotFound
	}
	snap.BackendSessionID = backendID
	snap.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) DeleteSession(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; !ok {
		return ErrNotFound
	}
	delete(s.sessions, id)
	return nil
}

func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }

func copySnapshot(snap *unified.Snapshot) *unified.Snapshot {
	cp := *snap
	if snap.History != nil {
		cp.History = make([]unified.Message, len(snap.History))
		copy(cp.History, snap.History)
	}
	return &cp
}
