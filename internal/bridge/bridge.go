// Package bridge is the daemon core: it owns session state, consumes each
// backend's message stream, fans messages out to attached consumers, and
// mediates permissions, queued messages, and capability negotiation.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/glia-ai/glia/internal/adapter"
	"github.com/glia-ai/glia/internal/config"
	"github.com/glia-ai/glia/internal/eventbus"
	"github.com/glia-ai/glia/internal/reducer"
	"github.com/glia-ai/glia/internal/store"
	"github.com/glia-ai/glia/pkg/unified"
)

// Errors returned by bridge operations.
var (
	ErrSessionNotFound   = errors.New("session not found")
	ErrNoBackend         = errors.New("no backend connected")
	ErrUnknownBackend    = errors.New("unknown backend id")
	ErrUnknownPermission = errors.New("no pending permission with that request id")
	ErrQueueOccupied     = errors.New("a message is already queued")
	ErrNotQueueOwner     = errors.New("queued message belongs to another consumer")
	ErrNoQueuedMessage   = errors.New("no queued message")
)

// Bridge routes unified messages between backend sessions and consumers.
type Bridge struct {
	cfg      *config.Config
	registry *adapter.Registry
	store    store.Store
	bus      *eventbus.Bus
	logger   *slog.Logger

	mu       sync.Mutex
	sessions map[string]*sessionRuntime
}

// New creates a bridge.
func New(cfg *config.Config, registry *adapter.Registry, st store.Store, bus *eventbus.Bus) *Bridge {
	return &Bridge{
		cfg:      cfg,
		registry: registry,
		store:    st,
		bus:      bus,
		logger:   slog.Default().With("component", "bridge"),
		sessions: make(map[string]*sessionRuntime),
	}
}

// GetOrCreateSession returns the runtime for id, creating it (and restoring
// any persisted snapshot) on first use. An empty id allocates a new session.
func (b *Bridge) GetOrCreateSession(ctx context.Context, id string) (string, error) {
	if id == "" {
		id = uuid.NewString()
	}

	b.mu.Lock()
	if _, ok := b.sessions[id]; ok {
		b.mu.Unlock()
		return id, nil
	}
	rt := newSessionRuntime(id)
	b.sessions[id] = rt
	b.mu.Unlock()

	if snap, err := b.store.GetSession(ctx, id); err == nil {
		rt.mu.Lock()
		rt.name = snap.Name
		rt.state = snap.State
		rt.state.SessionID = id
		rt.history = snap.History
		rt.createdAt = snap.CreatedAt
		rt.mu.Unlock()
	} else if !errors.Is(err, store.ErrNotFound) {
		b.logger.Warn("snapshot restore failed", "session_id", id, "error", err)
	}

	b.bus.PublishSession(eventbus.SessionCreated, id, nil)
	return id, nil
}

func (b *Bridge) runtime(id string) (*sessionRuntime, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rt, ok := b.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return rt, nil
}

// ConnectBackend launches the configured backend for a session and starts
// consuming its stream. Resume uses the persisted backend session id.
func (b *Bridge) ConnectBackend(ctx context.Context, sessionID, backendID string) error {
	rt, err := b.runtime(sessionID)
	if err != nil {
		return err
	}

	var backendCfg *config.BackendConfig
	for i := range b.cfg.Backends {
		if b.cfg.Backends[i].ID == backendID {
			backendCfg = &b.cfg.Backends[i]
			break
		}
	}
	if backendCfg == nil {
		return fmt.Errorf("%w: %s", ErrUnknownBackend, backendID)
	}

	ad, err := b.registry.Build(*backendCfg)
	if err != nil {
		return err
	}

	rt.mu.Lock()
	old := rt.backend
	if old != nil {
		// Reconnect replaces the backend: the old one is closed first and
		// anything still waiting on it is cancelled.
		rt.backend = nil
		b.cancelPendingLocked(rt)
	}
	resumeID := rt.state.BackendSessionID
	cwd := rt.state.Cwd
	model := rt.state.Model
	rt.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}

	sess, err := ad.Connect(ctx, adapter.ConnectOptions{
		SessionID:              sessionID,
		Cwd:                    cwd,
		Model:                  model,
		ResumeBackendSessionID: resumeID,
		PermissionMode:         backendCfg.PermissionMode,
	})
	if err != nil {
		if resumeID != "" {
			rt.mu.Lock()
			b.broadcastLocked(rt, unified.Message{Type: unified.TypeResumeFailed, Role: unified.RoleSystem}.
				WithMeta(unified.MetaSessionID, sessionID))
			rt.mu.Unlock()
		}
		return fmt.Errorf("connect backend %s: %w", backendID, err)
	}

	rt.mu.Lock()
	rt.backend = sess
	rt.backendKind = ad.Name()
	rt.firstTurn = true
	rt.capsRequested = false
	rt.staticCaps = ad.Capabilities()
	b.broadcastLocked(rt, unified.Message{Type: unified.TypeCliConnected, Role: unified.RoleSystem}.
		WithMeta(unified.MetaSessionID, sessionID).
		WithMeta("backend_id", backendID).
		WithMeta("backend_kind", ad.Name()))
	rt.mu.Unlock()

	b.bus.PublishSession(eventbus.BackendConnected, sessionID, map[string]string{"backend_id": backendID})

	go b.consumeLoop(rt, sess)
	return nil
}

// requestCapabilities starts the initialize round-trip over the raw control
// channel. It fires once per connect, on the first session_init, so consumers
// always see capabilities_ready after the init. Backends without raw frame
// support answer from their static capability set instead.
func (b *Bridge) requestCapabilities(rt *sessionRuntime, sess adapter.Session) {
	requestID := uuid.NewString()
	frame, err := json.Marshal(map[string]any{
		"type":       "control_request",
		"request_id": requestID,
		"request":    map[string]any{"subtype": "initialize"},
	})
	if err != nil {
		return
	}

	rt.mu.Lock()
	rt.pendingInitialize[requestID] = true
	rt.mu.Unlock()

	if err := sess.SendRaw(frame); err != nil {
		rt.mu.Lock()
		delete(rt.pendingInitialize, requestID)
		caps := rt.staticCaps
		b.broadcastLocked(rt, unified.Message{Type: unified.TypeCapabilitiesReady, Role: unified.RoleSystem}.
			WithMeta(unified.MetaSessionID, rt.id).
			WithMeta("capabilities", caps))
		rt.mu.Unlock()
		b.bus.PublishSession(eventbus.CapabilitiesReady, rt.id, caps)
	}
}

// consumeLoop drains one backend stream until it closes.
func (b *Bridge) consumeLoop(rt *sessionRuntime, sess adapter.Session) {
	for msg := range sess.Messages() {
		b.handleBackendMessage(rt, sess, msg)
	}
	b.handleBackendGone(rt, sess)
}

// handleBackendMessage applies one inbound message: echo conversion, state
// reduction, history, bookkeeping for permissions and capabilities, fan-out,
// and persistence at checkpoints.
func (b *Bridge) handleBackendMessage(rt *sessionRuntime, sess adapter.Session, msg unified.Message) {
	if conv, ok := sess.(adapter.EchoConverter); ok {
		if converted, did := conv.ConvertEcho(msg); did {
			msg = converted
		}
	}
	if msg.Metadata[unified.MetaSessionID] == nil {
		msg = msg.WithMeta(unified.MetaSessionID, rt.id)
	}

	persist := false
	negotiate := false
	rt.mu.Lock()
	rt.state = reducer.Reduce(rt.state, msg)

	switch msg.Type {
	case unified.TypeSessionInit:
		persist = true
		if !rt.capsRequested {
			rt.capsRequested = true
			negotiate = true
		}
		if handle := rt.state.BackendSessionID; handle != "" {
			b.bus.PublishSession(eventbus.BackendSessionID, rt.id, map[string]string{"backend_session_id": handle})
		}

	case unified.TypeStatusChange:
		rt.status = msg.MetaString(unified.MetaStatus)

	case unified.TypePermissionRequest:
		if reqID := msg.RequestID(); reqID != "" {
			rt.pendingPermissions[reqID] = msg
			persist = true
			b.bus.PublishSession(eventbus.PermissionRequested, rt.id, map[string]string{"request_id": reqID})
		}

	case unified.TypePermissionCancelled:
		if reqID := msg.RequestID(); reqID != "" {
			if _, ok := rt.pendingPermissions[reqID]; ok {
				delete(rt.pendingPermissions, reqID)
				persist = true
				b.bus.PublishSession(eventbus.PermissionResolved, rt.id, map[string]string{"request_id": reqID, "outcome": "cancelled"})
			}
		}

	case unified.TypeControlResponse:
		reqID := msg.RequestID()
		if rt.pendingInitialize[reqID] {
			delete(rt.pendingInitialize, reqID)
			ready := unified.Message{Type: unified.TypeCapabilitiesReady, Role: unified.RoleSystem}.
				WithMeta(unified.MetaSessionID, rt.id)
			if resp, ok := msg.Metadata["response"]; ok {
				ready = ready.WithMeta("capabilities", resp)
			}
			rt.appendHistory(ready)
			b.broadcastLocked(rt, ready)
			rt.mu.Unlock()
			b.bus.PublishSession(eventbus.CapabilitiesReady, rt.id, nil)
			return
		}
		// Raw control traffic never reaches consumers.
		rt.mu.Unlock()
		b.logger.Debug("unmatched control_response dropped", "session_id", rt.id, "request_id", reqID)
		return

	case unified.TypeResult:
		rt.status = unified.StatusIdle
		persist = true
		if rt.firstTurn {
			rt.firstTurn = false
			b.bus.PublishSession(eventbus.FirstTurnCompleted, rt.id, map[string]string{"first_user_message": rt.firstUserText})
		}

	case unified.TypeAssistant:
		persist = true

	case unified.TypeAuthStatus:
		b.bus.PublishSession(eventbus.AuthStatus, rt.id, msg.Metadata)

	case unified.TypeError:
		b.bus.PublishSession(eventbus.ErrorRaised, rt.id, msg.Metadata)
	}

	rt.appendHistory(msg)
	b.broadcastLocked(rt, msg)

	var queued *queuedMessage
	if msg.Type == unified.TypeResult && rt.queued != nil {
		queued = rt.queued
		rt.queued = nil
	}

	var snap *unified.Snapshot
	if persist {
		snap = rt.snapshot()
	}
	rt.mu.Unlock()

	if negotiate {
		b.requestCapabilities(rt, sess)
	}
	if snap != nil {
		b.persist(snap)
	}
	if queued != nil {
		b.deliverQueued(rt, queued)
	}
}

// handleBackendGone runs after the backend stream closes: pending work is
// cancelled so nothing waits on a dead process, and consumers learn the CLI
// side went away.
func (b *Bridge) handleBackendGone(rt *sessionRuntime, sess adapter.Session) {
	rt.mu.Lock()
	if rt.backend != sess {
		// A newer backend already replaced this one.
		rt.mu.Unlock()
		return
	}
	rt.backend = nil
	rt.backendKind = ""
	rt.status = unified.StatusIdle
	rt.capsRequested = false
	b.cancelPendingLocked(rt)

	b.broadcastLocked(rt, unified.Message{Type: unified.TypeCliDisconnected, Role: unified.RoleSystem}.
		WithMeta(unified.MetaSessionID, rt.id))
	snap := rt.snapshot()
	rt.mu.Unlock()

	b.persist(snap)
	b.bus.PublishSession(eventbus.BackendDisconnected, rt.id, map[string]any{"code": 1000, "reason": "stream ended"})
	b.logger.Info("backend stream ended", "session_id", rt.id)
}

// cancelPendingLocked cancels outstanding permission requests and initialize
// probes so nothing waits on a backend that is gone. Caller holds rt.mu.
func (b *Bridge) cancelPendingLocked(rt *sessionRuntime) {
	for reqID := range rt.pendingPermissions {
		cancelled := unified.Message{Type: unified.TypePermissionCancelled, Role: unified.RoleSystem}.
			WithMeta(unified.MetaSessionID, rt.id).
			WithMeta(unified.MetaRequestID, reqID)
		rt.appendHistory(cancelled)
		b.broadcastLocked(rt, cancelled)
		b.bus.PublishSession(eventbus.PermissionResolved, rt.id, map[string]string{"request_id": reqID, "outcome": "cancelled"})
	}
	rt.pendingPermissions = make(map[string]unified.Message)
	rt.pendingInitialize = make(map[string]bool)
}

// deliverQueued sends the queued message once the turn that blocked it ends.
func (b *Bridge) deliverQueued(rt *sessionRuntime, q *queuedMessage) {
	rt.mu.Lock()
	b.broadcastLocked(rt, unified.Message{Type: unified.TypeQueuedMessageSent, Role: unified.RoleSystem}.
		WithMeta(unified.MetaSessionID, rt.id).
		WithMeta(unified.MetaMessageID, q.ID))
	rt.mu.Unlock()

	if err := b.SendUserMessage(rt.id, q.OwnerID, q.Msg); err != nil {
		b.logger.Warn("queued message delivery failed", "session_id", rt.id, "error", err)
	}
}

// DisconnectBackend closes the backend but keeps the session and consumers.
func (b *Bridge) DisconnectBackend(ctx context.Context, sessionID string) error {
	rt, err := b.runtime(sessionID)
	if err != nil {
		return err
	}
	rt.mu.Lock()
	sess := rt.backend
	rt.mu.Unlock()
	if sess == nil {
		return ErrNoBackend
	}
	return sess.Close()
}

// CloseSession tears down the backend, persists a final snapshot, and drops
// the runtime. Consumers are told the session closed.
func (b *Bridge) CloseSession(ctx context.Context, sessionID string) error {
	b.mu.Lock()
	rt, ok := b.sessions[sessionID]
	if ok {
		delete(b.sessions, sessionID)
	}
	b.mu.Unlock()
	if !ok {
		return ErrSessionNotFound
	}

	rt.mu.Lock()
	sess := rt.backend
	rt.backend = nil
	snap := rt.snapshot()
	rt.mu.Unlock()

	if sess != nil {
		_ = sess.Close()
	}
	b.persist(snap)
	b.bus.PublishSession(eventbus.SessionClosed, sessionID, nil)
	return nil
}

// Shutdown closes every session.
func (b *Bridge) Shutdown(ctx context.Context) {
	b.mu.Lock()
	ids := make([]string, 0, len(b.sessions))
	for id := range b.sessions {
		ids = append(ids, id)
	}
	b.mu.Unlock()
	for _, id := range ids {
		if err := b.CloseSession(ctx, id); err != nil {
			b.logger.Warn("close session on shutdown", "session_id", id, "error", err)
		}
	}
}

// SetSessionName renames a session and notifies consumers.
func (b *Bridge) SetSessionName(ctx context.Context, sessionID, name string) error {
	rt, err := b.runtime(sessionID)
	if err != nil {
		return err
	}
	rt.mu.Lock()
	rt.name = name
	b.broadcastLocked(rt, unified.Message{Type: unified.TypeSessionNameUpdate, Role: unified.RoleSystem}.
		WithMeta(unified.MetaSessionID, sessionID).
		WithMeta("name", name))
	snap := rt.snapshot()
	rt.mu.Unlock()

	err = b.store.SetSessionName(ctx, sessionID, name)
	if errors.Is(err, store.ErrNotFound) {
		// First write for this session; store the whole snapshot.
		b.persist(snap)
		return nil
	}
	return err
}

// SessionInfo is the API-facing view of one session.
type SessionInfo struct {
	ID          string               `json:"id"`
	Name        string               `json:"name,omitempty"`
	Status      string               `json:"status"`
	BackendKind string               `json:"backend_kind,omitempty"`
	Consumers   int                  `json:"consumers"`
	State       unified.SessionState `json:"state"`
	CreatedAt   time.Time            `json:"created_at"`
}

// Sessions lists the live sessions.
func (b *Bridge) Sessions() []SessionInfo {
	b.mu.Lock()
	rts := make([]*sessionRuntime, 0, len(b.sessions))
	for _, rt := range b.sessions {
		rts = append(rts, rt)
	}
	b.mu.Unlock()

	out := make([]SessionInfo, 0, len(rts))
	for _, rt := range rts {
		rt.mu.Lock()
		out = append(out, SessionInfo{
			ID:          rt.id,
			Name:        rt.name,
			Status:      rt.status,
			BackendKind: rt.backendKind,
			Consumers:   len(rt.consumers),
			State:       rt.state,
			CreatedAt:   rt.createdAt,
		})
		rt.mu.Unlock()
	}
	return out
}

// broadcastLocked fans a message out to every consumer. Callers hold rt.mu.
// Consumers whose queue overflows are detached on the spot; they are past
// catching up and blocking here would stall the whole session.
func (b *Bridge) broadcastLocked(rt *sessionRuntime, msg unified.Message) {
	b.bus.PublishSession(eventbus.MessageOutbound, rt.id, map[string]string{"type": string(msg.Type)})
	for id, w := range rt.consumers {
		if err := w.Enqueue(msg); err != nil {
			delete(rt.consumers, id)
			b.logger.Warn("dropping slow consumer", "session_id", rt.id, "consumer_id", id, "error", err)
		}
	}
}

func (b *Bridge) persist(snap *unified.Snapshot) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := b.store.UpsertSession(ctx, snap); err != nil {
		b.logger.Warn("snapshot persist failed", "session_id", snap.ID, "error", err)
	}
}
