package bridge

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/glia-ai/glia/internal/eventbus"
	"github.com/glia-ai/glia/pkg/unified"
)

// Attach registers a consumer on a session. The consumer immediately gets
// its identity, the replayable history, any still-pending permission
// requests, and everyone gets a fresh presence roster.
func (b *Bridge) Attach(sessionID string, w ConsumerWriter) error {
	rt, err := b.runtime(sessionID)
	if err != nil {
		return err
	}

	ident := w.Identity()
	rt.mu.Lock()
	rt.consumers[w.ID()] = w

	_ = w.Enqueue(unified.Message{Type: unified.TypeIdentity, Role: unified.RoleSystem}.
		WithMeta(unified.MetaSessionID, sessionID).
		WithMeta("identity", ident))

	history := make([]unified.Message, len(rt.history))
	copy(history, rt.history)
	_ = w.Enqueue(unified.Message{Type: unified.TypeMessageHistory, Role: unified.RoleSystem}.
		WithMeta(unified.MetaSessionID, sessionID).
		WithMeta("messages", history).
		WithMeta("state", rt.state))

	for _, req := range rt.pendingPermissions {
		_ = w.Enqueue(req)
	}
	if rt.backend != nil {
		_ = w.Enqueue(unified.Message{Type: unified.TypeCliConnected, Role: unified.RoleSystem}.
			WithMeta(unified.MetaSessionID, sessionID).
			WithMeta("backend_kind", rt.backendKind))
	}

	b.broadcastLocked(rt, unified.Message{Type: unified.TypePresenceUpdate, Role: unified.RoleSystem}.
		WithMeta(unified.MetaSessionID, sessionID).
		WithMeta("consumers", rt.presenceRoster()))
	rt.mu.Unlock()

	b.bus.PublishSession(eventbus.ConsumerConnected, sessionID, map[string]string{"consumer_id": w.ID()})
	return nil
}

// DetachConsumer removes a consumer. Pending permissions stay pending so a
// remaining participant can still answer them.
func (b *Bridge) DetachConsumer(sessionID, consumerID string) {
	rt, err := b.runtime(sessionID)
	if err != nil {
		return
	}
	rt.mu.Lock()
	if _, ok := rt.consumers[consumerID]; !ok {
		rt.mu.Unlock()
		return
	}
	delete(rt.consumers, consumerID)
	b.broadcastLocked(rt, unified.Message{Type: unified.TypePresenceUpdate, Role: unified.RoleSystem}.
		WithMeta(unified.MetaSessionID, sessionID).
		WithMeta("consumers", rt.presenceRoster()))
	rt.mu.Unlock()

	b.bus.PublishSession(eventbus.ConsumerDisconnected, sessionID, map[string]string{"consumer_id": consumerID})
}

// RouteConsumerMessage dispatches one inbound consumer message. The gateway
// has already authenticated and authorized the sender.
func (b *Bridge) RouteConsumerMessage(sessionID, consumerID string, msg unified.Message) error {
	switch msg.Type {
	case unified.TypeUserMessage, unified.TypeSlashCommand:
		return b.SendUserMessage(sessionID, consumerID, msg)
	case unified.TypePermissionResponse:
		return b.SendPermissionResponse(sessionID, consumerID, msg)
	case unified.TypeInterrupt:
		return b.SendInterrupt(sessionID)
	case unified.TypeSetModel:
		return b.SendSetModel(sessionID, msg.MetaString(unified.MetaModel))
	case unified.TypeSetPermissionMode:
		return b.SendSetPermissionMode(sessionID, msg.MetaString("permission_mode"))
	case unified.TypeSetAdapter:
		return b.SendSetAdapter(context.Background(), sessionID, msg.MetaString("backend_id"))
	case unified.TypeQueueMessage:
		return b.QueueMessage(sessionID, consumerID, msg)
	case unified.TypeUpdateQueuedMessage:
		return b.UpdateQueuedMessage(sessionID, consumerID, msg)
	case unified.TypeCancelQueuedMessage:
		return b.CancelQueuedMessage(sessionID, consumerID)
	default:
		return fmt.Errorf("unroutable consumer message type: %s", msg.Type)
	}
}

// SendUserMessage forwards a user turn to the backend. The echo is broadcast
// optimistically and the session is forced to running before the backend
// confirms, so every consumer sees the turn start at the same instant.
func (b *Bridge) SendUserMessage(sessionID, consumerID string, msg unified.Message) error {
	rt, err := b.runtime(sessionID)
	if err != nil {
		return err
	}

	rt.mu.Lock()
	sess := rt.backend
	if sess == nil {
		rt.mu.Unlock()
		return ErrNoBackend
	}

	echo := msg
	echo.Type = unified.TypeUserMessage
	echo.Role = unified.RoleUser
	echo = echo.WithMeta(unified.MetaSessionID, sessionID).
		WithMeta(unified.MetaSource, "consumer").
		WithMeta("consumer_id", consumerID)
	rt.appendHistory(echo)
	if rt.firstTurn && rt.firstUserText == "" {
		rt.firstUserText = echo.Text()
	}
	b.broadcastLocked(rt, echo)

	rt.status = unified.StatusRunning
	b.broadcastLocked(rt, unified.Message{Type: unified.TypeStatusChange, Role: unified.RoleSystem}.
		WithMeta(unified.MetaSessionID, sessionID).
		WithMeta(unified.MetaStatus, unified.StatusRunning))
	rt.mu.Unlock()

	return sess.Send(msg)
}

// SendPermissionResponse resolves one pending permission. Each request is
// resolved exactly once; duplicates and unknown ids are rejected.
func (b *Bridge) SendPermissionResponse(sessionID, consumerID string, msg unified.Message) error {
	rt, err := b.runtime(sessionID)
	if err != nil {
		return err
	}
	reqID := msg.RequestID()

	rt.mu.Lock()
	if _, ok := rt.pendingPermissions[reqID]; !ok {
		rt.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownPermission, reqID)
	}
	delete(rt.pendingPermissions, reqID)
	sess := rt.backend

	resolved := msg.WithMeta(unified.MetaSessionID, sessionID).
		WithMeta("consumer_id", consumerID)
	rt.appendHistory(resolved)
	b.broadcastLocked(rt, resolved)
	rt.mu.Unlock()

	b.bus.PublishSession(eventbus.PermissionResolved, sessionID, map[string]string{
		"request_id": reqID,
		"outcome":    msg.MetaString(unified.MetaBehavior),
	})

	if sess == nil {
		return ErrNoBackend
	}
	return sess.Send(msg)
}

// SendToBackend forwards a message to the backend verbatim, with no echo or
// queue bookkeeping. Unknown sessions and missing backends drop the message
// with a warning; a failed send surfaces to consumers as an error but leaves
// the session alive.
func (b *Bridge) SendToBackend(sessionID string, msg unified.Message) {
	rt, err := b.runtime(sessionID)
	if err != nil {
		b.logger.Warn("dropping message for unknown session", "session_id", sessionID, "type", msg.Type)
		return
	}

	rt.mu.Lock()
	sess := rt.backend
	rt.mu.Unlock()
	if sess == nil {
		b.logger.Warn("dropping message, no backend", "session_id", sessionID, "type", msg.Type)
		return
	}

	if err := sess.Send(msg); err != nil {
		rt.mu.Lock()
		b.broadcastLocked(rt, unified.NewText(unified.TypeError, unified.RoleSystem, err.Error()).
			WithMeta(unified.MetaSessionID, sessionID).
			WithMeta(unified.MetaSource, "sendToBackend"))
		rt.mu.Unlock()
	}
}

// SendSetAdapter switches the session to another configured backend. Any
// current backend is closed and replaced.
func (b *Bridge) SendSetAdapter(ctx context.Context, sessionID, backendID string) error {
	if backendID == "" {
		return fmt.Errorf("backend_id is required")
	}
	return b.ConnectBackend(ctx, sessionID, backendID)
}

// SendInterrupt cancels the in-flight turn.
func (b *Bridge) SendInterrupt(sessionID string) error {
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
	return sess.Send(unified.Message{Type: unified.TypeInterrupt, Role: unified.RoleUser}.
		WithMeta(unified.MetaSessionID, sessionID))
}

// SendSetModel switches the active model and notifies consumers.
func (b *Bridge) SendSetModel(sessionID, model string) error {
	if model == "" {
		return fmt.Errorf("model is required")
	}
	return b.sendConfiguration(sessionID, unified.Message{
		Type: unified.TypeConfigurationChange,
		Role: unified.RoleUser,
	}.WithMeta(unified.MetaModel, model))
}

// SendSetPermissionMode switches the permission mode and notifies consumers.
func (b *Bridge) SendSetPermissionMode(sessionID, mode string) error {
	switch mode {
	case unified.PermissionDefault, unified.PermissionPlan, unified.PermissionBypass:
	default:
		return fmt.Errorf("invalid permission mode: %q", mode)
	}
	return b.sendConfiguration(sessionID, unified.Message{
		Type: unified.TypeConfigurationChange,
		Role: unified.RoleUser,
	}.WithMeta("permission_mode", mode))
}

func (b *Bridge) sendConfiguration(sessionID string, msg unified.Message) error {
	rt, err := b.runtime(sessionID)
	if err != nil {
		return err
	}
	msg = msg.WithMeta(unified.MetaSessionID, sessionID)

	rt.mu.Lock()
	sess := rt.backend
	b.broadcastLocked(rt, msg)
	rt.mu.Unlock()

	if sess == nil {
		return ErrNoBackend
	}
	return sess.Send(msg)
}

// QueueMessage holds a message for delivery when the current turn ends. An
// idle session short-circuits to immediate delivery. Only one message can be
// queued at a time.
func (b *Bridge) QueueMessage(sessionID, consumerID string, msg unified.Message) error {
	rt, err := b.runtime(sessionID)
	if err != nil {
		return err
	}

	rt.mu.Lock()
	if rt.backend == nil {
		rt.mu.Unlock()
		return ErrNoBackend
	}
	if rt.status != unified.StatusRunning {
		rt.mu.Unlock()
		msg.Type = unified.TypeUserMessage
		return b.SendUserMessage(sessionID, consumerID, msg)
	}
	if rt.queued != nil {
		rt.mu.Unlock()
		return ErrQueueOccupied
	}

	queued := msg
	queued.Type = unified.TypeUserMessage
	q := &queuedMessage{ID: uuid.NewString(), OwnerID: consumerID, Msg: queued}
	rt.queued = q
	b.broadcastLocked(rt, unified.Message{Type: unified.TypeMessageQueued, Role: unified.RoleSystem}.
		WithMeta(unified.MetaSessionID, sessionID).
		WithMeta(unified.MetaMessageID, q.ID).
		WithMeta("consumer_id", consumerID).
		WithMeta("text", queued.Text()))
	rt.mu.Unlock()
	return nil
}

// UpdateQueuedMessage replaces the queued message body. Only the consumer
// that queued it may update it.
func (b *Bridge) UpdateQueuedMessage(sessionID, consumerID string, msg unified.Message) error {
	rt, err := b.runtime(sessionID)
	if err != nil {
		return err
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.queued == nil {
		return ErrNoQueuedMessage
	}
	if rt.queued.OwnerID != consumerID {
		return ErrNotQueueOwner
	}

	updated := msg
	updated.Type = unified.TypeUserMessage
	rt.queued.Msg = updated
	b.broadcastLocked(rt, unified.Message{Type: unified.TypeQueuedMessageUpdated, Role: unified.RoleSystem}.
		WithMeta(unified.MetaSessionID, sessionID).
		WithMeta(unified.MetaMessageID, rt.queued.ID).
		WithMeta("text", updated.Text()))
	return nil
}

// CancelQueuedMessage drops the queued message. Only its owner may cancel.
func (b *Bridge) CancelQueuedMessage(sessionID, consumerID string) error {
	rt, err := b.runtime(sessionID)
	if err != nil {
		return err
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.queued == nil {
		return ErrNoQueuedMessage
	}
	if rt.queued.OwnerID != consumerID {
		return ErrNotQueueOwner
	}

	id := rt.queued.ID
	rt.queued = nil
	b.broadcastLocked(rt, unified.Message{Type: unified.TypeQueuedMessageCancelled, Role: unified.RoleSystem}.
		WithMeta(unified.MetaSessionID, sessionID).
		WithMeta(unified.MetaMessageID, id))
	return nil
}
