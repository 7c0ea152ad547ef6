// Package eventbus is the daemon's internal pub/sub fabric. Bridge lifecycle
// transitions are published here so loosely coupled components (presence,
// persistence, the HTTP API) can observe them without holding bridge locks.
package eventbus

import (
	"encoding/json"
	"sync"
	"time"
)

// Event types published on the bus.
const (
	BackendConnected     = "backend.connected"
	BackendDisconnected  = "backend.disconnected"
	BackendSessionID     = "backend.session_id"
	ConsumerConnected    = "consumer.connected"
	ConsumerDisconnected = "consumer.disconnected"
	SessionCreated       = "session.created"
	SessionClosed        = "session.closed"
	FirstTurnCompleted   = "session.first_turn_completed"
	PermissionRequested  = "permission.requested"
	PermissionResolved   = "permission.resolved"
	CapabilitiesReady    = "capabilities.ready"
	MessageOutbound      = "message.outbound"
	AuthStatus           = "auth.status"
	ErrorRaised          = "error"
	LogEntry             = "log.entry"
)

// Event is a single message on the bus.
type Event struct {
	Type      string          `json:"type"`
	SessionID string          `json:"session_id,omitempty"`
	Timestamp time.Time       `json:"ts"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Bus is a fan-out pub/sub event bus. Subscribers receive events on a
// buffered channel; publish never blocks, a full subscriber buffer drops the
// event for that subscriber only.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]map[string]bool // channel → subscribed types (nil = all)
}

// New creates a new event bus.
func New() *Bus {
	return &Bus{subs: make(map[chan Event]map[string]bool)}
}

// Subscribe returns a buffered channel receiving events of the given types,
// or every event when none are named.
func (b *Bus) Subscribe(types ...string) chan Event {
	ch := make(chan Event, 64)
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(types) == 0 {
		b.subs[ch] = nil
	} else {
		filter := make(map[string]bool, len(types))
		for _, t := range types {
			filter[t] = true
		}
		b.subs[ch] = filter
	}
	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		close(ch)
	}
}

// Publish sends an event to all matching subscribers.
func (b *Bus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch, filter := range b.subs {
		if filter != nil && !filter[e.Type] {
			continue
		}
		select {
		case ch <- e:
		default:
			// slow subscriber, drop
		}
	}
}

// PublishSession marshals data and publishes it under the given type, tagged
// with the originating session.
func (b *Bus) PublishSession(eventType, sessionID string, data any) {
	var raw json.RawMessage
	if data != nil {
		raw, _ = json.Marshal(data)
	}
	b.Publish(Event{
		Type:      eventType,
		SessionID: sessionID,
		Timestamp: time.Now(),
		Data:      raw,
	})
}

// Close unsubscribes all subscribers and closes their channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		close(ch)
		delete(b.subs, ch)
	}
}
