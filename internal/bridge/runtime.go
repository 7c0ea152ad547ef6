package bridge

import (
	"errors"
	"sync"
	"time"

	"github.com/glia-ai/glia/internal/adapter"
	"github.com/glia-ai/glia/pkg/unified"
)

// maxHistory bounds per-session history; the oldest messages are evicted.
const maxHistory = 2000

// historyTypes are the message types worth replaying to late joiners.
// Transient stream deltas and presence traffic are excluded.
var historyTypes = map[unified.MessageType]bool{
	unified.TypeSessionInit:        true,
	unified.TypeUserMessage:        true,
	unified.TypeAssistant:          true,
	unified.TypeToolProgress:       true,
	unified.TypeToolUseSummary:     true,
	unified.TypeResult:             true,
	unified.TypePermissionRequest:  true,
	unified.TypePermissionResponse: true,
	unified.TypeSlashCommandResult: true,
	unified.TypeAuthStatus:         true,
	unified.TypeError:              true,
}

// ConsumerWriter is one attached WebSocket client, as seen by the bridge.
// Enqueue must not block: implementations keep a bounded queue and fail with
// ErrSlowConsumer when it is full, after which the bridge detaches them.
type ConsumerWriter interface {
	ID() string
	Identity() unified.Identity
	Enqueue(msg unified.Message) error
}

// ErrSlowConsumer is returned by ConsumerWriter.Enqueue when the write queue
// is full. The connection is past saving; the bridge drops it.
var ErrSlowConsumer = errors.New("consumer write queue full")

// queuedMessage is the single message waiting for the current turn to end.
type queuedMessage struct {
	ID      string
	OwnerID string
	Msg     unified.Message
}

// sessionRuntime is the in-memory state of one bridged session. All fields
// behind mu; the consumption loop and consumer goroutines share it.
type sessionRuntime struct {
	id string

	mu        sync.Mutex
	name      string
	state     unified.SessionState
	status    string
	history   []unified.Message
	createdAt time.Time

	backend       adapter.Session
	backendKind   string
	staticCaps    adapter.Capabilities
	firstTurn     bool // no result seen yet since connect
	firstUserText string
	capsRequested bool // initialize fired after the first session_init

	consumers          map[string]ConsumerWriter
	pendingPermissions map[string]unified.Message
	pendingInitialize  map[string]bool // outstanding control_request ids
	queued             *queuedMessage
}

func newSessionRuntime(id string) *sessionRuntime {
	return &sessionRuntime{
		id:                 id,
		status:             unified.StatusIdle,
		state:              unified.SessionState{SessionID: id},
		createdAt:          time.Now().UTC(),
		consumers:          make(map[string]ConsumerWriter),
		pendingPermissions: make(map[string]unified.Message),
		pendingInitialize:  make(map[string]bool),
		firstTurn:          true,
	}
}

// appendHistory records a message if its type is replayable, evicting the
// oldest entry past the cap. Caller holds rt.mu.
func (rt *sessionRuntime) appendHistory(msg unified.Message) {
	if !historyTypes[msg.Type] {
		return
	}
	rt.history = append(rt.history, msg)
	if len(rt.history) > maxHistory {
		rt.history = rt.history[len(rt.history)-maxHistory:]
	}
}

// snapshot builds a persistable copy. Caller holds rt.mu.
func (rt *sessionRuntime) snapshot() *unified.Snapshot {
	history := make([]unified.Message, len(rt.history))
	copy(history, rt.history)
	return &unified.Snapshot{
		ID:               rt.id,
		BackendSessionID: rt.state.BackendSessionID,
		Name:             rt.name,
		Cwd:              rt.state.Cwd,
		CreatedAt:        rt.createdAt,
		UpdatedAt:        time.Now().UTC(),
		State:            rt.state,
		History:          history,
	}
}

// presenceRoster lists attached consumers. Caller holds rt.mu.
func (rt *sessionRuntime) presenceRoster() []unified.Presence {
	roster := make([]unified.Presence, 0, len(rt.consumers))
	for id, w := range rt.consumers {
		ident := w.Identity()
		roster = append(roster, unified.Presence{
			ConsumerID:  id,
			DisplayName: ident.DisplayName,
			Role:        ident.Role,
		})
	}
	return roster
}
