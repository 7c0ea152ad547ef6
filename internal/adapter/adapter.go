// Package adapter defines the contract every agent backend must satisfy and
// provides the built-in implementations. An Adapter is a factory for live
// Sessions; a Session is a bidirectional unified-message channel wrapping one
// running agent (usually a local child process).
package adapter

import (
	"context"
	"errors"

	"github.com/glia-ai/glia/internal/config"
	"github.com/glia-ai/glia/pkg/unified"
)

// Errors surfaced by adapters and sessions.
var (
	// ErrBackendUnavailable means the adapter cannot start the child at all
	// (missing binary, bad config).
	ErrBackendUnavailable = errors.New("backend unavailable")
	// ErrStartupFailed means the child exited before completing its handshake.
	ErrStartupFailed = errors.New("backend startup failed")
	// ErrAuthRequired means the provider demands authentication before the
	// session can proceed.
	ErrAuthRequired = errors.New("backend auth required")
	// ErrSessionClosed is returned by operations attempted after Close.
	ErrSessionClosed = errors.New("session closed")
	// ErrNotSupported is returned by optional operations the adapter lacks,
	// e.g. SendRaw on an adapter without raw frame support.
	ErrNotSupported = errors.New("not supported by adapter")
)

// Availability describes where an adapter's backend runs.
type Availability string

const (
	AvailabilityLocal  Availability = "local"
	AvailabilityRemote Availability = "remote"
	AvailabilityHybrid Availability = "hybrid"
)

// Capabilities are static per adapter kind.
type Capabilities struct {
	Streaming     bool         `json:"streaming"`
	Permissions   bool         `json:"permissions"`
	SlashCommands bool         `json:"slash_commands"`
	Teams         bool         `json:"teams"`
	Availability  Availability `json:"availability"`
}

// ConnectOptions parameterize a new backend session.
type ConnectOptions struct {
	SessionID string // bridge session id, stable across reconnects
	Cwd       string
	Model     string
	Tools     []string
	// ResumeBackendSessionID pre-seeds the agent's native session id so the
	// backend continues an existing conversation.
	ResumeBackendSessionID string
	PermissionMode         string
}

// Adapter is a factory producing Sessions for one backend kind.
type Adapter interface {
	// Connect starts a backend session. It fails with ErrBackendUnavailable,
	// ErrStartupFailed, or ErrAuthRequired.
	Connect(ctx context.Context, opts ConnectOptions) (Session, error)
	// Capabilities reports the adapter's static capability set.
	Capabilities() Capabilities
	// Name returns the adapter kind, e.g. "acp" or "claude-code".
	Name() string
}

// Session is a live handle to one running agent.
//
// Messages returns a lazy, single-receiver, finite channel: the reader
// goroutine starts on first call and the same channel is returned on every
// call. Channel close means the backend ended; a final error message on the
// channel means the backend failed mid-turn. Fan-out to consumers is the
// bridge's job, never the session's.
type Session interface {
	// SessionID returns the bridge session id this session was connected for.
	SessionID() string
	// Send translates a unified message into the adapter's native wire form
	// and submits it. It fails synchronously only with ErrSessionClosed;
	// asynchronous failures surface on the Messages stream.
	Send(msg unified.Message) error
	// SendRaw submits a prebuilt native frame (NDJSON / JSON-RPC line).
	// Adapters without raw support fail with ErrNotSupported.
	SendRaw(frame []byte) error
	// Messages returns the session's inbound unified-message stream.
	Messages() <-chan unified.Message
	// Close terminates the backend: stop signal, up to 5 s grace, then a
	// forcible kill. Idempotent and safe from any goroutine.
	Close() error
}

// EchoConverter is an optional interface for sessions whose backend echoes
// outgoing user messages back on the wire. The bridge uses it to turn slash
// command echoes into slash_command_result messages instead of duplicated
// user turns.
type EchoConverter interface {
	ConvertEcho(msg unified.Message) (unified.Message, bool)
}

// NativeHandleProvider is an optional interface for sessions that expose
// the agent-assigned session id (e.g. Claude Code's session UUID) so the
// bridge can persist it for resume.
type NativeHandleProvider interface {
	NativeHandle() string
}

// Factory builds an Adapter from its backend config block.
type Factory func(cfg config.BackendConfig) Adapter

// NewRegistry creates a registry with the built-in adapter kinds.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory)}
	r.Register("acp", func(cfg config.BackendConfig) Adapter { return NewAcpAdapter(cfg) })
	r.Register("claude-code", func(cfg config.BackendConfig) Adapter { return NewClaudeCodeAdapter(cfg) })
	return r
}
