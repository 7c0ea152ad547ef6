// Package unified defines the adapter-agnostic message model shared by every
// glia component: backend adapters translate their native wire protocols into
// unified messages, the bridge routes them, and consumer gateways serialize
// them to WebSocket clients.
//
// All messages are JSON-encoded and tagged by a "type" field.
package unified

import (
	"encoding/json"
	"time"
)

// MessageType tags a Message. The set is closed; adapters must map unknown
// native events onto one of these or drop them.
type MessageType string

const (
	TypeSessionInit         MessageType = "session_init"
	TypeSessionUpdate       MessageType = "session_update"
	TypeStatusChange        MessageType = "status_change"
	TypeUserMessage         MessageType = "user_message"
	TypeAssistant           MessageType = "assistant"
	TypeStreamEvent         MessageType = "stream_event"
	TypeResult              MessageType = "result"
	TypePermissionRequest   MessageType = "permission_request"
	TypePermissionResponse  MessageType = "permission_response"
	TypePermissionCancelled MessageType = "permission_cancelled"
	TypeToolProgress        MessageType = "tool_progress"
	TypeToolUseSummary      MessageType = "tool_use_summary"
	TypeAuthStatus          MessageType = "auth_status"
	TypeControlRequest      MessageType = "control_request"
	TypeControlResponse     MessageType = "control_response"
	TypeConfigurationChange MessageType = "configuration_change"
	TypeInterrupt           MessageType = "interrupt"
	TypeSlashCommand        MessageType = "slash_command"
	TypeSlashCommandResult  MessageType = "slash_command_result"
	TypeQueueMessage        MessageType = "queue_message"
	TypeUpdateQueuedMessage MessageType = "update_queued_message"
	TypeCancelQueuedMessage MessageType = "cancel_queued_message"
	TypeError               MessageType = "error"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Content block kinds.
const (
	BlockText       = "text"
	BlockToolUse    = "tool_use"
	BlockToolResult = "tool_result"
	BlockThinking   = "thinking"
	BlockImage      = "image"
	BlockCode       = "code"
	BlockRefusal    = "refusal"
)

// ContentBlock is one ordered element of a message body. Type determines
// which fields are meaningful.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`

	// tool_use
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`

	// image
	MimeType string `json:"mime_type,omitempty"`
	Data     string `json:"data,omitempty"` // base64

	// code
	Language string `json:"language,omitempty"`
}

// Message is the single typed message flowing between backends, the bridge,
// and consumers. Metadata carries everything the reducer needs to update
// session state without consulting prior messages.
type Message struct {
	Type     MessageType    `json:"type"`
	Role     Role           `json:"role,omitempty"`
	Content  []ContentBlock `json:"content,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Common metadata keys.
const (
	MetaSessionID  = "session_id"
	MetaMessageID  = "message_id"
	MetaRequestID  = "request_id"
	MetaTraceID    = "trace_id"
	MetaCommand    = "command"
	MetaUsage      = "usage"
	MetaStopReason = "stop_reason"
	MetaModel      = "model"
	MetaCwd        = "cwd"
	MetaStatus     = "status"
	MetaSource     = "source"
	MetaBehavior   = "behavior"
	MetaToolName   = "tool_name"
	MetaSubtype    = "subtype"
	MetaTimestamp  = "timestamp"
)

// NewText builds a message with a single text block.
func NewText(t MessageType, role Role, text string) Message {
	return Message{
		Type:    t,
		Role:    role,
		Content: []ContentBlock{{Type: BlockText, Text: text}},
	}
}

// WithMeta returns a copy of m with the given metadata key set. The original
// message is not modified.
func (m Message) WithMeta(key string, value any) Message {
	md := make(map[string]any, len(m.Metadata)+1)
	for k, v := range m.Metadata {
		md[k] = v
	}
	md[key] = value
	m.Metadata = md
	return m
}

// MetaString returns a string metadata value, or "" when absent or not a
// string.
func (m Message) MetaString(key string) string {
	v, _ := m.Metadata[key].(string)
	return v
}

// MetaBool returns a bool metadata value, or false when absent.
func (m Message) MetaBool(key string) bool {
	v, _ := m.Metadata[key].(bool)
	return v
}

// MetaFloat returns a numeric metadata value. JSON numbers decode as
// float64; int and int64 are accepted for messages built in-process.
func (m Message) MetaFloat(key string) (float64, bool) {
	switch v := m.Metadata[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}

// SessionID is a shorthand for the session_id metadata field.
func (m Message) SessionID() string { return m.MetaString(MetaSessionID) }

// RequestID is a shorthand for the request_id metadata field.
func (m Message) RequestID() string { return m.MetaString(MetaRequestID) }

// Text concatenates all text blocks of the message body.
func (m Message) Text() string {
	var out string
	for _, b := range m.Content {
		if b.Type == BlockText {
			out += b.Text
		}
	}
	return out
}

// Timestamped returns a copy of m carrying a timestamp metadata field.
func (m Message) Timestamped(at time.Time) Message {
	return m.WithMeta(MetaTimestamp, at.UTC().Format(time.RFC3339Nano))
}
