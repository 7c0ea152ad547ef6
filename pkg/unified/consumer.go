package unified

// Consumer-only message types. These never cross the backend boundary; the
// gateway and bridge synthesize them for WebSocket clients, reusing the
// Message envelope so encrypted and plaintext paths share one codec.
const (
	TypeCapabilitiesReady      MessageType = "capabilities_ready"
	TypeSlashCommandError      MessageType = "slash_command_error"
	TypeCliConnected           MessageType = "cli_connected"
	TypeCliDisconnected        MessageType = "cli_disconnected"
	TypeIdentity               MessageType = "identity"
	TypePresenceUpdate         MessageType = "presence_update"
	TypeMessageHistory         MessageType = "message_history"
	TypeMessageQueued          MessageType = "message_queued"
	TypeQueuedMessageUpdated   MessageType = "queued_message_updated"
	TypeQueuedMessageCancelled MessageType = "queued_message_cancelled"
	TypeQueuedMessageSent      MessageType = "queued_message_sent"
	TypeResumeFailed           MessageType = "resume_failed"
	TypeProcessOutput          MessageType = "process_output"
	TypeSessionNameUpdate      MessageType = "session_name_update"

	// Inbound-only consumer controls.
	TypeSetModel          MessageType = "set_model"
	TypeSetPermissionMode MessageType = "set_permission_mode"
	TypeSetAdapter        MessageType = "set_adapter"
)

// Roles assigned to consumer identities.
const (
	RoleParticipant = "participant"
	RoleObserver    = "observer"
)

// Identity describes an authenticated (or anonymous) consumer.
type Identity struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name,omitempty"`
	Role        string `json:"role"`
}

// Presence is one entry of a presence_update roster.
type Presence struct {
	ConsumerID  string `json:"consumer_id"`
	DisplayName string `json:"display_name,omitempty"`
	Role        string `json:"role"`
}

// EncryptedEnvelope is the wire form of an end-to-end encrypted consumer
// frame. SID stays in the clear so the daemon can route before decrypting.
// Nonce, ciphertext, tag, and the optional re-pair key are base64.
type EncryptedEnvelope struct {
	V   int    `json:"v"`
	SID string `json:"sid"`
	N   string `json:"n"`
	C   string `json:"c"`
	K   string `json:"k,omitempty"`
	T   string `json:"t"`
}

// EnvelopeVersion is the only supported EncryptedEnvelope version.
const EnvelopeVersion = 1
