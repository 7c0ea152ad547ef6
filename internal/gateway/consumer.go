package gateway

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/glia-ai/glia/internal/bridge"
	"github.com/glia-ai/glia/internal/secure"
	"github.com/glia-ai/glia/pkg/unified"
)

// consumer is one attached WebSocket client. Outbound messages go through a
// bounded queue drained by writePump; the bridge never writes to the socket
// directly.
type consumer struct {
	id       string
	identity unified.Identity
	conn     *websocket.Conn
	enc      *secure.Channel
	logger   *slog.Logger

	queue chan unified.Message
	done  chan struct{}

	closeOnce sync.Once
	writeMu   sync.Mutex
}

func newConsumer(id string, identity unified.Identity, conn *websocket.Conn, enc *secure.Channel, queueSize int, logger *slog.Logger) *consumer {
	if queueSize <= 0 {
		queueSize = 256
	}
	return &consumer{
		id:       id,
		identity: identity,
		conn:     conn,
		enc:      enc,
		logger:   logger,
		queue:    make(chan unified.Message, queueSize),
		done:     make(chan struct{}),
	}
}

func (c *consumer) ID() string                 { return c.id }
func (c *consumer) Identity() unified.Identity { return c.identity }

// Enqueue hands a message to the write pump. A full queue means the client
// cannot keep up; the connection is closed with a policy violation and the
// bridge drops it.
func (c *consumer) Enqueue(msg unified.Message) error {
	select {
	case <-c.done:
		return bridge.ErrSlowConsumer
	default:
	}
	select {
	case c.queue <- msg:
		return nil
	default:
		c.close(websocket.ClosePolicyViolation, "write queue overflow")
		return bridge.ErrSlowConsumer
	}
}

// writePump serializes all socket writes: queued messages, pings, and the
// close frame.
func (c *consumer) writePump() {
	ticker := time.NewTicker(wsPingEvery)
	defer ticker.Stop()

	for {
		select {
		case msg := <-c.queue:
			// The daemon-side public key rides on the identity message so
			// clients can pair before their first encrypted frame.
			if msg.Type == unified.TypeIdentity {
				msg = msg.WithMeta("public_key", c.enc.PublicKey())
			}
			payload, err := c.encode(msg)
			if err != nil {
				c.logger.Warn("outbound encode failed", "type", msg.Type, "error", err)
				continue
			}
			c.writeMu.Lock()
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			err = c.conn.WriteMessage(websocket.TextMessage, payload)
			c.writeMu.Unlock()
			if err != nil {
				c.close(websocket.CloseInternalServerErr, "write failed")
				return
			}
		case <-ticker.C:
			c.writeMu.Lock()
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			err := c.conn.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				c.close(websocket.CloseInternalServerErr, "ping failed")
				return
			}
		case <-c.done:
			return
		}
	}
}

// encode seals the message when the channel is paired, otherwise emits
// plaintext JSON.
func (c *consumer) encode(msg unified.Message) ([]byte, error) {
	if c.enc.IsEncrypted() {
		env, err := c.enc.EncryptOutbound(msg)
		if err != nil {
			return nil, err
		}
		return json.Marshal(env)
	}
	return json.Marshal(msg)
}

// decode parses an inbound frame: an EncryptedEnvelope when the version
// marker is present, plaintext unified JSON otherwise.
func (c *consumer) decode(raw []byte) (unified.Message, error) {
	var probe struct {
		V int    `json:"v"`
		C string `json:"c"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return unified.Message{}, err
	}
	if probe.V != 0 || probe.C != "" {
		var env unified.EncryptedEnvelope
		if err := json.Unmarshal(raw, &env); err != nil {
			return unified.Message{}, err
		}
		return c.enc.DecryptInbound(&env)
	}

	var msg unified.Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return unified.Message{}, err
	}
	return msg, nil
}

// sendError reports a per-message failure without dropping the connection.
func (c *consumer) sendError(sessionID, detail string) {
	_ = c.Enqueue(unified.NewText(unified.TypeError, unified.RoleSystem, detail).
		WithMeta(unified.MetaSessionID, sessionID))
}

// close sends a close frame and stops the pump. Idempotent.
func (c *consumer) close(code int, reason string) {
	c.closeOnce.Do(func() {
		close(c.done)
		c.writeMu.Lock()
		_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
		c.writeMu.Unlock()
		_ = c.conn.Close()
	})
}
