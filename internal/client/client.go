// Package client is a reconnecting consumer for the daemon's WebSocket
// surface. It backs the `gliad tail` command and doubles as a library for
// embedding a consumer in other tools.
package client

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"

	"github.com/glia-ai/glia/pkg/unified"
)

// MessageHandler processes messages received from the daemon.
type MessageHandler func(msg unified.Message) error

// Options configures a Client.
type Options struct {
	// URL is the consumer endpoint, e.g.
	// ws://localhost:8140/ws/consumer/<session_id>.
	URL string
	// Token is the optional bearer token.
	Token string
	// ConsumerID pins the consumer identity across reconnects. Empty means
	// the daemon assigns one per connection.
	ConsumerID string
	// TLSSkipVerify disables certificate verification.
	TLSSkipVerify bool
}

// Client maintains a consumer WebSocket connection, reconnecting with
// exponential backoff (1 s initial, doubling, 30 s cap, reset after a
// successful connect).
type Client struct {
	opts    Options
	handler MessageHandler
	logger  *slog.Logger

	mu   sync.Mutex
	conn *websocket.Conn
}

// New creates a client.
func New(opts Options, handler MessageHandler) *Client {
	return &Client{
		opts:    opts,
		handler: handler,
		logger:  slog.Default().With("component", "consumer-client"),
	}
}

// Run connects and processes messages until the context is cancelled. Lost
// connections are retried forever; only context cancellation returns.
func (c *Client) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.Multiplier = 2
	bo.MaxInterval = 30 * time.Second
	bo.RandomizationFactor = 0

	for {
		connected, err := c.connectOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			c.logger.Warn("connection lost", "error", err)
		}
		if connected {
			bo.Reset()
		}

		delay := bo.NextBackOff()
		c.logger.Info("reconnecting", "delay", delay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// connectOnce dials, reads until the connection drops, and reports whether
// the dial itself succeeded (which resets the backoff).
func (c *Client) connectOnce(ctx context.Context) (bool, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	if c.opts.TLSSkipVerify {
		dialer.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	url := c.opts.URL
	if c.opts.ConsumerID != "" {
		sep := "?"
		for _, r := range url {
			if r == '?' {
				sep = "&"
				break
			}
		}
		url += sep + "consumer_id=" + c.opts.ConsumerID
	}

	header := http.Header{}
	if c.opts.Token != "" {
		header.Set("Authorization", "Bearer "+c.opts.Token)
	}

	conn, _, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		return false, fmt.Errorf("dial daemon: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		_ = conn.Close()
	}()

	c.logger.Info("connected", "url", c.opts.URL)

	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"))
			return true, ctx.Err()
		default:
		}

		_, raw, err := conn.ReadMessage()
		if err != nil {
			return true, fmt.Errorf("read message: %w", err)
		}

		var msg unified.Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.logger.Warn("invalid message from daemon", "error", err)
			continue
		}
		if err := c.handler(msg); err != nil {
			c.logger.Warn("handler error", "type", msg.Type, "error", err)
		}
	}
}

// Send writes a unified message to the daemon.
func (c *Client) Send(msg unified.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("not connected")
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Close closes the current connection, if any.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}
