// Package gateway terminates consumer WebSocket connections: it upgrades,
// authenticates, optionally unwraps end-to-end encryption, and shuttles
// unified messages between the socket and the bridge.
package gateway

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/glia-ai/glia/internal/bridge"
	"github.com/glia-ai/glia/internal/config"
	"github.com/glia-ai/glia/internal/gatekeeper"
	"github.com/glia-ai/glia/internal/secure"
)

const (
	wsWriteWait = 10 * time.Second
	wsPongWait  = 60 * time.Second
	wsPingEvery = 30 * time.Second
)

// makeUpgrader creates a WebSocket upgrader with origin checking.
func makeUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowAll := len(allowedOrigins) == 0 || (len(allowedOrigins) == 1 && allowedOrigins[0] == "*")
	originSet := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originSet[o] = true
	}

	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if allowAll {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true // non-browser clients
			}
			return originSet[origin]
		},
	}
}

// Gateway handles consumer WebSocket connections.
type Gateway struct {
	bridge     *bridge.Bridge
	gatekeeper *gatekeeper.Gatekeeper
	cfg        config.ServerConfig
	logger     *slog.Logger
	upgrader   websocket.Upgrader
}

// New creates a gateway.
func New(b *bridge.Bridge, gk *gatekeeper.Gatekeeper, cfg config.ServerConfig) *Gateway {
	return &Gateway{
		bridge:     b,
		gatekeeper: gk,
		cfg:        cfg,
		logger:     slog.Default().With("component", "gateway"),
		upgrader:   makeUpgrader(cfg.AllowedOrigins),
	}
}

// HandleConsumerWS serves GET /ws/consumer/{session_id}. The bearer token
// comes from the `token` query parameter or the Authorization header;
// browsers cannot set custom headers during the WebSocket handshake.
func (g *Gateway) HandleConsumerWS(w http.ResponseWriter, req *http.Request) {
	sessionID := chi.URLParam(req, "session_id")
	if sessionID == "" {
		http.Error(w, "session_id required", http.StatusBadRequest)
		return
	}

	tokenStr := req.URL.Query().Get("token")
	if tokenStr == "" {
		tokenStr = req.Header.Get("Authorization")
		if len(tokenStr) > 7 && tokenStr[:7] == "Bearer " {
			tokenStr = tokenStr[7:]
		}
	}
	identity, err := g.gatekeeper.Authenticate(req.Context(), tokenStr)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	if _, err := g.bridge.GetOrCreateSession(req.Context(), sessionID); err != nil {
		http.Error(w, "session unavailable", http.StatusInternalServerError)
		return
	}

	conn, err := g.upgrader.Upgrade(w, req, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", "session_id", sessionID, "error", err)
		return
	}

	consumerID := req.URL.Query().Get("consumer_id")
	if consumerID == "" {
		consumerID = uuid.NewString()
	}

	enc, err := secure.NewChannel(sessionID)
	if err != nil {
		g.logger.Error("encryption channel setup failed", "error", err)
		_ = conn.Close()
		return
	}

	c := newConsumer(consumerID, identity, conn, enc, g.cfg.WriteQueueSize, g.logger.With(
		"session_id", sessionID, "consumer_id", consumerID))

	go c.writePump()

	if err := g.bridge.Attach(sessionID, c); err != nil {
		c.close(websocket.CloseInternalServerErr, "attach failed")
		return
	}
	g.logger.Info("consumer connected", "session_id", sessionID, "consumer_id", consumerID, "user", identity.DisplayName)

	g.readLoop(sessionID, c, conn)

	g.bridge.DetachConsumer(sessionID, consumerID)
	enc.Deactivate()
	c.close(websocket.CloseNormalClosure, "")
	g.logger.Info("consumer disconnected", "session_id", sessionID, "consumer_id", consumerID)
}

// readLoop consumes inbound frames until the socket dies or a policy
// violation forces a close.
func (g *Gateway) readLoop(sessionID string, c *consumer, conn *websocket.Conn) {
	conn.SetReadLimit(g.cfg.MaxFrameBytes)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	limiter := gatekeeper.NewRateLimiter(30, 50)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if errors.Is(err, websocket.ErrReadLimit) {
				g.logger.Warn("oversized consumer frame", "consumer_id", c.id)
				c.close(websocket.ClosePolicyViolation, "frame exceeds size limit")
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))

		if !limiter.Allow() {
			g.logger.Debug("consumer message rate limited", "consumer_id", c.id)
			continue
		}

		msg, err := c.decode(raw)
		if err != nil {
			if errors.Is(err, secure.ErrAuthFailed) || errors.Is(err, secure.ErrDeactivated) {
				g.logger.Warn("envelope rejected", "consumer_id", c.id, "error", err)
				c.close(websocket.ClosePolicyViolation, "envelope authentication failed")
				return
			}
			g.logger.Warn("undecodable consumer frame", "consumer_id", c.id, "error", err)
			continue
		}

		if err := g.gatekeeper.Authorize(c.identity, msg.Type); err != nil {
			c.sendError(sessionID, "forbidden: "+string(msg.Type))
			continue
		}

		if err := g.bridge.RouteConsumerMessage(sessionID, c.id, msg); err != nil {
			c.sendError(sessionID, err.Error())
		}
	}
}
