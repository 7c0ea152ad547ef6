// Package api provides the daemon's HTTP surface: health probes, the
// session management API, and the consumer WebSocket route.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/glia-ai/glia/internal/bridge"
	"github.com/glia-ai/glia/internal/config"
	"github.com/glia-ai/glia/internal/gateway"
	"github.com/glia-ai/glia/internal/store"
)

// Server is the HTTP API server.
type Server struct {
	bridge    *bridge.Bridge
	store     store.Store
	gateway   *gateway.Gateway
	cfg       *config.Config
	logger    *slog.Logger
	mux       *chi.Mux
	startTime time.Time
}

// NewServer creates the API server and wires its routes.
func NewServer(b *bridge.Bridge, st store.Store, gw *gateway.Gateway, cfg *config.Config) *Server {
	srv := &Server{
		bridge:    b,
		store:     st,
		gateway:   gw,
		cfg:       cfg,
		logger:    slog.Default().With("component", "api"),
		startTime: time.Now(),
	}

	mux := chi.NewRouter()
	mux.Use(chimw.Recoverer)
	mux.Use(chimw.RealIP)

	// Health check routes (unauthenticated)
	mux.Get("/healthz", srv.handleHealthz)
	mux.Get("/readyz", srv.handleReadyz)

	// Consumer WebSocket route (auth handled inside)
	mux.Get("/ws/consumer/{session_id}", gw.HandleConsumerWS)

	mux.Get("/api/sessions", srv.handleListSessions)
	mux.Post("/api/sessions", srv.handleCreateSession)
	mux.Get("/api/sessions/{session_id}", srv.handleGetSession)
	mux.Post("/api/sessions/{session_id}/connect", srv.handleConnectBackend)
	mux.Post("/api/sessions/{session_id}/name", srv.handleSetSessionName)
	mux.Post("/api/sessions/{session_id}/close", srv.handleCloseSession)

	srv.mux = mux
	return srv
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// ListenAndServe runs the server until the context is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	httpSrv := &http.Server{
		Addr:              s.cfg.Server.Addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", "addr", s.cfg.Server.Addr)
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownGrace.Duration)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"uptime": time.Since(s.startTime).Truncate(time.Second).String(),
	})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// handleListSessions merges live sessions with persisted ones so restarted
// daemons still list resumable work.
func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	live := s.bridge.Sessions()
	liveIDs := make(map[string]bool, len(live))
	for _, info := range live {
		liveIDs[info.ID] = true
	}

	type sessionEntry struct {
		bridge.SessionInfo
		Live bool `json:"live"`
	}
	out := make([]sessionEntry, 0, len(live))
	for _, info := range live {
		out = append(out, sessionEntry{SessionInfo: info, Live: true})
	}

	stored, err := s.store.ListSessions(r.Context())
	if err != nil {
		s.logger.Warn("list stored sessions failed", "error", err)
	}
	for _, snap := range stored {
		if liveIDs[snap.ID] {
			continue
		}
		out = append(out, sessionEntry{SessionInfo: bridge.SessionInfo{
			ID:        snap.ID,
			Name:      snap.Name,
			Status:    "closed",
			State:     snap.State,
			CreatedAt: snap.CreatedAt,
		}})
	}

	writeJSON(w, http.StatusOK, map[string]any{"sessions": out})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID string `json:"session_id,omitempty"`
		BackendID string `json:"backend_id,omitempty"`
		Name      string `json:"name,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err.Error() != "EOF" {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	id, err := s.bridge.GetOrCreateSession(r.Context(), req.SessionID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if req.Name != "" {
		if err := s.bridge.SetSessionName(r.Context(), id, req.Name); err != nil {
			s.logger.Warn("set session name failed", "session_id", id, "error", err)
		}
	}
	if req.BackendID != "" {
		if err := s.bridge.ConnectBackend(r.Context(), id, req.BackendID); err != nil {
			writeError(w, http.StatusBadGateway, err.Error())
			return
		}
	}
	writeJSON(w, http.StatusCreated, map[string]string{"session_id": id})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "session_id")
	for _, info := range s.bridge.Sessions() {
		if info.ID == id {
			writeJSON(w, http.StatusOK, info)
			return
		}
	}
	snap, err := s.store.GetSession(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleConnectBackend(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "session_id")
	var req struct {
		BackendID string `json:"backend_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.BackendID == "" {
		writeError(w, http.StatusBadRequest, "backend_id required")
		return
	}
	if err := s.bridge.ConnectBackend(r.Context(), id, req.BackendID); err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "connected"})
}

func (s *Server) handleSetSessionName(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "session_id")
	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		writeError(w, http.StatusBadRequest, "name required")
		return
	}
	if err := s.bridge.SetSessionName(r.Context(), id, req.Name); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "renamed"})
}

func (s *Server) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "session_id")
	if err := s.bridge.CloseSession(r.Context(), id); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "closed"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
