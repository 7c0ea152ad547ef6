package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/glia-ai/glia/internal/adapter"
	"github.com/glia-ai/glia/internal/bridge"
	"github.com/glia-ai/glia/internal/config"
	"github.com/glia-ai/glia/internal/eventbus"
	"github.com/glia-ai/glia/internal/gatekeeper"
	"github.com/glia-ai/glia/internal/gateway"
	"github.com/glia-ai/glia/internal/store"
	"github.com/glia-ai/glia/pkg/unified"
)

func newTestServer(t *testing.T) (*Server, *store.MemoryStore, *bridge.Bridge) {
	t.Helper()
	cfg := &config.Config{}
	cfg.Server.MaxFrameBytes = 256 * 1024

	bus := eventbus.New()
	t.Cleanup(bus.Close)
	st := store.NewMemory()
	br := bridge.New(cfg, adapter.NewRegistry(), st, bus)
	gk, err := gatekeeper.New(config.AuthConfig{})
	if err != nil {
		t.Fatal(err)
	}
	gw := gateway.New(br, gk, cfg.Server)
	return NewServer(br, st, gw, cfg), st, br
}

func doJSON(t *testing.T, srv *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestHealthz(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := doJSON(t, srv, http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]string
	decodeBody(t, rec, &body)
	if body["status"] != "ok" || body["uptime"] == "" {
		t.Errorf("body = %v", body)
	}
}

func TestReadyz(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := doJSON(t, srv, http.MethodGet, "/readyz", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestCreateAndGetSession(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/api/sessions", map[string]string{"name": "my session"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d: %s", rec.Code, rec.Body)
	}
	var created map[string]string
	decodeBody(t, rec, &created)
	id := created["session_id"]
	if id == "" {
		t.Fatal("no session_id returned")
	}

	rec = doJSON(t, srv, http.MethodGet, "/api/sessions/"+id, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}
	var info bridge.SessionInfo
	decodeBody(t, rec, &info)
	if info.ID != id || info.Name != "my session" {
		t.Errorf("info = %+v", info)
	}
	if info.Status != unified.StatusIdle {
		t.Errorf("status = %q", info.Status)
	}
}

func TestCreateSessionEmptyBody(t *testing.T) {
	srv, _, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/api/sessions", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Errorf("empty body status = %d", rec.Code)
	}
}

func TestGetSessionNotFound(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := doJSON(t, srv, http.MethodGet, "/api/sessions/nope", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestGetSessionFallsBackToStore(t *testing.T) {
	srv, st, _ := newTestServer(t)
	err := st.UpsertSession(context.Background(), &unified.Snapshot{
		ID:   "old",
		Name: "archived",
	})
	if err != nil {
		t.Fatal(err)
	}

	rec := doJSON(t, srv, http.MethodGet, "/api/sessions/old", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var snap unified.Snapshot
	decodeBody(t, rec, &snap)
	if snap.Name != "archived" {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestListSessionsMergesLiveAndStored(t *testing.T) {
	srv, st, br := newTestServer(t)
	ctx := context.Background()

	liveID, err := br.GetOrCreateSession(ctx, "live-1")
	if err != nil {
		t.Fatal(err)
	}
	if err := st.UpsertSession(ctx, &unified.Snapshot{ID: "stored-1", Name: "old work"}); err != nil {
		t.Fatal(err)
	}

	rec := doJSON(t, srv, http.MethodGet, "/api/sessions", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body struct {
		Sessions []struct {
			ID     string `json:"id"`
			Status string `json:"status"`
			Live   bool   `json:"live"`
		} `json:"sessions"`
	}
	decodeBody(t, rec, &body)
	if len(body.Sessions) != 2 {
		t.Fatalf("sessions = %d, want 2", len(body.Sessions))
	}

	byID := make(map[string]struct {
		Status string
		Live   bool
	})
	for _, s := range body.Sessions {
		byID[s.ID] = struct {
			Status string
			Live   bool
		}{s.Status, s.Live}
	}
	if got := byID[liveID]; !got.Live {
		t.Error("live session not flagged live")
	}
	if got := byID["stored-1"]; got.Live || got.Status != "closed" {
		t.Errorf("stored session entry = %+v", got)
	}
}

func TestConnectBackendValidation(t *testing.T) {
	srv, _, br := newTestServer(t)
	id, _ := br.GetOrCreateSession(context.Background(), "")

	rec := doJSON(t, srv, http.MethodPost, "/api/sessions/"+id+"/connect", map[string]string{})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing backend_id status = %d", rec.Code)
	}

	rec = doJSON(t, srv, http.MethodPost, "/api/sessions/"+id+"/connect", map[string]string{"backend_id": "nope"})
	if rec.Code != http.StatusBadGateway {
		t.Errorf("unknown backend status = %d", rec.Code)
	}
}

func TestSetSessionName(t *testing.T) {
	srv, _, br := newTestServer(t)
	id, _ := br.GetOrCreateSession(context.Background(), "")

	rec := doJSON(t, srv, http.MethodPost, "/api/sessions/"+id+"/name", map[string]string{"name": "renamed"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}

	rec = doJSON(t, srv, http.MethodGet, "/api/sessions/"+id, nil)
	var info bridge.SessionInfo
	decodeBody(t, rec, &info)
	if info.Name != "renamed" {
		t.Errorf("name = %q", info.Name)
	}

	rec = doJSON(t, srv, http.MethodPost, "/api/sessions/"+id+"/name", map[string]string{})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("empty name status = %d", rec.Code)
	}
}

func TestCloseSession(t *testing.T) {
	srv, _, br := newTestServer(t)
	id, _ := br.GetOrCreateSession(context.Background(), "")

	rec := doJSON(t, srv, http.MethodPost, "/api/sessions/"+id+"/close", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	rec = doJSON(t, srv, http.MethodPost, "/api/sessions/"+id+"/close", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("double close status = %d", rec.Code)
	}
}
