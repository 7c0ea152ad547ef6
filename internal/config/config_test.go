package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "glia-config.json")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, `{
		"backends": [
			{"id": "cc", "kind": "claude-code"}
		]
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Addr != ":8140" {
		t.Errorf("Addr = %q", cfg.Server.Addr)
	}
	if cfg.Server.MaxFrameBytes != 256*1024 {
		t.Errorf("MaxFrameBytes = %d", cfg.Server.MaxFrameBytes)
	}
	if cfg.Server.WriteQueueSize != 256 {
		t.Errorf("WriteQueueSize = %d", cfg.Server.WriteQueueSize)
	}
	if cfg.Server.ShutdownGrace.Duration != 10*time.Second {
		t.Errorf("ShutdownGrace = %v", cfg.Server.ShutdownGrace.Duration)
	}
	if cfg.Storage.Driver != "sqlite" || cfg.Storage.DSN != "glia.db" {
		t.Errorf("storage = %+v", cfg.Storage)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q", cfg.LogLevel)
	}
}

func TestLoadFullConfig(t *testing.T) {
	path := writeConfig(t, `{
		"server": {"addr": ":9000", "allowed_origins": ["https://app.example.com"], "shutdown_grace": "5s"},
		"auth": {"jwt_secret": "shh"},
		"storage": {"driver": "postgres", "dsn": "postgres://localhost/glia"},
		"log_level": "debug",
		"backends": [
			{"id": "cc", "kind": "claude-code", "model": "sonnet", "permission_mode": "plan"},
			{"id": "gemini", "kind": "acp", "command": "gemini", "args": ["--experimental-acp"]}
		]
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Addr != ":9000" {
		t.Errorf("Addr = %q", cfg.Server.Addr)
	}
	if cfg.Auth.JWTSecret != "shh" {
		t.Error("auth not loaded")
	}
	if cfg.Server.ShutdownGrace.Duration != 5*time.Second {
		t.Errorf("ShutdownGrace = %v", cfg.Server.ShutdownGrace.Duration)
	}
	if cfg.Storage.Driver != "postgres" {
		t.Errorf("driver = %q", cfg.Storage.Driver)
	}
	if len(cfg.Backends) != 2 || cfg.Backends[1].Command != "gemini" {
		t.Errorf("backends = %+v", cfg.Backends)
	}
}

func TestLoadValidationErrors(t *testing.T) {
	cases := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			"missing id",
			`{"backends": [{"kind": "acp", "command": "x"}]}`,
			"id is required",
		},
		{
			"duplicate id",
			`{"backends": [{"id": "a", "kind": "claude-code"}, {"id": "a", "kind": "claude-code"}]}`,
			"duplicate backend id",
		},
		{
			"missing kind",
			`{"backends": [{"id": "a"}]}`,
			"kind is required",
		},
		{
			"bad kind",
			`{"backends": [{"id": "a", "kind": "ssh"}]}`,
			"kind must be",
		},
		{
			"acp without command",
			`{"backends": [{"id": "a", "kind": "acp"}]}`,
			"command is required",
		},
		{
			"bad permission mode",
			`{"backends": [{"id": "a", "kind": "claude-code", "permission_mode": "yolo"}]}`,
			"permission_mode",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.content))
			if err == nil {
				t.Fatal("invalid config accepted")
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("err = %v, want mention of %q", err, tc.wantErr)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.json")); err == nil {
		t.Error("missing file accepted")
	}
}

func TestLoadBadJSON(t *testing.T) {
	if _, err := Load(writeConfig(t, `{not json`)); err == nil {
		t.Error("malformed JSON accepted")
	}
}

func TestDurationUnmarshal(t *testing.T) {
	var d Duration
	if err := json.Unmarshal([]byte(`"90s"`), &d); err != nil {
		t.Fatal(err)
	}
	if d.Duration != 90*time.Second {
		t.Errorf("string form = %v", d.Duration)
	}

	if err := json.Unmarshal([]byte(`30`), &d); err != nil {
		t.Fatal(err)
	}
	if d.Duration != 30*time.Second {
		t.Errorf("numeric form = %v", d.Duration)
	}

	if err := json.Unmarshal([]byte(`"soon"`), &d); err == nil {
		t.Error("bad duration accepted")
	}
	if err := json.Unmarshal([]byte(`true`), &d); err == nil {
		t.Error("bool duration accepted")
	}
}
