// Package config handles daemon configuration loading and validation.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Config is the top-level daemon configuration.
type Config struct {
	Server   ServerConfig    `json:"server"`
	Auth     AuthConfig      `json:"auth,omitempty"`
	Storage  StorageConfig   `json:"storage,omitempty"`
	Backends []BackendConfig `json:"backends"`
	LogLevel string          `json:"log_level,omitempty"`
}

// ServerConfig defines the HTTP/WebSocket listener.
type ServerConfig struct {
	Addr           string   `json:"addr,omitempty"`            // default ":8140"
	AllowedOrigins []string `json:"allowed_origins,omitempty"` // empty or ["*"] allows all
	MaxFrameBytes  int64    `json:"max_frame_bytes,omitempty"` // max inbound consumer frame; default 256 KiB
	WriteQueueSize int      `json:"write_queue_size,omitempty"`
	ShutdownGrace  Duration `json:"shutdown_grace,omitempty"` // time allowed for in-flight work on stop; default 10s
}

// AuthConfig defines consumer authentication. With neither a JWT secret nor
// a JWKS issuer configured, consumers get anonymous participant identities.
type AuthConfig struct {
	JWTSecret  string `json:"jwt_secret,omitempty"`
	JWKSIssuer string `json:"jwks_issuer,omitempty"` // issuer URL; JWKS fetched from .well-known
}

// StorageConfig selects the session snapshot store.
type StorageConfig struct {
	Driver string `json:"driver,omitempty"` // "sqlite" (default), "postgres", or "memory"
	DSN    string `json:"dsn,omitempty"`    // sqlite path or postgres URL
}

// BackendConfig defines one agent backend the daemon can launch.
type BackendConfig struct {
	ID      string            `json:"id"`
	Kind    string            `json:"kind"` // "acp" or "claude-code"
	Command string            `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	WorkDir string            `json:"work_dir,omitempty"`
	Env     map[string]string `json:"env,omitempty"`

	Model          string `json:"model,omitempty"`
	PermissionMode string `json:"permission_mode,omitempty"`
	SystemPrompt   string `json:"system_prompt,omitempty"`
	MaxTurns       int    `json:"max_turns,omitempty"`
}

// Duration is a JSON-friendly time.Duration (accepts strings like "30s", "5m").
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case string:
		dur, err := time.ParseDuration(val)
		if err != nil {
			return err
		}
		d.Duration = dur
	case float64:
		d.Duration = time.Duration(val) * time.Second
	default:
		return fmt.Errorf("invalid duration: %v", v)
	}
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// Load reads and validates a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) validate() error {
	seen := make(map[string]bool)
	for i, b := range c.Backends {
		if b.ID == "" {
			return fmt.Errorf("backends[%d].id is required", i)
		}
		if seen[b.ID] {
			return fmt.Errorf("duplicate backend id: %s", b.ID)
		}
		seen[b.ID] = true
		switch b.Kind {
		case "acp", "claude-code":
		case "":
			return fmt.Errorf("backends[%d].kind is required", i)
		default:
			return fmt.Errorf("backends[%d].kind must be acp or claude-code", i)
		}
		if b.Kind == "acp" && b.Command == "" {
			return fmt.Errorf("backends[%d].command is required for acp", i)
		}
		if b.PermissionMode != "" {
			switch b.PermissionMode {
			case "default", "plan", "bypass":
			default:
				return fmt.Errorf("backends[%d].permission_mode must be default, plan, or bypass", i)
			}
		}
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8140"
	}
	if c.Server.MaxFrameBytes == 0 {
		c.Server.MaxFrameBytes = 256 * 1024
	}
	if c.Server.WriteQueueSize == 0 {
		c.Server.WriteQueueSize = 256
	}
	if c.Server.ShutdownGrace.Duration == 0 {
		c.Server.ShutdownGrace = Duration{10 * time.Second}
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "sqlite"
	}
	if c.Storage.Driver == "sqlite" && c.Storage.DSN == "" {
		c.Storage.DSN = "glia.db"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}
