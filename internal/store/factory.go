package store

import (
	"fmt"

	"github.com/glia-ai/glia/internal/config"
)

// New creates a Store from storage config.
func New(cfg config.StorageConfig) (Store, error) {
	switch cfg.Driver {
	case "sqlite", "":
		return NewSQLite(cfg.DSN)
	case "postgres":
		return NewPostgres(cfg.DSN)
	case "memory":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown storage driver: %q", cfg.Driver)
	}
}
