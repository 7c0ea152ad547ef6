package adapter

import (
	"fmt"
	"sync"

	"github.com/glia-ai/glia/internal/config"
)

// Registry maps backend kinds to adapter factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// Register adds a factory for a backend kind. Panics on duplicate.
func (r *Registry) Register(kind string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[kind]; exists {
		panic(fmt.Sprintf("adapter already registered for kind: %s", kind))
	}
	r.factories[kind] = f
}

// Build constructs an adapter for the given backend config.
func (r *Registry) Build(cfg config.BackendConfig) (Adapter, error) {
	r.mu.RLock()
	f, ok := r.factories[cfg.Kind]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no adapter registered for kind: %s", cfg.Kind)
	}
	return f(cfg), nil
}

// Kinds returns all registered backend kinds.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.factories))
	for k := range r.factories {
		kinds = append(kinds, k)
	}
	return kinds
}
