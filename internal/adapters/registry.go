// Package adapters holds the execution adapters and the registry that
// resolves them. Adapters are registered at build time; there is no dynamic
// loading.
package adapters

import (
	"fmt"
	"sync"

	"github.com/parosfi/rebalancer/internal/domain"
)

// Registry maps protocol/chain pairs to execution adapters. Lookup order:
// exact protocol:chain, then chain-wide, then the fallback.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]domain.ExecutionAdapter
	fallback domain.ExecutionAdapter
}

// NewRegistry creates an empty registry with an optional fallback adapter.
func NewRegistry(fallback domain.ExecutionAdapter) *Registry {
	return &Registry{
		adapters: make(map[string]domain.ExecutionAdapter),
		fallback: fallback,
	}
}

// Register binds an adapter to a protocol/chain pair. An empty protocol
// registers a chain-wide adapter.
func (r *Registry) Register(protocol, chain string, adapter domain.ExecutionAdapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[key(protocol, chain)] = adapter
}

// Resolve finds the adapter for a protocol/chain pair.
func (r *Registry) Resolve(protocol, chain string) (domain.ExecutionAdapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if adapter, ok := r.adapters[key(protocol, chain)]; ok {
		return adapter, nil
	}
	if adapter, ok := r.adapters[key("", chain)]; ok {
		return adapter, nil
	}
	if r.fallback != nil {
		return r.fallback, nil
	}
	return nil, fmt.Errorf("no adapter registered for protocol %q chain %q", protocol, chain)
}

func key(protocol, chain string) string {
	return protocol + ":" + chain
}
