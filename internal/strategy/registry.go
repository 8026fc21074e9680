package strategy

import (
	"fmt"
	"sort"
	"sync"
)

// Factory builds a strategy from raw parameters, validating them against the
// strategy's schema. Invalid parameters fail construction, never clamp.
type Factory func(params Params) (Strategy, error)

// Registry maps strategy ids to factories. It is populated explicitly at
// startup; there is no runtime discovery. "Hot reload" means re-resolving a
// name from the registry with fresh parameters, not reloading code.
type Registry struct {
	factories map[string]Factory
	schemas   map[string][]ParamSpec
	mu        sync.RWMutex
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
		schemas:   make(map[string][]ParamSpec),
	}
}

// Register adds a factory under the given id, replacing any previous entry.
func (r *Registry) Register(id string, schema []ParamSpec, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[id] = f
	r.schemas[id] = schema
}

// New constructs a strategy by id. Unknown ids are a configuration error.
func (r *Registry) New(id string, params Params) (Strategy, error) {
	r.mu.RLock()
	f, ok := r.factories[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("strategy %q: not registered", id)
	}
	s, err := f(params)
	if err != nil {
		return nil, fmt.Errorf("strategy %q: %w", id, err)
	}
	return s, nil
}

// Schema returns the declared parameter schema for a strategy id.
func (r *Registry) Schema(id string) ([]ParamSpec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	schema, ok := r.schemas[id]
	if !ok {
		return nil, fmt.Errorf("strategy %q: not registered", id)
	}
	return schema, nil
}

// List returns all registered strategy ids in sorted order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.factories))
	for id := range r.factories {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// DefaultRegistry returns a registry with all built-in strategies.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register("rsi", rsiSchema, NewRSI)
	r.Register("ema_cross", emaCrossSchema, NewEMACross)
	r.Register("macd", macdSchema, NewMACD)
	r.Register("grid", gridSchema, NewGrid)
	r.Register("dca", dcaSchema, NewDCA)
	r.Register("scalping", scalpingSchema, NewScalping)
	r.Register("spread_arb", spreadArbSchema, NewSpreadArb)
	return r
}
