package compiler

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Config is rule-specific configuration taken from a target's options.
type Config map[string]any

// String returns the option value for key if it is a string.
func (c Config) String(key string) string {
	if c == nil {
		return ""
	}
	value, _ := c[key].(string)
	return strings.TrimSpace(value)
}

// Factory constructs a rule with the provided configuration.
type Factory func(Config) (Rule, error)

// Registry maintains known compilation rules keyed by target kind.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: map[string]Factory{}}
}

// Register installs a rule factory. Returns an error if the kind already exists.
func (r *Registry) Register(kind string, factory Factory) error {
	kind = strings.ToLower(strings.TrimSpace(kind))
	if kind == "" {
		return fmt.Errorf("compiler: kind is required")
	}
	if factory == nil {
		return fmt.Errorf("compiler: factory is required for %s", kind)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[kind]; exists {
		return fmt.Errorf("compiler: %s already registered", kind)
	}
	r.factories[kind] = factory
	return nil
}

// MustRegister panics if registration fails.
func (r *Registry) MustRegister(kind string, factory Factory) {
	if err := r.Register(kind, factory); err != nil {
		panic(err)
	}
}

// Has reports whether a rule exists for kind.
func (r *Registry) Has(kind string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[strings.ToLower(strings.TrimSpace(kind))]
	return ok
}

// Resolve constructs the rule for kind.
func (r *Registry) Resolve(kind string, cfg Config) (Rule, error) {
	r.mu.RLock()
	factory, ok := r.factories[strings.ToLower(strings.TrimSpace(kind))]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("compiler: unknown kind %s", kind)
	}
	rule, err := factory(cfg)
	if err != nil {
		return nil, err
	}
	if err := rule.Info().Validate(); err != nil {
		return nil, err
	}
	return rule, nil
}

// Kinds returns a sorted list of registered kinds.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.factories))
	for kind := range r.factories {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	return kinds
}

// DefaultRegistry returns a registry holding the built-in rules.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	RegisterBuiltins(r)
	return r
}
