package task

import (
	"fmt"
	"sort"
	"sync"
)

// Config carries executor-specific settings (opaque to the engine).
type Config map[string]any

// Clone returns a shallow copy.
func (c Config) Clone() Config {
	if len(c) == 0 {
		return nil
	}
	out := make(Config, len(c))
	for key, value := range c {
		out[key] = value
	}
	return out
}

// String returns the value at key when it is a string.
func (c Config) String(key string) string {
	if c == nil {
		return ""
	}
	if value, ok := c[key].(string); ok {
		return value
	}
	return ""
}

// Factory constructs an executor from configuration.
type Factory func(Config) (Executor, error)

// Registry maintains named executor factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: map[string]Factory{}}
}

// Register installs a factory. Returns an error if the name already exists.
func (r *Registry) Register(name string, factory Factory) error {
	if name == "" {
		return fmt.Errorf("task: executor name is required")
	}
	if factory == nil {
		return fmt.Errorf("task: factory is required for %s", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[name]; exists {
		return fmt.Errorf("task: %s already registered", name)
	}
	r.factories[name] = factory
	return nil
}

// MustRegister panics if registration fails.
func (r *Registry) MustRegister(name string, factory Factory) {
	if err := r.Register(name, factory); err != nil {
		panic(err)
	}
}

// RegisterExecutor installs a ready-made executor under name.
func (r *Registry) RegisterExecutor(name string, exec Executor) error {
	if exec == nil {
		return fmt.Errorf("task: executor is required for %s", name)
	}
	return r.Register(name, func(Config) (Executor, error) { return exec, nil })
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[name]
	return ok
}

// Resolve constructs an executor by name.
func (r *Registry) Resolve(name string, cfg Config) (Executor, error) {
	r.mu.RLock()
	factory, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("task: unknown executor %s", name)
	}
	exec, err := factory(cfg)
	if err != nil {
		return nil, fmt.Errorf("task: build %s: %w", name, err)
	}
	if exec == nil {
		return nil, fmt.Errorf("task: factory for %s returned nil", name)
	}
	return exec, nil
}

// Names returns registered executor names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
