package source

import (
	"sync"

	"go.uber.org/zap"

	"github.com/confluxdata/conflux/pkg/config"
	"github.com/confluxdata/conflux/pkg/errors"
)

// Factory creates a source instance from its configuration.
type Factory func(cfg config.SourceConfig, log *zap.Logger) (Source, error)

// Registry maps source type names to factories.
type Registry struct {
	factories map[string]Factory
	mu        sync.RWMutex
}

// Global registry instance
var globalRegistry = NewRegistry()

// NewRegistry creates a new source type registry
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
	}
}

// Register registers a source factory under a type name.
func (r *Registry) Register(typeName string, factory Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[typeName]; exists {
		return errors.Newf(errors.ErrorTypeConflict, "source type %s already registered", typeName)
	}

	r.factories[typeName] = factory
	return nil
}

// New creates a source instance for the configured type.
func (r *Registry) New(cfg config.SourceConfig, log *zap.Logger) (Source, error) {
	r.mu.RLock()
	factory, exists := r.factories[cfg.Type]
	r.mu.RUnlock()

	if !exists {
		return nil, errors.Newf(errors.ErrorTypeNotFound, "source type %s not registered", cfg.Type)
	}

	src, err := factory(cfg, log)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to create source "+cfg.Name)
	}
	return src, nil
}

// List returns the registered source type names.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.factories))
	for name := range r.factories {
		types = append(types, name)
	}
	return types
}

// Register registers a source factory in the global registry.
func Register(typeName string, factory Factory) error {
	return globalRegistry.Register(typeName, factory)
}

// New creates a source from the global registry.
func New(cfg config.SourceConfig, log *zap.Logger) (Source, error) {
	return globalRegistry.New(cfg, log)
}

// List returns the globally registered source types.
func List() []string {
	return globalRegistry.List()
}
