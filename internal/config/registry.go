package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/narrator/pkg/provider/tts"
)

// ErrBackendKindNotRegistered is returned by [Registry.CreateBackend] when no
// factory has been registered under the requested kind.
var ErrBackendKindNotRegistered = errors.New("config: backend kind not registered")

// BackendFactory builds a backend from its configuration entry. The entry's
// APIKey has already been resolved against the credential store.
type BackendFactory func(entry BackendEntry) (tts.Backend, error)

// Registry maps backend kinds to their constructor functions. It is safe for
// concurrent use.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]BackendFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]BackendFactory)}
}

// RegisterBackend registers a backend factory under kind.
// Subsequent calls with the same kind overwrite the previous registration.
func (r *Registry) RegisterBackend(kind string, factory BackendFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[kind] = factory
}

// Kinds returns the registered kinds in sorted order.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for k := range r.factories {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}

// Has reports whether a factory is registered for kind.
func (r *Registry) Has(kind string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[kind]
	return ok
}

// CreateBackend instantiates a backend using the factory registered under
// entry.KindOrName(). Returns [ErrBackendKindNotRegistered] if no factory has
// been registered for that kind.
func (r *Registry) CreateBackend(entry BackendEntry) (tts.Backend, error) {
	kind := entry.KindOrName()
	r.mu.RLock()
	factory, ok := r.factories[kind]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrBackendKindNotRegistered, kind)
	}
	return factory(entry)
}
