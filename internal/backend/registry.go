// Package backend holds the registry of synthesis backend descriptors.
//
// A [Descriptor] names a backend and knows how to construct it. The
// [Registry] tracks which descriptors are enabled, persists enable/disable
// decisions through an [EnabledStore], and resolves identifiers to live
// [tts.Backend] instances. Instances are built lazily on first resolve and
// reused until the descriptor is replaced or explicitly invalidated.
package backend

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/narrator/pkg/credential"
	"github.com/MrWong99/narrator/pkg/provider/tts"
)

var (
	// ErrBackendNotFound is returned when no descriptor is registered under
	// the requested identifier.
	ErrBackendNotFound = errors.New("backend: not found")

	// ErrBackendNotConfigured is returned when a backend needs credentials
	// or configuration that are absent.
	ErrBackendNotConfigured = errors.New("backend: not configured")

	// ErrBackendDisabled is returned when resolving a disabled backend.
	ErrBackendDisabled = errors.New("backend: disabled")
)

// Factory constructs a backend instance. Returning an error that wraps
// [credential.ErrNotFound] or [ErrBackendNotConfigured] marks the backend as
// not configured.
type Factory func(ctx context.Context) (tts.Backend, error)

// Descriptor describes one registrable backend.
type Descriptor struct {
	// ID is the unique backend identifier, e.g. "elevenlabs".
	ID string

	// DisplayName is shown in listings.
	DisplayName string

	// DefaultEnabled is the enabled state used until the operator changes it.
	DefaultEnabled bool

	// RequiresConfiguration marks backends that cannot work without
	// credentials or a server address. Resolve checks IsConfigured on them.
	RequiresConfiguration bool

	// Factory builds the backend.
	Factory Factory
}

// EnabledStore persists per-backend enabled overrides. The configuration
// settings store implements it.
type EnabledStore interface {
	// BackendEnabled returns the stored override for id, if any.
	BackendEnabled(id string) (enabled, ok bool)

	// SetBackendEnabled stores an override for id.
	SetBackendEnabled(id string, enabled bool) error
}

// memoryEnabled is the EnabledStore used when none is supplied.
type memoryEnabled struct {
	mu sync.Mutex
	m  map[string]bool
}

func (s *memoryEnabled) BackendEnabled(id string) (bool, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.m[id]
	return v, ok
}

func (s *memoryEnabled) SetBackendEnabled(id string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[id] = enabled
	return nil
}

type slot struct {
	desc     Descriptor
	gen      uint64
	instance tts.Backend
}

// Info is a descriptor together with its current state.
type Info struct {
	Descriptor
	Enabled bool
}

// Registry maps backend identifiers to descriptors. It is safe for
// concurrent use.
type Registry struct {
	store EnabledStore

	mu    sync.RWMutex
	order []string
	slots map[string]*slot
	gen   uint64
}

// NewRegistry returns an empty registry persisting enabled state in store.
// A nil store keeps the state in memory.
func NewRegistry(store EnabledStore) *Registry {
	if store == nil {
		store = &memoryEnabled{m: make(map[string]bool)}
	}
	return &Registry{store: store, slots: make(map[string]*slot)}
}

// Register adds d, replacing any descriptor with the same ID. Replacing a
// descriptor drops its cached instance; the registration order is kept.
func (r *Registry) Register(d Descriptor) error {
	if d.ID == "" {
		return errors.New("backend: descriptor ID must not be empty")
	}
	if d.Factory == nil {
		return fmt.Errorf("backend: descriptor %q has no factory", d.ID)
	}
	if d.DisplayName == "" {
		d.DisplayName = d.ID
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.gen++
	if _, ok := r.slots[d.ID]; !ok {
		r.order = append(r.order, d.ID)
	}
	r.slots[d.ID] = &slot{desc: d, gen: r.gen}
	return nil
}

// Unregister removes the descriptor with the given ID, if present.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.slots[id]; !ok {
		return
	}
	delete(r.slots, id)
	r.order = slices.DeleteFunc(r.order, func(s string) bool { return s == id })
}

// enabledLocked reports the effective enabled state of s.
func (r *Registry) enabledLocked(s *slot) bool {
	if v, ok := r.store.BackendEnabled(s.desc.ID); ok {
		return v
	}
	return s.desc.DefaultEnabled
}

// AvailableDescriptors returns the enabled descriptors in registration order.
func (r *Registry) AvailableDescriptors() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.order))
	for _, id := range r.order {
		if s := r.slots[id]; r.enabledLocked(s) {
			out = append(out, s.desc)
		}
	}
	return out
}

// Descriptors returns every registered descriptor with its enabled state, in
// registration order.
func (r *Registry) Descriptors() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Info, 0, len(r.order))
	for _, id := range r.order {
		s := r.slots[id]
		out = append(out, Info{Descriptor: s.desc, Enabled: r.enabledLocked(s)})
	}
	return out
}

// Descriptor returns the descriptor registered under id.
func (r *Registry) Descriptor(id string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.slots[id]
	if !ok {
		return Descriptor{}, false
	}
	return s.desc, true
}

// IsEnabled reports whether id is registered and enabled.
func (r *Registry) IsEnabled(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.slots[id]
	return ok && r.enabledLocked(s)
}

// SetEnabled enables or disables id and persists the choice.
func (r *Registry) SetEnabled(id string, enabled bool) error {
	r.mu.RLock()
	_, ok := r.slots[id]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrBackendNotFound, id)
	}
	if err := r.store.SetBackendEnabled(id, enabled); err != nil {
		return fmt.Errorf("backend: persist enabled state of %q: %w", id, err)
	}
	return nil
}

// Invalidate drops the cached instance of id so the next Resolve runs the
// factory again. Call it after credentials change. A Resolve whose factory
// was already running returns its backend but does not cache it.
func (r *Registry) Invalidate(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.slots[id]; ok {
		r.gen++
		s.gen = r.gen
		s.instance = nil
	}
}

// Resolve returns the backend registered under id, constructing it on first
// use.
func (r *Registry) Resolve(ctx context.Context, id string) (tts.Backend, error) {
	r.mu.RLock()
	s, ok := r.slots[id]
	var (
		desc     Descriptor
		gen      uint64
		instance tts.Backend
		enabled  bool
	)
	if ok {
		desc, gen, instance, enabled = s.desc, s.gen, s.instance, r.enabledLocked(s)
	}
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrBackendNotFound, id)
	}
	if !enabled {
		return nil, fmt.Errorf("%w: %q", ErrBackendDisabled, id)
	}
	if instance != nil {
		return instance, nil
	}

	b, err := desc.Factory(ctx)
	if err != nil {
		if errors.Is(err, credential.ErrNotFound) || errors.Is(err, ErrBackendNotConfigured) {
			return nil, fmt.Errorf("%w: %q: %w", ErrBackendNotConfigured, id, err)
		}
		return nil, fmt.Errorf("backend: construct %q: %w", id, err)
	}
	if desc.RequiresConfiguration && !b.IsConfigured() {
		return nil, fmt.Errorf("%w: %q", ErrBackendNotConfigured, id)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.slots[id]; ok && cur.gen == gen {
		if cur.instance != nil {
			// Another caller won the race; hand out the shared instance.
			return cur.instance, nil
		}
		cur.instance = b
	}
	return b, nil
}
