// Package registry maps unit names to their registrations: the handler, the
// declared resource requirements and the declared tool surface. Resolution
// happens here once per call; nothing downstream inspects handler types.
package registry

import (
	"fmt"
	"sort"
	"sync"

	"github.com/hupe1980/callmesh/core"
	"github.com/hupe1980/callmesh/resource"
	"github.com/hupe1980/callmesh/tool"
)

// Spec is one callable unit's registration.
type Spec struct {
	// Name is the unique dispatch name.
	Name string
	// Description documents the unit for composing callers and models.
	Description string
	// Handler answers calls. Code-backed and model-backed handlers register
	// identically.
	Handler core.Handler
	// Resources declares the unit's stateful dependencies with their
	// lifecycles. Validated at registration, resolved per call.
	Resources []resource.Spec
	// Tools is the unit's declared operation surface.
	Tools []tool.Tool
}

// Registry is a thread-safe name to registration mapping. Registrations are
// validated eagerly so declaration mistakes surface before any run starts,
// and the registry can be frozen once wiring is complete.
type Registry struct {
	mu     sync.RWMutex
	specs  map[string]Spec
	frozen bool
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{specs: map[string]Spec{}}
}

// Register validates and stores a unit registration. It rejects duplicate
// names, missing handlers, invalid resource declarations and handler
// composition cycles.
func (r *Registry) Register(spec Spec) error {
	if spec.Name == "" {
		return fmt.Errorf("registry: unit name must not be empty")
	}
	if spec.Handler == nil {
		return fmt.Errorf("registry: unit %q has no handler", spec.Name)
	}

	for _, rs := range spec.Resources {
		if err := rs.Validate(); err != nil {
			return fmt.Errorf("registry: unit %q: %w", spec.Name, err)
		}
	}

	if err := VerifyAcyclic(spec.Handler); err != nil {
		return fmt.Errorf("registry: unit %q: %w", spec.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return fmt.Errorf("registry: frozen, cannot register unit %q", spec.Name)
	}
	if _, exists := r.specs[spec.Name]; exists {
		return fmt.Errorf("registry: unit %q already registered", spec.Name)
	}

	r.specs[spec.Name] = spec

	return nil
}

// Freeze makes the registry read-only. Called once wiring is complete,
// before the first run.
func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

// Lookup resolves a name to its registration.
func (r *Registry) Lookup(name string) (Spec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	spec, ok := r.specs[name]
	if !ok {
		return Spec{}, &core.UnknownNameError{Name: name}
	}

	return spec, nil
}

// Names returns the registered unit names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.specs))
	for name := range r.specs {
		names = append(names, name)
	}
	sort.Strings(names)

	return names
}

// CycleDetectedError reports a self-referential handler composition detected
// at registration time.
type CycleDetectedError struct {
	Handler string
}

// Error implements the error interface.
func (e *CycleDetectedError) Error() string {
	return fmt.Sprintf("handler composition cycle detected at %q", e.Handler)
}

// VerifyAcyclic walks a handler's wrapper chain with a visited set keyed by
// handler identity. Runtime depth counting cannot catch a zero-argument
// construction-time cycle, so composition is checked here, before any call.
func VerifyAcyclic(h core.Handler) error {
	visited := map[core.Handler]bool{}

	for h != nil {
		if visited[h] {
			return &CycleDetectedError{Handler: h.Name()}
		}
		visited[h] = true

		w, ok := h.(core.Wrapper)
		if !ok {
			return nil
		}
		h = w.Unwrap()
	}

	return nil
}
