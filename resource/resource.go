// Package resource implements declaration-driven resource lifecycles. A
// callable unit declares what it needs and under which sharing policy; the
// manager resolves declarations into live instances bound to call frames and
// guarantees deterministic teardown.
package resource

import (
	"context"
	"fmt"

	"github.com/hupe1980/callmesh/core"
)

// Lifecycle selects the sharing policy applied when a declaration is resolved
// for a frame.
type Lifecycle string

const (
	// LifecycleShared binds a reference-counted singleton owned by the
	// manager. All frames see the same instance.
	LifecycleShared Lifecycle = "shared"
	// LifecyclePerRun constructs one instance per top-level run, owned by the
	// root frame and destroyed when the run completes.
	LifecyclePerRun Lifecycle = "per_run"
	// LifecyclePerCall constructs a fresh instance for every call, owned by
	// the frame that triggered the call.
	LifecyclePerCall Lifecycle = "per_call"
	// LifecycleSnapshot copies the parent frame's instance so the child works
	// on an isolated duplicate. The parent instance must implement
	// Snapshotter.
	LifecycleSnapshot Lifecycle = "snapshot"
	// LifecycleInherited attaches the parent frame's instance without
	// ownership transfer. The parent remains responsible for teardown.
	LifecycleInherited Lifecycle = "inherited"
)

// Factory constructs a fresh resource instance for per-run and per-call
// declarations.
type Factory func(ctx context.Context) (core.Toolset, error)

// Snapshotter is implemented by resources supporting the snapshot lifecycle.
// Snapshot returns an independent copy whose later mutations do not affect
// the receiver.
type Snapshotter interface {
	core.Toolset
	Snapshot(ctx context.Context) (core.Toolset, error)
}

// Spec declares one resource requirement of a callable unit: a name visible
// to its tools, a lifecycle and either a pre-built instance (shared) or a
// factory (per_run, per_call). Snapshot and inherited name the parent's
// resource and carry neither.
type Spec struct {
	Name      string
	Lifecycle Lifecycle
	Instance  core.Toolset
	Factory   Factory
}

// Validate enforces the instance-XOR-factory rule for the declared lifecycle.
// Declaration errors surface at registration time, before any call runs.
func (s Spec) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("resource declaration: name must not be empty")
	}

	switch s.Lifecycle {
	case LifecycleShared:
		if s.Instance == nil {
			return fmt.Errorf("resource %q: shared lifecycle requires a pre-built instance", s.Name)
		}
		if s.Factory != nil {
			return fmt.Errorf("resource %q: shared lifecycle must not carry a factory", s.Name)
		}
	case LifecyclePerRun, LifecyclePerCall:
		if s.Factory == nil {
			return fmt.Errorf("resource %q: %s lifecycle requires a factory", s.Name, s.Lifecycle)
		}
		if s.Instance != nil {
			return fmt.Errorf("resource %q: %s lifecycle must not carry a pre-built instance", s.Name, s.Lifecycle)
		}
	case LifecycleSnapshot, LifecycleInherited:
		if s.Instance != nil || s.Factory != nil {
			return fmt.Errorf("resource %q: %s lifecycle resolves from the parent frame and carries neither instance nor factory", s.Name, s.Lifecycle)
		}
	default:
		return fmt.Errorf("resource %q: unknown lifecycle %q", s.Name, s.Lifecycle)
	}

	return nil
}

// ConstructionError reports a failed resource resolution for a call. The call
// fails before any unit logic runs.
type ConstructionError struct {
	Resource string
	Unit     string
	Err      error
}

// Error implements the error interface.
func (e *ConstructionError) Error() string {
	return fmt.Sprintf("constructing resource %q for unit %q: %v", e.Resource, e.Unit, e.Err)
}

// Unwrap returns the underlying construction failure.
func (e *ConstructionError) Unwrap() error { return e.Err }
