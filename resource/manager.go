package resource

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/hupe1980/callmesh/core"
	"github.com/hupe1980/callmesh/logging"
)

type sharedHandle struct {
	instance core.Toolset
	refs     int
}

type perRunKey struct {
	runID string
	name  string
}

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	// Logger defaults to NoOpLogger.
	Logger logging.Logger
}

// Manager resolves resource declarations into live instances bound to call
// frames. It owns the shared singletons (reference-counted for leak
// accounting, destroyed at Close, not at refcount zero, so pre-built
// connections survive across runs) and caches per-run instances on behalf of
// root frames.
type Manager struct {
	logger logging.Logger

	mu       sync.Mutex
	shared   map[core.Toolset]*sharedHandle
	perRun   map[string]map[string]core.Toolset // run ID -> declaration name -> instance
	inflight map[perRunKey]chan struct{}        // per-run constructions in progress
	closed   bool
}

// NewManager creates a resource manager.
func NewManager(optFns ...func(o *ManagerOptions)) *Manager {
	opts := ManagerOptions{
		Logger: logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	return &Manager{
		logger:   opts.Logger,
		shared:   map[core.Toolset]*sharedHandle{},
		perRun:   map[string]map[string]core.Toolset{},
		inflight: map[perRunKey]chan struct{}{},
	}
}

// Resolve binds every declaration to the frame before the unit's logic runs.
// The first failing declaration aborts the call with a *ConstructionError;
// instances already bound to the frame are released when the dispatcher
// closes it.
func (m *Manager) Resolve(ctx context.Context, unit string, specs []Spec, frame *core.CallFrame) error {
	for _, spec := range specs {
		if err := m.resolveOne(ctx, unit, spec, frame); err != nil {
			return err
		}
	}

	return nil
}

func (m *Manager) resolveOne(ctx context.Context, unit string, spec Spec, frame *core.CallFrame) error {
	switch spec.Lifecycle {
	case LifecycleShared:
		if err := m.acquireShared(spec.Instance); err != nil {
			return &ConstructionError{Resource: spec.Name, Unit: unit, Err: err}
		}
		frame.AttachResource(spec.Name, spec.Instance, func() error {
			m.releaseShared(spec.Instance)
			return nil
		})
		return nil

	case LifecyclePerRun:
		return m.resolvePerRun(ctx, unit, spec, frame)

	case LifecyclePerCall:
		instance, err := spec.Factory(ctx)
		if err != nil {
			return &ConstructionError{Resource: spec.Name, Unit: unit, Err: err}
		}
		frame.AdoptResource(spec.Name, instance, instance.Close)
		return nil

	case LifecycleSnapshot:
		parentInstance, err := parentResource(spec.Name, unit, frame)
		if err != nil {
			return err
		}
		snapper, ok := parentInstance.(Snapshotter)
		if !ok {
			return &ConstructionError{
				Resource: spec.Name,
				Unit:     unit,
				Err:      fmt.Errorf("parent instance %T does not support snapshotting", parentInstance),
			}
		}
		snapshot, err := snapper.Snapshot(ctx)
		if err != nil {
			return &ConstructionError{Resource: spec.Name, Unit: unit, Err: err}
		}
		frame.AdoptResource(spec.Name, snapshot, snapshot.Close)
		return nil

	case LifecycleInherited:
		parentInstance, err := parentResource(spec.Name, unit, frame)
		if err != nil {
			return err
		}
		frame.AttachResource(spec.Name, parentInstance, nil)
		return nil

	default:
		return &ConstructionError{
			Resource: spec.Name,
			Unit:     unit,
			Err:      fmt.Errorf("unknown lifecycle %q", spec.Lifecycle),
		}
	}
}

// resolvePerRun constructs one instance per run. Lookup-and-insert is a
// single atomic step: when two frames of the same run race, one becomes the
// leader and runs the factory while the others wait for its instance instead
// of constructing a duplicate.
func (m *Manager) resolvePerRun(ctx context.Context, unit string, spec Spec, frame *core.CallFrame) error {
	root := frame
	for root.Parent() != nil {
		root = root.Parent()
	}
	runID := frame.RunID()
	key := perRunKey{runID: runID, name: spec.Name}

	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return &ConstructionError{Resource: spec.Name, Unit: unit, Err: errors.New("resource manager is closed")}
		}
		if instance, ok := m.perRun[runID][spec.Name]; ok {
			m.mu.Unlock()
			if frame != root {
				frame.AttachResource(spec.Name, instance, nil)
			}
			return nil
		}
		ch, busy := m.inflight[key]
		if !busy {
			m.inflight[key] = make(chan struct{})
			m.mu.Unlock()
			break
		}
		m.mu.Unlock()

		select {
		case <-ch:
			// Leader finished; loop to pick up its instance, or take over
			// leadership when its construction failed.
		case <-ctx.Done():
			return &ConstructionError{Resource: spec.Name, Unit: unit, Err: ctx.Err()}
		}
	}

	instance, err := spec.Factory(ctx)

	m.mu.Lock()
	if err == nil {
		if m.perRun[runID] == nil {
			m.perRun[runID] = map[string]core.Toolset{}
		}
		m.perRun[runID][spec.Name] = instance
	}
	if ch, ok := m.inflight[key]; ok {
		close(ch)
		delete(m.inflight, key)
	}
	m.mu.Unlock()

	if err != nil {
		return &ConstructionError{Resource: spec.Name, Unit: unit, Err: err}
	}

	// Ownership sits on the root frame so the instance outlives any
	// individual child call and dies with the run.
	root.AdoptResource(spec.Name, instance, func() error {
		m.mu.Lock()
		delete(m.perRun[runID], spec.Name)
		if len(m.perRun[runID]) == 0 {
			delete(m.perRun, runID)
		}
		m.mu.Unlock()
		return instance.Close()
	})

	if frame != root {
		frame.AttachResource(spec.Name, instance, nil)
	}

	return nil
}

func parentResource(name, unit string, frame *core.CallFrame) (core.Toolset, error) {
	parent := frame.Parent()
	if parent == nil {
		return nil, &ConstructionError{
			Resource: name,
			Unit:     unit,
			Err:      errors.New("root frame has no parent to resolve from"),
		}
	}

	instance, ok := parent.Resource(name)
	if !ok {
		return nil, &ConstructionError{
			Resource: name,
			Unit:     unit,
			Err:      fmt.Errorf("parent frame %q holds no resource under this name", parent.Name),
		}
	}

	return instance, nil
}

func (m *Manager) acquireShared(instance core.Toolset) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// A closed manager already destroyed its singletons; handing the instance
	// out again would leak a dead connection past the final Close.
	if m.closed {
		return errors.New("resource manager is closed")
	}

	h, ok := m.shared[instance]
	if !ok {
		h = &sharedHandle{instance: instance}
		m.shared[instance] = h
	}
	h.refs++

	return nil
}

func (m *Manager) releaseShared(instance core.Toolset) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if h, ok := m.shared[instance]; ok && h.refs > 0 {
		h.refs--
	}
}

// SharedRefs reports the live reference count of a shared instance. Used by
// leak checks in tests and diagnostics.
func (m *Manager) SharedRefs(instance core.Toolset) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	if h, ok := m.shared[instance]; ok {
		return h.refs
	}

	return 0
}

// Close destroys every shared singleton the manager has seen, exactly once.
// Nonzero reference counts indicate frames that never closed and are logged
// before the instance is torn down anyway.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	shared := m.shared
	m.shared = map[core.Toolset]*sharedHandle{}
	m.mu.Unlock()

	var errs []error
	for _, h := range shared {
		if h.refs > 0 {
			m.logger.Warn("resource.shared.leak", "resource", h.instance.Name(), "refs", h.refs)
		}
		if err := h.instance.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close shared %s: %w", h.instance.Name(), err))
		}
	}

	return errors.Join(errs...)
}
