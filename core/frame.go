package core

import (
	"errors"
	"fmt"
	"sync"
)

// RecursionLimitError reports a spawn attempt that would exceed the scope's
// maximum depth. It names the depth reached and the call chain that produced
// it.
type RecursionLimitError struct {
	Limit int
	Depth int
	Chain []string
}

// Error implements the error interface.
func (e *RecursionLimitError) Error() string {
	return fmt.Sprintf("recursion limit %d exceeded at depth %d (call chain: %s)", e.Limit, e.Depth, chainString(e.Chain))
}

func chainString(chain []string) string {
	out := ""
	for i, c := range chain {
		if i > 0 {
			out += " -> "
		}
		out += c
	}
	return out
}

type ownedResource struct {
	name    string
	release func() error
}

// CallFrame is the isolated state of one invocation: identity, depth, the
// resource instances it exclusively owns and a non-owning reference to its
// parent. Frames are created through CallScope.Open (root) or SpawnChild and
// closed exactly once when the call exits.
type CallFrame struct {
	ID    string
	Name  string
	Depth int

	parent  *CallFrame
	scope   *CallScope
	history *History // populated only for the root frame by default

	mu        sync.Mutex
	closed    bool
	resources map[string]Toolset
	owned     []ownedResource
}

// Parent returns the parent frame, nil for the root.
func (f *CallFrame) Parent() *CallFrame { return f.parent }

// Scope returns the owning call scope.
func (f *CallFrame) Scope() *CallScope { return f.scope }

// RunID returns the owning scope's run identifier.
func (f *CallFrame) RunID() string { return f.scope.RunID() }

// IsRoot reports whether this is the scope's root frame.
func (f *CallFrame) IsRoot() bool { return f.parent == nil }

// History returns the conversation history threaded through this frame.
// Non-nil only for the root frame; spawned children start stateless.
func (f *CallFrame) History() *History { return f.history }

// CallChain returns the unit names from the root down to this frame.
func (f *CallFrame) CallChain() []string {
	var chain []string
	for cur := f; cur != nil; cur = cur.parent {
		chain = append([]string{cur.Name}, chain...)
	}
	return chain
}

// SpawnChild creates a child frame with depth = parent.Depth+1. It fails with
// *RecursionLimitError when the child would exceed the scope's maximum depth.
func (f *CallFrame) SpawnChild(name string) (*CallFrame, error) {
	depth := f.Depth + 1
	if max := f.scope.MaxDepth(); max > 0 && depth > max {
		return nil, &RecursionLimitError{
			Limit: max,
			Depth: depth,
			Chain: append(f.CallChain(), name),
		}
	}

	child := &CallFrame{
		ID:        NewID(),
		Name:      name,
		Depth:     depth,
		parent:    f,
		scope:     f.scope,
		resources: map[string]Toolset{},
	}

	f.scope.track(child)

	return child, nil
}

// AdoptResource records an exclusively-owned instance on the frame. The
// release function runs exactly once when the frame closes.
func (f *CallFrame) AdoptResource(name string, ts Toolset, release func() error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resources[name] = ts
	f.owned = append(f.owned, ownedResource{name: name, release: release})
}

// AttachResource records a non-owning reference (shared or inherited
// instance). The frame never releases attached resources itself, but the
// optional release hook still runs on close so shared refcounts stay
// symmetric.
func (f *CallFrame) AttachResource(name string, ts Toolset, release func() error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resources[name] = ts
	if release != nil {
		f.owned = append(f.owned, ownedResource{name: name, release: release})
	}
}

// Resource returns the resolved instance bound to this frame under name.
func (f *CallFrame) Resource(name string) (Toolset, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ts, ok := f.resources[name]
	return ts, ok
}

// Close releases every resource the frame owns, exactly once, in reverse
// acquisition order. Release errors are aggregated and reported but must
// never mask the frame's primary result; callers log them.
func (f *CallFrame) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	owned := f.owned
	f.owned = nil
	f.mu.Unlock()

	var errs []error
	for i := len(owned) - 1; i >= 0; i-- {
		if err := owned[i].release(); err != nil {
			errs = append(errs, fmt.Errorf("release %s: %w", owned[i].name, err))
		}
	}

	return errors.Join(errs...)
}
