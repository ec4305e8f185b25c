package handler

import (
	"github.com/hupe1980/callmesh/core"
)

// Middleware decorates a handler with cross-cutting behavior. Compositions
// built here satisfy core.Wrapper, so the registry's cycle check can walk
// them at registration time.
type Middleware func(next core.Handler) core.Handler

// Compose applies middlewares outermost-first: Compose(h, a, b) yields
// a(b(h)).
func Compose(h core.Handler, middlewares ...Middleware) core.Handler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}

// Wrapped is a convenience base for middleware implementations. It forwards
// every core.Handler method to the inner handler and implements core.Wrapper;
// embed it and override Invoke.
type Wrapped struct {
	Inner core.Handler
}

// Name implements core.Handler.
func (w *Wrapped) Name() string { return w.Inner.Name() }

// Description implements core.Handler.
func (w *Wrapped) Description() string { return w.Inner.Description() }

// Kind implements core.Handler.
func (w *Wrapped) Kind() core.HandlerKind { return w.Inner.Kind() }

// Invoke implements core.Handler.
func (w *Wrapped) Invoke(inv *core.Invocation) (*core.Result, error) { return w.Inner.Invoke(inv) }

// Unwrap implements core.Wrapper.
func (w *Wrapped) Unwrap() core.Handler { return w.Inner }
