package handler

import (
	"github.com/hupe1980/callmesh/core"
)

// CodeFunc is the implementation signature of a code-backed unit. It receives
// the full invocation, so it may call other units or run gated tools exactly
// like a model-backed unit would.
type CodeFunc func(inv *core.Invocation) (*core.Result, error)

// CodeHandler wraps a deterministic Go function as a callable unit.
type CodeHandler struct {
	name        string
	description string
	fn          CodeFunc
}

// NewCodeHandler creates a code-backed unit.
func NewCodeHandler(name, description string, fn CodeFunc) *CodeHandler {
	return &CodeHandler{
		name:        name,
		description: description,
		fn:          fn,
	}
}

// Name implements core.Handler.
func (h *CodeHandler) Name() string { return h.name }

// Description implements core.Handler.
func (h *CodeHandler) Description() string { return h.description }

// Kind implements core.Handler.
func (h *CodeHandler) Kind() core.HandlerKind { return core.KindCode }

// Invoke implements core.Handler.
func (h *CodeHandler) Invoke(inv *core.Invocation) (*core.Result, error) {
	inv.LogDebug("handler.code.invoke", "unit", h.name, "frame", inv.Frame.ID)
	return h.fn(inv)
}
