package handler

import (
	"github.com/hupe1980/callmesh/core"
	"github.com/hupe1980/callmesh/internal/util"
)

// Instruction produces the system prompt for a model-backed unit.
type Instruction interface {
	Resolve(inv *core.Invocation) (string, error)
}

// TextInstruction renders a static text with optional {{ }} template markers
// expanded against the invocation arguments.
type TextInstruction struct {
	text string
}

// NewInstruction creates a template-aware text instruction.
func NewInstruction(text string) *TextInstruction {
	return &TextInstruction{text: text}
}

// Resolve implements Instruction.
func (i *TextInstruction) Resolve(inv *core.Invocation) (string, error) {
	return util.RenderTemplate(i.text, inv.Args)
}

// InstructionFunc adapts a function to the Instruction interface for dynamic
// prompts.
type InstructionFunc func(inv *core.Invocation) (string, error)

// Resolve implements Instruction.
func (f InstructionFunc) Resolve(inv *core.Invocation) (string, error) { return f(inv) }
