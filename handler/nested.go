package handler

import (
	"fmt"

	"github.com/hupe1980/callmesh/core"
	"github.com/hupe1980/callmesh/model"
)

// NestedHandlerOptions configures a NestedHandler.
type NestedHandlerOptions struct {
	// Instruction produces the system prompt. Defaults to a generic helper
	// prompt naming the unit.
	Instruction Instruction
	// MaxIterations bounds the generate/tool loop. Defaults to 8.
	MaxIterations int
}

// NestedHandler is a model-backed callable unit. Invoke runs a generate/tool
// loop: the model answers or requests tool calls, requested calls run through
// the invocation's approval-gated runner, and their responses feed the next
// generation until the model stops or the iteration bound hits.
type NestedHandler struct {
	name          string
	description   string
	llm           model.Model
	instruction   Instruction
	maxIterations int
}

// NewNestedHandler creates a model-backed unit.
func NewNestedHandler(name, description string, llm model.Model, optFns ...func(o *NestedHandlerOptions)) *NestedHandler {
	opts := NestedHandlerOptions{
		Instruction:   NewInstruction(fmt.Sprintf("You are %s, a helpful assistant.", name)),
		MaxIterations: 8,
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	return &NestedHandler{
		name:          name,
		description:   description,
		llm:           llm,
		instruction:   opts.Instruction,
		maxIterations: opts.MaxIterations,
	}
}

// WithInstruction overrides the system prompt.
func WithInstruction(i Instruction) func(o *NestedHandlerOptions) {
	return func(o *NestedHandlerOptions) { o.Instruction = i }
}

// WithMaxIterations overrides the generate/tool loop bound.
func WithMaxIterations(n int) func(o *NestedHandlerOptions) {
	return func(o *NestedHandlerOptions) { o.MaxIterations = n }
}

// Name implements core.Handler.
func (h *NestedHandler) Name() string { return h.name }

// Description implements core.Handler.
func (h *NestedHandler) Description() string { return h.description }

// Kind implements core.Handler.
func (h *NestedHandler) Kind() core.HandlerKind { return core.KindNested }

// Invoke implements core.Handler.
func (h *NestedHandler) Invoke(inv *core.Invocation) (*core.Result, error) {
	instructions, err := h.instruction.Resolve(inv)
	if err != nil {
		return nil, fmt.Errorf("resolve instructions for %s: %w", h.name, err)
	}

	contents := append([]core.Content{}, inv.History()...)
	if len(inv.Content.Parts) > 0 {
		contents = append(contents, inv.Content)
	}

	tools := toolDefinitions(inv.Tools)

	for iteration := 0; iteration < h.maxIterations; iteration++ {
		inv.LogDebug("handler.nested.generate", "unit", h.name, "iteration", iteration)

		resp, err := h.generate(inv, model.Request{
			Instructions: instructions,
			Contents:     contents,
			Tools:        tools,
		})
		if err != nil {
			return nil, err
		}

		calls := resp.Content.FunctionCalls()
		if len(calls) == 0 {
			return &core.Result{Content: resp.Content}, nil
		}

		responses, err := inv.RunTools(calls)
		if err != nil {
			// Denials and execution halts propagate to the caller frame.
			return nil, err
		}

		contents = append(contents, resp.Content)
		contents = append(contents, toolContent(responses))
	}

	return nil, fmt.Errorf("unit %s exceeded %d generate/tool iterations", h.name, h.maxIterations)
}

// generate drains the model channels and returns the final response.
func (h *NestedHandler) generate(inv *core.Invocation, req model.Request) (*model.Response, error) {
	respCh, errCh := h.llm.Generate(inv.Context, req)

	var final *model.Response
	for {
		select {
		case <-inv.Done():
			return nil, inv.Err()
		case resp, ok := <-respCh:
			if !ok {
				if err := <-errCh; err != nil {
					return nil, fmt.Errorf("model generation for %s: %w", h.name, err)
				}
				if final == nil {
					return nil, fmt.Errorf("model for %s produced no response", h.name)
				}
				return final, nil
			}
			if !resp.Partial {
				r := resp
				final = &r
			}
		}
	}
}

func toolDefinitions(infos []core.ToolInfo) []model.ToolDefinition {
	defs := make([]model.ToolDefinition, len(infos))
	for i, info := range infos {
		defs[i] = model.ToolDefinition{
			Type: "function",
			Function: model.FunctionDefinition{
				Name:        info.Name,
				Description: info.Description,
				Parameters:  info.Parameters,
			},
		}
	}
	return defs
}

func toolContent(responses []core.FunctionResponse) core.Content {
	parts := make([]core.Part, len(responses))
	for i, fr := range responses {
		parts[i] = core.FunctionResponsePart{FunctionResponse: fr}
	}
	return core.Content{Role: "tool", Parts: parts}
}
