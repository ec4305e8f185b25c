package tool

import (
	"fmt"
	"time"

	"github.com/hupe1980/callmesh/internal/util"
)

// FunctionTool adapts a plain Go function into a Tool. It validates supplied
// arguments against the declared schema before execution and normalizes
// failures into *ToolError with consistent codes:
//
//	VALIDATION_ERROR -> schema / argument mismatch
//	EXECUTION_ERROR  -> the wrapped function returned a non-ToolError error
//	(custom codes are preserved when the function returns *ToolError directly)
//
// A FunctionTool has no mutable state after construction and is safe for
// concurrent use, but it only participates in parallel batches when built
// with WithConcurrencySafe.
type FunctionTool struct {
	name            string
	description     string
	parameters      map[string]any
	requirement     Requirement
	concurrencySafe bool
	fn              func(tc *Context, args map[string]any) (any, error)
}

// FunctionToolOptions configures optional FunctionTool behavior.
type FunctionToolOptions struct {
	// Approval declares the operation's gating. Defaults to ungated.
	Approval Requirement
	// ConcurrencySafe allows the operation to run in parallel batches.
	ConcurrencySafe bool
}

// WithApproval marks the operation as gated. required selects between
// must-confirm and optional confirmation; description is shown to a human
// approver.
func WithApproval(required bool, description string) func(o *FunctionToolOptions) {
	return func(o *FunctionToolOptions) {
		o.Approval = Requirement{Gated: true, Required: required, Description: description}
	}
}

// WithApprovalGroup batches the operation under a group id for shared
// decisions.
func WithApprovalGroup(required bool, description, group string) func(o *FunctionToolOptions) {
	return func(o *FunctionToolOptions) {
		o.Approval = Requirement{Gated: true, Required: required, Description: description, Group: group}
	}
}

// WithConcurrencySafe opts the operation into parallel batch execution.
func WithConcurrencySafe() func(o *FunctionToolOptions) {
	return func(o *FunctionToolOptions) { o.ConcurrencySafe = true }
}

// NewFunctionTool constructs a FunctionTool from explicit schema and function.
//
// Example:
//
//	sumTool := NewFunctionTool(
//	  "calculate_sum",
//	  "Calculate the sum of two numbers",
//	  map[string]any{
//	    "type": "object",
//	    "properties": map[string]any{
//	      "a": map[string]any{"type": "number"},
//	      "b": map[string]any{"type": "number"},
//	    },
//	    "required": []string{"a", "b"},
//	  },
//	  func(tc *Context, args map[string]any) (any, error) {
//	    return args["a"].(float64) + args["b"].(float64), nil
//	  },
//	)
func NewFunctionTool(
	name, description string,
	parameters map[string]any,
	fn func(tc *Context, args map[string]any) (any, error),
	optFns ...func(o *FunctionToolOptions),
) *FunctionTool {
	opts := FunctionToolOptions{}

	for _, optFn := range optFns {
		optFn(&opts)
	}

	return &FunctionTool{
		name:            name,
		description:     description,
		parameters:      parameters,
		requirement:     opts.Approval,
		concurrencySafe: opts.ConcurrencySafe,
		fn:              fn,
	}
}

// NewFunctionToolFromStruct derives the parameter schema from a struct using
// reflection, equivalent to passing util.CreateSchema(structType).
func NewFunctionToolFromStruct(
	name, description string,
	structType any,
	fn func(tc *Context, args map[string]any) (any, error),
	optFns ...func(o *FunctionToolOptions),
) *FunctionTool {
	return NewFunctionTool(name, description, util.CreateSchema(structType), fn, optFns...)
}

// Name returns the unique operation name used in function call declarations.
func (t *FunctionTool) Name() string { return t.name }

// Description returns the natural language description exposed to models.
func (t *FunctionTool) Description() string { return t.description }

// Parameters returns the JSON schema describing expected arguments.
func (t *FunctionTool) Parameters() map[string]any { return t.parameters }

// Approval returns the operation's gating declaration.
func (t *FunctionTool) Approval() Requirement { return t.requirement }

// ConcurrencySafe reports whether the operation tolerates parallel batches.
func (t *FunctionTool) ConcurrencySafe() bool { return t.concurrencySafe }

// Call validates args against the declared schema then invokes the wrapped
// function. Failures surface as *ToolError for uniform downstream handling.
func (t *FunctionTool) Call(tc *Context, args map[string]any) (any, error) {
	logger := tc.Logger()
	start := time.Now()

	logger.Debug("tool.call.start", "tool", t.name, "fc_id", tc.FunctionCallID())

	if err := util.ValidateParameters(args, t.parameters); err != nil {
		logger.Warn("tool.call.validation_failed", "tool", t.name, "error", err.Error())

		return nil, &ToolError{
			Tool:    t.name,
			Message: fmt.Sprintf("parameter validation failed: %v", err),
			Code:    "VALIDATION_ERROR",
			Details: err,
		}
	}

	result, err := t.fn(tc, args)
	if err != nil {
		if toolErr, ok := err.(*ToolError); ok {
			logger.Error("tool.call.error", "tool", t.name, "error", toolErr.Message)

			return nil, toolErr
		}

		logger.Error("tool.call.error", "tool", t.name, "error", err.Error())

		return nil, &ToolError{
			Tool:    t.name,
			Message: err.Error(),
			Code:    "EXECUTION_ERROR",
		}
	}

	logger.Info("tool.call.success", "tool", t.name, "duration_ms", time.Since(start).Milliseconds())

	return result, nil
}
