// Package tool implements the operation subsystem callable units use to
// perform side effects: schema validated arguments, per-operation approval
// requirements and consistent error handling.
package tool

import (
	"fmt"

	"github.com/hupe1980/callmesh/internal/util"
)

// Requirement declares how an operation interacts with the gated-approval
// protocol. The zero value means the operation is not gated and runs without
// consulting the approval controller.
type Requirement struct {
	// Gated marks the operation as side-effecting. Gated operations go
	// through the approval controller before every execution.
	Gated bool
	// Required distinguishes operations that must be explicitly confirmed
	// from optional ones. The controller alone interprets this flag against
	// the active mode; the tool never knows which mode is running.
	Required bool
	// Description is shown to a human approver in interactive mode.
	Description string
	// Group optionally batches related operations under one decision.
	Group string
}

// Tool is one named operation a callable unit may execute.
//
// Implementations should provide descriptive names (snake_case recommended),
// a minimal JSON schema for Parameters, and be safe for concurrent use when
// they report ConcurrencySafe.
type Tool interface {
	// Name returns the unique operation identifier.
	Name() string

	// Description returns a human-readable description of the operation,
	// exposed to models driving nested units.
	Description() string

	// Parameters returns a JSON schema describing the expected arguments.
	Parameters() map[string]any

	// Approval returns the operation's gating declaration.
	Approval() Requirement

	// Call executes the operation. Arguments arrive parsed from JSON and are
	// validated against the schema before the implementation runs.
	Call(tc *Context, args map[string]any) (any, error)
}

// ConcurrencySafe is implemented by tools that tolerate parallel execution
// within one call. Batches run sequentially unless every member opts in.
type ConcurrencySafe interface {
	ConcurrencySafe() bool
}

// ValidationError reports an argument that failed schema validation.
type ValidationError = util.ValidationError

// ToolError wraps a failure during operation execution. The dispatcher
// reports it as an error tool-result without terminating the run.
type ToolError struct {
	Tool    string `json:"tool"`
	Message string `json:"message"`
	Code    string `json:"code"`
	Details any    `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *ToolError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("tool error [%s] in %s: %s", e.Code, e.Tool, e.Message)
	}
	return fmt.Sprintf("tool error in %s: %s", e.Tool, e.Message)
}

// NewToolError creates a ToolError with the given categorization code.
func NewToolError(tool, message, code string) *ToolError {
	return &ToolError{Tool: tool, Message: message, Code: code}
}
