package core

import "context"

// HandlerKind tags the two callable-unit variants behind the Handler
// interface. Resolution happens once per call via registry lookup, never via
// runtime type inspection, so an implementation can be swapped (code to
// model, or model to code) without touching any call site.
type HandlerKind string

const (
	// KindCode marks a deterministic code-backed unit.
	KindCode HandlerKind = "code"
	// KindNested marks a model-driven unit running a generate/tool loop.
	KindNested HandlerKind = "nested"
)

// Handler is the single capability interface every callable unit implements.
// A caller cannot (and must not) distinguish which variant answers its call.
type Handler interface {
	Name() string
	Description() string
	Kind() HandlerKind
	Invoke(inv *Invocation) (*Result, error)
}

// Wrapper is implemented by handler decorators so construction-time
// composition can walk the chain for cycle detection.
type Wrapper interface {
	Unwrap() Handler
}

// Result is a call's successful outcome.
type Result struct {
	// Content is the final conversational content (assistant role for nested
	// units, tool role optional for code units).
	Content Content
	// Output carries a structured result for code-backed units.
	Output any
}

// ToolInfo is the declarative description of one tool operation exposed to a
// unit, decoupled from the tool package so handlers stay dependency-light.
type ToolInfo struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// Caller dispatches a named unit as a child of the given frame. Implemented
// by the dispatcher; handlers reach it through Invocation.Call.
type Caller interface {
	Call(ctx context.Context, name string, args map[string]any, content Content, caller *CallFrame) (*Result, error)
}

// ToolRunner executes a batch of declared tool operations under the
// gated-approval protocol, emitting tool events. A returned error (typically
// *approval.DeniedError) halts the calling frame's execution for that call.
type ToolRunner interface {
	RunTools(ctx context.Context, frame *CallFrame, calls []FunctionCall) ([]FunctionResponse, error)
}

// Invocation carries the execution state handed to a Handler: the ambient
// context, the frame, parsed arguments plus raw content, the declared tool
// surface, and callbacks into the dispatcher for nested calls and gated tool
// execution.
type Invocation struct {
	Context context.Context
	Frame   *CallFrame
	Args    map[string]any
	Content Content
	Tools   []ToolInfo

	caller Caller
	runner ToolRunner

	*loggerAdapter
}

// NewInvocation constructs an invocation bound to a frame. The caller and
// runner are injected by the dispatcher.
func NewInvocation(ctx context.Context, frame *CallFrame, args map[string]any, content Content, tools []ToolInfo, caller Caller, runner ToolRunner) *Invocation {
	return &Invocation{
		Context:       ctx,
		Frame:         frame,
		Args:          args,
		Content:       content,
		Tools:         tools,
		caller:        caller,
		runner:        runner,
		loggerAdapter: newLoggerAdapter(frame.Scope().Logger()),
	}
}

// Call dispatches a named unit as a child of this invocation's frame. The
// callee may be code-backed or model-backed; the result shape is identical.
func (inv *Invocation) Call(name string, args map[string]any, content Content) (*Result, error) {
	if inv.caller == nil {
		return nil, &UnknownNameError{Name: name}
	}
	return inv.caller.Call(inv.Context, name, args, content, inv.Frame)
}

// RunTools executes declared tool operations through the dispatcher's
// approval-gated runner. The returned error halts this call on denial.
func (inv *Invocation) RunTools(calls []FunctionCall) ([]FunctionResponse, error) {
	if inv.runner == nil || len(calls) == 0 {
		return nil, nil
	}
	return inv.runner.RunTools(inv.Context, inv.Frame, calls)
}

// Emit forwards an event to the scope's observer stream.
func (inv *Invocation) Emit(ev Event) error { return inv.Frame.Scope().Emit(ev) }

// History returns the conversation contents threaded through this frame.
// Empty for every non-root frame.
func (inv *Invocation) History() []Content {
	h := inv.Frame.History()
	if h == nil {
		return nil
	}
	return h.Contents()
}

// Done mirrors context.Context's Done.
func (inv *Invocation) Done() <-chan struct{} { return inv.Context.Done() }

// Err returns the cancellation error (if any) from the underlying context.
func (inv *Invocation) Err() error { return inv.Context.Err() }
