package core

import (
	"time"

	"github.com/google/uuid"
)

// EventType discriminates the typed events on the observer stream.
type EventType string

const (
	// EventCallStart marks entry into a call frame.
	EventCallStart EventType = "call_start"
	// EventApprovalRequest marks a gated operation awaiting a decision.
	EventApprovalRequest EventType = "approval_request"
	// EventApprovalDecision carries the outcome of an approval request.
	EventApprovalDecision EventType = "approval_decision"
	// EventToolCall marks a tool operation about to execute.
	EventToolCall EventType = "tool_call"
	// EventToolResult carries a tool operation's result or error.
	EventToolResult EventType = "tool_result"
	// EventError is the terminal event of a failed call.
	EventError EventType = "error"
	// EventCompletion is the terminal event of a successful call.
	EventCompletion EventType = "completion"
)

// Event is the unit of communication between the runtime and external
// observers. After emission it must be treated as immutable; sinks may only
// observe, never mutate runtime state through it. Events within a run are
// delivered in the order produced.
type Event struct {
	ID      string    `json:"id"`
	RunID   string    `json:"run_id"`
	FrameID string    `json:"frame_id"`
	Type    EventType `json:"type"`

	// Unit is the callable unit the frame is executing.
	Unit  string `json:"unit,omitempty"`
	Depth int    `json:"depth"`

	// Tool fields are populated on approval/tool events.
	Tool           string `json:"tool,omitempty"`
	FunctionCallID string `json:"function_call_id,omitempty"`
	Arguments      string `json:"arguments,omitempty"`
	Result         any    `json:"result,omitempty"`

	// Approval fields are populated on approval events.
	Required       *bool  `json:"required,omitempty"`
	Approved       *bool  `json:"approved,omitempty"`
	DecisionSource string `json:"decision_source,omitempty"`

	// Content carries conversational payloads (user input, completions).
	Content *Content `json:"content,omitempty"`

	ErrorCode    string `json:"error_code,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`

	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// NewID generates a unique identifier for events, frames and runs.
func NewID() string { return uuid.NewString() }

// NewEvent creates a bare event bound to a run and frame.
func NewEvent(runID, frameID string, typ EventType) Event {
	return Event{
		ID:        NewID(),
		RunID:     runID,
		FrameID:   frameID,
		Type:      typ,
		Timestamp: time.Now().UTC(),
	}
}

// NewCallStartEvent records entry into a frame.
func NewCallStartEvent(f *CallFrame) Event {
	e := NewEvent(f.RunID(), f.ID, EventCallStart)
	e.Unit = f.Name
	e.Depth = f.Depth
	return e
}

// NewApprovalRequestEvent records a gated operation awaiting a decision.
func NewApprovalRequestEvent(f *CallFrame, tool string, required bool) Event {
	e := NewEvent(f.RunID(), f.ID, EventApprovalRequest)
	e.Unit = f.Name
	e.Depth = f.Depth
	e.Tool = tool
	e.Required = &required
	return e
}

// NewApprovalDecisionEvent records an approval outcome.
func NewApprovalDecisionEvent(f *CallFrame, tool string, approved bool, source string) Event {
	e := NewEvent(f.RunID(), f.ID, EventApprovalDecision)
	e.Unit = f.Name
	e.Depth = f.Depth
	e.Tool = tool
	e.Approved = &approved
	e.DecisionSource = source
	return e
}

// NewToolCallEvent records a tool operation about to execute.
func NewToolCallEvent(f *CallFrame, fcID, tool, args string) Event {
	e := NewEvent(f.RunID(), f.ID, EventToolCall)
	e.Unit = f.Name
	e.Depth = f.Depth
	e.Tool = tool
	e.FunctionCallID = fcID
	e.Arguments = args
	return e
}

// NewToolResultEvent records a tool operation's outcome. A non-nil err marks
// the result as failed.
func NewToolResultEvent(f *CallFrame, fcID, tool string, result any, err error) Event {
	e := NewEvent(f.RunID(), f.ID, EventToolResult)
	e.Unit = f.Name
	e.Depth = f.Depth
	e.Tool = tool
	e.FunctionCallID = fcID
	e.Result = result
	if err != nil {
		e.ErrorMessage = err.Error()
	}
	return e
}

// NewErrorEvent records a call's terminal failure.
func NewErrorEvent(f *CallFrame, code string, err error) Event {
	e := NewEvent(f.RunID(), f.ID, EventError)
	e.Unit = f.Name
	e.Depth = f.Depth
	e.ErrorCode = code
	if err != nil {
		e.ErrorMessage = err.Error()
	}
	return e
}

// NewCompletionEvent records a call's successful terminal result.
func NewCompletionEvent(f *CallFrame, content Content) Event {
	e := NewEvent(f.RunID(), f.ID, EventCompletion)
	e.Unit = f.Name
	e.Depth = f.Depth
	e.Content = &content
	return e
}

// IsTerminal reports whether the event ends its call.
func (e Event) IsTerminal() bool {
	return e.Type == EventError || e.Type == EventCompletion
}

// IsDenied reports whether the event is a denying approval decision.
func (e Event) IsDenied() bool {
	return e.Type == EventApprovalDecision && e.Approved != nil && !*e.Approved
}

// IsFailedToolResult reports whether the event is a tool result carrying an error.
func (e Event) IsFailedToolResult() bool {
	return e.Type == EventToolResult && e.ErrorMessage != ""
}
