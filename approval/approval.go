// Package approval implements the gated-approval protocol for side-effecting
// operations. A handler that produces a Request never knows the active runtime
// mode; the Controller alone interprets the Required flag against the mode
// (interactive, approve-all, strict) and consults a call-scoped session memory
// so equivalent requests are resolved without prompting twice.
package approval

import "fmt"

// Mode selects how the controller resolves requests.
type Mode string

const (
	// ModeInteractive prompts the injected callback unless the session memory
	// already holds a decision for an equivalent request.
	ModeInteractive Mode = "interactive"
	// ModeApproveAll approves every request without prompting.
	ModeApproveAll Mode = "approve-all"
	// ModeStrict denies every required request and approves every optional one,
	// independent of payload content.
	ModeStrict Mode = "strict"
)

// DecisionScope describes how long a decision remains valid.
type DecisionScope string

const (
	// ScopeOnce applies the decision to the current request only.
	ScopeOnce DecisionScope = "once"
	// ScopeSession caches the decision for equivalent requests within the same
	// call scope. Never shared across scopes.
	ScopeSession DecisionScope = "session"
	// ScopeNone marks a decision that carries no reusable intent (e.g. an
	// auto-resolved policy decision).
	ScopeNone DecisionScope = "none"
)

// Source records who produced a decision. It feeds the user-visible denial
// message: a denial names the specific operation and states whether it was a
// human decision or a policy auto-denial.
type Source string

const (
	// SourceUser marks a decision made by the injected callback (human or
	// automated policy acting on its behalf).
	SourceUser Source = "user"
	// SourcePolicy marks a decision auto-resolved by the controller mode.
	SourcePolicy Source = "policy"
	// SourceSession marks a decision replayed from session memory.
	SourceSession Source = "session"
)

// Request describes one gated operation awaiting a decision.
type Request struct {
	// Tool is the name of the operation to be gated.
	Tool string `json:"tool"`
	// Description is a human-readable summary shown to the approver.
	Description string `json:"description"`
	// Payload is the structured fingerprint input used for equivalence matching.
	Payload map[string]any `json:"payload,omitempty"`
	// Required marks the operation as side-effecting. Optional operations are
	// auto-approved in strict mode.
	Required bool `json:"required"`
	// Hints carries optional presentation hints for interactive approvers.
	Hints map[string]string `json:"hints,omitempty"`
	// GroupID batches related requests for a single decision.
	GroupID string `json:"group_id,omitempty"`
}

// Decision is the outcome of a request.
type Decision struct {
	Approved bool          `json:"approved"`
	Scope    DecisionScope `json:"scope"`
	Note     string        `json:"note,omitempty"`
	Source   Source        `json:"source"`
}

// Approve is a convenience constructor for an approving decision.
func Approve(scope DecisionScope) Decision {
	return Decision{Approved: true, Scope: scope, Source: SourceUser}
}

// Deny is a convenience constructor for a denying decision.
func Deny(note string) Decision {
	return Decision{Approved: false, Scope: ScopeOnce, Note: note, Source: SourceUser}
}

// DeniedError is the typed failure produced when a request is denied. The
// dispatcher turns it into a terminal Denied state for the call; a caller
// frame may catch it like any other failure.
type DeniedError struct {
	Tool   string
	Source Source
	Note   string
}

// Error names the denied operation and the deciding party.
func (e *DeniedError) Error() string {
	who := "policy auto-denial"
	if e.Source == SourceUser {
		who = "denied by user"
	}
	if e.Note != "" {
		return fmt.Sprintf("approval denied for %q (%s): %s", e.Tool, who, e.Note)
	}
	return fmt.Sprintf("approval denied for %q (%s)", e.Tool, who)
}
