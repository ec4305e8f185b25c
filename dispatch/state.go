package dispatch

// State tracks one call through its lifecycle. Denied and Failed are terminal
// and propagate as typed failures to the caller frame.
type State string

const (
	// StateCreated marks a call whose frame exists but has not started.
	StateCreated State = "created"
	// StateAwaitingApproval marks a call blocked on a gated decision.
	StateAwaitingApproval State = "awaiting_approval"
	// StateExecuting marks a call running its handler.
	StateExecuting State = "executing"
	// StateCompleted marks a successful terminal call.
	StateCompleted State = "completed"
	// StateFailed marks a terminal call that errored.
	StateFailed State = "failed"
	// StateDenied marks a terminal call halted by an approval denial.
	StateDenied State = "denied"
)

// Terminal reports whether the state ends the call.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateDenied
}
