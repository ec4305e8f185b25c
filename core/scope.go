package core

import (
	"context"
	"fmt"
	"sync"

	"github.com/hupe1980/callmesh/approval"
	"github.com/hupe1980/callmesh/logging"
)

// ScopeOptions configures a CallScope.
type ScopeOptions struct {
	// MaxDepth bounds frame depth (root = 0). 0 means unlimited.
	MaxDepth int
	// Approver decides gated operations for every frame in the scope.
	// Defaults to strict-deny so an unconfigured scope never performs side
	// effects silently.
	Approver approval.Approver
	// History is the conversation record threaded through the root frame.
	History *History
	// Emit receives the ordered event stream for this run. May be nil.
	Emit chan<- Event
	// Logger defaults to NoOpLogger.
	Logger logging.Logger
}

// CallScope is the lifetime container for one top-level run. It owns the
// frame tree, the approval policy plus session memory for the run, and
// guarantees that every resource instance transitively owned by its frames is
// torn down exactly once on every exit path.
type CallScope struct {
	runID     string
	sessionID string
	maxDepth  int

	ctx    context.Context
	cancel context.CancelFunc

	approver approval.Approver
	history  *History
	emit     chan<- Event
	logger   logging.Logger

	mu     sync.Mutex
	root   *CallFrame
	frames []*CallFrame
	closed bool
}

// NewCallScope creates a scope bound to ctx. Cancelling ctx (or calling
// Cancel) aborts pending approval waits and triggers teardown via Close.
func NewCallScope(ctx context.Context, runID, sessionID string, optFns ...func(o *ScopeOptions)) *CallScope {
	opts := ScopeOptions{
		MaxDepth: 8,
		Approver: approval.NewStrictDeny(),
		Logger:   logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	scopeCtx, cancel := context.WithCancel(ctx)

	return &CallScope{
		runID:     runID,
		sessionID: sessionID,
		maxDepth:  opts.MaxDepth,
		ctx:       scopeCtx,
		cancel:    cancel,
		approver:  opts.Approver,
		history:   opts.History,
		emit:      opts.Emit,
		logger:    opts.Logger,
	}
}

// RunID returns the run identifier.
func (s *CallScope) RunID() string { return s.runID }

// SessionID returns the session identifier.
func (s *CallScope) SessionID() string { return s.sessionID }

// MaxDepth returns the configured depth bound.
func (s *CallScope) MaxDepth() int { return s.maxDepth }

// Context returns the scope's cancellation context.
func (s *CallScope) Context() context.Context { return s.ctx }

// Approver returns the approval policy for this scope. Session approval
// memory lives inside the approver and is discarded with the scope.
func (s *CallScope) Approver() approval.Approver { return s.approver }

// Logger returns the scope logger.
func (s *CallScope) Logger() logging.Logger { return s.logger }

// Open creates the root frame (depth 0) executing the named unit. It fails if
// the scope already has a root or was closed.
func (s *CallScope) Open(name string) (*CallFrame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, fmt.Errorf("scope %s is closed", s.runID)
	}
	if s.root != nil {
		return nil, fmt.Errorf("scope %s already has a root frame", s.runID)
	}

	s.root = &CallFrame{
		ID:        NewID(),
		Name:      name,
		Depth:     0,
		scope:     s,
		history:   s.history,
		resources: map[string]Toolset{},
	}
	s.frames = append(s.frames, s.root)

	return s.root, nil
}

// Root returns the root frame, nil before Open.
func (s *CallScope) Root() *CallFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.root
}

func (s *CallScope) track(f *CallFrame) {
	s.mu.Lock()
	s.frames = append(s.frames, f)
	s.mu.Unlock()
}

// Emit delivers an event to the scope's stream, respecting cancellation.
// A nil sink drops events.
func (s *CallScope) Emit(ev Event) error {
	if s.emit == nil {
		return nil
	}
	select {
	case <-s.ctx.Done():
		return s.ctx.Err()
	case s.emit <- ev:
		return nil
	}
}

// Cancel aborts the run: pending approval waits observe the cancelled
// context, and the caller is expected to Close the scope for teardown.
func (s *CallScope) Cancel() { s.cancel() }

// Close tears down every resource transitively owned by any frame in the
// scope, children before parents, exactly once per resource. Teardown errors
// are logged and returned aggregated, never masking the run's primary result
// (callers pass their own error through unchanged).
func (s *CallScope) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	frames := s.frames
	s.frames = nil
	s.mu.Unlock()

	s.cancel()

	var errs []error
	for i := len(frames) - 1; i >= 0; i-- {
		if err := frames[i].Close(); err != nil {
			s.logger.Warn("scope.teardown.error", "run_id", s.runID, "frame", frames[i].Name, "error", err.Error())
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("scope teardown: %d frame(s) reported errors", len(errs))
	}

	return nil
}
