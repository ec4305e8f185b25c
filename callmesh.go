// Package callmesh provides a high-level facade over the dispatch core.
// Applications typically:
//  1. Create a Runtime via New() (optionally overriding the in-memory
//     history store, the approval mode or the logger)
//  2. Register callable units (code-backed or model-backed, with resource
//     declarations and tool surfaces)
//  3. Start runs asynchronously (Run) or synchronously (RunSync)
//
// Each run opens its own call scope with a fresh session approval memory, so
// concurrent runs never observe each other's decisions. The facade delegates
// orchestration to dispatch.Dispatcher while keeping setup concise.
package callmesh

import (
	"context"
	"fmt"
	"sync"

	"github.com/hupe1980/callmesh/approval"
	"github.com/hupe1980/callmesh/core"
	"github.com/hupe1980/callmesh/dispatch"
	"github.com/hupe1980/callmesh/logging"
	"github.com/hupe1980/callmesh/registry"
	"github.com/hupe1980/callmesh/resource"
	"github.com/hupe1980/callmesh/session"
)

// Options configures the Runtime.
type Options struct {
	// MaxDepth bounds frame recursion per run. Defaults to 8.
	MaxDepth int
	// EventBufferSize sets the event channel buffer per run. Defaults to 64.
	EventBufferSize int
	// MaxParallelTools bounds concurrent tool executions within one batch.
	MaxParallelTools int

	// ApprovalMode selects the policy applied to gated operations.
	// Defaults to strict-deny so nothing side-effecting runs unconfigured.
	ApprovalMode approval.Mode
	// ApprovalCallback answers prompts in interactive mode.
	ApprovalCallback approval.Callback

	// HistoryStore persists conversation turns per session. Defaults to the
	// in-memory implementation.
	HistoryStore core.HistoryStore
	// Resources manages shared singletons across runs. Defaults to a fresh
	// manager.
	Resources *resource.Manager
	// Logger defaults to NoOpLogger.
	Logger logging.Logger
}

// Runtime is the facade aggregating registry, dispatcher and session
// services. It is safe for concurrent use; each run is fully isolated.
type Runtime struct {
	opts       Options
	registry   *registry.Registry
	dispatcher *dispatch.Dispatcher
	history    core.HistoryStore
	resources  *resource.Manager
	logger     logging.Logger

	mu         sync.Mutex
	activeRuns map[string]*core.CallScope
	closed     bool
}

// New creates a Runtime with optional overrides. Unset services fall back to
// in-memory implementations safe for development and tests.
func New(optFns ...func(o *Options)) *Runtime {
	opts := Options{
		MaxDepth:        8,
		EventBufferSize: 64,
		ApprovalMode:    approval.ModeStrict,
		HistoryStore:    session.NewInMemoryStore(),
		Logger:          logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.Resources == nil {
		opts.Resources = resource.NewManager(func(o *resource.ManagerOptions) {
			o.Logger = opts.Logger
		})
	}

	reg := registry.New()

	return &Runtime{
		opts:     opts,
		registry: reg,
		dispatcher: dispatch.New(reg, func(o *dispatch.Options) {
			o.Resources = opts.Resources
			o.MaxParallel = opts.MaxParallelTools
			o.Logger = opts.Logger
		}),
		history:    opts.HistoryStore,
		resources:  opts.Resources,
		logger:     opts.Logger,
		activeRuns: map[string]*core.CallScope{},
	}
}

// Register adds a callable unit. Registration errors (duplicate names,
// invalid resource declarations, handler cycles) surface immediately.
func (r *Runtime) Register(spec registry.Spec) error {
	return r.registry.Register(spec)
}

// Freeze makes the registry read-only. Call once wiring is complete.
func (r *Runtime) Freeze() { r.registry.Freeze() }

// Units returns the registered unit names.
func (r *Runtime) Units() []string { return r.registry.Names() }

// Run starts an asynchronous run of the named unit and returns the run id
// plus event and error channels. The events channel closes when the run
// finishes; a terminal failure is delivered on the errors channel.
func (r *Runtime) Run(ctx context.Context, sessionID, unitName string, content core.Content) (string, <-chan core.Event, <-chan error, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return "", nil, nil, fmt.Errorf("runtime is closed")
	}
	r.mu.Unlock()

	history, err := r.history.Get(sessionID)
	if err != nil {
		return "", nil, nil, fmt.Errorf("load history for session %s: %w", sessionID, err)
	}

	runID := core.NewID()
	events := make(chan core.Event, r.opts.EventBufferSize)
	errs := make(chan error, 1)

	scope := core.NewCallScope(ctx, runID, sessionID, func(o *core.ScopeOptions) {
		o.MaxDepth = r.opts.MaxDepth
		o.History = history
		o.Emit = events
		o.Logger = r.logger
		o.Approver = r.newApprover()
	})

	r.mu.Lock()
	r.activeRuns[runID] = scope
	r.mu.Unlock()

	go func() {
		defer func() {
			if closeErr := scope.Close(); closeErr != nil {
				r.logger.Warn("run.teardown.error", "run_id", runID, "error", closeErr.Error())
			}
			close(events)
			close(errs)

			r.mu.Lock()
			delete(r.activeRuns, runID)
			r.mu.Unlock()
		}()

		result, runErr := r.dispatcher.Execute(scope.Context(), scope, unitName, nil, content)
		if runErr != nil {
			errs <- runErr
			return
		}

		// Persist the completed exchange so follow-up runs in the same
		// session see it.
		if len(content.Parts) > 0 {
			if err := r.history.Append(sessionID, runID, content); err != nil {
				r.logger.Warn("run.history.append.error", "run_id", runID, "error", err.Error())
			}
		}
		if result != nil && len(result.Content.Parts) > 0 {
			if err := r.history.Append(sessionID, runID, result.Content); err != nil {
				r.logger.Warn("run.history.append.error", "run_id", runID, "error", err.Error())
			}
		}
	}()

	return runID, events, errs, nil
}

// RunSync starts a run and blocks until completion, returning all events in
// emission order.
func (r *Runtime) RunSync(ctx context.Context, sessionID, unitName string, content core.Content) (string, []core.Event, error) {
	runID, eventsCh, errsCh, err := r.Run(ctx, sessionID, unitName, content)
	if err != nil {
		return "", nil, err
	}

	var events []core.Event
	for {
		select {
		case <-ctx.Done():
			return runID, events, ctx.Err()

		case ev, ok := <-eventsCh:
			if !ok {
				select {
				case err := <-errsCh:
					return runID, events, err
				default:
					return runID, events, nil
				}
			}
			events = append(events, ev)

		case err := <-errsCh:
			if err != nil {
				// Drain remaining buffered events before returning.
				for ev := range eventsCh {
					events = append(events, ev)
				}
				return runID, events, err
			}
		}
	}
}

// Cancel aborts a running run: pending approval waits observe the cancelled
// context and every exclusively-owned resource of the run's frame tree is
// torn down by the run goroutine.
func (r *Runtime) Cancel(runID string) error {
	r.mu.Lock()
	scope, ok := r.activeRuns[runID]
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("run %s not found", runID)
	}

	scope.Cancel()
	return nil
}

// History returns the conversation history for a session.
func (r *Runtime) History(sessionID string) (*core.History, error) {
	return r.history.Get(sessionID)
}

// Close cancels active runs and destroys shared resource singletons. The
// runtime rejects new runs afterwards.
func (r *Runtime) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	scopes := make([]*core.CallScope, 0, len(r.activeRuns))
	for _, s := range r.activeRuns {
		scopes = append(scopes, s)
	}
	r.mu.Unlock()

	for _, s := range scopes {
		s.Cancel()
	}

	return r.resources.Close()
}

// newApprover builds a per-run controller: a fresh session memory every run,
// so approvals never leak across scopes.
func (r *Runtime) newApprover() approval.Approver {
	switch r.opts.ApprovalMode {
	case approval.ModeApproveAll:
		return approval.NewApproveAll()
	case approval.ModeInteractive:
		return approval.NewInteractive(r.opts.ApprovalCallback, func(o *approval.ControllerOptions) {
			o.Logger = r.logger
		})
	default:
		return approval.NewStrictDeny()
	}
}
