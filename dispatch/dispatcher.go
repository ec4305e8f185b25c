// Package dispatch implements the orchestration loop: given a name and
// arguments it resolves the callable, enforces recursion depth, resolves
// resources, gates side-effecting operations through the approval controller
// and emits the ordered event stream for the run.
package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/hupe1980/callmesh/approval"
	"github.com/hupe1980/callmesh/core"
	"github.com/hupe1980/callmesh/logging"
	"github.com/hupe1980/callmesh/registry"
	"github.com/hupe1980/callmesh/resource"
	"github.com/hupe1980/callmesh/tool"
)

// Options configures a Dispatcher.
type Options struct {
	// Resources resolves declarations into frame-bound instances. Defaults
	// to a fresh manager with no shared singletons.
	Resources *resource.Manager
	// MaxParallel bounds concurrent tool executions within one batch.
	// 0 means batch size.
	MaxParallel int
	// Logger defaults to NoOpLogger.
	Logger logging.Logger
}

// Dispatcher resolves unit names and drives calls through the state machine
// Created, optionally AwaitingApproval, Executing, then one of Completed,
// Failed or Denied. It implements core.Caller so handlers can spawn nested
// calls without knowing the orchestration.
type Dispatcher struct {
	registry    *registry.Registry
	resources   *resource.Manager
	maxParallel int
	logger      logging.Logger
}

// New creates a dispatcher over a registry.
func New(reg *registry.Registry, optFns ...func(o *Options)) *Dispatcher {
	opts := Options{
		Logger: logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.Resources == nil {
		opts.Resources = resource.NewManager()
	}

	return &Dispatcher{
		registry:    reg,
		resources:   opts.Resources,
		maxParallel: opts.MaxParallel,
		logger:      opts.Logger,
	}
}

// Resources returns the dispatcher's resource manager, so the owning runtime
// can close shared singletons at shutdown.
func (d *Dispatcher) Resources() *resource.Manager { return d.resources }

// Execute runs the named unit as the root call of the given scope. The scope
// must be fresh; its root frame stays open until the scope closes so per-run
// resources survive the whole run.
func (d *Dispatcher) Execute(ctx context.Context, scope *core.CallScope, name string, args map[string]any, content core.Content) (*core.Result, error) {
	spec, err := d.registry.Lookup(name)
	if err != nil {
		return nil, err
	}

	frame, err := scope.Open(name)
	if err != nil {
		return nil, err
	}

	return d.run(ctx, frame, spec, args, content)
}

// Call implements core.Caller: it dispatches a named unit as a child of the
// caller frame, enforcing the scope's recursion bound. The child frame closes
// when the call exits, on every path.
func (d *Dispatcher) Call(ctx context.Context, name string, args map[string]any, content core.Content, caller *core.CallFrame) (*core.Result, error) {
	spec, err := d.registry.Lookup(name)
	if err != nil {
		_ = caller.Scope().Emit(core.NewErrorEvent(caller, errorCode(err), err))
		return nil, err
	}

	child, err := caller.SpawnChild(name)
	if err != nil {
		_ = caller.Scope().Emit(core.NewErrorEvent(caller, errorCode(err), err))
		return nil, err
	}

	result, runErr := d.run(ctx, child, spec, args, content)

	// Teardown errors are reported but never mask the call's own result.
	if closeErr := child.Close(); closeErr != nil {
		d.logger.Warn("dispatch.frame.teardown.error", "unit", name, "frame", child.ID, "error", closeErr.Error())
	}

	return result, runErr
}

func (d *Dispatcher) run(ctx context.Context, frame *core.CallFrame, spec registry.Spec, args map[string]any, content core.Content) (*core.Result, error) {
	scope := frame.Scope()
	start := time.Now()
	state := StateCreated

	if err := scope.Emit(core.NewCallStartEvent(frame)); err != nil {
		return nil, err
	}

	// Fail fast: a call whose resources cannot be constructed never reaches
	// an approval prompt or the handler.
	if err := d.resources.Resolve(ctx, spec.Name, spec.Resources, frame); err != nil {
		return nil, d.finish(frame, state, StateFailed, start, nil, err)
	}

	runner := &toolRunner{
		dispatcher: d,
		unit:       spec.Name,
		tools:      indexTools(spec.Tools),
	}

	inv := core.NewInvocation(ctx, frame, args, content, toolInfos(spec.Tools), d, runner)

	state = StateExecuting
	result, err := spec.Handler.Invoke(inv)
	if err != nil {
		terminal := StateFailed
		var denied *approval.DeniedError
		if errors.As(err, &denied) {
			terminal = StateDenied
		}
		return nil, d.finish(frame, state, terminal, start, nil, err)
	}

	return result, d.finish(frame, state, StateCompleted, start, result, nil)
}

// finish emits the terminal event for a call and logs the transition. It
// returns err unchanged so callers can propagate it directly.
func (d *Dispatcher) finish(frame *core.CallFrame, from, to State, start time.Time, result *core.Result, err error) error {
	scope := frame.Scope()

	if err != nil {
		_ = scope.Emit(core.NewErrorEvent(frame, errorCode(err), err))
	} else {
		var content core.Content
		if result != nil {
			content = result.Content
		}
		_ = scope.Emit(core.NewCompletionEvent(frame, content))
	}

	d.logger.Debug("dispatch.call.finished",
		"unit", frame.Name,
		"depth", frame.Depth,
		"from", string(from),
		"state", string(to),
		"duration_ms", time.Since(start).Milliseconds(),
		"error", err != nil,
	)

	return err
}

// errorCode maps the failure taxonomy onto event error codes.
func errorCode(err error) string {
	var (
		recursion    *core.RecursionLimitError
		deniedErr    *approval.DeniedError
		construction *resource.ConstructionError
		unknown      *core.UnknownNameError
		toolErr      *tool.ToolError
		cycle        *registry.CycleDetectedError
	)

	switch {
	case errors.As(err, &recursion):
		return "RECURSION_LIMIT"
	case errors.As(err, &deniedErr):
		return "APPROVAL_DENIED"
	case errors.As(err, &construction):
		return "RESOURCE_CONSTRUCTION"
	case errors.As(err, &unknown):
		return "UNKNOWN_NAME"
	case errors.As(err, &toolErr):
		return "TOOL_EXECUTION"
	case errors.As(err, &cycle):
		return "CYCLE_DETECTED"
	default:
		return "INTERNAL"
	}
}

func indexTools(tools []tool.Tool) map[string]tool.Tool {
	index := make(map[string]tool.Tool, len(tools))
	for _, t := range tools {
		index[t.Name()] = t
	}
	return index
}

func toolInfos(tools []tool.Tool) []core.ToolInfo {
	infos := make([]core.ToolInfo, len(tools))
	for i, t := range tools {
		infos[i] = core.ToolInfo{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.Parameters(),
		}
	}
	return infos
}
