package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/hupe1980/callmesh/approval"
	"github.com/hupe1980/callmesh/core"
	"github.com/hupe1980/callmesh/tool"
)

// toolRunner executes tool batches for one unit under the gated-approval
// protocol. Batches run sequentially unless every member opts into
// concurrency; a denial halts launching further calls while letting in-flight
// siblings finish, then propagates as *approval.DeniedError.
type toolRunner struct {
	dispatcher *Dispatcher
	unit       string
	tools      map[string]tool.Tool
}

// RunTools implements core.ToolRunner. Exactly one FunctionResponse is
// produced per launched call; responses preserve request order.
func (r *toolRunner) RunTools(ctx context.Context, frame *core.CallFrame, calls []core.FunctionCall) ([]core.FunctionResponse, error) {
	if len(calls) == 0 {
		return nil, nil
	}

	if len(calls) > 1 && r.batchConcurrencySafe(calls) {
		return r.runParallel(ctx, frame, calls)
	}

	return r.runSequential(ctx, frame, calls)
}

// batchConcurrencySafe reports whether every call in the batch targets a tool
// that explicitly tolerates parallel execution. Unknown tools disqualify the
// batch; they fall through to the sequential path where the miss is reported.
func (r *toolRunner) batchConcurrencySafe(calls []core.FunctionCall) bool {
	for _, fc := range calls {
		t, ok := r.tools[fc.Name]
		if !ok {
			return false
		}
		cs, ok := t.(tool.ConcurrencySafe)
		if !ok || !cs.ConcurrencySafe() {
			return false
		}
	}
	return true
}

func (r *toolRunner) runSequential(ctx context.Context, frame *core.CallFrame, calls []core.FunctionCall) ([]core.FunctionResponse, error) {
	responses := make([]core.FunctionResponse, 0, len(calls))

	for _, fc := range calls {
		if err := ctx.Err(); err != nil {
			return responses, err
		}

		resp, err := r.runOne(ctx, frame, fc)
		responses = append(responses, resp)
		if err != nil {
			// A denial (or cancellation) halts the remainder of the batch.
			return responses, err
		}
	}

	return responses, nil
}

func (r *toolRunner) runParallel(ctx context.Context, frame *core.CallFrame, calls []core.FunctionCall) ([]core.FunctionResponse, error) {
	n := len(calls)

	maxPar := r.dispatcher.maxParallel
	if maxPar <= 0 || maxPar > n {
		maxPar = n
	}

	responses := make([]core.FunctionResponse, n)
	errs := make([]error, n)

	var wg sync.WaitGroup
	sem := make(chan struct{}, maxPar)

	batchStart := time.Now()
	for i := range calls {
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(idx int, fc core.FunctionCall) {
			defer wg.Done()
			defer func() { <-sem }()

			if ctx.Err() != nil {
				errs[idx] = ctx.Err()
				return
			}

			responses[idx], errs[idx] = r.runOne(ctx, frame, fc)
		}(i, calls[i])
	}
	wg.Wait()

	r.dispatcher.logger.Debug("dispatch.tools.batch.complete",
		"unit", r.unit,
		"count", n,
		"parallelism", maxPar,
		"duration_ms", time.Since(batchStart).Milliseconds(),
	)

	// Prefer a denial over other errors so the caller sees the halt reason.
	var firstErr error
	for _, err := range errs {
		if err == nil {
			continue
		}
		var denied *approval.DeniedError
		if errors.As(err, &denied) {
			return responses, err
		}
		if firstErr == nil {
			firstErr = err
		}
	}

	return responses, firstErr
}

// runOne drives a single call through approval gating and execution. Tool
// lookup and execution failures are reported in the response so the unit can
// react; only denials and cancellation return a non-nil error and halt the
// calling frame.
func (r *toolRunner) runOne(ctx context.Context, frame *core.CallFrame, fc core.FunctionCall) (core.FunctionResponse, error) {
	scope := frame.Scope()
	resp := core.FunctionResponse{ID: fc.ID, Name: fc.Name}

	impl, ok := r.tools[fc.Name]
	if !ok {
		err := tool.NewToolError(fc.Name, "operation not declared by this unit", "NOT_FOUND")
		_ = scope.Emit(core.NewToolResultEvent(frame, fc.ID, fc.Name, nil, err))
		resp.Error = err.Error()
		return resp, nil
	}

	args, argErr := parseArguments(fc)
	if argErr != nil {
		err := tool.NewToolError(fc.Name, argErr.Error(), "VALIDATION_ERROR")
		_ = scope.Emit(core.NewToolResultEvent(frame, fc.ID, fc.Name, nil, err))
		resp.Error = err.Error()
		return resp, nil
	}

	if req := impl.Approval(); req.Gated {
		decision, err := r.requestApproval(ctx, frame, impl, req, args)
		if err != nil {
			return resp, err
		}
		if !decision.Approved {
			deniedErr := &approval.DeniedError{Tool: fc.Name, Source: decision.Source, Note: decision.Note}
			_ = scope.Emit(core.NewToolResultEvent(frame, fc.ID, fc.Name, nil, deniedErr))
			resp.Error = deniedErr.Error()
			return resp, deniedErr
		}
	}

	if err := scope.Emit(core.NewToolCallEvent(frame, fc.ID, fc.Name, fc.Arguments)); err != nil {
		return resp, err
	}

	start := time.Now()
	result, execErr := r.executeSafely(ctx, frame, impl, fc, args)

	r.dispatcher.logger.Info("dispatch.tool.executed",
		"unit", r.unit,
		"tool", fc.Name,
		"duration_ms", time.Since(start).Milliseconds(),
		"error", execErr != nil,
	)

	_ = scope.Emit(core.NewToolResultEvent(frame, fc.ID, fc.Name, result, execErr))

	resp.Response = result
	if execErr != nil {
		resp.Error = execErr.Error()
	}

	return resp, nil
}

// requestApproval runs the gated protocol for one operation: emit the
// request, block on the controller (interactive mode may wait indefinitely on
// a human), emit the decision.
func (r *toolRunner) requestApproval(ctx context.Context, frame *core.CallFrame, impl tool.Tool, req tool.Requirement, args map[string]any) (approval.Decision, error) {
	scope := frame.Scope()

	if err := scope.Emit(core.NewApprovalRequestEvent(frame, impl.Name(), req.Required)); err != nil {
		return approval.Decision{}, err
	}

	r.dispatcher.logger.Debug("dispatch.call.state",
		"unit", r.unit, "tool", impl.Name(), "state", string(StateAwaitingApproval))

	description := req.Description
	if description == "" {
		description = impl.Description()
	}

	decision, err := scope.Approver().RequestApproval(ctx, approval.Request{
		Tool:        impl.Name(),
		Description: description,
		Payload:     args,
		Required:    req.Required,
		GroupID:     req.Group,
	})
	if err != nil {
		return approval.Decision{}, err
	}

	_ = scope.Emit(core.NewApprovalDecisionEvent(frame, impl.Name(), decision.Approved, string(decision.Source)))

	r.dispatcher.logger.Info("dispatch.approval.resolved",
		"unit", r.unit,
		"tool", impl.Name(),
		"approved", decision.Approved,
		"source", string(decision.Source),
		"cached", decision.Source == approval.SourceSession,
	)

	return decision, nil
}

// executeSafely runs the tool with panic recovery so a misbehaving operation
// becomes an error result instead of tearing down the run.
func (r *toolRunner) executeSafely(ctx context.Context, frame *core.CallFrame, impl tool.Tool, fc core.FunctionCall, args map[string]any) (result any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.dispatcher.logger.Error("dispatch.tool.panic",
				"unit", r.unit, "tool", fc.Name, "recover", fmt.Sprintf("%v", rec))
			err = &panicErr{val: rec, stack: debug.Stack()}
		}
	}()

	tc := tool.NewContext(ctx, frame, fc.ID, r.dispatcher.logger)

	return impl.Call(tc, args)
}

func parseArguments(fc core.FunctionCall) (map[string]any, error) {
	if fc.Arguments == "" {
		return map[string]any{}, nil
	}

	var args map[string]any
	if err := json.Unmarshal([]byte(fc.Arguments), &args); err != nil {
		return nil, fmt.Errorf("unmarshal arguments: %w", err)
	}

	return args, nil
}

type panicErr struct {
	val   any
	stack []byte
}

func (p *panicErr) Error() string { return fmt.Sprintf("panic recovered: %v", p.val) }
