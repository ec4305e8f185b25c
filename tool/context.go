package tool

import (
	"context"
	"fmt"

	"github.com/hupe1980/callmesh/core"
	"github.com/hupe1980/callmesh/logging"
)

// Context gives an executing operation access to its call frame: the
// cancellation context, the resolved resource instances bound to the frame
// and the function call id correlating the model request with the execution.
type Context struct {
	ctx            context.Context
	frame          *core.CallFrame
	functionCallID string
	logger         logging.Logger
}

// NewContext constructs an execution context. The dispatcher creates one per
// tool call.
func NewContext(ctx context.Context, frame *core.CallFrame, functionCallID string, logger logging.Logger) *Context {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	return &Context{
		ctx:            ctx,
		frame:          frame,
		functionCallID: functionCallID,
		logger:         logger,
	}
}

// Context returns the cancellation context of the surrounding call.
func (tc *Context) Context() context.Context { return tc.ctx }

// Frame returns the call frame the operation executes under.
func (tc *Context) Frame() *core.CallFrame { return tc.frame }

// FunctionCallID returns the identifier correlating request and execution.
func (tc *Context) FunctionCallID() string { return tc.functionCallID }

// Logger returns the run's logger.
func (tc *Context) Logger() logging.Logger { return tc.logger }

// Resource returns the resolved instance bound to the frame under name. The
// lifecycle policy behind the binding (shared, per-run, per-call, snapshot or
// inherited) is invisible here.
func (tc *Context) Resource(name string) (core.Toolset, error) {
	ts, ok := tc.frame.Resource(name)
	if !ok {
		return nil, fmt.Errorf("no resource %q bound to frame %q", name, tc.frame.Name)
	}
	return ts, nil
}
