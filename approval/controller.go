package approval

import (
	"context"
	"fmt"

	"github.com/hupe1980/callmesh/logging"
)

// Callback is the injected function answering interactive requests. It may
// block indefinitely on a human response; implementations must honor ctx.
type Callback func(ctx context.Context, req Request) (Decision, error)

// Approver decides whether a gated operation proceeds.
type Approver interface {
	RequestApproval(ctx context.Context, req Request) (Decision, error)
}

// ControllerOptions configures a Controller.
type ControllerOptions struct {
	// Callback answers prompts in interactive mode. Ignored by the other modes.
	Callback Callback
	// Memory holds session-scoped decisions. A fresh memory is created when nil.
	Memory *SessionMemory
	// Logger defaults to NoOpLogger.
	Logger logging.Logger
}

// Controller implements the three built-in approval policies. The mode is
// fixed at construction; handlers producing requests never see it.
type Controller struct {
	mode     Mode
	callback Callback
	memory   *SessionMemory
	logger   logging.Logger
}

// NewController constructs a controller for the given mode.
func NewController(mode Mode, optFns ...func(o *ControllerOptions)) *Controller {
	opts := ControllerOptions{
		Memory: NewSessionMemory(),
		Logger: logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	return &Controller{
		mode:     mode,
		callback: opts.Callback,
		memory:   opts.Memory,
		logger:   opts.Logger,
	}
}

// Mode returns the active policy mode.
func (c *Controller) Mode() Mode { return c.mode }

// Memory returns the session memory backing this controller.
func (c *Controller) Memory() *SessionMemory { return c.memory }

// RequestApproval resolves a request per the mode table:
//
//	interactive: prompt unless an equivalent session decision exists
//	approve-all: auto-approve everything
//	strict:      auto-deny required requests, auto-approve optional ones
func (c *Controller) RequestApproval(ctx context.Context, req Request) (Decision, error) {
	switch c.mode {
	case ModeApproveAll:
		d := Decision{Approved: true, Scope: ScopeNone, Source: SourcePolicy}
		c.logger.Debug("approval.auto", "tool", req.Tool, "mode", string(c.mode), "approved", true)
		return d, nil

	case ModeStrict:
		if req.Required {
			d := Decision{Approved: false, Scope: ScopeNone, Source: SourcePolicy, Note: "strict mode denies side-effecting operations"}
			c.logger.Info("approval.auto", "tool", req.Tool, "mode", string(c.mode), "approved", false)
			return d, nil
		}
		return Decision{Approved: true, Scope: ScopeNone, Source: SourcePolicy}, nil

	case ModeInteractive:
		return c.prompt(ctx, req)

	default:
		return Decision{}, fmt.Errorf("unknown approval mode %q", c.mode)
	}
}

func (c *Controller) prompt(ctx context.Context, req Request) (Decision, error) {
	if c.callback == nil {
		return Decision{}, fmt.Errorf("interactive approval requires a callback")
	}

	fp := Fingerprint(req)

	d, leader, err := c.memory.acquire(ctx, fp)
	if err != nil {
		return Decision{}, err
	}
	if !leader {
		c.logger.Debug("approval.session_hit", "tool", req.Tool, "fingerprint", fp, "approved", d.Approved)
		return d, nil
	}

	d, err = c.callback(ctx, req)
	c.memory.release(fp, d, err == nil)
	if err != nil {
		return Decision{}, fmt.Errorf("approval callback failed: %w", err)
	}

	if d.Source == "" {
		d.Source = SourceUser
	}

	c.logger.Info("approval.decision", "tool", req.Tool, "approved", d.Approved, "scope", string(d.Scope))

	return d, nil
}

// NewApproveAll returns a controller that approves every request.
func NewApproveAll() *Controller { return NewController(ModeApproveAll) }

// NewStrictDeny returns a controller that denies every required request.
func NewStrictDeny() *Controller { return NewController(ModeStrict) }

// NewInteractive returns a controller driven by the given callback.
func NewInteractive(cb Callback, optFns ...func(o *ControllerOptions)) *Controller {
	fns := append([]func(o *ControllerOptions){func(o *ControllerOptions) { o.Callback = cb }}, optFns...)
	return NewController(ModeInteractive, fns...)
}
