package callmesh

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/callmesh/approval"
	"github.com/hupe1980/callmesh/core"
	"github.com/hupe1980/callmesh/handler"
	"github.com/hupe1980/callmesh/model"
	"github.com/hupe1980/callmesh/registry"
	"github.com/hupe1980/callmesh/resource"
	"github.com/hupe1980/callmesh/tool"
)

type countingToolset struct {
	name   string
	closes atomic.Int32
}

func (c *countingToolset) Name() string { return c.name }

func (c *countingToolset) Close() error {
	c.closes.Add(1)
	return nil
}

func echoUnit(name string) registry.Spec {
	return registry.Spec{
		Name:        name,
		Description: "echoes its input",
		Handler: handler.NewCodeHandler(name, "echoes its input", func(inv *core.Invocation) (*core.Result, error) {
			return &core.Result{Content: core.NewTextContent("assistant", "echo: "+inv.Content.Text())}, nil
		}),
	}
}

func TestRuntime_RunSyncCompletes(t *testing.T) {
	rt := New()
	t.Cleanup(func() { _ = rt.Close() })

	require.NoError(t, rt.Register(echoUnit("echo")))

	runID, events, err := rt.RunSync(context.Background(), "session-1", "echo", core.NewTextContent("user", "hello"))
	require.NoError(t, err)
	assert.NotEmpty(t, runID)

	require.NotEmpty(t, events)
	assert.Equal(t, core.EventCallStart, events[0].Type)

	last := events[len(events)-1]
	assert.Equal(t, core.EventCompletion, last.Type)
	assert.Equal(t, "echo: hello", last.Content.Text())
}

func TestRuntime_PersistsHistoryAcrossRuns(t *testing.T) {
	rt := New()
	t.Cleanup(func() { _ = rt.Close() })

	var seen int
	require.NoError(t, rt.Register(registry.Spec{
		Name:        "counter",
		Description: "reports visible history length",
		Handler: handler.NewCodeHandler("counter", "reports visible history length", func(inv *core.Invocation) (*core.Result, error) {
			seen = len(inv.History())
			return &core.Result{Content: core.NewTextContent("assistant", "ok")}, nil
		}),
	}))

	_, _, err := rt.RunSync(context.Background(), "session-1", "counter", core.NewTextContent("user", "first"))
	require.NoError(t, err)
	assert.Equal(t, 0, seen)

	// The second run in the same session sees the persisted exchange.
	_, _, err = rt.RunSync(context.Background(), "session-1", "counter", core.NewTextContent("user", "second"))
	require.NoError(t, err)
	assert.Equal(t, 2, seen)

	// A different session starts clean.
	_, _, err = rt.RunSync(context.Background(), "session-2", "counter", core.NewTextContent("user", "third"))
	require.NoError(t, err)
	assert.Equal(t, 0, seen)
}

func TestRuntime_NestedCallBetweenUnits(t *testing.T) {
	rt := New()
	t.Cleanup(func() { _ = rt.Close() })

	require.NoError(t, rt.Register(echoUnit("inner")))
	require.NoError(t, rt.Register(registry.Spec{
		Name:        "outer",
		Description: "delegates to inner",
		Handler: handler.NewCodeHandler("outer", "delegates to inner", func(inv *core.Invocation) (*core.Result, error) {
			return inv.Call("inner", nil, inv.Content)
		}),
	}))

	_, events, err := rt.RunSync(context.Background(), "session-1", "outer", core.NewTextContent("user", "ping"))
	require.NoError(t, err)

	// Both frames emit call_start and completion, ordered outer-first.
	var starts []string
	for _, ev := range events {
		if ev.Type == core.EventCallStart {
			starts = append(starts, ev.Unit)
		}
	}
	assert.Equal(t, []string{"outer", "inner"}, starts)

	last := events[len(events)-1]
	assert.Equal(t, core.EventCompletion, last.Type)
	assert.Equal(t, "echo: ping", last.Content.Text())
}

func TestRuntime_UnknownUnit(t *testing.T) {
	rt := New()
	t.Cleanup(func() { _ = rt.Close() })

	_, _, err := rt.RunSync(context.Background(), "session-1", "missing", core.NewTextContent("user", "hi"))

	var unknownErr *core.UnknownNameError
	require.ErrorAs(t, err, &unknownErr)
	assert.Equal(t, "missing", unknownErr.Name)
}

func TestRuntime_ModelBackedUnitWithGatedTool(t *testing.T) {
	llm := model.NewMockModel("mock", "test")
	llm.ScriptToolCalls(core.FunctionCall{ID: "fc-1", Name: "write_row", Arguments: `{"table":"t"}`})
	llm.ScriptText("row written")

	writes := 0
	writeRow := tool.NewFunctionTool("write_row", "writes a row",
		map[string]any{"type": "object", "properties": map[string]any{"table": map[string]any{"type": "string"}}},
		func(tc *tool.Context, args map[string]any) (any, error) {
			writes++
			return "ok", nil
		},
		tool.WithApproval(true, "writes to the database"),
	)

	rt := New(func(o *Options) {
		o.ApprovalMode = approval.ModeApproveAll
	})
	t.Cleanup(func() { _ = rt.Close() })

	require.NoError(t, rt.Register(registry.Spec{
		Name:        "writer",
		Description: "writes rows on request",
		Handler:     handler.NewNestedHandler("writer", "writes rows on request", llm),
		Tools:       []tool.Tool{writeRow},
	}))

	_, events, err := rt.RunSync(context.Background(), "session-1", "writer", core.NewTextContent("user", "write it"))
	require.NoError(t, err)
	assert.Equal(t, 1, writes)

	var types []core.EventType
	for _, ev := range events {
		types = append(types, ev.Type)
	}
	assert.Contains(t, types, core.EventApprovalRequest)
	assert.Contains(t, types, core.EventApprovalDecision)
	assert.Contains(t, types, core.EventToolCall)
	assert.Contains(t, types, core.EventToolResult)

	last := events[len(events)-1]
	assert.Equal(t, core.EventCompletion, last.Type)
	assert.Equal(t, "row written", last.Content.Text())
}

func TestRuntime_StrictModeDeniesGatedTool(t *testing.T) {
	llm := model.NewMockModel("mock", "test")
	llm.ScriptToolCalls(core.FunctionCall{ID: "fc-1", Name: "write_row", Arguments: `{}`})

	executed := false
	writeRow := tool.NewFunctionTool("write_row", "writes a row",
		map[string]any{"type": "object"},
		func(tc *tool.Context, args map[string]any) (any, error) {
			executed = true
			return nil, nil
		},
		tool.WithApproval(true, "writes to the database"),
	)

	rt := New() // strict by default
	t.Cleanup(func() { _ = rt.Close() })

	require.NoError(t, rt.Register(registry.Spec{
		Name:        "writer",
		Description: "writes rows on request",
		Handler:     handler.NewNestedHandler("writer", "writes rows on request", llm),
		Tools:       []tool.Tool{writeRow},
	}))

	_, _, err := rt.RunSync(context.Background(), "session-1", "writer", core.NewTextContent("user", "write it"))

	var denied *approval.DeniedError
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, "write_row", denied.Tool)
	assert.False(t, executed)
}

func TestRuntime_InteractiveApprovalMemoryPerRun(t *testing.T) {
	prompts := 0

	rt := New(func(o *Options) {
		o.ApprovalMode = approval.ModeInteractive
		o.ApprovalCallback = func(ctx context.Context, req approval.Request) (approval.Decision, error) {
			prompts++
			return approval.Approve(approval.ScopeSession), nil
		}
	})
	t.Cleanup(func() { _ = rt.Close() })

	llmFactory := func() *model.MockModel {
		llm := model.NewMockModel("mock", "test")
		llm.ScriptToolCalls(core.FunctionCall{ID: "fc-1", Name: "op", Arguments: `{}`})
		llm.ScriptText("done")
		return llm
	}

	op := tool.NewFunctionTool("op", "gated op",
		map[string]any{"type": "object"},
		func(tc *tool.Context, args map[string]any) (any, error) { return "ok", nil },
		tool.WithApproval(true, "gated"),
	)

	require.NoError(t, rt.Register(registry.Spec{
		Name:        "worker",
		Description: "runs a gated op",
		Handler:     handler.NewNestedHandler("worker", "runs a gated op", llmFactory()),
		Tools:       []tool.Tool{op},
	}))

	_, _, err := rt.RunSync(context.Background(), "session-1", "worker", core.NewTextContent("user", "go"))
	require.NoError(t, err)

	// Session decisions do not carry over to the next run: each run gets a
	// fresh approval memory.
	require.NoError(t, rt.Register(registry.Spec{
		Name:        "worker2",
		Description: "runs a gated op",
		Handler:     handler.NewNestedHandler("worker2", "runs a gated op", llmFactory()),
		Tools:       []tool.Tool{op},
	}))

	_, _, err = rt.RunSync(context.Background(), "session-1", "worker2", core.NewTextContent("user", "go"))
	require.NoError(t, err)
	assert.Equal(t, 2, prompts)
}

func TestRuntime_CancelAbortsRun(t *testing.T) {
	started := make(chan struct{})

	rt := New()
	t.Cleanup(func() { _ = rt.Close() })

	require.NoError(t, rt.Register(registry.Spec{
		Name:        "slow",
		Description: "blocks until cancelled",
		Handler: handler.NewCodeHandler("slow", "blocks until cancelled", func(inv *core.Invocation) (*core.Result, error) {
			close(started)
			<-inv.Done()
			return nil, inv.Err()
		}),
	}))

	runID, events, errs, err := rt.Run(context.Background(), "session-1", "slow", core.NewTextContent("user", "go"))
	require.NoError(t, err)

	<-started
	require.NoError(t, rt.Cancel(runID))

	select {
	case runErr := <-errs:
		assert.ErrorIs(t, runErr, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("run did not abort after cancel")
	}

	for range events {
	}

	assert.Error(t, rt.Cancel(runID))
}

func TestRuntime_CancelTearsDownChildResourceOnce(t *testing.T) {
	rt := New()
	t.Cleanup(func() { _ = rt.Close() })

	held := &countingToolset{name: "scratch"}
	started := make(chan struct{})

	require.NoError(t, rt.Register(registry.Spec{
		Name:        "holder",
		Description: "holds a private resource until cancelled",
		Handler: handler.NewCodeHandler("holder", "holds a private resource until cancelled", func(inv *core.Invocation) (*core.Result, error) {
			_, ok := inv.Frame.Resource("scratch")
			require.True(t, ok)
			close(started)
			<-inv.Done()
			return nil, inv.Err()
		}),
		Resources: []resource.Spec{{
			Name:      "scratch",
			Lifecycle: resource.LifecyclePerCall,
			Factory: func(ctx context.Context) (core.Toolset, error) {
				return held, nil
			},
		}},
	}))
	require.NoError(t, rt.Register(registry.Spec{
		Name:        "parent",
		Description: "delegates to holder",
		Handler: handler.NewCodeHandler("parent", "delegates to holder", func(inv *core.Invocation) (*core.Result, error) {
			return inv.Call("holder", nil, core.Content{})
		}),
	}))

	runID, events, errs, err := rt.Run(context.Background(), "session-1", "parent", core.NewTextContent("user", "go"))
	require.NoError(t, err)

	<-started
	require.NoError(t, rt.Cancel(runID))

	select {
	case runErr := <-errs:
		assert.ErrorIs(t, runErr, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("run did not abort after cancel")
	}

	// The events channel closes only after the scope's teardown finished, so
	// draining it orders the assertion after every frame released its
	// resources.
	for range events {
	}

	assert.Equal(t, int32(1), held.closes.Load())
}

func TestRuntime_CloseRejectsNewRuns(t *testing.T) {
	rt := New()
	require.NoError(t, rt.Register(echoUnit("echo")))
	require.NoError(t, rt.Close())

	_, _, _, err := rt.Run(context.Background(), "session-1", "echo", core.NewTextContent("user", "hi"))
	assert.Error(t, err)

	// Close is idempotent.
	require.NoError(t, rt.Close())
}

func TestRuntime_Units(t *testing.T) {
	rt := New()
	t.Cleanup(func() { _ = rt.Close() })

	require.NoError(t, rt.Register(echoUnit("b-unit")))
	require.NoError(t, rt.Register(echoUnit("a-unit")))

	assert.Equal(t, []string{"a-unit", "b-unit"}, rt.Units())
}
