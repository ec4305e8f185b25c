package handler

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/callmesh/core"
	"github.com/hupe1980/callmesh/model"
)

type fakeRunner struct {
	responses map[string]any
	err       error
	calls     [][]core.FunctionCall
}

func (r *fakeRunner) RunTools(ctx context.Context, frame *core.CallFrame, calls []core.FunctionCall) ([]core.FunctionResponse, error) {
	r.calls = append(r.calls, calls)
	if r.err != nil {
		return nil, r.err
	}

	out := make([]core.FunctionResponse, len(calls))
	for i, fc := range calls {
		out[i] = core.FunctionResponse{ID: fc.ID, Name: fc.Name, Response: r.responses[fc.Name]}
	}
	return out, nil
}

func newTestInvocation(t *testing.T, runner core.ToolRunner, content core.Content) *core.Invocation {
	t.Helper()

	scope := core.NewCallScope(context.Background(), "run-1", "session-1")
	t.Cleanup(func() { _ = scope.Close() })

	frame, err := scope.Open("unit-under-test")
	require.NoError(t, err)

	return core.NewInvocation(context.Background(), frame, map[string]any{}, content, nil, nil, runner)
}

func TestCodeHandler_Invoke(t *testing.T) {
	h := NewCodeHandler("doubler", "Doubles a number", func(inv *core.Invocation) (*core.Result, error) {
		n := inv.Args["n"].(float64)
		return &core.Result{Output: n * 2}, nil
	})

	assert.Equal(t, core.KindCode, h.Kind())

	inv := newTestInvocation(t, nil, core.Content{})
	inv.Args = map[string]any{"n": 21.0}

	result, err := h.Invoke(inv)
	require.NoError(t, err)
	assert.Equal(t, 42.0, result.Output)
}

func TestNestedHandler_PlainAnswer(t *testing.T) {
	llm := model.NewMockModel("mock", "test")
	llm.AddResponse("what is the answer", "42")

	h := NewNestedHandler("oracle", "Answers questions", llm)
	assert.Equal(t, core.KindNested, h.Kind())

	inv := newTestInvocation(t, nil, core.NewTextContent("user", "what is the answer"))

	result, err := h.Invoke(inv)
	require.NoError(t, err)
	assert.Equal(t, "42", result.Content.Text())
}

func TestNestedHandler_ToolLoop(t *testing.T) {
	llm := model.NewMockModel("mock", "test")
	llm.ScriptToolCalls(core.FunctionCall{ID: "fc-1", Name: "lookup", Arguments: `{"key":"answer"}`})
	llm.ScriptText("the stored answer is 42")

	runner := &fakeRunner{responses: map[string]any{"lookup": "42"}}

	h := NewNestedHandler("oracle", "Answers questions", llm)
	inv := newTestInvocation(t, runner, core.NewTextContent("user", "look it up"))

	result, err := h.Invoke(inv)
	require.NoError(t, err)
	assert.Equal(t, "the stored answer is 42", result.Content.Text())
	require.Len(t, runner.calls, 1)
	assert.Equal(t, "lookup", runner.calls[0][0].Name)
}

func TestNestedHandler_ToolDenialPropagates(t *testing.T) {
	llm := model.NewMockModel("mock", "test")
	llm.ScriptToolCalls(core.FunctionCall{ID: "fc-1", Name: "delete_file", Arguments: `{}`})

	denied := fmt.Errorf("operation denied")
	runner := &fakeRunner{err: denied}

	h := NewNestedHandler("janitor", "Cleans up", llm)
	inv := newTestInvocation(t, runner, core.NewTextContent("user", "clean up"))

	_, err := h.Invoke(inv)
	assert.ErrorIs(t, err, denied)
}

func TestNestedHandler_IterationBound(t *testing.T) {
	llm := model.NewMockModel("mock", "test")
	llm.ScriptToolCalls(core.FunctionCall{ID: "fc-1", Name: "loop", Arguments: `{}`})
	llm.ScriptToolCalls(core.FunctionCall{ID: "fc-2", Name: "loop", Arguments: `{}`})
	llm.ScriptToolCalls(core.FunctionCall{ID: "fc-3", Name: "loop", Arguments: `{}`})

	runner := &fakeRunner{responses: map[string]any{"loop": "again"}}

	h := NewNestedHandler("looper", "Loops forever", llm, WithMaxIterations(2))
	inv := newTestInvocation(t, runner, core.NewTextContent("user", "go"))

	_, err := h.Invoke(inv)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "iterations")
}

func TestNestedHandler_InstructionTemplating(t *testing.T) {
	var seen model.Request

	llm := &captureModel{inner: model.NewMockModel("mock", "test"), seen: &seen}

	h := NewNestedHandler("greeter", "Greets", llm,
		WithInstruction(NewInstruction("You greet {{.name}} politely.")),
	)

	inv := newTestInvocation(t, nil, core.NewTextContent("user", "hello"))
	inv.Args = map[string]any{"name": "Ada"}

	_, err := h.Invoke(inv)
	require.NoError(t, err)
	assert.Equal(t, "You greet Ada politely.", seen.Instructions)
}

func TestCompose_WrapsAndUnwraps(t *testing.T) {
	var order []string

	mw := func(tag string) Middleware {
		return func(next core.Handler) core.Handler {
			return &taggedHandler{Wrapped: Wrapped{Inner: next}, tag: tag, order: &order}
		}
	}

	base := NewCodeHandler("base", "base", func(inv *core.Invocation) (*core.Result, error) {
		order = append(order, "base")
		return &core.Result{}, nil
	})

	composed := Compose(base, mw("outer"), mw("inner"))

	_, err := composed.Invoke(newTestInvocation(t, nil, core.Content{}))
	require.NoError(t, err)
	assert.Equal(t, []string{"outer", "inner", "base"}, order)

	w, ok := composed.(core.Wrapper)
	require.True(t, ok)
	assert.Equal(t, "base", w.Unwrap().(core.Wrapper).Unwrap().Name())
}

type taggedHandler struct {
	Wrapped
	tag   string
	order *[]string
}

func (h *taggedHandler) Invoke(inv *core.Invocation) (*core.Result, error) {
	*h.order = append(*h.order, h.tag)
	return h.Wrapped.Invoke(inv)
}

type captureModel struct {
	inner *model.MockModel
	seen  *model.Request
}

func (m *captureModel) Generate(ctx context.Context, req model.Request) (<-chan model.Response, <-chan error) {
	*m.seen = req
	return m.inner.Generate(ctx, req)
}

func (m *captureModel) Info() model.Info { return m.inner.Info() }
