package model

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hupe1980/callmesh/core"
)

// ToolDefinition declaratively exposes one operation to the model. Unified
// across vendors so handler logic needs no per-provider branching.
type ToolDefinition struct {
	Type     string             `json:"type"` // "function"
	Function FunctionDefinition `json:"function"`
}

// FunctionDefinition describes an individual operation offered to the model.
// Parameters is a minimal JSON Schema object.
type FunctionDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Request is the normalized model input produced by handlers.
type Request struct {
	Instructions string           `json:"instructions"`
	Contents     []core.Content   `json:"contents"`
	Tools        []ToolDefinition `json:"tools,omitempty"`
	Stream       bool             `json:"stream,omitempty"`
}

// TokenUsage captures token statistics for a response.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response is a (partial or final) chunk emitted by a model.
type Response struct {
	ID           string       `json:"id"`
	Partial      bool         `json:"partial"`
	Content      core.Content `json:"content"`
	FinishReason string       `json:"finish_reason"` // "stop", "length", "tool_calls", etc.
	Usage        *TokenUsage  `json:"usage,omitempty"`
}

// Info contains metadata about a model implementation.
type Info struct {
	Name          string `json:"name"`
	Provider      string `json:"provider"`
	SupportsTools bool   `json:"supports_tools"`
}

// Model is the minimal interface model-backed handlers need to drive
// generation. Generate returns a response channel and an error channel; both
// close when generation finishes.
type Model interface {
	Generate(ctx context.Context, req Request) (<-chan Response, <-chan error)

	// Info returns information about the model implementation.
	Info() Info
}

type mockTurn struct {
	text  string
	calls []core.FunctionCall
}

// MockModel is a deterministic in-memory Model for tests and examples. Canned
// completions are keyed by the last user/tool text in the request; scripted
// turns (Script) play in order regardless of input, which makes multi-step
// tool loops reproducible.
type MockModel struct {
	info      Info
	responses map[string]string
	script    []mockTurn
	cursor    int
}

// NewMockModel constructs a MockModel with tool support enabled.
func NewMockModel(name, provider string) *MockModel {
	return &MockModel{
		info: Info{
			Name:          name,
			Provider:      provider,
			SupportsTools: true,
		},
		responses: make(map[string]string),
	}
}

// AddResponse registers a canned text completion for an input prompt.
func (m *MockModel) AddResponse(prompt, response string) { m.responses[prompt] = response }

// ScriptToolCalls appends a scripted turn that requests the given function
// calls.
func (m *MockModel) ScriptToolCalls(calls ...core.FunctionCall) {
	m.script = append(m.script, mockTurn{calls: calls})
}

// ScriptText appends a scripted turn that answers with plain text.
func (m *MockModel) ScriptText(text string) {
	m.script = append(m.script, mockTurn{text: text})
}

// Generate implements Model. Scripted turns take precedence over keyed
// completions; streaming emits per-rune partial chunks before the final
// response.
func (m *MockModel) Generate(ctx context.Context, req Request) (<-chan Response, <-chan error) {
	respCh := make(chan Response, 16)
	errCh := make(chan error, 1)

	go func() {
		defer close(respCh)
		defer close(errCh)

		if m.cursor < len(m.script) {
			turn := m.script[m.cursor]
			m.cursor++

			if len(turn.calls) > 0 {
				parts := make([]core.Part, 0, len(turn.calls))
				for _, fc := range turn.calls {
					parts = append(parts, core.FunctionCallPart{FunctionCall: fc})
				}
				respCh <- Response{
					Content:      core.Content{Role: "assistant", Parts: parts},
					FinishReason: "tool_calls",
				}
				return
			}

			respCh <- Response{
				Content:      core.NewTextContent("assistant", turn.text),
				FinishReason: "stop",
			}
			return
		}

		if len(req.Contents) == 0 {
			errCh <- fmt.Errorf("no contents provided")
			return
		}

		inputText := req.Contents[len(req.Contents)-1].Text()
		full := m.responses[inputText]
		if full == "" {
			full = fmt.Sprintf("Mock response to: %s", inputText)
		}

		if req.Stream {
			for _, r := range full {
				select {
				case <-ctx.Done():
					errCh <- ctx.Err()
					return
				case respCh <- Response{
					Partial: true,
					Content: core.NewTextContent("assistant", string(r)),
				}:
				}
			}
		}

		respCh <- Response{
			Content:      core.NewTextContent("assistant", full),
			FinishReason: "stop",
		}
	}()

	return respCh, errCh
}

// Info implements the Model interface.
func (m *MockModel) Info() Info { return m.info }

// ParseArguments decodes a function call's raw JSON arguments. An empty
// string yields an empty map.
func ParseArguments(fc core.FunctionCall) (map[string]any, error) {
	if fc.Arguments == "" {
		return map[string]any{}, nil
	}

	var args map[string]any
	if err := json.Unmarshal([]byte(fc.Arguments), &args); err != nil {
		return nil, fmt.Errorf("parse arguments for %s: %w", fc.Name, err)
	}

	return args, nil
}
