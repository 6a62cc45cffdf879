package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"
)

// DefaultToolIterations bounds RunToolLoop when the caller passes no limit.
const DefaultToolIterations = 10

// ErrToolLoopLimit is returned when the model keeps requesting tools past the
// iteration limit.
var ErrToolLoopLimit = errors.New("llm: tool loop exceeded iteration limit")

// ToolHandler runs one call. The returned string goes back to the model
// verbatim.
type ToolHandler func(ctx context.Context, args json.RawMessage) (string, error)

// Tool is a function the model may call. Parameters is sent as its JSON schema.
type Tool struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	Parameters  *JSONSchema `json:"parameters"`
	Handler     ToolHandler `json:"-"`
}

// JSONSchema is the subset of JSON Schema used for tool parameters.
type JSONSchema struct {
	Type        string                 `json:"type"`
	Description string                 `json:"description,omitempty"`
	Properties  map[string]*JSONSchema `json:"properties,omitempty"`
	Required    []string               `json:"required,omitempty"`
	Items       *JSONSchema            `json:"items,omitempty"`
	Enum        []string               `json:"enum,omitempty"`
	Default     any                    `json:"default,omitempty"`
}

// ObjectSchema describes an object with the given properties.
func ObjectSchema(desc string, props map[string]*JSONSchema, required ...string) *JSONSchema {
	return &JSONSchema{Type: "object", Description: desc, Properties: props, Required: required}
}

// StringProp describes a string parameter.
func StringProp(desc string) *JSONSchema { return &JSONSchema{Type: "string", Description: desc} }

// IntProp describes an integer parameter.
func IntProp(desc string) *JSONSchema { return &JSONSchema{Type: "integer", Description: desc} }

// EnumProp is a string restricted to values.
func EnumProp(desc string, values ...string) *JSONSchema {
	return &JSONSchema{Type: "string", Description: desc, Enum: values}
}

// ArrayProp is a list whose elements match items.
func ArrayProp(desc string, items *JSONSchema) *JSONSchema {
	return &JSONSchema{Type: "array", Description: desc, Items: items}
}

// DecodeArgs unmarshals tool arguments into T. Missing arguments decode to
// the zero value since models often omit an empty object.
func DecodeArgs[T any](args json.RawMessage) (T, error) {
	var v T
	if len(args) == 0 || string(args) == "null" {
		return v, nil
	}
	if err := json.Unmarshal(args, &v); err != nil {
		return v, fmt.Errorf("invalid tool arguments: %w", err)
	}
	return v, nil
}

// ToolRegistry is a concurrency-safe set of tools keyed by name. A nil
// registry is empty.
type ToolRegistry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewToolRegistry returns a registry holding tools.
func NewToolRegistry(tools ...Tool) *ToolRegistry {
	r := &ToolRegistry{tools: make(map[string]Tool, len(tools))}
	r.Register(tools...)
	return r
}

// Register adds tools, replacing any with the same name.
func (r *ToolRegistry) Register(tools ...Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range tools {
		r.tools[t.Name] = t
	}
}

// Get looks a tool up by name.
func (r *ToolRegistry) Get(name string) (Tool, bool) {
	if r == nil {
		return Tool{}, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Len is the number of registered tools.
func (r *ToolRegistry) Len() int {
	if r == nil {
		return 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// List returns the tools sorted by name, or nil when there are none. The
// stable order keeps identical requests byte-identical for the cache.
func (r *ToolRegistry) List() []Tool {
	if r.Len() == 0 {
		return nil
	}
	r.mu.RLock()
	out := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Names lists tool names in the order of List.
func (r *ToolRegistry) Names() []string {
	tools := r.List()
	names := make([]string, len(tools))
	for i, t := range tools {
		names[i] = t.Name
	}
	return names
}

// Execute runs a single call.
func (r *ToolRegistry) Execute(ctx context.Context, call ToolCall) (string, error) {
	tool, ok := r.Get(call.Name)
	switch {
	case !ok:
		return "", fmt.Errorf("%w: %s", ErrToolNotFound, call.Name)
	case tool.Handler == nil:
		return "", fmt.Errorf("llm: tool %q has no handler", call.Name)
	}
	return tool.Handler(ctx, call.Arguments)
}

// ExecuteAll runs calls concurrently. Results keep the order of calls and a
// failing call does not cancel the others.
func (r *ToolRegistry) ExecuteAll(ctx context.Context, calls []ToolCall) []ToolResult {
	results := make([]ToolResult, len(calls))
	var g errgroup.Group
	for i, call := range calls {
		g.Go(func() error {
			out, err := r.Execute(ctx, call)
			results[i] = ToolResult{ToolCallID: call.ID, Name: call.Name, Content: out, Err: err}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// ToolResult is the outcome of one call.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Name       string `json:"name"`
	Content    string `json:"content"`
	Err        error  `json:"error,omitempty"`
}

// ToMessage turns the result into a tool message. A failure is shown to the
// model as text so it can retry with other arguments.
func (tr ToolResult) ToMessage() Message {
	if tr.Err != nil {
		return ToolResultMessage(tr.ToolCallID, tr.Name, fmt.Sprintf("Error executing tool %s: %v", tr.Name, tr.Err))
	}
	return ToolResultMessage(tr.ToolCallID, tr.Name, tr.Content)
}

// RunToolLoop asks the model for a reply, runs any tools it requests and
// feeds their results back until it answers in text. The response carries
// the usage of every round. The returned history is a copy of messages
// followed by each tool request and result.
func RunToolLoop(ctx context.Context, provider LLMProvider, registry *ToolRegistry,
	messages []Message, tools []Tool, opts *ChatOptions, maxIterations int) (*Response, []Message, error) {

	if maxIterations <= 0 {
		maxIterations = DefaultToolIterations
	}
	history := append([]Message(nil), messages...)

	var usage Usage
	for round := 0; round < maxIterations; round++ {
		resp, err := provider.Chat(ctx, history, tools, opts)
		if err != nil {
			return nil, history, err
		}
		usage = usage.Add(resp.Usage)

		if !resp.HasToolCalls() || registry.Len() == 0 {
			resp.Usage = usage
			return resp, history, nil
		}

		history = append(history, AssistantToolCallMessage(resp.ToolCalls))
		for _, res := range registry.ExecuteAll(ctx, resp.ToolCalls) {
			history = append(history, res.ToMessage())
		}
	}
	return nil, history, fmt.Errorf("%w (%d rounds)", ErrToolLoopLimit, maxIterations)
}
