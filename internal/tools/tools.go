// Package tools defines the tool interface, the normalized result shape and
// the immutable registry the dispatcher consults.
//
// Each tool declares a whitelist of accepted argument keys and decodes the
// filtered arguments into its own typed variant (ListArgs, ReadArgs,
// WriteArgs, RunArgs) so that malformed calls are rejected before any
// handler runs.
package tools

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/jkaninda/devbot/internal/llm"
	"github.com/jkaninda/devbot/internal/workspace"
)

// ErrUnknownTool is returned by Lookup for names not in the registry.
var ErrUnknownTool = errors.New("unknown tool")

// Tool is the interface every sandboxed tool implements.
type Tool interface {
	// Name returns the tool's unique identifier (e.g. "read").
	Name() string

	// Description returns a human-readable description.
	Description() string

	// InputSchema returns a JSON Schema object describing the tool's parameters.
	// This is advertised to the agent collaborator, never used for validation.
	InputSchema() map[string]any

	// Params returns the whitelist of accepted argument keys.
	Params() []string

	// Cacheable reports whether results depend only on arguments and the
	// current filesystem state, with no side effects.
	Cacheable() bool

	// Decode turns whitelisted raw arguments into the tool's typed Args.
	Decode(params map[string]any) (Args, error)

	// Execute runs the tool against the sandbox root. Expected failures
	// (containment, missing targets) come back as a Result with
	// StatusError; a non-nil error means something unexpected went wrong.
	Execute(ctx context.Context, ws *workspace.Workspace, args Args) (*Result, error)
}

// Call is one tool invocation requested by the agent collaborator.
type Call struct {
	ID   string         `json:"id,omitempty"`
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

// Registry maps tool names to tools. It is built once at startup and never
// mutated afterwards, so reads need no locking.
type Registry struct {
	tools map[string]Tool
	names []string
}

// NewRegistry builds a registry from the given tools.
// Panics on duplicate names (startup config error, not runtime).
func NewRegistry(ts ...Tool) *Registry {
	r := &Registry{tools: make(map[string]Tool, len(ts))}
	for _, t := range ts {
		if _, exists := r.tools[t.Name()]; exists {
			panic("duplicate tool registration: " + t.Name())
		}
		r.tools[t.Name()] = t
		r.names = append(r.names, t.Name())
	}
	sort.Strings(r.names)
	return r
}

// Get returns the tool by name, or nil if not found.
func (r *Registry) Get(name string) Tool {
	return r.tools[name]
}

// Lookup is Get with an error for unknown names.
func (r *Registry) Lookup(name string) (Tool, error) {
	t, ok := r.tools[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	return t, nil
}

// Names returns all registered tool names in lexical order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.names))
	copy(out, r.names)
	return out
}

// All returns all registered tools in name order.
func (r *Registry) All() []Tool {
	out := make([]Tool, 0, len(r.names))
	for _, n := range r.names {
		out = append(out, r.tools[n])
	}
	return out
}

// ToDefinitions converts the registry into the tool list advertised to the
// agent collaborator.
func ToDefinitions(r *Registry) []llm.ToolDefinition {
	defs := make([]llm.ToolDefinition, 0, len(r.names))
	for _, t := range r.All() {
		defs = append(defs, llm.ToolDefinition{
			Name:        t.Name(),
			Description: t.Description(),
			InputSchema: t.InputSchema(),
		})
	}
	return defs
}

// Filter returns a copy of params restricted to the tool's whitelist.
// Unrecognized keys, including any caller-supplied working directory, are
// silently dropped.
func Filter(t Tool, params map[string]any) map[string]any {
	out := make(map[string]any, len(params))
	for _, key := range t.Params() {
		if v, ok := params[key]; ok {
			out[key] = v
		}
	}
	return out
}

// --- argument decoding helpers ---

// RequireString extracts a required non-empty string param.
func RequireString(params map[string]any, key string) (string, error) {
	v, ok := params[key]
	if !ok || v == nil {
		return "", fmt.Errorf("missing required parameter: %s", key)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("parameter %s must be a string, got %T", key, v)
	}
	if s == "" {
		return "", fmt.Errorf("parameter %s must not be empty", key)
	}
	return s, nil
}

// OptionalString extracts an optional string param, returning def when absent.
func OptionalString(params map[string]any, key, def string) (string, error) {
	v, ok := params[key]
	if !ok || v == nil {
		return def, nil
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("parameter %s must be a string, got %T", key, v)
	}
	if s == "" {
		return def, nil
	}
	return s, nil
}

// RequireContent extracts a required string param that may be empty.
func RequireContent(params map[string]any, key string) (string, error) {
	v, ok := params[key]
	if !ok || v == nil {
		return "", fmt.Errorf("missing required parameter: %s", key)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("parameter %s must be a string, got %T", key, v)
	}
	return s, nil
}

// OptionalStrings extracts an optional list of strings. JSON decoders hand
// arrays over as []any, so both []any and []string are accepted.
func OptionalStrings(params map[string]any, key string) ([]string, error) {
	v, ok := params[key]
	if !ok || v == nil {
		return nil, nil
	}
	switch list := v.(type) {
	case []string:
		out := make([]string, len(list))
		copy(out, list)
		return out, nil
	case []any:
		out := make([]string, len(list))
		for i, item := range list {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("parameter %s[%d] must be a string, got %T", key, i, item)
			}
			out[i] = s
		}
		return out, nil
	default:
		return nil, fmt.Errorf("parameter %s must be a list of strings, got %T", key, v)
	}
}
