package tools

import (
	"context"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/m4xw311/nexus/errors"
)

// Tool defines the interface for any action the agent can take.
type Tool interface {
	Name() string
	Description() string
	// InputSchema is the JSON schema object describing the arguments.
	InputSchema() map[string]interface{}
	Execute(ctx context.Context, args map[string]interface{}) (string, error)
}

// Session is a live tool provider owned by exactly one request. Close must be
// safe to call more than once.
type Session interface {
	Tools() []Tool
	Close() error
}

// Opener starts a tool provider Session.
type Opener interface {
	Open(ctx context.Context) (Session, error)
}

// OpenerFunc adapts a function to Opener.
type OpenerFunc func(ctx context.Context) (Session, error)

func (f OpenerFunc) Open(ctx context.Context) (Session, error) { return f(ctx) }

// Descriptor is the model-facing contract of one tool.
type Descriptor struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"input_schema"`
}

// ToolRegistry is the tool descriptor set of one tool session, keyed by
// name, preserving discovery order.
type ToolRegistry struct {
	tools map[string]Tool
	order []string
}

func NewToolRegistry(ts []Tool) *ToolRegistry {
	r := &ToolRegistry{tools: make(map[string]Tool, len(ts))}
	for _, t := range ts {
		r.Register(t)
	}
	return r
}

// Register adds t. A later tool with the same name replaces the earlier one
// in place.
func (r *ToolRegistry) Register(t Tool) {
	if _, ok := r.tools[t.Name()]; !ok {
		r.order = append(r.order, t.Name())
	}
	r.tools[t.Name()] = t
}

func (r *ToolRegistry) GetTool(name string) (Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// List returns the tools in discovery order.
func (r *ToolRegistry) List() []Tool {
	out := make([]Tool, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tools[name])
	}
	return out
}

func (r *ToolRegistry) Len() int { return len(r.order) }

// Describe returns the descriptor of every tool in discovery order.
func (r *ToolRegistry) Describe() []Descriptor {
	out := make([]Descriptor, 0, len(r.order))
	for _, t := range r.List() {
		out = append(out, Descriptor{Name: t.Name(), Description: t.Description(), InputSchema: t.InputSchema()})
	}
	return out
}

// Filter keeps the tools whose names match at least one glob pattern. An
// empty pattern list keeps everything.
func Filter(ts []Tool, patterns []string) ([]Tool, error) {
	if len(patterns) == 0 {
		return ts, nil
	}
	for _, p := range patterns {
		if !doublestar.ValidatePattern(p) {
			return nil, errors.New("invalid tool pattern '%s'", p)
		}
	}
	var kept []Tool
	for _, t := range ts {
		for _, p := range patterns {
			if ok, _ := doublestar.Match(p, t.Name()); ok {
				kept = append(kept, t)
				break
			}
		}
	}
	return kept, nil
}

// ObjectSchema returns schema, or an empty object schema when schema is nil.
func ObjectSchema(schema map[string]interface{}) map[string]interface{} {
	if schema == nil {
		return map[string]interface{}{"type": "object", "properties": map[string]interface{}{}}
	}
	return schema
}
