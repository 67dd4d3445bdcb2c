// Package tools implements the paid/free tool catalog (C7 dispatch target).
// Grounded on the teacher's internal/tools registry-of-descriptors shape
// (NewRegistry/RegisterAll in the old internal/tools/tools.go and catalog.go)
// but rebuilt without genkit: tools here are plain Go values dispatched by
// the turn loop directly, per SPEC_FULL.md §9's "registry of typed tool
// descriptors" design note.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
)

// Result is what a tool call produces: text fed back to the model, plus
// whether it represents an error (so the turn loop can mark the tool_result
// block accordingly).
type Result struct {
	Text    string
	IsError bool
}

// Executor runs a tool given its raw JSON input.
type Executor func(ctx context.Context, input json.RawMessage) (Result, error)

// Descriptor is one entry in the tool catalog.
type Descriptor struct {
	Name                string
	Emoji               string
	Description         string
	Schema              map[string]any
	Paid                bool
	NeedsContext        bool // needs the thread's files/history, not just its own input
	AllowedMIMEPrefixes []string
	Executor            Executor
}

// Registry holds the active tool set and dispatches calls by name.
type Registry struct {
	tools map[string]Descriptor
	order []string
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Descriptor)}
}

// Register adds a tool descriptor, in catalog order.
func (r *Registry) Register(d Descriptor) {
	if _, exists := r.tools[d.Name]; !exists {
		r.order = append(r.order, d.Name)
	}
	r.tools[d.Name] = d
}

// Get returns a descriptor by name.
func (r *Registry) Get(name string) (Descriptor, bool) {
	d, ok := r.tools[name]
	return d, ok
}

// All returns every descriptor in registration order.
func (r *Registry) All() []Descriptor {
	out := make([]Descriptor, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tools[name])
	}
	return out
}

// Dispatch runs a named tool call, returning a ToolValidationError-shaped
// failure as a normal (non-error) Result when name is unknown — a turn
// should never crash because the model hallucinated a tool name.
func (r *Registry) Dispatch(ctx context.Context, name string, input json.RawMessage) (Result, error) {
	d, ok := r.tools[name]
	if !ok {
		return Result{Text: fmt.Sprintf("unknown tool %q", name), IsError: true}, nil
	}
	return d.Executor(ctx, input)
}
