// Package tools holds the function tools a call's model may invoke and the
// dispatcher that runs them.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/jsonschema-go/jsonschema"

	"voice-call-relay/internal/realtime"
	"voice-call-relay/internal/schema"
)

// Handler runs a tool with its validated JSON arguments and returns the text
// handed back to the model.
type Handler func(ctx context.Context, args json.RawMessage) (string, error)

// Tool is one registered function tool.
type Tool struct {
	Name        string
	Description string
	Parameters  *jsonschema.Schema
	// Timeout overrides the dispatcher default when non-zero.
	Timeout time.Duration
	Handler Handler

	validator *schema.Validator
}

// Definition returns the function definition advertised to the model.
func (t *Tool) Definition() realtime.Tool {
	return realtime.Tool{
		Type:        "function",
		Name:        t.Name,
		Description: t.Description,
		Parameters:  t.Parameters,
	}
}

// NewTool builds a tool whose parameter schema is derived from Args. The
// handler receives the decoded arguments; a string result is returned as is,
// anything else is JSON encoded.
func NewTool[Args any](name, description string, timeout time.Duration, fn func(ctx context.Context, args Args) (any, error)) (Tool, error) {
	params, err := jsonschema.For[Args](&jsonschema.ForOptions{})
	if err != nil {
		return Tool{}, fmt.Errorf("schema for %s: %w", name, err)
	}
	return Tool{
		Name:        name,
		Description: description,
		Parameters:  params,
		Timeout:     timeout,
		Handler: func(ctx context.Context, raw json.RawMessage) (string, error) {
			var args Args
			if err := json.Unmarshal(raw, &args); err != nil {
				return "", fmt.Errorf("decode arguments: %w", err)
			}
			out, err := fn(ctx, args)
			if err != nil {
				return "", err
			}
			if s, ok := out.(string); ok {
				return s, nil
			}
			b, err := json.Marshal(out)
			if err != nil {
				return "", fmt.Errorf("encode result: %w", err)
			}
			return string(b), nil
		},
	}, nil
}

var ErrDuplicateTool = errors.New("tool already registered")

// Registry maps tool names to tools. Safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*Tool
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*Tool)}
}

// Register adds t, resolving its parameter schema.
func (r *Registry) Register(t Tool) error {
	if t.Name == "" || t.Handler == nil {
		return errors.New("tool needs a name and a handler")
	}
	v, err := schema.New(t.Parameters)
	if err != nil {
		return fmt.Errorf("tool %s: %w", t.Name, err)
	}
	t.validator = v

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[t.Name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateTool, t.Name)
	}
	r.tools[t.Name] = &t
	return nil
}

// Lookup returns the tool registered under name.
func (r *Registry) Lookup(name string) (*Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Subset returns a registry holding only the enabled tools. An empty list
// enables every tool; unknown names are ignored.
func (r *Registry) Subset(enabled []string) *Registry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sub := NewRegistry()
	if len(enabled) == 0 {
		for name, t := range r.tools {
			sub.tools[name] = t
		}
		return sub
	}
	for _, name := range enabled {
		if t, ok := r.tools[name]; ok {
			sub.tools[name] = t
		}
	}
	return sub
}

// Definitions returns the model-facing definitions in name order.
func (r *Registry) Definitions() []realtime.Tool {
	names := r.Names()
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]realtime.Tool, 0, len(names))
	for _, name := range names {
		defs = append(defs, r.tools[name].Definition())
	}
	return defs
}
