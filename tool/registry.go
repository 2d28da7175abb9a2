// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package tool implements the tool registry and the executor that
// dispatches calls to registered tools with caching, deadlines and metrics.
package tool

import (
	"fmt"
	"net/url"
	"sort"
	"sync"

	json "github.com/goccy/go-json"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Descriptor is the public description of a registered tool.
type Descriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// Registration is one registry entry. Generation changes every time the
// name is registered, so results produced by a replaced entry can be told
// apart from the current one.
type Registration struct {
	Name        string
	Description string
	InputSchema json.RawMessage
	Impl        Implementation
	Generation  uint64

	schema *jsonschema.Schema
}

// Descriptor returns the public description of r.
func (r *Registration) Descriptor() Descriptor {
	return Descriptor{Name: r.Name, Description: r.Description, InputSchema: r.InputSchema}
}

// Validate checks decoded arguments against the input schema, if any.
func (r *Registration) Validate(args any) error {
	if r.schema == nil {
		return nil
	}
	return r.schema.Validate(args)
}

// RegisterOption configures a registration.
type RegisterOption func(*Registration)

// WithInputSchema attaches a JSON schema that arguments must satisfy.
func WithInputSchema(schema json.RawMessage) RegisterOption {
	return func(r *Registration) {
		r.InputSchema = schema
	}
}

// Registry maps tool names to implementations. It is safe for concurrent
// use; lookups do not block each other.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*Registration
	gen   uint64
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*Registration)}
}

// Register adds a tool, replacing any existing tool of the same name.
func (r *Registry) Register(name, description string, impl Implementation, opts ...RegisterOption) error {
	if name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidRegistration)
	}
	if impl == nil {
		return fmt.Errorf("%w: %q has no implementation", ErrInvalidRegistration, name)
	}
	reg := &Registration{Name: name, Description: description, Impl: impl}
	for _, opt := range opts {
		opt(reg)
	}
	if len(reg.InputSchema) > 0 {
		schema, err := jsonschema.CompileString("mem://toolrpc/"+url.PathEscape(name)+".json", string(reg.InputSchema))
		if err != nil {
			return fmt.Errorf("%w: %q input schema: %w", ErrInvalidRegistration, name, err)
		}
		reg.schema = schema
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.gen++
	reg.Generation = r.gen
	r.tools[name] = reg
	return nil
}

// Unregister removes a tool and reports whether it was present.
func (r *Registry) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.tools[name]
	delete(r.tools, name)
	return ok
}

// Lookup returns the current registration for name.
func (r *Registry) Lookup(name string) (*Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.tools[name]
	return reg, ok
}

// List returns the registered tools sorted by name.
func (r *Registry) List() []Descriptor {
	r.mu.RLock()
	out := make([]Descriptor, 0, len(r.tools))
	for _, reg := range r.tools {
		out = append(out, reg.Descriptor())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}
