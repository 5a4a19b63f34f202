// Package tools executes LLM tool calls as authenticated HTTP requests
// against the target API, driven by descriptors compiled from an OpenAPI
// document.
package tools

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/haasonsaas/apibridge/internal/auth"
)

// Param location constants.
const (
	InPath  = "path"
	InQuery = "query"
	InBody  = "body"
)

// Param describes one tool argument and where it is routed in the request.
type Param struct {
	Name     string          `json:"name"`
	In       string          `json:"in"`
	Required bool            `json:"required,omitempty"`
	Schema   json.RawMessage `json:"schema,omitempty"`
}

// Descriptor is an immutable compiled tool: one OpenAPI operation with its
// routing information and optional auth hint.
type Descriptor struct {
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	Method      string     `json:"method"`
	Path        string     `json:"path"`
	Params      []Param    `json:"parameters,omitempty"`
	Auth        *auth.Hint `json:"authentication,omitempty"`

	compiled *jsonschema.Schema
}

// InputSchema builds the JSON Schema object describing the tool's arguments,
// used both for validation and for the tool definitions sent to the model.
func (d *Descriptor) InputSchema() json.RawMessage {
	properties := map[string]json.RawMessage{}
	var required []string
	for _, p := range d.Params {
		schema := p.Schema
		if len(schema) == 0 {
			schema = json.RawMessage(`{"type":"string"}`)
		}
		properties[p.Name] = schema
		if p.Required {
			required = append(required, p.Name)
		}
	}
	doc := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		doc["required"] = required
	}
	out, err := json.Marshal(doc)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return out
}

// compile prepares the argument validator. Called once at registry build.
func (d *Descriptor) compile() error {
	compiler := jsonschema.NewCompiler()
	resource := fmt.Sprintf("inline://%s.json", d.Name)
	if err := compiler.AddResource(resource, bytes.NewReader(d.InputSchema())); err != nil {
		return fmt.Errorf("tool %s: %w", d.Name, err)
	}
	schema, err := compiler.Compile(resource)
	if err != nil {
		return fmt.Errorf("tool %s: %w", d.Name, err)
	}
	d.compiled = schema
	return nil
}

// ValidateInput checks the decoded arguments against the parameter schema.
func (d *Descriptor) ValidateInput(input any) error {
	if d.compiled == nil {
		return nil
	}
	if input == nil {
		input = map[string]any{}
	}
	if err := d.compiled.Validate(input); err != nil {
		return fmt.Errorf("invalid arguments for %s: %v", d.Name, err)
	}
	return nil
}

// Registry is the immutable per-process descriptor table indexed by tool name.
type Registry struct {
	byName map[string]*Descriptor
	names  []string
}

// NewRegistry builds a registry from compiled descriptors, honoring the
// configured path allow/deny lists. Descriptors with schemas that fail to
// compile are rejected.
func NewRegistry(descriptors []*Descriptor, allowedPaths, excludedPaths []string) (*Registry, error) {
	r := &Registry{byName: make(map[string]*Descriptor, len(descriptors))}
	for _, d := range descriptors {
		if d == nil || d.Name == "" {
			continue
		}
		if !pathAllowed(d.Path, allowedPaths, excludedPaths) {
			continue
		}
		if _, exists := r.byName[d.Name]; exists {
			return nil, fmt.Errorf("duplicate tool name %q", d.Name)
		}
		if err := d.compile(); err != nil {
			return nil, err
		}
		d.Method = strings.ToUpper(d.Method)
		r.byName[d.Name] = d
		r.names = append(r.names, d.Name)
	}
	return r, nil
}

// LoadFile reads a descriptor table produced by the OpenAPI tool compiler.
func LoadFile(path string, allowedPaths, excludedPaths []string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read tools file: %w", err)
	}
	var descriptors []*Descriptor
	if err := json.Unmarshal(data, &descriptors); err != nil {
		return nil, fmt.Errorf("failed to parse tools file: %w", err)
	}
	return NewRegistry(descriptors, allowedPaths, excludedPaths)
}

// Get returns the descriptor for a tool name, or nil if unknown.
func (r *Registry) Get(name string) *Descriptor {
	if r == nil {
		return nil
	}
	return r.byName[name]
}

// All returns descriptors in registration order.
func (r *Registry) All() []*Descriptor {
	out := make([]*Descriptor, 0, len(r.names))
	for _, name := range r.names {
		out = append(out, r.byName[name])
	}
	return out
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.byName)
}

// pathAllowed applies prefix-based allow and deny lists. An empty allow list
// admits every path; the deny list always wins.
func pathAllowed(path string, allowed, excluded []string) bool {
	for _, prefix := range excluded {
		if prefix != "" && strings.HasPrefix(path, prefix) {
			return false
		}
	}
	if len(allowed) == 0 {
		return true
	}
	for _, prefix := range allowed {
		if prefix != "" && strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}
