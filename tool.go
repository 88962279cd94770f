package cairn

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Tool is one named capability the run_tool node can invoke. Schema is a
// JSON Schema document validating the input parameters; an empty schema
// accepts anything. Fallback produces the canned output used when Execute
// exhausts its retries; nil falls back to a generic unavailable message.
type Tool struct {
	Name        string
	Description string
	Schema      string
	Execute     func(ctx context.Context, params map[string]any) (string, error)
	Fallback    func(params map[string]any, err error) string
}

// fallbackText returns the tool's canned failure output.
func (t Tool) fallbackText(params map[string]any, err error) string {
	if t.Fallback != nil {
		return t.Fallback(params, err)
	}
	return fmt.Sprintf("The %s tool is currently unavailable.", t.Name)
}

// Registry holds tools under unique names and validates their inputs
// against each tool's schema. Registration collisions are rejected.
// Safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]Tool
	schemas map[string]*jsonschema.Schema
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		tools:   make(map[string]Tool),
		schemas: make(map[string]*jsonschema.Schema),
	}
}

// Register adds a tool. The name must be non-empty and unused; the schema,
// when present, must compile. Violations return KindValidation.
func (r *Registry) Register(t Tool) error {
	if t.Name == "" {
		return &Error{Kind: KindValidation, Message: "tool: empty name"}
	}
	if t.Execute == nil {
		return &Error{Kind: KindValidation, Message: fmt.Sprintf("tool %s: nil execute", t.Name)}
	}

	var compiled *jsonschema.Schema
	if t.Schema != "" {
		var err error
		compiled, err = jsonschema.CompileString(t.Name+".schema.json", t.Schema)
		if err != nil {
			return &Error{Kind: KindValidation, Message: fmt.Sprintf("tool %s: bad schema", t.Name), Err: err}
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name]; exists {
		return &Error{Kind: KindValidation, Message: fmt.Sprintf("tool %s: already registered", t.Name)}
	}
	r.tools[t.Name] = t
	if compiled != nil {
		r.schemas[t.Name] = compiled
	}
	return nil
}

// MustRegister is Register for wiring code; it panics on error.
func (r *Registry) MustRegister(t Tool) {
	if err := r.Register(t); err != nil {
		panic(err)
	}
}

// Get returns the named tool and whether it exists.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names returns all registered tool names, sorted.
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

// ValidateInput checks params against the named tool's schema. Unknown
// tools return KindNotFound; schema violations return KindValidation with
// the validator's detail chained. Params are round-tripped through JSON so
// the validator sees the same value shapes the wire would carry.
func (r *Registry) ValidateInput(name string, params map[string]any) error {
	r.mu.RLock()
	schema, hasSchema := r.schemas[name]
	_, known := r.tools[name]
	r.mu.RUnlock()

	if !known {
		return &Error{Kind: KindNotFound, Message: fmt.Sprintf("tool %s: not registered", name)}
	}
	if !hasSchema {
		return nil
	}

	payload, err := json.Marshal(params)
	if err != nil {
		return &Error{Kind: KindValidation, Message: fmt.Sprintf("tool %s: unencodable input", name), Err: err}
	}
	var decoded any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return &Error{Kind: KindValidation, Message: fmt.Sprintf("tool %s: undecodable input", name), Err: err}
	}
	if err := schema.Validate(decoded); err != nil {
		return &Error{Kind: KindValidation, Message: fmt.Sprintf("tool %s: invalid input", name), Err: err}
	}
	return nil
}
