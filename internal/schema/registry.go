// Package schema validates inbound operation payloads against fixed JSON
// schemas, so malformed or unknown fields are rejected before any side
// effect.
package schema

import (
	"bytes"
	"encoding/json"
	"fmt"

	js "github.com/santhosh-tekuri/jsonschema/v5"
)

// Registry holds one compiled schema per named operation.
type Registry struct {
	compiled map[string]*js.Schema
}

// NewRegistry compiles the given operation schemas. The set is fixed at
// startup; compilation failures are configuration bugs and abort start.
func NewRegistry(defs map[string]map[string]interface{}) (*Registry, error) {
	c := js.NewCompiler()
	compiled := make(map[string]*js.Schema, len(defs))

	for name, def := range defs {
		b, err := json.Marshal(def)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal schema %q: %w", name, err)
		}
		url := fmt.Sprintf("mem://ops/%s.json", name)
		if err := c.AddResource(url, bytes.NewReader(b)); err != nil {
			return nil, fmt.Errorf("failed to add schema %q: %w", name, err)
		}
		sch, err := c.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("failed to compile schema %q: %w", name, err)
		}
		compiled[name] = sch
	}

	return &Registry{compiled: compiled}, nil
}

// Has reports whether a schema is registered for the operation.
func (r *Registry) Has(name string) bool {
	_, ok := r.compiled[name]
	return ok
}

// Validate checks a decoded JSON value against the operation's schema.
// value must come from encoding/json (maps, slices, float64 numbers).
func (r *Registry) Validate(name string, value interface{}) error {
	sch, ok := r.compiled[name]
	if !ok {
		return fmt.Errorf("no schema registered for %q", name)
	}
	if err := sch.Validate(value); err != nil {
		return fmt.Errorf("payload validation failed: %w", err)
	}
	return nil
}
