// Package schema compiles and caches JSON Schema documents used to
// validate tool definitions and structured-output response formats.
// Compiled schemas are cached by identity so a tool invoked repeatedly
// doesn't recompile its schema on every call.
package schema

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Validator validates JSON documents against one compiled schema.
type Validator struct {
	compiled *jsonschema.Schema
}

// Validate checks doc (raw JSON) against the compiled schema, returning a
// descriptive error on the first violation.
func (v *Validator) Validate(doc []byte) error {
	var payload any
	if err := json.Unmarshal(doc, &payload); err != nil {
		return fmt.Errorf("schema: unmarshal payload: %w", err)
	}
	if err := v.compiled.Validate(payload); err != nil {
		return fmt.Errorf("schema: validation failed: %w", err)
	}
	return nil
}

// Cache compiles JSON Schema documents on first use and reuses the
// compiled form for subsequent validations against the same key (e.g. a
// tool name or response_format identifier).
type Cache struct {
	mu    sync.Mutex
	byKey map[string]*Validator
}

// NewCache constructs an empty Cache.
func NewCache() *Cache {
	return &Cache{byKey: make(map[string]*Validator)}
}

// Get returns the cached Validator for key, compiling schemaJSON under
// that key on first call. A cache hit ignores schemaJSON entirely, so
// callers must use a key that's stable for the lifetime of one schema
// version (e.g. "tool:<name>:<schema-hash>" if schemas can change).
func (c *Cache) Get(key string, schemaJSON []byte) (*Validator, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok := c.byKey[key]; ok {
		return v, nil
	}
	v, err := compile(schemaJSON)
	if err != nil {
		return nil, err
	}
	c.byKey[key] = v
	return v, nil
}

func compile(schemaJSON []byte) (*Validator, error) {
	var schemaDoc any
	if err := json.Unmarshal(schemaJSON, &schemaDoc); err != nil {
		return nil, fmt.Errorf("schema: unmarshal schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", schemaDoc); err != nil {
		return nil, fmt.Errorf("schema: add resource: %w", err)
	}
	compiled, err := c.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("schema: compile: %w", err)
	}
	return &Validator{compiled: compiled}, nil
}
