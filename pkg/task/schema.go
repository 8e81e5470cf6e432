package task

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// SchemaRegistry holds compiled JSON Schemas that constrain a task's
// payload by task type. An operator registers a schema per type; Create
// callers that go through ValidatePayload reject payloads that don't
// satisfy it. Registration is optional — a type with no registered
// schema accepts any payload.
type SchemaRegistry struct {
	mu      sync.RWMutex
	schemas map[string]*jsonschema.Schema
}

func NewSchemaRegistry() *SchemaRegistry {
	return &SchemaRegistry{schemas: make(map[string]*jsonschema.Schema)}
}

// Register compiles schemaJSON and binds it to taskType. An empty
// schemaJSON removes any existing schema for the type.
func (r *SchemaRegistry) Register(taskType, schemaJSON string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if schemaJSON == "" {
		delete(r.schemas, taskType)
		return nil
	}

	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := fmt.Sprintf("https://asyncgate.local/task-schema/%s.json", taskType)
	if err := c.AddResource(url, strings.NewReader(schemaJSON)); err != nil {
		return fmt.Errorf("task: schema load for type %q failed: %w", taskType, err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return fmt.Errorf("task: schema compile for type %q failed: %w", taskType, err)
	}
	r.schemas[taskType] = compiled
	return nil
}

// Validate checks payload against the schema registered for taskType, if
// any. A task type with no registered schema always passes.
func (r *SchemaRegistry) Validate(taskType string, payload []byte) error {
	r.mu.RLock()
	schema, ok := r.schemas[taskType]
	r.mu.RUnlock()
	if !ok {
		return nil
	}

	var v any
	if err := json.Unmarshal(payload, &v); err != nil {
		return fmt.Errorf("task: payload for type %q is not valid JSON: %w", taskType, err)
	}
	if err := schema.Validate(v); err != nil {
		return fmt.Errorf("task: payload for type %q failed schema validation: %w", taskType, err)
	}
	return nil
}

// HasSchema reports whether taskType has a registered schema.
func (r *SchemaRegistry) HasSchema(taskType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.schemas[taskType]
	return ok
}
