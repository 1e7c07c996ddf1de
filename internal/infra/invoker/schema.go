package invoker

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/jsonschema-go/jsonschema"
)

// schemaValidator compiles input schemas once per distinct schema document.
type schemaValidator struct {
	mu       sync.RWMutex
	resolved map[[32]byte]*jsonschema.Resolved
}

func newSchemaValidator() *schemaValidator {
	return &schemaValidator{resolved: make(map[[32]byte]*jsonschema.Resolved)}
}

// compile returns nil when the document is empty.
func (v *schemaValidator) compile(raw json.RawMessage) (*jsonschema.Resolved, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	key := sha256.Sum256(raw)
	v.mu.RLock()
	resolved, ok := v.resolved[key]
	v.mu.RUnlock()
	if ok {
		return resolved, nil
	}

	var schema jsonschema.Schema
	if err := json.Unmarshal(raw, &schema); err != nil {
		return nil, fmt.Errorf("decode input schema: %w", err)
	}
	resolved, err := schema.Resolve(nil)
	if err != nil {
		return nil, fmt.Errorf("resolve input schema: %w", err)
	}
	v.mu.Lock()
	v.resolved[key] = resolved
	v.mu.Unlock()
	return resolved, nil
}

// validate checks args against schema. A schema that cannot be compiled is
// reported through schemaErr and does not block the call.
func (v *schemaValidator) validate(schema, args json.RawMessage) (violation error, schemaErr error) {
	var instance any
	if err := json.Unmarshal(args, &instance); err != nil {
		return fmt.Errorf("arguments are not valid JSON: %w", err), nil
	}
	if _, ok := instance.(map[string]any); !ok {
		return fmt.Errorf("arguments must be a JSON object"), nil
	}
	resolved, err := v.compile(schema)
	if err != nil {
		return nil, err
	}
	if resolved == nil {
		return nil, nil
	}
	if err := resolved.Validate(instance); err != nil {
		return err, nil
	}
	return nil, nil
}
