// Package schema validates JSON documents against JSON Schemas.
package schema

import (
	"encoding/json"
	"fmt"

	"github.com/google/jsonschema-go/jsonschema"
)

type Validator struct {
	resolved *jsonschema.Resolved
}

// New resolves s once so it can be used for many validations.
// A nil schema accepts any JSON object.
func New(s *jsonschema.Schema) (*Validator, error) {
	if s == nil {
		s = &jsonschema.Schema{Type: "object"}
	}
	resolved, err := s.Resolve(nil)
	if err != nil {
		return nil, fmt.Errorf("resolve schema: %w", err)
	}
	return &Validator{resolved: resolved}, nil
}

// Validate decodes raw and checks it against the schema.
func (v *Validator) Validate(raw json.RawMessage) error {
	var instance any
	if err := json.Unmarshal(raw, &instance); err != nil {
		return fmt.Errorf("invalid json: %w", err)
	}
	if err := v.resolved.Validate(instance); err != nil {
		return err
	}
	return nil
}
