// Package validation checks tool and workflow parameters against the JSON
// schema stored with each catalog action.
package validation

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/pixelforge/backend/internal/models"
)

// ErrValidation can be used with errors.Is to detect rejected parameters.
var ErrValidation = errors.New("validation failed")

// Validator compiles schemas lazily and caches them per action version.
type Validator struct {
	mu      sync.Mutex
	schemas map[string]*jsonschema.Schema
}

func New() *Validator {
	return &Validator{schemas: make(map[string]*jsonschema.Schema)}
}

// Validate hard-rejects params that do not match the action's parameter
// schema. Actions without a schema accept any object.
func (v *Validator) Validate(a *models.Action, params map[string]any) error {
	if len(bytes.TrimSpace(a.ParameterSchema)) == 0 || string(bytes.TrimSpace(a.ParameterSchema)) == "null" {
		return nil
	}
	schema, err := v.compiled(a)
	if err != nil {
		return err
	}
	// Round-trip so Go ints and the like look like decoded JSON to the validator.
	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if params == nil {
		doc = map[string]any{}
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return nil
}

func (v *Validator) compiled(a *models.Action) (*jsonschema.Schema, error) {
	key := fmt.Sprintf("%s@%d", a.ID, a.UpdatedAt.UnixNano())
	v.mu.Lock()
	defer v.mu.Unlock()
	if s, ok := v.schemas[key]; ok {
		return s, nil
	}
	s, err := jsonschema.CompileString("https://pixelforge.app/schemas/"+a.ID.String()+".json", string(a.ParameterSchema))
	if err != nil {
		return nil, fmt.Errorf("compile parameter schema for %s: %w", a.Slug, err)
	}
	v.schemas[key] = s
	return s, nil
}
