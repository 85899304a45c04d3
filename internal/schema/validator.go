// Package schema validates inbound client control frames against a JSON schema.
package schema

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"speech-relay-service/internal/models"
)

// ErrInvalidControl marks a control frame that is not JSON or does not match the schema.
var ErrInvalidControl = errors.New("invalid control frame")

// ControlSchema describes the control frames a client may send.
// Unknown properties are tolerated.
const ControlSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "properties": {
    "event":       {"type": "string", "enum": ["end"]},
    "index_name":  {"type": "string", "minLength": 1},
    "context_key": {"type": "string", "minLength": 1}
  },
  "anyOf": [
    {"required": ["event"]},
    {"required": ["index_name"]},
    {"required": ["context_key"]}
  ]
}`

// ValidationError represents a single schema validation error with field-level detail.
type ValidationError struct {
	Field       string
	Description string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Description)
}

type Validator struct {
	schema *gojsonschema.Schema
}

// New compiles ControlSchema.
func New() (*Validator, error) {
	s, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(ControlSchema))
	if err != nil {
		return nil, fmt.Errorf("compile control schema: %w", err)
	}
	return &Validator{schema: s}, nil
}

// MustNew is New for package-level initialization.
func MustNew() *Validator {
	v, err := New()
	if err != nil {
		panic(err)
	}
	return v
}

// Validate checks data and returns the field errors, if any.
func (v *Validator) Validate(data []byte) ([]ValidationError, error) {
	result, err := v.schema.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidControl, err)
	}
	if result.Valid() {
		return nil, nil
	}
	errs := make([]ValidationError, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		errs = append(errs, ValidationError{Field: e.Field(), Description: e.Description()})
	}
	return errs, nil
}

// ParseControl validates data and decodes it.
func (v *Validator) ParseControl(data []byte) (models.ControlMessage, error) {
	errs, err := v.Validate(data)
	if err != nil {
		return models.ControlMessage{}, err
	}
	if len(errs) > 0 {
		msgs := make([]string, len(errs))
		for i, e := range errs {
			msgs[i] = e.Error()
		}
		return models.ControlMessage{}, fmt.Errorf("%w: %s", ErrInvalidControl, strings.Join(msgs, "; "))
	}

	var msg models.ControlMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return models.ControlMessage{}, fmt.Errorf("%w: %v", ErrInvalidControl, err)
	}
	return msg, nil
}
