package api

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ZanzyTHEbar/triage-engine/triage/engine/ports"

	"github.com/xeipuuv/gojsonschema"
)

// turnRequestSchema describes POST /api/triage/turns bodies.
const turnRequestSchema = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"required": ["appointment_id", "message"],
	"properties": {
		"appointment_id": {"type": "integer"},
		"message": {"type": "string", "minLength": 1}
	},
	"additionalProperties": false
}`

var errMalformedBody = errors.New("malformed request body")

// RequestValidator checks request bodies against a compiled JSON Schema.
type RequestValidator struct {
	schema *gojsonschema.Schema
}

func NewRequestValidator(schema string) (*RequestValidator, error) {
	compiled, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(schema))
	if err != nil {
		return nil, fmt.Errorf("failed to compile request schema: %w", err)
	}
	return &RequestValidator{schema: compiled}, nil
}

// Validate reports schema violations as ports.ErrValidation. A body that is
// not JSON at all is reported as errMalformedBody.
func (v *RequestValidator) Validate(body []byte) error {
	result, err := v.schema.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		return fmt.Errorf("%w: %w", errMalformedBody, err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return fmt.Errorf("%w: %s", ports.ErrValidation, strings.Join(msgs, "; "))
	}
	return nil
}
