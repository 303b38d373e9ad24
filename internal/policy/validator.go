// internal/policy/validator.go
// Schema validation for fee policy documents. A malformed document must never
// change what sellers are charged, so anything that fails validation is
// rejected before it reaches the resolver cache.
package policy

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// documentSchema constrains the published policy document. Every rate must be
// a fraction of gross in [0, 1].
const documentSchema = `{
	"type": "object",
	"required": ["version", "defaultRate"],
	"properties": {
		"version": {"type": "string", "minLength": 1},
		"defaultRate": {"type": "number", "minimum": 0, "maximum": 1},
		"categories": {
			"type": "object",
			"additionalProperties": {"type": "number", "minimum": 0, "maximum": 1}
		},
		"generatedAt": {"type": "string"}
	}
}`

var compiledSchema *gojsonschema.Schema

func init() {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(documentSchema))
	if err != nil {
		panic(fmt.Sprintf("invalid fee policy schema: %v", err))
	}
	compiledSchema = schema
}

// parseDocument validates raw policy JSON against the document schema and
// decodes it.
func parseDocument(data []byte) (*Document, error) {
	result, err := compiledSchema.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return nil, fmt.Errorf("validation error: %w", err)
	}

	if !result.Valid() {
		var errs []string
		for _, desc := range result.Errors() {
			errs = append(errs, desc.String())
		}
		return nil, fmt.Errorf("invalid fee policy document: %s", strings.Join(errs, "; "))
	}

	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode fee policy document: %w", err)
	}

	return &doc, nil
}
