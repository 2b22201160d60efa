package config

import (
	_ "embed"
	"fmt"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"

	"github.com/sidguru2/EEG-Neurofeedback-Ball-Game/errors"
)

//go:embed schema.json
var schemaJSON []byte

var (
	schemaOnce sync.Once
	schema     *gojsonschema.Schema
	schemaErr  error
)

// Schema returns the JSON Schema configuration files are checked against
func Schema() []byte {
	return schemaJSON
}

func compiledSchema() (*gojsonschema.Schema, error) {
	schemaOnce.Do(func() {
		schema, schemaErr = gojsonschema.NewSchema(gojsonschema.NewBytesLoader(schemaJSON))
	})
	return schema, schemaErr
}

// validateSchema checks a decoded configuration document. All violations
// are reported together.
func validateSchema(raw map[string]any) error {
	s, err := compiledSchema()
	if err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}
	result, err := s.Validate(gojsonschema.NewGoLoader(raw))
	if err != nil {
		return fmt.Errorf("%w: %v", errors.ErrParsingFailed, err)
	}
	if result.Valid() {
		return nil
	}
	msgs := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		msgs = append(msgs, e.String())
	}
	return fmt.Errorf("%w: %s", errors.ErrInvalidConfig, strings.Join(msgs, "; "))
}
