package config

import (
	_ "embed"
	"fmt"
	"sort"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

//go:embed schema.json
var schemaJSON string

// SchemaError lists every schema violation found in a config document.
type SchemaError struct {
	Problems []string
}

func (e *SchemaError) Error() string {
	return "config schema validation failed: " + strings.Join(e.Problems, "; ")
}

// ValidateSettings validates raw config settings against the JSON schema.
func ValidateSettings(settings map[string]any) error {
	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(schemaJSON),
		gojsonschema.NewGoLoader(settings),
	)
	if err != nil {
		return fmt.Errorf("validate config schema: %w", err)
	}
	if result.Valid() {
		return nil
	}

	problems := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		problems = append(problems, fmt.Sprintf("%s: %s", desc.Field(), desc.Description()))
	}
	sort.Strings(problems)
	return &SchemaError{Problems: problems}
}
