package state

import (
	_ "embed"
	"fmt"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

//go:embed state.schema.json
var stateSchemaJSON []byte

var loadStateSchema = sync.OnceValues(func() (*gojsonschema.Schema, error) {
	return gojsonschema.NewSchema(gojsonschema.NewBytesLoader(stateSchemaJSON))
})

// validateRecord checks a raw state document against the embedded schema
func validateRecord(data []byte) error {
	schema, err := loadStateSchema()
	if err != nil {
		return fmt.Errorf("load state schema: %w", err)
	}

	result, err := schema.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return fmt.Errorf("validate state: %w", err)
	}
	if result.Valid() {
		return nil
	}

	problems := make([]string, 0, len(result.Errors()))
	for _, verr := range result.Errors() {
		problems = append(problems, verr.String())
	}
	return fmt.Errorf("state does not match schema: %s", strings.Join(problems, "; "))
}
