package workflow

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// ParseDefinitionYAML decodes a fixed-sequence definition and normalizes it.
// Unknown fields are rejected so a misspelled depends_on does not silently
// drop an ordering constraint.
func ParseDefinitionYAML(data []byte) (WorkflowDefinition, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var def WorkflowDefinition
	if err := dec.Decode(&def); err != nil {
		if errors.Is(err, io.EOF) {
			return WorkflowDefinition{}, fmt.Errorf("workflow: definition is empty")
		}
		return WorkflowDefinition{}, fmt.Errorf("workflow: decode definition: %w", err)
	}
	return def.Normalized()
}

// LoadDefinitionFile reads a definition kept outside config.yaml, such as
// .compliance/workflows/nightly.yaml.
func LoadDefinitionFile(path string) (WorkflowDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return WorkflowDefinition{}, fmt.Errorf("workflow: read %s: %w", path, err)
	}
	def, err := ParseDefinitionYAML(data)
	if err != nil {
		return WorkflowDefinition{}, fmt.Errorf("%s: %w", path, err)
	}
	return def, nil
}
