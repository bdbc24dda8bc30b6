package router

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ParseRulesYAML decodes and validates a rule set.
func ParseRulesYAML(data []byte) (RuleSet, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return RuleSet{}, fmt.Errorf("router: rules payload is empty")
	}
	var rs RuleSet
	if err := yaml.Unmarshal(data, &rs); err != nil {
		return RuleSet{}, fmt.Errorf("router: decode rules: %w", err)
	}
	return rs.Normalized()
}

// LoadRulesFile reads a rule set from path.
func LoadRulesFile(path string) (RuleSet, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return RuleSet{}, fmt.Errorf("router: read %s: %w", path, err)
	}
	rs, err := ParseRulesYAML(content)
	if err != nil {
		return RuleSet{}, fmt.Errorf("router: %s: %w", path, err)
	}
	return rs, nil
}
