package template

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Defaults extracts the variables section of a template source without
// rendering it. The section holds literal default values for caller
// parameters, so it must be plain YAML; the rest of the document may
// contain placeholders that would not parse before substitution. Returns
// an empty map when the template declares no variables.
func Defaults(source string) (map[string]any, error) {
	lines := strings.Split(source, "\n")
	start := -1
	for i, line := range lines {
		if line == "variables:" || strings.HasPrefix(line, "variables:") && strings.TrimSpace(line[len("variables:"):]) == "" {
			start = i
			break
		}
	}
	if start == -1 {
		return map[string]any{}, nil
	}
	// Collect the indented block that follows the section header.
	section := []string{"variables:"}
	for _, line := range lines[start+1:] {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			section = append(section, line)
			continue
		}
		if !strings.HasPrefix(line, " ") && !strings.HasPrefix(line, "\t") {
			break
		}
		section = append(section, line)
	}
	var doc struct {
		Variables map[string]any `yaml:"variables"`
	}
	if err := yaml.Unmarshal([]byte(strings.Join(section, "\n")), &doc); err != nil {
		return nil, fmt.Errorf("parse variables section: %w", err)
	}
	if doc.Variables == nil {
		doc.Variables = map[string]any{}
	}
	return doc.Variables, nil
}
