// Package template defines the scenario template document format and the
// engine that substitutes variables and identifier generators before
// expansion.
//
// A template is a YAML document with three top-level fields: name,
// variables (defaults for caller parameters) and tasks (ordered task
// templates). Placeholders use Go text/template syntax:
//
//	name: CreateVideo
//	variables:
//	  slides: 3
//	  prompt: ""
//	tasks:
//	  - id: '{{ SHORT_UUID "text" }}'
//	    service: text-service
//	    name: CreateText
//	    prompt: '{{ .prompt }}'
//	    params: { model: gpt-4o-mini }
//	  - id: '{{ SHORT_UUID "slide_prompt" }}'
//	    service: text-service
//	    name: CreateSlidePrompt
//	    count: '{{ .slides }}'
//	    inputs:
//	      text_task_id: '{{ SHORT_UUID "text" }}'
//
// References between tasks are expressed by invoking the same identifier
// generator with the same label: UUID and SHORT_UUID return the same value
// for the same label within one expansion, so the rendered document carries
// concrete ids that the expander resolves into edges. Variables, arithmetic
// (add/sub/mul) and loops (range over an int) are all substituted before
// the document is parsed.
package template

import (
	"fmt"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Document is a rendered scenario template.
type Document struct {
	Name      string         `yaml:"name"`
	Version   string         `yaml:"version"`
	Variables map[string]any `yaml:"variables"`
	Tasks     []TaskTemplate `yaml:"tasks"`
}

// TaskTemplate is one task entry of a template document. ID carries the
// label's generated base id; Count multiplies the task into replicas at
// expansion time; Inputs name the upstream references by base id.
type TaskTemplate struct {
	ID      string         `yaml:"id"`
	Service string         `yaml:"service"`
	Name    string         `yaml:"name"`
	Count   Count          `yaml:"count"`
	Prompt  string         `yaml:"prompt"`
	Params  map[string]any `yaml:"params"`
	Inputs  map[string]Inputs `yaml:"inputs"`
}

// Count is a task multiplier. It accepts a YAML integer or an
// integer-valued string (the usual shape after variable substitution).
// The zero value means "absent" and is treated as 1 by the expander.
type Count struct {
	set bool
	n   int
}

// Value returns the multiplier, defaulting to 1 when absent.
func (c Count) Value() int {
	if !c.set {
		return 1
	}
	return c.n
}

// Set reports whether the template declared a count.
func (c Count) Set() bool { return c.set }

// UnmarshalYAML accepts integers and integer-valued strings.
func (c *Count) UnmarshalYAML(node *yaml.Node) error {
	var n int
	if err := node.Decode(&n); err == nil {
		*c = Count{set: true, n: n}
		return nil
	}
	var s string
	if err := node.Decode(&s); err != nil {
		return fmt.Errorf("count must be an integer or integer-valued string")
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("count %q is not an integer", s)
	}
	*c = Count{set: true, n: n}
	return nil
}

// Inputs is a reference value in a task template's inputs map: a single
// base id (scalar reference) or a list of base ids (list reference, each
// element expanding to the full alias list of its label).
type Inputs struct {
	IDs  []string
	Many bool
}

// UnmarshalYAML accepts a string or a list of strings.
func (r *Inputs) UnmarshalYAML(node *yaml.Node) error {
	var id string
	if err := node.Decode(&id); err == nil {
		*r = Inputs{IDs: []string{id}}
		return nil
	}
	var ids []string
	if err := node.Decode(&ids); err != nil {
		return fmt.Errorf("input reference must be a string or list of strings")
	}
	*r = Inputs{IDs: ids, Many: true}
	return nil
}

// Parse decodes a rendered template document.
func Parse(rendered []byte) (*Document, error) {
	var doc Document
	if err := yaml.Unmarshal(rendered, &doc); err != nil {
		return nil, fmt.Errorf("parse template document: %w", err)
	}
	if doc.Name == "" {
		return nil, fmt.Errorf("template document has no name")
	}
	if len(doc.Tasks) == 0 {
		return nil, fmt.Errorf("template %q has no tasks", doc.Name)
	}
	for i, tt := range doc.Tasks {
		if tt.ID == "" {
			return nil, fmt.Errorf("template %q: task %d has no id", doc.Name, i)
		}
		if tt.Service == "" {
			return nil, fmt.Errorf("template %q: task %q has no service", doc.Name, tt.ID)
		}
		if tt.Name == "" {
			return nil, fmt.Errorf("template %q: task %q has no name", doc.Name, tt.ID)
		}
		if tt.Count.Set() && tt.Count.Value() < 0 {
			return nil, fmt.Errorf("template %q: task %q has negative count", doc.Name, tt.ID)
		}
	}
	return &doc, nil
}
