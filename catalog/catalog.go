// Package catalog defines the registry of named scenario templates.
//
// Submitters refer to templates by name; the catalog resolves the name to
// the template source that the engine renders. Available implementations:
//
//   - memory: in-process catalog for development and testing
//   - replicated: Pulse replicated-map backed catalog so all orchestrator
//     nodes in a cluster see the same templates
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// ErrNotFound is returned when a template name is not registered.
var ErrNotFound = errors.New("template not found")

// Template is a registered scenario template. Source is the document text
// rendered by the engine at submit time. ParamsSchema optionally carries a
// JSON schema validated against the caller's parameters before rendering.
type Template struct {
	Name         string `json:"name"`
	Version      string `json:"version"`
	Source       string `json:"source"`
	ParamsSchema string `json:"params_schema,omitempty"`
}

// Catalog is the template registry. Implementations must be safe for
// concurrent use.
type Catalog interface {
	// Register stores or updates a template. An existing template with
	// the same name is replaced.
	Register(ctx context.Context, tpl *Template) error

	// Lookup retrieves a template by name. Returns ErrNotFound if the
	// template does not exist.
	Lookup(ctx context.Context, name string) (*Template, error)

	// Names returns all registered template names.
	Names(ctx context.Context) ([]string, error)
}

// Validate checks structural requirements shared by all backends.
func (t *Template) Validate() error {
	if t.Name == "" {
		return errors.New("template name is required")
	}
	if strings.TrimSpace(t.Source) == "" {
		return fmt.Errorf("template %q has no source", t.Name)
	}
	if t.ParamsSchema != "" {
		if _, err := compileSchema(t.Name, t.ParamsSchema); err != nil {
			return fmt.Errorf("template %q: %w", t.Name, err)
		}
	}
	return nil
}

// ValidateParams validates caller parameters against the template's
// declared schema. Templates without a schema accept any parameters.
func (t *Template) ValidateParams(params map[string]any) error {
	if t.ParamsSchema == "" {
		return nil
	}
	sch, err := compileSchema(t.Name, t.ParamsSchema)
	if err != nil {
		return fmt.Errorf("template %q: %w", t.Name, err)
	}
	// Round-trip so values are in the shape the validator expects
	// (json.Unmarshal output, e.g. numbers as float64).
	if params == nil {
		params = map[string]any{}
	}
	blob, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("marshal parameters: %w", err)
	}
	instance, err := jsonschema.UnmarshalJSON(strings.NewReader(string(blob)))
	if err != nil {
		return fmt.Errorf("decode parameters: %w", err)
	}
	if err := sch.Validate(instance); err != nil {
		return fmt.Errorf("parameters do not match schema of template %q: %w", t.Name, err)
	}
	return nil
}

func compileSchema(name, source string) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(source))
	if err != nil {
		return nil, fmt.Errorf("parse params schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	url := name + "/params.schema.json"
	if err := compiler.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add params schema: %w", err)
	}
	sch, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile params schema: %w", err)
	}
	return sch, nil
}
