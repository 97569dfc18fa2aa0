package template

import (
	"bytes"
	"fmt"
	"text/template"
	"time"

	"github.com/google/uuid"
)

// maxIDAttempts bounds the salted retries after a short-id collision.
const maxIDAttempts = 3

// shortIDLen is the length of SHORT_UUID identifiers (hex characters).
const shortIDLen = 8

// Engine renders template documents for one scenario expansion. Identifier
// generators are deterministic in the scenario id: UUID(label) returns the
// same value every time it is invoked during one expansion, and a different
// value for every other scenario. The engine is not safe for concurrent
// use; create one per expansion.
type Engine struct {
	ns     uuid.UUID
	ids    map[string]string // label -> generated id
	owners map[string]string // generated id -> label
}

// NewEngine creates an engine scoped to the given scenario id.
func NewEngine(scenarioID string) *Engine {
	return &Engine{
		ns:     uuid.NewSHA1(uuid.NameSpaceOID, []byte(scenarioID)),
		ids:    make(map[string]string),
		owners: make(map[string]string),
	}
}

// Render substitutes variables, identifier generators, arithmetic and loops
// in the template source. vars is the merge of the template's declared
// defaults and the caller's parameters. Missing variable references fail
// the render.
func (e *Engine) Render(name, source string, vars map[string]any) (string, error) {
	tmpl, err := template.New(name).
		Option("missingkey=error").
		Funcs(e.funcs()).
		Parse(source)
	if err != nil {
		return "", fmt.Errorf("parse template %q: %w", name, err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, vars); err != nil {
		return "", fmt.Errorf("render template %q: %w", name, err)
	}
	return buf.String(), nil
}

// IDs returns the label to id assignments made during rendering.
func (e *Engine) IDs() map[string]string {
	out := make(map[string]string, len(e.ids))
	for k, v := range e.ids {
		out[k] = v
	}
	return out
}

func (e *Engine) funcs() template.FuncMap {
	return template.FuncMap{
		"UUID":       e.fullID,
		"SHORT_UUID": e.shortID,
		"now":        func() string { return time.Now().UTC().Format(time.RFC3339) },
		"add":        func(a, b int) int { return a + b },
		"sub":        func(a, b int) int { return a - b },
		"mul":        func(a, b int) int { return a * b },
	}
}

// fullID implements the UUID generator.
func (e *Engine) fullID(label string) (string, error) {
	return e.generate(label, func(salted string) string {
		return uuid.NewSHA1(e.ns, []byte(salted)).String()
	})
}

// shortID implements the SHORT_UUID generator. Truncation makes collisions
// possible; generate retries with salted labels before giving up.
func (e *Engine) shortID(label string) (string, error) {
	return e.generate(label, func(salted string) string {
		id := uuid.NewSHA1(e.ns, []byte(salted))
		return id.String()[:shortIDLen]
	})
}

func (e *Engine) generate(label string, derive func(string) string) (string, error) {
	if id, ok := e.ids[label]; ok {
		return id, nil
	}
	salted := label
	for attempt := 0; attempt <= maxIDAttempts; attempt++ {
		id := derive(salted)
		owner, taken := e.owners[id]
		if !taken {
			e.ids[label] = id
			e.owners[id] = label
			return id, nil
		}
		if owner == label {
			return id, nil
		}
		salted = fmt.Sprintf("%s#%d", label, attempt+1)
	}
	return "", fmt.Errorf("id collision for label %q after %d attempts", label, maxIDAttempts)
}
