// Package replicated provides a replicated-map backed implementation of
// the template catalog.
//
// Templates are persisted in a Pulse replicated map (rmap), which is
// backed by Redis. Registrations are durable across orchestrator restarts
// and visible to every node sharing the same map name and Redis instance,
// so any node can expand any registered template.
package replicated

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"goa.design/maestro/catalog"
)

type (
	// Map is the minimal replicated-map contract required by the
	// replicated catalog.
	//
	// Map is satisfied by `*rmap.Map` from `goa.design/pulse/rmap`. It is
	// defined here to keep the catalog unit-testable without Redis and to
	// avoid coupling callers to a concrete Pulse implementation.
	//
	// Implementations must be safe for concurrent use.
	Map interface {
		Get(key string) (string, bool)
		Keys() []string
		Set(ctx context.Context, key, value string) (string, error)
	}

	// Catalog persists templates in a replicated map. It is safe for
	// concurrent use when backed by a concurrent-safe map (such as
	// rmap.Map).
	Catalog struct {
		m Map
	}
)

const templateKeyPrefix = "maestro:template:"

// New creates a replicated catalog backed by the given map.
func New(m Map) *Catalog {
	return &Catalog{m: m}
}

// Compile-time check that Catalog implements catalog.Catalog.
var _ catalog.Catalog = (*Catalog)(nil)

// Register stores or updates a template.
func (c *Catalog) Register(ctx context.Context, tpl *catalog.Template) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := tpl.Validate(); err != nil {
		return err
	}
	b, err := json.Marshal(tpl)
	if err != nil {
		return fmt.Errorf("marshal template %q: %w", tpl.Name, err)
	}
	if _, err := c.m.Set(ctx, templateKey(tpl.Name), string(b)); err != nil {
		return fmt.Errorf("store template %q: %w", tpl.Name, err)
	}
	return nil
}

// Lookup retrieves a template by name.
func (c *Catalog) Lookup(ctx context.Context, name string) (*catalog.Template, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	val, ok := c.m.Get(templateKey(name))
	if !ok {
		return nil, catalog.ErrNotFound
	}
	var tpl catalog.Template
	if err := json.Unmarshal([]byte(val), &tpl); err != nil {
		return nil, fmt.Errorf("unmarshal template %q: %w", name, err)
	}
	return &tpl, nil
}

// Names returns all registered template names in sorted order.
func (c *Catalog) Names(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var names []string
	for _, k := range c.m.Keys() {
		if strings.HasPrefix(k, templateKeyPrefix) {
			names = append(names, strings.TrimPrefix(k, templateKeyPrefix))
		}
	}
	sort.Strings(names)
	return names, nil
}

func templateKey(name string) string {
	return templateKeyPrefix + name
}
