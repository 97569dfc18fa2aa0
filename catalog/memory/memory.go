// Package memory provides an in-memory implementation of the template
// catalog, suitable for tests and single-node deployments.
package memory

import (
	"context"
	"sort"
	"sync"

	"goa.design/maestro/catalog"
)

// Catalog is an in-memory implementation of catalog.Catalog. It is safe
// for concurrent use.
type Catalog struct {
	mu        sync.RWMutex
	templates map[string]*catalog.Template
}

// Compile-time check that Catalog implements catalog.Catalog.
var _ catalog.Catalog = (*Catalog)(nil)

// New creates a new in-memory catalog.
func New() *Catalog {
	return &Catalog{templates: make(map[string]*catalog.Template)}
}

// Register stores or updates a template.
func (c *Catalog) Register(ctx context.Context, tpl *catalog.Template) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := tpl.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := *tpl
	c.templates[tpl.Name] = &cp
	return nil
}

// Lookup retrieves a template by name.
func (c *Catalog) Lookup(ctx context.Context, name string) (*catalog.Template, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	tpl, ok := c.templates[name]
	if !ok {
		return nil, catalog.ErrNotFound
	}
	cp := *tpl
	return &cp, nil
}

// Names returns all registered template names in sorted order.
func (c *Catalog) Names(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.templates))
	for name := range c.templates {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}
