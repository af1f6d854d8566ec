package strategy

import (
	"sort"
	"sync"

	"execution-core/internal/apperr"
	"execution-core/pkg/config"
)

// Definition is a named strategy configuration.
type Definition struct {
	ID     string `json:"id"`
	Name   string `json:"name,omitempty"`
	Type   string `json:"type"`
	Params Params `json:"params,omitempty"`
}

// Catalog holds strategy definitions by id. It is loaded from the YAML
// catalog at startup and updated at runtime through Upsert/Remove.
type Catalog struct {
	mu       sync.RWMutex
	registry *Registry
	defs     map[string]Definition
}

// NewCatalog creates an empty catalog validated against reg.
func NewCatalog(reg *Registry) *Catalog {
	return &Catalog{registry: reg, defs: make(map[string]Definition)}
}

// Load upserts every catalog entry.
func (c *Catalog) Load(cfgs []config.StrategyConfig) error {
	for _, cfg := range cfgs {
		if err := c.Upsert(Definition{ID: cfg.ID, Name: cfg.Name, Type: cfg.Type, Params: Params(cfg.Params)}); err != nil {
			return err
		}
	}
	return nil
}

// Upsert adds or replaces a definition.
func (c *Catalog) Upsert(def Definition) error {
	const op = "strategy.Catalog.Upsert"
	if def.ID == "" {
		return apperr.Validation(op, "strategy_id_required")
	}
	if !c.registry.Has(def.Type) {
		return apperr.Validationf(op, "unknown_strategy_type:%s", def.Type)
	}
	def.Type = normalizeType(def.Type)
	def.Params = Params{}.Merge(def.Params)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.defs[def.ID] = def
	return nil
}

// Remove deletes a definition and reports whether it existed.
func (c *Catalog) Remove(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.defs[id]
	delete(c.defs, id)
	return ok
}

// Get returns a copy of a definition.
func (c *Catalog) Get(id string) (Definition, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.defs[id]
	if ok {
		d.Params = Params{}.Merge(d.Params)
	}
	return d, ok
}

// List returns all definitions sorted by id.
func (c *Catalog) List() []Definition {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Definition, 0, len(c.defs))
	for _, d := range c.defs {
		d.Params = Params{}.Merge(d.Params)
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Resolve looks up id and merges overrides onto its params. An id that is
// not in the catalog but names a registered type resolves to that type
// with only the overrides.
func (c *Catalog) Resolve(id string, overrides Params) (Definition, error) {
	if d, ok := c.Get(id); ok {
		d.Params = d.Params.Merge(overrides)
		return d, nil
	}
	if id != "" && c.registry.Has(id) {
		return Definition{ID: id, Type: normalizeType(id), Params: Params{}.Merge(overrides)}, nil
	}
	return Definition{}, apperr.Validationf("strategy.Catalog.Resolve", "unknown_strategy:%s", id)
}

// Slicer returns the slicer implementing def.
func (c *Catalog) Slicer(def Definition) (Slicer, error) {
	return c.registry.Get(def.Type)
}
