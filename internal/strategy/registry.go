package strategy

import (
	"sort"
	"strings"
	"sync"

	"execution-core/internal/apperr"
)

// Registry maps strategy type names to slicers. New strategies are added
// by registering another Slicer.
type Registry struct {
	mu      sync.RWMutex
	slicers map[string]Slicer
}

// NewRegistry creates a registry holding the given slicers.
func NewRegistry(slicers ...Slicer) *Registry {
	r := &Registry{slicers: make(map[string]Slicer, len(slicers))}
	for _, s := range slicers {
		r.Register(s)
	}
	return r
}

// DefaultRegistry holds every built-in strategy.
func DefaultRegistry() *Registry {
	return NewRegistry(
		TWAP{},
		VWAP{},
		Iceberg{},
		Sniper{},
		Momentum(),
		MeanReversion(),
		Arbitrage{},
		Custom{},
	)
}

// Register adds or replaces a slicer.
func (r *Registry) Register(s Slicer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.slicers[normalizeType(s.Type())] = s
}

// Get returns the slicer for typ or a validation error.
func (r *Registry) Get(typ string) (Slicer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.slicers[normalizeType(typ)]
	if !ok {
		return nil, apperr.Validationf("strategy.Registry", "unknown_strategy:%s", typ)
	}
	return s, nil
}

// Has reports whether typ is registered.
func (r *Registry) Has(typ string) bool {
	_, err := r.Get(typ)
	return err == nil
}

// Types lists registered type names.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.slicers))
	for t := range r.slicers {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func normalizeType(t string) string {
	t = strings.ToLower(strings.TrimSpace(t))
	return strings.ReplaceAll(t, "-", "_")
}
