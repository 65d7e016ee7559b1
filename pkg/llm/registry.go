package llm

import (
	"sync"

	"github.com/pkg/errors"
)

// GeneratorInfo describes a registered generator for listings.
type GeneratorInfo struct {
	Name      string `json:"name"`
	Provider  string `json:"provider"`
	Available bool   `json:"available"`
}

// Registry holds named generators. Registration happens once at startup from
// the store's model configs; lookups are read-only afterwards.
type Registry struct {
	mu         sync.RWMutex
	generators map[string]Generator
	available  map[string]bool
	order      []string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		generators: make(map[string]Generator),
		available:  make(map[string]bool),
	}
}

// Register adds a generator under its name. available reflects whether the
// provider credential was present at startup.
func (r *Registry) Register(g Generator, available bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := g.Name()
	if _, exists := r.generators[name]; !exists {
		r.order = append(r.order, name)
	}
	r.generators[name] = g
	r.available[name] = available
}

// ByName resolves a generator by registry name.
func (r *Registry) ByName(name string) (Generator, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	g, ok := r.generators[name]
	if !ok {
		return nil, errors.Errorf("unknown generator: %s", name)
	}
	return g, nil
}

// ListAvailable returns all registered generators in registration order.
func (r *Registry) ListAvailable() []GeneratorInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]GeneratorInfo, 0, len(r.order))
	for _, name := range r.order {
		g := r.generators[name]
		infos = append(infos, GeneratorInfo{
			Name:      name,
			Provider:  g.Provider(),
			Available: r.available[name],
		})
	}
	return infos
}
