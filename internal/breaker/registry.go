package breaker

import (
	"fmt"
	"sort"
	"sync"
)

// Registry mapeia nome → breaker durante toda a vida do processo.
// É construído uma vez no startup e injetado; não há remoção.
type Registry struct {
	mu     sync.RWMutex
	guards map[string]Guard
}

// NewRegistry cria um registry vazio
func NewRegistry() *Registry {
	return &Registry{guards: make(map[string]Guard)}
}

// Register adiciona um breaker; nomes são únicos
func (r *Registry) Register(g Guard) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.guards[g.Name()]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateName, g.Name())
	}
	r.guards[g.Name()] = g
	return nil
}

// Get busca um breaker pelo nome
func (r *Registry) Get(name string) (Guard, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	g, ok := r.guards[name]
	return g, ok
}

// Status retorna o snapshot de todos os breakers, ordenado por nome
func (r *Registry) Status() []Snapshot {
	r.mu.RLock()
	guards := make([]Guard, 0, len(r.guards))
	for _, g := range r.guards {
		guards = append(guards, g)
	}
	r.mu.RUnlock()

	snapshots := make([]Snapshot, 0, len(guards))
	for _, g := range guards {
		snapshots = append(snapshots, g.State())
	}
	sort.Slice(snapshots, func(i, j int) bool {
		return snapshots[i].Name < snapshots[j].Name
	})
	return snapshots
}
