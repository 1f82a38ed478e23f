package relation

import (
	"fmt"
	"sync"

	"github.com/pgprobe/pgprobe/internal/model"
)

// Registry holds the relation databags currently known to the probe, keyed
// by endpoint name. It is the in-memory view of the store's relations table;
// callers mutate both and the registry is reloaded from the store on start.
type Registry struct {
	mu        sync.RWMutex
	relations map[string]model.Relation
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{relations: make(map[string]model.Relation)}
}

// Load replaces the registry contents with the given relations.
func (r *Registry) Load(rels []model.Relation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.relations = make(map[string]model.Relation, len(rels))
	for _, rel := range rels {
		r.relations[rel.Name] = rel
	}
}

// Upsert adds or replaces a relation databag.
func (r *Registry) Upsert(rel model.Relation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.relations[rel.Name] = rel
}

// Remove drops a relation databag (relation-broken).
func (r *Registry) Remove(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.relations, name)
}

// Get returns the relation with the given endpoint name.
func (r *Registry) Get(name string) (*model.Relation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rel, ok := r.relations[name]
	if !ok {
		return nil, fmt.Errorf("relation %q not found (available: %v)", name, r.names())
	}
	return &rel, nil
}

// Resolve returns the relation for the run-sql and test-tls actions. Only
// the first and second database relations are valid targets; any other name
// is rejected the same way the actions reject it.
func (r *Registry) Resolve(name string) (*model.Relation, error) {
	if name != model.FirstDatabase && name != model.SecondDatabase {
		return nil, fmt.Errorf("invalid relation name")
	}
	return r.Get(name)
}

// List returns all known relations.
func (r *Registry) List() []model.Relation {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rels := make([]model.Relation, 0, len(r.relations))
	for _, rel := range r.relations {
		rels = append(rels, rel)
	}
	return rels
}

// Names returns the endpoint names of all known relations.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.names()
}

func (r *Registry) names() []string {
	names := make([]string, 0, len(r.relations))
	for n := range r.relations {
		names = append(names, n)
	}
	return names
}
