package core

import (
	"context"
	"sort"
	"sync"
)

// TaskSource produces the full list of task definitions. It is re-read on every reload.
type TaskSource interface {
	Load(ctx context.Context) ([]TaskDefinition, error)
}

// SourceFunc adapts a plain function to TaskSource.
type SourceFunc func(ctx context.Context) ([]TaskDefinition, error)

func (f SourceFunc) Load(ctx context.Context) ([]TaskDefinition, error) {
	return f(ctx)
}

// Registry is the in-memory name -> definition mapping, replaced wholesale on reload.
type Registry struct {
	mu    sync.RWMutex
	tasks map[string]TaskDefinition
}

func NewRegistry() *Registry {
	return &Registry{tasks: make(map[string]TaskDefinition)}
}

// Replace swaps the whole mapping. Later definitions win on name collision.
func (r *Registry) Replace(defs []TaskDefinition) {
	next := make(map[string]TaskDefinition, len(defs))
	for _, def := range defs {
		next[def.Name] = def
	}
	r.mu.Lock()
	r.tasks = next
	r.mu.Unlock()
}

func (r *Registry) Get(name string) (TaskDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.tasks[name]
	return def, ok
}

// List returns all definitions sorted by name.
func (r *Registry) List() []TaskDefinition {
	r.mu.RLock()
	defs := make([]TaskDefinition, 0, len(r.tasks))
	for _, def := range r.tasks {
		defs = append(defs, def)
	}
	r.mu.RUnlock()
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Remove drops a definition and reports whether it was present.
func (r *Registry) Remove(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tasks[name]; !ok {
		return false
	}
	delete(r.tasks, name)
	return true
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tasks)
}
