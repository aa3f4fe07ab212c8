// Package transform implements the operator nodes of the sync DAG.
// A transformer is a pure function of its input entity: it may produce zero,
// one, or many output entities and must not reach for external state, which
// keeps per-entity dispatch a plain in-memory call.
//
// Transformers are registered under short names; the run context builder
// resolves a DAG's transformer references against the catalog once, so the
// hot path never touches the registry.
package transform

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"driftsync.dev/entity"
)

// Transformer converts one entity into zero or more derived entities.
type Transformer interface {
	// Name returns the transformer's catalog short name.
	Name() string

	// Apply produces the derived entities for e. Implementations must not
	// mutate e; derive with entity.Clone.
	Apply(ctx context.Context, e *entity.Entity) ([]*entity.Entity, error)
}

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Transformer)
)

// Register adds a transformer to the catalog under its short name.
// Registering a duplicate name panics: catalog names are wired into user DAG
// configurations and silently replacing one is never intended.
func Register(t Transformer) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[t.Name()]; dup {
		panic(fmt.Sprintf("transform: duplicate registration of %q", t.Name()))
	}
	registry[t.Name()] = t
}

// Resolve returns the transformer registered under name.
func Resolve(name string) (Transformer, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	t, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("transform: unknown transformer %q", name)
	}
	return t, nil
}

// Catalog returns the sorted short names of all registered transformers.
func Catalog() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
