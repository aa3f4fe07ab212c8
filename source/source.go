// Package source defines the upstream adapter contract and the short-name
// registry through which adapters are onboarded. A source exposes one lazy,
// single-consumption entity stream per run; the stream must tolerate
// cancellation between yields and must never assume it runs to completion.
package source

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"driftsync.dev/credstore"
	"driftsync.dev/entity"
	"driftsync.dev/token"
)

// Result is one yield of the entity stream: an entity or a stream-scoped
// error. Per-entity failures are reported as entities with System.ShouldSkip
// set; a Result error terminates the stream.
type Result struct {
	Entity *entity.Entity
	Err    error
}

// Source streams typed entities out of one upstream system.
type Source interface {
	// Name returns the adapter's registry short name.
	Name() string

	// GenerateEntities opens the stream. The channel is closed when the
	// upstream is exhausted, a stream error was emitted, or ctx is done.
	// The stream is not restartable mid-run.
	GenerateEntities(ctx context.Context) (<-chan Result, error)

	// Validate performs the liveness and authorization check.
	Validate(ctx context.Context) error
}

// CursorSource is implemented by sources that support incremental cursors.
type CursorSource interface {
	Source

	// DefaultCursorField names the field used when the sync does not
	// configure one.
	DefaultCursorField() string

	// ValidateCursorField rejects fields the source cannot order by.
	ValidateCursorField(field string) error

	// SetCursor installs the cursor position for this run.
	SetCursor(field string, value any)

	// EffectiveCursorField returns the field in use after configuration.
	EffectiveCursorField() string
}

// Factory constructs a source from decrypted credentials, adapter config, and
// the run's token provider.
type Factory func(creds *credstore.Credentials, cfg map[string]any, tokens token.Provider) (Source, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register adds an adapter factory under its short name.
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[name]; dup {
		panic(fmt.Sprintf("source: duplicate registration of %q", name))
	}
	registry[name] = factory
}

// New constructs the adapter registered under name.
func New(name string, creds *credstore.Credentials, cfg map[string]any, tokens token.Provider) (Source, error) {
	registryMu.RLock()
	factory, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("source: unknown source %q", name)
	}
	return factory(creds, cfg, tokens)
}

// Names returns the sorted short names of all registered adapters.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// emit pushes a result, honoring cancellation. Returns false when the run is
// cancelled and the producer should stop.
func emit(ctx context.Context, out chan<- Result, r Result) bool {
	select {
	case out <- r:
		return true
	case <-ctx.Done():
		return false
	}
}

// stringOpt reads an optional string from adapter config.
func stringOpt(cfg map[string]any, key, fallback string) string {
	if v, ok := cfg[key].(string); ok && v != "" {
		return v
	}
	return fallback
}
