package source

import (
	"context"
	"fmt"

	"driftsync.dev/credstore"
	"driftsync.dev/entity"
	"driftsync.dev/token"
)

// InlineSource yields a fixed entity slice. It backs fixture-driven syncs and
// the pipeline test suites; re-emitting the same entity twice is allowed so
// dedup behavior can be exercised.
type InlineSource struct {
	entities []*entity.Entity
	streamed bool
}

// NewInline builds an inline source over the given entities.
func NewInline(entities []*entity.Entity) *InlineSource {
	return &InlineSource{entities: entities}
}

func (s *InlineSource) Name() string { return "inline" }

func (s *InlineSource) GenerateEntities(ctx context.Context) (<-chan Result, error) {
	if s.streamed {
		return nil, fmt.Errorf("source: inline stream already consumed")
	}
	s.streamed = true
	out := make(chan Result)
	go func() {
		defer close(out)
		for _, e := range s.entities {
			if !emit(ctx, out, Result{Entity: e}) {
				return
			}
		}
	}()
	return out, nil
}

func (s *InlineSource) Validate(_ context.Context) error { return nil }

func init() {
	Register("inline", func(_ *credstore.Credentials, _ map[string]any, _ token.Provider) (Source, error) {
		return NewInline(nil), nil
	})
}
