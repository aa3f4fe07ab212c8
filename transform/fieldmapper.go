package transform

import (
	"context"

	"driftsync.dev/entity"
)

// FieldMapper renames and drops domain fields. It is the simplest catalog
// transformer and the usual first node after a source whose field names do
// not match the collection's schema.
type FieldMapper struct {
	name   string
	rename map[string]string
	drop   map[string]bool
}

// NewFieldMapper builds a mapper registered under name that applies the given
// renames and drops the listed fields.
func NewFieldMapper(name string, rename map[string]string, drop []string) *FieldMapper {
	dropSet := make(map[string]bool, len(drop))
	for _, field := range drop {
		dropSet[field] = true
	}
	return &FieldMapper{name: name, rename: rename, drop: dropSet}
}

func (m *FieldMapper) Name() string { return m.name }

func (m *FieldMapper) Apply(_ context.Context, e *entity.Entity) ([]*entity.Entity, error) {
	out := e.Clone()
	for old, renamed := range m.rename {
		if v, ok := out.Fields[old]; ok {
			delete(out.Fields, old)
			out.Fields[renamed] = v
		}
	}
	for field := range m.drop {
		delete(out.Fields, field)
	}
	return []*entity.Entity{out}, nil
}
