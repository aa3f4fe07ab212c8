// Package embedding maps entity text to dense vectors, with an optional
// BM25-style sparse companion. Model selection is a run-time property of the
// context: a remote API-backed model when an API key is configured, a local
// deterministic model otherwise.
package embedding

import (
	"context"
)

// Model is the embedding contract used by the processor.
//
// Edge semantics:
//   - Embed("") returns a zero vector of the configured dimension.
//   - EmbedMany(nil) and EmbedMany([]) return an empty slice.
//   - Empty strings inside a batch keep their position as zero vectors.
type Model interface {
	// Embed maps one text to a dense vector.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedMany maps a batch, preserving positional alignment with the
	// input slice.
	EmbedMany(ctx context.Context, texts []string) ([][]float32, error)

	// Dimension returns the vector width this model produces.
	Dimension() int
}

// zeroVector returns an all-zero vector of the given width.
func zeroVector(dim int) []float32 {
	return make([]float32, dim)
}

// splitEmpties partitions a batch into the non-empty texts and the index map
// needed to reassemble API results positionally.
func splitEmpties(texts []string) (nonEmpty []string, indexOf []int) {
	for i, text := range texts {
		if text == "" {
			continue
		}
		nonEmpty = append(nonEmpty, text)
		indexOf = append(indexOf, i)
	}
	return nonEmpty, indexOf
}
