package embedding

import (
	"math"
)

// SparseEncoder produces a BM25-style sparse companion vector: term →
// saturated term-frequency weight. When configured on a run it is attached to
// each entity alongside the dense vector and forwarded to destinations that
// support hybrid retrieval.
type SparseEncoder struct {
	// K1 is the BM25 term-frequency saturation parameter.
	K1 float64
}

// NewSparseEncoder returns an encoder with the conventional k1 = 1.2.
func NewSparseEncoder() *SparseEncoder {
	return &SparseEncoder{K1: 1.2}
}

// Encode maps text to a sparse term-weight vector. Empty text yields nil.
func (s *SparseEncoder) Encode(text string) map[string]float64 {
	tokens := Tokenize(text)
	if len(tokens) == 0 {
		return nil
	}
	counts := make(map[string]int, len(tokens))
	for _, token := range tokens {
		counts[token]++
	}
	weights := make(map[string]float64, len(counts))
	for term, tf := range counts {
		// Saturating tf weight; corpus-level idf is applied at query time
		// by destinations that maintain document frequencies.
		weights[term] = (float64(tf) * (s.K1 + 1)) / (float64(tf) + s.K1)
	}
	// Round to keep payloads compact and serialization deterministic.
	for term, w := range weights {
		weights[term] = math.Round(w*1e6) / 1e6
	}
	return weights
}
