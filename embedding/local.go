package embedding

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// DefaultLocalDimension is the vector width of the local model.
const DefaultLocalDimension = 384

// LocalModel is a deterministic feature-hashing embedder used when no
// embedding API key is configured: each token is hashed into a bucket and the
// bucket counts are L2-normalized. It gives stable, cheap vectors suitable
// for development, tests, and keyword-ish retrieval; it is not a semantic
// model.
type LocalModel struct {
	dim int
}

// NewLocalModel returns a local model of the given width; dim <= 0 selects
// DefaultLocalDimension.
func NewLocalModel(dim int) *LocalModel {
	if dim <= 0 {
		dim = DefaultLocalDimension
	}
	return &LocalModel{dim: dim}
}

func (m *LocalModel) Dimension() int { return m.dim }

func (m *LocalModel) Embed(_ context.Context, text string) ([]float32, error) {
	vec := zeroVector(m.dim)
	if text == "" {
		return vec, nil
	}
	for _, token := range Tokenize(text) {
		h := fnv.New32a()
		h.Write([]byte(token))
		vec[int(h.Sum32())%m.dim]++
	}
	normalize(vec)
	return vec, nil
}

func (m *LocalModel) EmbedMany(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for _, text := range texts {
		vec, err := m.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		out = append(out, vec)
	}
	return out, nil
}

// Tokenize lowercases and splits on everything that is not a letter or digit.
// Shared by the local dense model and the sparse encoder.
func Tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func normalize(vec []float32) {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return
	}
	norm := float32(math.Sqrt(sum))
	for i := range vec {
		vec[i] /= norm
	}
}
