package ai

import (
	"context"
	"math"
)

// NormalizeVector normalizes a vector to unit length.
// Returns a new vector. If the input is a zero vector, returns a zero vector.
func NormalizeVector(v []float32) []float32 {
	if len(v) == 0 {
		return v
	}

	var magnitude float64
	for _, val := range v {
		magnitude += float64(val) * float64(val)
	}
	magnitude = math.Sqrt(magnitude)

	result := make([]float32, len(v))
	if magnitude == 0 {
		return result
	}
	for i, val := range v {
		result[i] = float32(float64(val) / magnitude)
	}
	return result
}

// normalizingEmbedder rescales every vector of the wrapped embedder to unit length.
type normalizingEmbedder struct {
	next Embedder
}

// NewNormalizingEmbedder wraps an embedder so it returns unit-length vectors.
func NewNormalizingEmbedder(next Embedder) Embedder {
	return &normalizingEmbedder{next: next}
}

func (n *normalizingEmbedder) EmbedImage(ctx context.Context, image []byte) ([]float32, error) {
	v, err := n.next.EmbedImage(ctx, image)
	if err != nil {
		return nil, err
	}
	return NormalizeVector(v), nil
}

func (n *normalizingEmbedder) EmbedImages(ctx context.Context, images [][]byte) ([][]float32, error) {
	vs, err := n.next.EmbedImages(ctx, images)
	if err != nil {
		return nil, err
	}
	for i := range vs {
		vs[i] = NormalizeVector(vs[i])
	}
	return vs, nil
}

func (n *normalizingEmbedder) Dimensions() int {
	return n.next.Dimensions()
}
