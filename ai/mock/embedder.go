package mock

import (
	"context"
	"hash/fnv"
	"sync"
)

// DefaultDimensions is the vector length of a MockEmbedder without custom behavior.
const DefaultDimensions = 8

// MockEmbedder is a test double for ai.Embedder.
// It allows custom behavior injection via function fields and is safe for
// concurrent use.
type MockEmbedder struct {
	// EmbedImageFunc is called by EmbedImage if set.
	// If nil, uses default deterministic behavior.
	EmbedImageFunc func(ctx context.Context, image []byte) ([]float32, error)

	// Dim is the vector length reported by Dimensions and used by the
	// default behavior.
	Dim int

	mu        sync.Mutex
	callCount int
}

// NewMockEmbedder creates a mock embedder with default deterministic behavior.
// Note: Returns concrete type to allow test assertions.
func NewMockEmbedder() *MockEmbedder {
	return &MockEmbedder{Dim: DefaultDimensions}
}

// WithEmbedImageFunc sets the function used by EmbedImage.
func (m *MockEmbedder) WithEmbedImageFunc(fn func(ctx context.Context, image []byte) ([]float32, error)) *MockEmbedder {
	m.EmbedImageFunc = fn
	return m
}

// WithDimensions sets the vector length.
func (m *MockEmbedder) WithDimensions(dim int) *MockEmbedder {
	m.Dim = dim
	return m
}

// EmbedImage generates a deterministic embedding based on the image bytes.
func (m *MockEmbedder) EmbedImage(ctx context.Context, image []byte) ([]float32, error) {
	m.mu.Lock()
	m.callCount++
	m.mu.Unlock()

	if m.EmbedImageFunc != nil {
		return m.EmbedImageFunc(ctx, image)
	}
	return DeterministicVector(image, m.Dim), nil
}

// EmbedImages embeds every image in order with EmbedImage.
func (m *MockEmbedder) EmbedImages(ctx context.Context, images [][]byte) ([][]float32, error) {
	embeddings := make([][]float32, len(images))
	for i, image := range images {
		v, err := m.EmbedImage(ctx, image)
		if err != nil {
			return nil, err
		}
		embeddings[i] = v
	}
	return embeddings, nil
}

// Dimensions returns the configured vector length.
func (m *MockEmbedder) Dimensions() int {
	return m.Dim
}

// CallCount returns the number of images embedded so far.
func (m *MockEmbedder) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.callCount
}

// Reset clears the call count and custom behavior.
func (m *MockEmbedder) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callCount = 0
	m.EmbedImageFunc = nil
}

// DeterministicVector creates a deterministic embedding vector from bytes.
// It uses FNV hash to ensure the same input always produces the same vector.
func DeterministicVector(data []byte, dim int) []float32 {
	h := fnv.New32a()
	h.Write(data)
	seed := h.Sum32()

	vector := make([]float32, dim)
	for i := 0; i < dim; i++ {
		// Simple pseudo-random generation based on seed and index
		seed = seed*1664525 + 1013904223 // LCG constants
		vector[i] = float32(seed%1000) / 1000.0
	}
	return vector
}
