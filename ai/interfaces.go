package ai

import "context"

// Embedder turns raw image bytes into fixed-length feature vectors.
// Implementations must be thread-safe for concurrent use.
type Embedder interface {
	// EmbedImage generates a feature vector for one encoded image.
	// Returns an error wrapping ErrModel if the bytes are not a decodable image.
	EmbedImage(ctx context.Context, image []byte) ([]float32, error)

	// EmbedImages generates feature vectors for several images.
	// The returned slice contains embeddings in the same order as the input.
	// Fails as a whole if any image fails.
	EmbedImages(ctx context.Context, images [][]byte) ([][]float32, error)

	// Dimensions returns the length D of every vector this embedder produces.
	Dimensions() int
}

// AIProvider aggregates AI services for convenient initialization and lifecycle management.
type AIProvider interface {
	// Embedder returns the image embedding service.
	// The returned Embedder is safe for concurrent use.
	Embedder() Embedder

	// Close releases resources held by the provider and its services.
	// After Close is called, the provider and its services should not be used.
	Close() error
}
