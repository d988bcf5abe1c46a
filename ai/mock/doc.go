// Package mock provides test double implementations of AI service interfaces.
//
// This package contains mock implementations of ai.Embedder and ai.AIProvider
// for use in unit tests. The mocks allow tests to run without an embedding
// service and enable controlled, deterministic behavior.
//
// # Usage in Tests
//
//	// Basic usage with default behavior
//	mockProvider := mock.NewMockProvider()
//	vector, err := mockProvider.Embedder().EmbedImage(ctx, imageBytes)
//
//	// Custom behavior injection
//	mockEmbedder := mock.NewMockEmbedder().
//	    WithDimensions(2).
//	    WithEmbedImageFunc(func(ctx context.Context, image []byte) ([]float32, error) {
//	        return []float32{0.8, 0.6}, nil
//	    })
//
//	// Check call counts
//	count := mockEmbedder.CallCount()
//
// # Default Behavior
//
// MockEmbedder returns deterministic vectors of DefaultDimensions values
// derived from an FNV hash of the image bytes.
package mock
