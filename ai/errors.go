package ai

import "errors"

var (
	// ErrModel indicates the embedding model rejected the input, usually
	// because the bytes are not a decodable image. Retrying will not help.
	ErrModel = errors.New("embedding model rejected input")

	// ErrUnavailable indicates a transient failure of the embedding service.
	ErrUnavailable = errors.New("embedding service unavailable")

	// ErrDimensionMismatch indicates the service returned a vector of an
	// unexpected length.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")

	// ErrEmbedderRequired indicates a nil embedder was supplied.
	ErrEmbedderRequired = errors.New("embedder is required")
)
