package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/poiesic/similarity/ai"
)

// maxResponseBytes bounds the size of an embedding response.
const maxResponseBytes = 16 << 20

// Embedder implements ai.Embedder against a remote HTTP embedding service.
//
// The service accepts the raw image bytes in the body of POST {host}/embed and
// answers with a JSON object {"embedding": [...]}.
type Embedder struct {
	endpoint string
	dim      int
	client   *http.Client
	logger   *slog.Logger
}

type embedResponse struct {
	Embedding []float32 `json:"embedding"`
	Error     string    `json:"error,omitempty"`
}

// newEmbedder is an internal constructor that returns the concrete type.
func newEmbedder(config *ai.Config, client *http.Client) (*Embedder, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	endpoint, err := url.Parse(config.EmbeddingHost + "/embed")
	if err != nil {
		return nil, fmt.Errorf("ai config: invalid EmbeddingHost: %w", err)
	}
	if config.EmbeddingModel != "" {
		q := endpoint.Query()
		q.Set("model", config.EmbeddingModel)
		endpoint.RawQuery = q.Encode()
	}
	if client == nil {
		client = &http.Client{Timeout: config.Timeout}
	}

	return &Embedder{
		endpoint: endpoint.String(),
		dim:      config.Dimensions,
		client:   client,
		logger:   slog.Default().With("component", "remote-embedder"),
	}, nil
}

// NewEmbedder creates a new embedder using the provided configuration.
//
// Returns ai.Embedder interface to enforce abstraction. When config.Normalize
// is set the returned embedder produces unit-length vectors.
func NewEmbedder(config *ai.Config) (ai.Embedder, error) {
	e, err := newEmbedder(config, nil)
	if err != nil {
		return nil, err
	}
	if config.Normalize {
		return ai.NewNormalizingEmbedder(e), nil
	}
	return e, nil
}

// EmbedImage sends one image to the service and returns its vector.
func (e *Embedder) EmbedImage(ctx context.Context, image []byte) ([]float32, error) {
	if len(image) == 0 {
		return nil, fmt.Errorf("%w: empty image", ai.ErrModel)
	}
	e.logger.Debug("generating embedding for image", "bytes", len(image))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(image))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("Accept", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %w", ai.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: reading response: %w", ai.ErrUnavailable, err)
	}

	var parsed embedResponse
	// Error bodies are not always JSON
	_ = json.Unmarshal(body, &parsed)

	if err := classifyStatus(resp.StatusCode, parsed.Error); err != nil {
		e.logger.Warn("embedding request failed", "status", resp.StatusCode, "err", err)
		return nil, err
	}
	if parsed.Embedding == nil {
		return nil, fmt.Errorf("%w: response has no embedding", ai.ErrUnavailable)
	}
	if len(parsed.Embedding) != e.dim {
		return nil, fmt.Errorf("%w: got %d values, expected %d", ai.ErrDimensionMismatch, len(parsed.Embedding), e.dim)
	}
	return parsed.Embedding, nil
}

// EmbedImages embeds each image in order.
func (e *Embedder) EmbedImages(ctx context.Context, images [][]byte) ([][]float32, error) {
	e.logger.Debug("generating embeddings for images", "count", len(images))

	embeddings := make([][]float32, len(images))
	for i, image := range images {
		v, err := e.EmbedImage(ctx, image)
		if err != nil {
			return nil, fmt.Errorf("image %d: %w", i, err)
		}
		embeddings[i] = v
	}
	return embeddings, nil
}

// Dimensions returns the configured vector length.
func (e *Embedder) Dimensions() int {
	return e.dim
}

// classifyStatus maps an HTTP status to the ai error taxonomy.
func classifyStatus(status int, message string) error {
	if status >= 200 && status < 300 {
		return nil
	}
	if message == "" {
		message = http.StatusText(status)
	}
	switch {
	case status == http.StatusBadRequest,
		status == http.StatusUnsupportedMediaType,
		status == http.StatusUnprocessableEntity:
		return fmt.Errorf("%w: %d %s", ai.ErrModel, status, message)
	case status == http.StatusRequestTimeout,
		status == http.StatusTooManyRequests,
		status >= 500:
		return fmt.Errorf("%w: %d %s", ai.ErrUnavailable, status, message)
	default:
		return fmt.Errorf("embedding service returned %d %s", status, message)
	}
}
