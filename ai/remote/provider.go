package remote

import (
	"log/slog"

	"github.com/poiesic/similarity/ai"
)

// Provider implements ai.AIProvider for a remote embedding service.
type Provider struct {
	config   *ai.Config
	embedder ai.Embedder
	logger   *slog.Logger
}

// NewProvider creates a new AI provider backed by the remote service.
// The config is validated and normalized before use.
//
// Returns ai.AIProvider interface (not *Provider) to enforce abstraction.
func NewProvider(config *ai.Config) (ai.AIProvider, error) {
	embedder, err := NewEmbedder(config)
	if err != nil {
		return nil, err
	}

	return &Provider{
		config:   config,
		embedder: embedder,
		logger:   slog.Default().With("component", "remote-provider"),
	}, nil
}

// Embedder returns the image embedding service.
func (p *Provider) Embedder() ai.Embedder {
	return p.embedder
}

// Close releases resources held by the provider.
func (p *Provider) Close() error {
	p.logger.Debug("closing remote provider")
	if e, ok := p.embedder.(*Embedder); ok {
		e.client.CloseIdleConnections()
	}
	return nil
}
