// Copyright 2025 Poiesic Systems
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


package ai

import (
	"errors"
	"strings"
	"time"
)

// Config holds configuration for the embedding service.
type Config struct {
	// EmbeddingHost is the base URL of the embedding service.
	// Example: "http://localhost:8501"
	EmbeddingHost string

	// EmbeddingModel is the model identifier passed to the service.
	// Empty lets the service pick its default.
	EmbeddingModel string

	// Dimensions is the length D of every vector the service returns.
	Dimensions int

	// Timeout bounds a single embedding request.
	Timeout time.Duration

	// Normalize rescales every vector to unit length, so dot products become
	// cosine similarities.
	Normalize bool
}

// ConfigOption is a functional option for configuring a Config.
type ConfigOption func(*Config)

// WithEmbeddingHost sets the embedding service host URL.
func WithEmbeddingHost(host string) ConfigOption {
	return func(c *Config) {
		c.EmbeddingHost = host
	}
}

// WithEmbeddingModel sets the embedding model identifier.
func WithEmbeddingModel(model string) ConfigOption {
	return func(c *Config) {
		c.EmbeddingModel = model
	}
}

// WithDimensions sets the expected vector length.
func WithDimensions(dim int) ConfigOption {
	return func(c *Config) {
		c.Dimensions = dim
	}
}

// WithTimeout sets the per-request timeout.
func WithTimeout(timeout time.Duration) ConfigOption {
	return func(c *Config) {
		c.Timeout = timeout
	}
}

// WithNormalize enables or disables unit-length normalization.
func WithNormalize(normalize bool) ConfigOption {
	return func(c *Config) {
		c.Normalize = normalize
	}
}

// DefaultConfig returns a Config with sensible defaults for a local embedding service.
func DefaultConfig() *Config {
	return &Config{
		EmbeddingHost: "http://localhost:8501",
		Dimensions:    512,
		Timeout:       30 * time.Second,
	}
}

// NewConfig creates a Config with the default values and applies the provided options.
//
// Example:
//
//	cfg := NewConfig(
//	    WithEmbeddingHost("http://embedder:8501"),
//	    WithDimensions(768),
//	)
func NewConfig(opts ...ConfigOption) *Config {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}

// NormalizeHost puts the host in canonical form.
// Surrounding whitespace and trailing slashes are removed.
func (c *Config) NormalizeHost() {
	c.EmbeddingHost = strings.TrimRight(strings.TrimSpace(c.EmbeddingHost), "/")
}

// Validate checks that the configuration is valid and complete.
// It normalizes the host before validation.
func (c *Config) Validate() error {
	c.NormalizeHost()

	if c.EmbeddingHost == "" {
		return errors.New("ai config: EmbeddingHost is required")
	}
	if !strings.HasPrefix(c.EmbeddingHost, "http://") && !strings.HasPrefix(c.EmbeddingHost, "https://") {
		return errors.New("ai config: EmbeddingHost must be an http(s) URL")
	}
	if c.Dimensions <= 0 {
		return errors.New("ai config: Dimensions must be positive")
	}
	if c.Timeout <= 0 {
		return errors.New("ai config: Timeout must be positive")
	}
	return nil
}
