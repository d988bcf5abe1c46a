package config

import (
	"errors"
	"fmt"
	"net/url"

	"github.com/poiesic/similarity/storage"
)

type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Validate checks every section and returns all problems joined.
func (c *Config) Validate() error {
	var errs []error
	invalid := func(field, message string) {
		errs = append(errs, ValidationError{Field: field, Message: message})
	}

	switch c.Storage.Backend {
	case BackendBadger:
		if c.Storage.Path == "" {
			invalid("storage.path", "path is required for the badger backend")
		}
	case BackendPostgres:
		if c.Storage.PostgresURL == "" {
			invalid("storage.postgres_url", "postgres_url is required for the postgres backend")
		} else if _, err := url.Parse(c.Storage.PostgresURL); err != nil {
			invalid("storage.postgres_url", "invalid database URL")
		}
	default:
		invalid("storage.backend", fmt.Sprintf("unknown backend %q", c.Storage.Backend))
	}
	if _, err := storage.ParseCompression(c.Storage.Compression); err != nil {
		invalid("storage.compression", err.Error())
	}

	if err := c.AIConfig().Validate(); err != nil {
		invalid("embedding", err.Error())
	}

	if c.Fetch.Timeout <= 0 {
		invalid("fetch.timeout", "timeout must be positive")
	}
	if c.Fetch.RateLimit < 0 {
		invalid("fetch.rate_limit", "rate_limit cannot be negative")
	}
	if c.Fetch.Burst < 1 {
		invalid("fetch.burst", "burst must be positive")
	}
	if c.Fetch.MaxBytes < 0 {
		invalid("fetch.max_bytes", "max_bytes cannot be negative")
	}

	if c.Finetune.BatchSize < 1 {
		invalid("finetune.batch_size", "batch_size must be positive")
	}
	if c.Finetune.FetchConcurrency < 1 {
		invalid("finetune.fetch_concurrency", "fetch_concurrency must be positive")
	}
	if c.Finetune.PoolSize < 1 {
		invalid("finetune.pool_size", "pool_size must be positive")
	}
	if c.Finetune.MaxRetries < 1 {
		invalid("finetune.max_retries", "max_retries must be positive")
	}
	if c.Finetune.RetryDelay < 0 {
		invalid("finetune.retry_delay", "retry_delay cannot be negative")
	}

	if c.Search.TopK < 1 {
		invalid("search.top_k", "top_k must be positive")
	}

	return errors.Join(errs...)
}
