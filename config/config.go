// Package config loads the settings of the similarity tools from a YAML
// file, the environment and built-in defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/poiesic/similarity/ai"
	"github.com/poiesic/similarity/fetch"
	"github.com/poiesic/similarity/finetune"
	"github.com/poiesic/similarity/search"
	"github.com/poiesic/similarity/storage"
	"gopkg.in/yaml.v3"
)

// Storage backends.
const (
	BackendBadger   = "badger"
	BackendPostgres = "postgres"
)

// Environment overrides.
const (
	EnvDatabasePath  = "SIMILARITY_DB"
	EnvEmbeddingHost = "SIMILARITY_EMBEDDING_HOST"
	EnvDatabaseURL   = "SIMILARITY_DATABASE_URL"
)

// Config is the on-disk configuration of the similarity store.
type Config struct {
	Storage struct {
		Backend     string `yaml:"backend"`
		Path        string `yaml:"path"`
		PostgresURL string `yaml:"postgres_url"`
		Compression string `yaml:"compression"`
	} `yaml:"storage"`

	Embedding struct {
		Host       string        `yaml:"host"`
		Model      string        `yaml:"model"`
		Dimensions int           `yaml:"dimensions"`
		Timeout    time.Duration `yaml:"timeout"`
		Normalize  bool          `yaml:"normalize"`
	} `yaml:"embedding"`

	Fetch struct {
		Timeout   time.Duration `yaml:"timeout"`
		RateLimit float64       `yaml:"rate_limit"`
		Burst     int           `yaml:"burst"`
		MaxBytes  int64         `yaml:"max_bytes"`
		UserAgent string        `yaml:"user_agent"`
	} `yaml:"fetch"`

	Finetune struct {
		BatchSize        int           `yaml:"batch_size"`
		FetchConcurrency int           `yaml:"fetch_concurrency"`
		PoolSize         int           `yaml:"pool_size"`
		MaxRetries       int           `yaml:"max_retries"`
		RetryDelay       time.Duration `yaml:"retry_delay"`
	} `yaml:"finetune"`

	Search struct {
		TopK int `yaml:"top_k"`
	} `yaml:"search"`
}

// DefaultLocations lists where LoadConfig looks when no path is given.
func DefaultLocations() []string {
	return []string{
		"similarity.yaml",
		"similarity.yml",
		filepath.Join(os.Getenv("HOME"), ".config/similarity/config.yaml"),
		"/etc/similarity/config.yaml",
	}
}

// LoadConfig reads the configuration at path, or at the first existing
// default location when path is empty. Without a file the defaults are used.
// Environment variables override file values.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		for _, loc := range DefaultLocations() {
			if _, err := os.Stat(loc); err == nil {
				path = loc
				break
			}
		}
	}

	config := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("error parsing config file %s: %w", path, err)
		}
	}

	mergeWithEnv(config)
	applyDefaults(config)

	return config, nil
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	config := &Config{}
	applyDefaults(config)
	return config
}

func applyDefaults(config *Config) {
	if config.Storage.Backend == "" {
		config.Storage.Backend = BackendBadger
	}
	if config.Storage.Path == "" {
		config.Storage.Path = "similarity.db"
	}
	if config.Storage.Compression == "" {
		config.Storage.Compression = storage.CompressionZSTD.String()
	}

	aiDefaults := ai.DefaultConfig()
	if config.Embedding.Host == "" {
		config.Embedding.Host = aiDefaults.EmbeddingHost
	}
	if config.Embedding.Dimensions == 0 {
		config.Embedding.Dimensions = aiDefaults.Dimensions
	}
	if config.Embedding.Timeout == 0 {
		config.Embedding.Timeout = aiDefaults.Timeout
	}

	fetchDefaults := fetch.DefaultConfig()
	if config.Fetch.Timeout == 0 {
		config.Fetch.Timeout = fetchDefaults.Timeout
	}
	if config.Fetch.RateLimit == 0 {
		config.Fetch.RateLimit = fetchDefaults.RateLimit
	}
	if config.Fetch.Burst == 0 {
		config.Fetch.Burst = fetchDefaults.Burst
	}
	if config.Fetch.MaxBytes == 0 {
		config.Fetch.MaxBytes = fetchDefaults.MaxBytes
	}
	if config.Fetch.UserAgent == "" {
		config.Fetch.UserAgent = fetchDefaults.UserAgent
	}

	finetuneDefaults := finetune.DefaultConfig()
	if config.Finetune.BatchSize == 0 {
		config.Finetune.BatchSize = finetuneDefaults.BatchSize
	}
	if config.Finetune.FetchConcurrency == 0 {
		config.Finetune.FetchConcurrency = finetuneDefaults.FetchConcurrency
	}
	if config.Finetune.PoolSize == 0 {
		config.Finetune.PoolSize = finetuneDefaults.PoolSize
	}
	if config.Finetune.MaxRetries == 0 {
		config.Finetune.MaxRetries = finetuneDefaults.MaxRetries
	}
	if config.Finetune.RetryDelay == 0 {
		config.Finetune.RetryDelay = finetuneDefaults.RetryDelay
	}

	if config.Search.TopK == 0 {
		config.Search.TopK = search.DefaultTopK
	}
}

func mergeWithEnv(config *Config) {
	if path := os.Getenv(EnvDatabasePath); path != "" {
		config.Storage.Path = path
	}
	if host := os.Getenv(EnvEmbeddingHost); host != "" {
		config.Embedding.Host = host
	}
	if dbURL := os.Getenv(EnvDatabaseURL); dbURL != "" {
		config.Storage.PostgresURL = dbURL
		if config.Storage.Backend == "" {
			config.Storage.Backend = BackendPostgres
		}
	}
}

// AIConfig returns the embedding service settings.
func (c *Config) AIConfig() *ai.Config {
	return ai.NewConfig(
		ai.WithEmbeddingHost(c.Embedding.Host),
		ai.WithEmbeddingModel(c.Embedding.Model),
		ai.WithDimensions(c.Embedding.Dimensions),
		ai.WithTimeout(c.Embedding.Timeout),
		ai.WithNormalize(c.Embedding.Normalize),
	)
}

// FetchConfig returns the source fetcher settings.
func (c *Config) FetchConfig() fetch.Config {
	return fetch.Config{
		Timeout:   c.Fetch.Timeout,
		RateLimit: c.Fetch.RateLimit,
		Burst:     c.Fetch.Burst,
		MaxBytes:  c.Fetch.MaxBytes,
		UserAgent: c.Fetch.UserAgent,
	}
}

// FinetuneConfig returns the finetune job settings.
func (c *Config) FinetuneConfig() *finetune.Config {
	return &finetune.Config{
		BatchSize:        c.Finetune.BatchSize,
		FetchConcurrency: c.Finetune.FetchConcurrency,
		PoolSize:         c.Finetune.PoolSize,
		MaxRetries:       c.Finetune.MaxRetries,
		RetryDelay:       c.Finetune.RetryDelay,
	}
}

// Compression returns the feature matrix compression.
func (c *Config) Compression() (storage.CompressionType, error) {
	return storage.ParseCompression(c.Storage.Compression)
}
