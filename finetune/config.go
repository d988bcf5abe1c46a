package finetune

import (
	"runtime"
	"time"
)

// Config holds configuration for finetune runs.
type Config struct {
	// BatchSize is the number of ledger entries fetched together
	BatchSize int

	// FetchConcurrency bounds the fetches in flight within a batch
	FetchConcurrency int

	// PoolSize is the number of jobs that may run at the same time
	PoolSize int

	// MaxRetries is the maximum number of attempts for a transient embedding failure
	MaxRetries int

	// RetryDelay is the base delay for exponential backoff
	RetryDelay time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	poolSize := runtime.NumCPU() / 2
	if poolSize < 1 {
		poolSize = 1
	}
	return &Config{
		BatchSize:        32,
		FetchConcurrency: 8,
		PoolSize:         poolSize,
		MaxRetries:       3,
		RetryDelay:       500 * time.Millisecond,
	}
}

// withDefaults returns a copy of c with unset fields filled from DefaultConfig.
func (c *Config) withDefaults() *Config {
	d := DefaultConfig()
	if c == nil {
		return d
	}
	out := *c
	if out.BatchSize <= 0 {
		out.BatchSize = d.BatchSize
	}
	if out.FetchConcurrency <= 0 {
		out.FetchConcurrency = d.FetchConcurrency
	}
	if out.PoolSize <= 0 {
		out.PoolSize = d.PoolSize
	}
	if out.MaxRetries <= 0 {
		out.MaxRetries = d.MaxRetries
	}
	if out.RetryDelay < 0 {
		out.RetryDelay = 0
	}
	return &out
}
