// Package fetch downloads the image bytes behind ledger source URLs.
//
// http and https sources go through a shared HTTP client with a per-request
// timeout, a token bucket rate limiter and a body size limit. Every other
// location (file://, mem://, plain paths, ...) is read through afs.
package fetch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/viant/afs"
	"golang.org/x/time/rate"
)

// Fetcher downloads the bytes of a source URL.
// Implementations must be thread-safe for concurrent use.
type Fetcher interface {
	// Fetch returns the full content behind sourceURL.
	// Any failure is returned wrapped in ErrFetch.
	Fetch(ctx context.Context, sourceURL string) ([]byte, error)
}

// Config holds the fetch settings.
type Config struct {
	Timeout   time.Duration // Bound on a single fetch, including the body
	RateLimit float64       // HTTP requests per second; 0 disables limiting
	Burst     int           // Token bucket size
	MaxBytes  int64         // Largest accepted source; 0 disables the limit
	UserAgent string
}

// DefaultConfig returns the default fetch settings.
func DefaultConfig() Config {
	return Config{
		Timeout:   10 * time.Second,
		RateLimit: 20,
		Burst:     5,
		MaxBytes:  20 << 20,
		UserAgent: "similarity-fetcher/1.0",
	}
}

// Option configures a fetcher.
type Option func(*fetcher)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(f *fetcher) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// WithHTTPClient replaces the HTTP client used for http(s) sources.
func WithHTTPClient(client *http.Client) Option {
	return func(f *fetcher) {
		f.client = client
	}
}

// WithFS replaces the afs service used for other sources.
func WithFS(fs afs.Service) Option {
	return func(f *fetcher) {
		f.fs = fs
	}
}

type fetcher struct {
	config  Config
	client  *http.Client
	fs      afs.Service
	limiter *rate.Limiter
	logger  *slog.Logger
}

// New creates a Fetcher. Zero values in cfg are replaced by defaults,
// except RateLimit and MaxBytes where zero disables the feature.
func New(cfg Config, opts ...Option) Fetcher {
	defaults := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaults.Timeout
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaults.UserAgent
	}

	f := &fetcher{
		config: cfg,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.client == nil {
		f.client = &http.Client{Timeout: cfg.Timeout}
	}
	if f.fs == nil {
		f.fs = afs.New()
	}
	if cfg.RateLimit > 0 {
		f.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.Burst)
	}
	f.logger = f.logger.With("component", "fetcher")
	return f
}

// Fetch downloads the content behind sourceURL.
func (f *fetcher) Fetch(ctx context.Context, sourceURL string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, f.config.Timeout)
	defer cancel()

	var (
		data []byte
		err  error
	)
	if isHTTP(sourceURL) {
		data, err = f.fetchHTTP(ctx, sourceURL)
	} else {
		data, err = f.fetchFS(ctx, sourceURL)
	}
	if err != nil {
		f.logger.Debug("fetch failed", "url", sourceURL, "err", err)
		return nil, fmt.Errorf("%w: %s: %w", ErrFetch, sourceURL, err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: %s: empty content", ErrFetch, sourceURL)
	}
	return data, nil
}

func (f *fetcher) fetchHTTP(ctx context.Context, sourceURL string) ([]byte, error) {
	if f.limiter != nil {
		if err := f.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", f.config.UserAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}
	if f.config.MaxBytes > 0 && resp.ContentLength > f.config.MaxBytes {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, resp.ContentLength)
	}

	var body io.Reader = resp.Body
	if f.config.MaxBytes > 0 {
		body = io.LimitReader(resp.Body, f.config.MaxBytes+1)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, err
	}
	return f.checkSize(data)
}

func (f *fetcher) fetchFS(ctx context.Context, sourceURL string) ([]byte, error) {
	data, err := f.fs.DownloadWithURL(ctx, sourceURL)
	if err != nil {
		return nil, err
	}
	return f.checkSize(data)
}

func (f *fetcher) checkSize(data []byte) ([]byte, error) {
	if f.config.MaxBytes > 0 && int64(len(data)) > f.config.MaxBytes {
		return nil, fmt.Errorf("%w: more than %d bytes", ErrTooLarge, f.config.MaxBytes)
	}
	return data, nil
}

func isHTTP(sourceURL string) bool {
	u, err := url.Parse(sourceURL)
	if err != nil {
		return false
	}
	scheme := strings.ToLower(u.Scheme)
	return scheme == "http" || scheme == "https"
}
