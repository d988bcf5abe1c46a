package search

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/poiesic/similarity/ai"
	"github.com/poiesic/similarity/core"
	"github.com/poiesic/similarity/storage"
	"golang.org/x/sync/errgroup"
)

// DefaultTopK is the number of hits returned when the caller asks for none.
const DefaultTopK = 5

// Searcher provides nearest neighbor search over a collection's features.
type Searcher struct {
	repository  storage.Repository
	embedder    ai.Embedder
	defaultTopK int
	logger      *slog.Logger
}

// Option configures a Searcher.
type Option func(*Searcher) error

// WithLogger sets a custom logger.
// Default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *Searcher) error {
		if logger == nil {
			logger = slog.Default()
		}
		s.logger = logger
		return nil
	}
}

// WithDefaultTopK sets the number of hits used when Search gets topK <= 0.
func WithDefaultTopK(topK int) Option {
	return func(s *Searcher) error {
		if topK <= 0 {
			return fmt.Errorf("default top_k must be positive, got %d", topK)
		}
		s.defaultTopK = topK
		return nil
	}
}

// NewSearcher creates a new searcher.
func NewSearcher(repository storage.Repository, provider ai.AIProvider, opts ...Option) (*Searcher, error) {
	if repository == nil {
		return nil, ErrRepositoryRequired
	}
	if provider == nil {
		return nil, ErrAIProviderRequired
	}

	s := &Searcher{
		repository:  repository,
		embedder:    provider.Embedder(),
		defaultTopK: DefaultTopK,
		logger:      slog.Default(),
	}

	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	s.logger = s.logger.With("component", "searcher")

	return s, nil
}

// Search ranks the collection's content against the query images.
// Returns up to topK results scoring at least threshold, best first.
func (s *Searcher) Search(ctx context.Context, id core.ID, images [][]byte, topK int, threshold float32) ([]*core.SearchResult, error) {
	return s.SearchWithMonitor(ctx, id, images, topK, threshold, nil)
}

// SearchWithMonitor is Search with monitoring.
// The monitor receives callbacks at each stage of the search process.
func (s *Searcher) SearchWithMonitor(ctx context.Context, id core.ID, images [][]byte, topK int, threshold float32, monitor SearchMonitor) ([]*core.SearchResult, error) {
	if monitor == nil {
		monitor = &noopMonitor{}
	}
	if len(images) == 0 {
		return nil, ErrEmptyQuery
	}
	for i, image := range images {
		if len(image) == 0 {
			return nil, fmt.Errorf("%w: image %d has no content", ErrEmptyQuery, i)
		}
	}
	if topK <= 0 {
		topK = s.defaultTopK
	}

	monitor.Start(id, len(images))

	// 1. Check the store before paying for embeddings
	if _, err := s.repository.GetCollection(ctx, id); err != nil {
		return nil, err
	}
	if err := s.checkReady(ctx, id); err != nil {
		return nil, err
	}

	// 2. Embed the queries
	queries, err := s.embedQueries(ctx, images)
	if err != nil {
		s.logger.Error("error embedding query images", "collection", id, "err", err)
		return nil, err
	}
	monitor.AfterQueryEmbedding(queries)

	// 3. Load a ledger and matrix that belong together
	ledger, features, err := s.loadSnapshot(ctx, id)
	if err != nil {
		return nil, err
	}
	monitor.AfterFeatureLoad(features)

	// 4. Score, filter and rank
	scores := scoreRows(features.Rows, queries)
	monitor.AfterScoring(len(scores))

	results := rank(ledger, scores, threshold, topK)
	monitor.Finish(results)

	return results, nil
}

// checkReady fails fast on collections whose store cannot be served.
func (s *Searcher) checkReady(ctx context.Context, id core.ID) error {
	state, err := s.repository.FeatureState(ctx, id)
	if err != nil {
		return err
	}
	if !state.Present || state.Rows == 0 {
		return fmt.Errorf("%w: collection %d has no features", ErrNotReady, id)
	}
	if dim := s.embedder.Dimensions(); state.Dim != dim {
		s.logger.Warn("stored features have a different dimension than the embedder",
			"collection", id, "stored", state.Dim, "expected", dim)
		return fmt.Errorf("%w: stored %d, expected %d", storage.ErrSchemaMismatch, state.Dim, dim)
	}
	return nil
}

// loadSnapshot loads the features and the ledger they were built from.
// The ledger is read twice at most, to ride over a finetune publishing
// between the two reads.
func (s *Searcher) loadSnapshot(ctx context.Context, id core.ID) (core.Ledger, *core.FeatureMatrix, error) {
	features, err := s.repository.LoadFeatures(ctx, id, s.embedder.Dimensions())
	if err != nil {
		if errors.Is(err, storage.ErrSchemaMismatch) {
			s.logger.Warn("stored features have a different dimension than the embedder", "collection", id, "err", err)
		}
		return nil, nil, err
	}
	if features.Empty() {
		return nil, nil, fmt.Errorf("%w: collection %d has no features", ErrNotReady, id)
	}

	for range 2 {
		ledger, err := s.repository.GetLedger(ctx, id)
		if err != nil {
			return nil, nil, err
		}
		if len(ledger) == features.Len() && ledger.Digest() == features.Ledger {
			return ledger, features, nil
		}
		features, err = s.repository.LoadFeatures(ctx, id, s.embedder.Dimensions())
		if err != nil {
			return nil, nil, err
		}
	}
	return nil, nil, fmt.Errorf("%w: collection %d changed since its last finetune", ErrNotReady, id)
}

// embedQueries embeds all query images concurrently, keeping their order.
func (s *Searcher) embedQueries(ctx context.Context, images [][]byte) ([][]float32, error) {
	dim := s.embedder.Dimensions()
	queries := make([][]float32, len(images))

	g, gctx := errgroup.WithContext(ctx)
	for i, image := range images {
		g.Go(func() error {
			v, err := s.embedder.EmbedImage(gctx, image)
			if err != nil {
				return fmt.Errorf("query image %d: %w", i, err)
			}
			if len(v) != dim {
				return fmt.Errorf("query image %d: %w: got %d, expected %d", i, ai.ErrDimensionMismatch, len(v), dim)
			}
			queries[i] = v
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return queries, nil
}
