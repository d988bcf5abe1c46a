package search

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/poiesic/similarity/ai"
	"github.com/poiesic/similarity/ai/mock"
	"github.com/poiesic/similarity/core"
	"github.com/poiesic/similarity/storage"
	"github.com/poiesic/similarity/storage/badger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testDim = 3

func newTestRepository(t *testing.T) storage.Repository {
	t.Helper()
	repo, err := badger.NewMemoryRepository()
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	return repo
}

// queryEmbedder maps query image contents to fixed vectors.
func queryEmbedder(vectors map[string][]float32) *mock.MockEmbedder {
	e := mock.NewMockEmbedder().WithDimensions(testDim)
	return e.WithEmbedImageFunc(func(ctx context.Context, image []byte) ([]float32, error) {
		v, ok := vectors[string(image)]
		if !ok {
			return nil, fmt.Errorf("%w: unknown image %q", ai.ErrModel, image)
		}
		return v, nil
	})
}

func newTestSearcher(t *testing.T, repo storage.Repository, embedder *mock.MockEmbedder) *Searcher {
	t.Helper()
	s, err := NewSearcher(repo, mock.NewMockProviderWithEmbedder(embedder))
	require.NoError(t, err)
	return s
}

// seedCollection creates a collection whose ledger and features were
// published by a finetune run.
func seedCollection(t *testing.T, repo storage.Repository, ledger core.Ledger, rows [][]float32) *core.Collection {
	t.Helper()
	ctx := context.Background()
	c, err := repo.CreateCollection(ctx, "images", "")
	require.NoError(t, err)
	c, err = repo.ReplaceLedger(ctx, c.Id, ledger)
	require.NoError(t, err)

	started, err := repo.BeginFinetune(ctx, c.Id)
	require.NoError(t, err)
	c, err = repo.PublishFinetune(ctx, &storage.FinetuneResult{
		CollectionId: c.Id,
		BasedOn:      started.LastModified,
		Ledger:       ledger,
		Features:     &core.FeatureMatrix{Dim: testDim, Rows: rows},
		Report:       &core.FinetuneReport{CollectionId: c.Id, Outcome: core.OutcomeCompleted},
		FinishedAt:   time.Now(),
	})
	require.NoError(t, err)
	return c
}

func TestNewSearcher(t *testing.T) {
	repo := newTestRepository(t)
	provider := mock.NewMockProvider()

	t.Run("valid configuration", func(t *testing.T) {
		searcher, err := NewSearcher(repo, provider)
		require.NoError(t, err)
		assert.Equal(t, DefaultTopK, searcher.defaultTopK)
	})

	t.Run("with custom logger", func(t *testing.T) {
		searcher, err := NewSearcher(repo, provider, WithLogger(slog.Default()))
		require.NoError(t, err)
		assert.NotNil(t, searcher)
	})

	t.Run("with nil logger falls back to default", func(t *testing.T) {
		searcher, err := NewSearcher(repo, provider, WithLogger(nil))
		require.NoError(t, err)
		assert.NotNil(t, searcher.logger)
	})

	t.Run("with default top_k", func(t *testing.T) {
		searcher, err := NewSearcher(repo, provider, WithDefaultTopK(10))
		require.NoError(t, err)
		assert.Equal(t, 10, searcher.defaultTopK)

		_, err = NewSearcher(repo, provider, WithDefaultTopK(0))
		assert.Error(t, err)
	})

	t.Run("nil repository", func(t *testing.T) {
		_, err := NewSearcher(nil, provider)
		assert.Equal(t, ErrRepositoryRequired, err)
	})

	t.Run("nil provider", func(t *testing.T) {
		_, err := NewSearcher(repo, nil)
		assert.Equal(t, ErrAIProviderRequired, err)
	})
}

func TestSearch_ThresholdScenario(t *testing.T) {
	repo := newTestRepository(t)
	ledger := core.Ledger{
		{SourceURL: "urlA", ReferenceURL: "refA"},
		{SourceURL: "urlB", ReferenceURL: "refB"},
	}
	c := seedCollection(t, repo, ledger, [][]float32{{0.8, 0, 0}, {0.2, 0, 0}})
	s := newTestSearcher(t, repo, queryEmbedder(map[string][]float32{"q": {1, 0, 0}}))

	results, err := s.Search(context.Background(), c.Id, [][]byte{[]byte("q")}, 5, 0.3)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "urlA", results[0].SourceURL)
	assert.Equal(t, "refA", results[0].ReferenceURL)
	assert.InDelta(t, 0.8, results[0].Score, 1e-6)
	assert.Equal(t, 0, results[0].Row)
}

func TestSearch_OrderingAndTopK(t *testing.T) {
	repo := newTestRepository(t)
	ledger := make(core.Ledger, 8)
	rows := make([][]float32, 8)
	for i := range ledger {
		ledger[i] = core.ContentItem{SourceURL: fmt.Sprintf("src%d", i), ReferenceURL: fmt.Sprintf("ref%d", i)}
		rows[i] = []float32{float32(i%4) / 4, 0, 0}
	}
	c := seedCollection(t, repo, ledger, rows)
	s := newTestSearcher(t, repo, queryEmbedder(map[string][]float32{"q": {1, 0, 0}}))
	ctx := context.Background()

	t.Run("default top_k", func(t *testing.T) {
		results, err := s.Search(ctx, c.Id, [][]byte{[]byte("q")}, 0, 0)
		require.NoError(t, err)
		assert.Len(t, results, DefaultTopK)
	})

	t.Run("descending with stable ties", func(t *testing.T) {
		results, err := s.Search(ctx, c.Id, [][]byte{[]byte("q")}, 8, 0)
		require.NoError(t, err)
		require.Len(t, results, 8)
		for i := 1; i < len(results); i++ {
			assert.GreaterOrEqual(t, results[i-1].Score, results[i].Score)
		}
		rowOrder := make([]int, len(results))
		for i, r := range results {
			rowOrder[i] = r.Row
		}
		assert.Equal(t, []int{3, 7, 2, 6, 1, 5, 0, 4}, rowOrder)
	})

	t.Run("deterministic", func(t *testing.T) {
		first, err := s.Search(ctx, c.Id, [][]byte{[]byte("q")}, 4, 0.1)
		require.NoError(t, err)
		for range 5 {
			again, err := s.Search(ctx, c.Id, [][]byte{[]byte("q")}, 4, 0.1)
			require.NoError(t, err)
			assert.Equal(t, first, again)
		}
	})

	t.Run("threshold is a lower bound", func(t *testing.T) {
		for _, threshold := range []float32{0, 0.25, 0.5, 0.75, 1} {
			results, err := s.Search(ctx, c.Id, [][]byte{[]byte("q")}, 8, threshold)
			require.NoError(t, err)
			for _, r := range results {
				assert.GreaterOrEqual(t, r.Score, threshold)
			}
		}
	})
}

func TestSearch_SingleRow(t *testing.T) {
	repo := newTestRepository(t)
	c := seedCollection(t, repo, core.Ledger{{SourceURL: "only", ReferenceURL: "only"}}, [][]float32{{0, 1, 0}})
	s := newTestSearcher(t, repo, queryEmbedder(map[string][]float32{"q": {0, 0.5, 0}}))
	ctx := context.Background()

	results, err := s.Search(ctx, c.Id, [][]byte{[]byte("q")}, 5, 0.5)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "only", results[0].SourceURL)

	results, err = s.Search(ctx, c.Id, [][]byte{[]byte("q")}, 5, 0.6)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestSearch_MultipleQueriesUseBestScore(t *testing.T) {
	repo := newTestRepository(t)
	ledger := core.Ledger{
		{SourceURL: "x", ReferenceURL: "x"},
		{SourceURL: "y", ReferenceURL: "y"},
		{SourceURL: "z", ReferenceURL: "z"},
	}
	c := seedCollection(t, repo, ledger, [][]float32{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}})
	s := newTestSearcher(t, repo, queryEmbedder(map[string][]float32{
		"qx": {0.9, 0, 0},
		"qy": {0, 0.7, 0},
	}))

	results, err := s.Search(context.Background(), c.Id, [][]byte{[]byte("qy"), []byte("qx")}, 5, 0)
	require.NoError(t, err)
	require.Len(t, results, 3, "each row appears once")
	assert.Equal(t, "x", results[0].SourceURL)
	assert.InDelta(t, 0.9, results[0].Score, 1e-6)
	assert.Equal(t, "y", results[1].SourceURL)
	assert.InDelta(t, 0.7, results[1].Score, 1e-6)
	assert.Equal(t, "z", results[2].SourceURL)
	assert.InDelta(t, 0, results[2].Score, 1e-6)
}

func TestSearch_Errors(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	embedder := queryEmbedder(map[string][]float32{"q": {1, 0, 0}})
	s := newTestSearcher(t, repo, embedder)
	query := [][]byte{[]byte("q")}

	t.Run("unknown collection", func(t *testing.T) {
		_, err := s.Search(ctx, 999, query, 5, 0)
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("empty query", func(t *testing.T) {
		c := seedCollection(t, repo, core.Ledger{{SourceURL: "a", ReferenceURL: "a"}}, [][]float32{{1, 0, 0}})
		_, err := s.Search(ctx, c.Id, nil, 5, 0)
		assert.ErrorIs(t, err, ErrEmptyQuery)
		_, err = s.Search(ctx, c.Id, [][]byte{[]byte("q"), {}}, 5, 0)
		assert.ErrorIs(t, err, ErrEmptyQuery)
	})

	t.Run("never finetuned", func(t *testing.T) {
		c, err := repo.CreateCollection(ctx, "fresh", "")
		require.NoError(t, err)
		_, err = repo.ReplaceLedger(ctx, c.Id, core.Ledger{{SourceURL: "a", ReferenceURL: "a"}})
		require.NoError(t, err)

		before := embedder.CallCount()
		_, err = s.Search(ctx, c.Id, query, 5, 0)
		assert.ErrorIs(t, err, ErrNotReady)
		assert.Equal(t, before, embedder.CallCount(), "no embedding for a collection that is not ready")
	})

	t.Run("empty store", func(t *testing.T) {
		c := seedCollection(t, repo, core.Ledger{}, nil)
		_, err := s.Search(ctx, c.Id, query, 5, 0)
		assert.ErrorIs(t, err, ErrNotReady)
	})

	t.Run("ledger replaced after finetune", func(t *testing.T) {
		c := seedCollection(t, repo, core.Ledger{{SourceURL: "a", ReferenceURL: "a"}}, [][]float32{{1, 0, 0}})
		_, err := repo.ReplaceLedger(ctx, c.Id, core.Ledger{{SourceURL: "b", ReferenceURL: "b"}})
		require.NoError(t, err)
		_, err = s.Search(ctx, c.Id, query, 5, 0)
		assert.ErrorIs(t, err, ErrNotReady)
	})

	t.Run("schema mismatch", func(t *testing.T) {
		c := seedCollection(t, repo, core.Ledger{{SourceURL: "a", ReferenceURL: "a"}}, [][]float32{{1, 0, 0}})
		wide := mock.NewMockEmbedder().WithDimensions(5)
		_, err := newTestSearcher(t, repo, wide).Search(ctx, c.Id, query, 5, 0)
		assert.ErrorIs(t, err, storage.ErrSchemaMismatch)
	})

	t.Run("model rejects query", func(t *testing.T) {
		c := seedCollection(t, repo, core.Ledger{{SourceURL: "a", ReferenceURL: "a"}}, [][]float32{{1, 0, 0}})
		_, err := s.Search(ctx, c.Id, [][]byte{[]byte("garbage")}, 5, 0)
		assert.ErrorIs(t, err, ai.ErrModel)
	})

	t.Run("embedder returns wrong dimension", func(t *testing.T) {
		c := seedCollection(t, repo, core.Ledger{{SourceURL: "a", ReferenceURL: "a"}}, [][]float32{{1, 0, 0}})
		short := mock.NewMockEmbedder().WithDimensions(testDim).WithEmbedImageFunc(
			func(ctx context.Context, image []byte) ([]float32, error) { return []float32{1}, nil })
		_, err := newTestSearcher(t, repo, short).Search(ctx, c.Id, query, 5, 0)
		assert.True(t, errors.Is(err, ai.ErrDimensionMismatch))
	})
}

func TestSearch_ServesOldStoreWhileFinetuning(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	c := seedCollection(t, repo, core.Ledger{{SourceURL: "a", ReferenceURL: "a"}}, [][]float32{{1, 0, 0}})
	_, err := repo.BeginFinetune(ctx, c.Id)
	require.NoError(t, err)

	s := newTestSearcher(t, repo, queryEmbedder(map[string][]float32{"q": {1, 0, 0}}))
	results, err := s.Search(ctx, c.Id, [][]byte{[]byte("q")}, 5, 0)
	require.NoError(t, err)
	assert.Len(t, results, 1)
}

func TestSearchWithMonitor(t *testing.T) {
	repo := newTestRepository(t)
	c := seedCollection(t, repo, core.Ledger{
		{SourceURL: "a", ReferenceURL: "a"},
		{SourceURL: "b", ReferenceURL: "b"},
	}, [][]float32{{1, 0, 0}, {0, 1, 0}})
	s := newTestSearcher(t, repo, queryEmbedder(map[string][]float32{"q": {1, 0, 0}}))

	monitor := &testMonitor{}
	results, err := s.SearchWithMonitor(context.Background(), c.Id, [][]byte{[]byte("q")}, 5, 0.5, monitor)
	require.NoError(t, err)
	require.Len(t, results, 1)

	assert.True(t, monitor.startCalled)
	assert.Equal(t, 1, monitor.queries)
	assert.Equal(t, 2, monitor.rows)
	assert.Equal(t, 2, monitor.candidates)
	assert.Equal(t, results, monitor.results)
}

func TestDotProduct(t *testing.T) {
	assert.Equal(t, float32(11), dotProduct([]float32{1, 2}, []float32{3, 4}))
	assert.Equal(t, float32(3), dotProduct([]float32{1, 2, 5}, []float32{3}))
	assert.Equal(t, float32(0), dotProduct(nil, []float32{1}))
}

// testMonitor is a simple test implementation of SearchMonitor
type testMonitor struct {
	mu          sync.Mutex
	startCalled bool
	queries     int
	rows        int
	candidates  int
	results     []*core.SearchResult
}

func (m *testMonitor) Start(id core.ID, queries int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.startCalled = true
	m.queries = queries
}

func (m *testMonitor) AfterQueryEmbedding(vectors [][]float32) {}

func (m *testMonitor) AfterFeatureLoad(features *core.FeatureMatrix) {
	m.rows = features.Len()
}

func (m *testMonitor) AfterScoring(candidates int) {
	m.candidates = candidates
}

func (m *testMonitor) Finish(results []*core.SearchResult) {
	m.results = results
}
