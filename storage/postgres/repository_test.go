package postgres

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/poiesic/similarity/core"
	"github.com/poiesic/similarity/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Tests run against a real database with the vector extension available.
func newTestRepository(t *testing.T) storage.Repository {
	t.Helper()
	url := os.Getenv("SIMILARITY_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("SIMILARITY_TEST_DATABASE_URL not set")
	}
	repo, err := NewRepository(context.Background(), Config{ConnString: url})
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	return repo
}

func newTestCollection(t *testing.T, repo storage.Repository) *core.Collection {
	t.Helper()
	ctx := context.Background()
	c, err := repo.CreateCollection(ctx, t.Name(), "test")
	require.NoError(t, err)
	t.Cleanup(func() { repo.DeleteCollection(ctx, c.Id) })
	return c
}

func TestNewRepository_RequiresConnString(t *testing.T) {
	_, err := NewRepository(context.Background(), Config{})
	assert.ErrorIs(t, err, ErrConnStringRequired)
}

func TestCollectionLifecycle(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	c := newTestCollection(t, repo)
	assert.NotZero(t, c.Id)
	assert.True(t, c.RequiresFinetuning())

	got, err := repo.GetCollection(ctx, c.Id)
	require.NoError(t, err)
	assert.Equal(t, c.Name, got.Name)
	assert.True(t, c.LastModified.Equal(got.LastModified))

	ledger := core.Ledger{
		{SourceURL: "https://img.example/a.jpg", ReferenceURL: "https://shop.example/a"},
		{SourceURL: "https://img.example/b.jpg", ReferenceURL: "https://img.example/b.jpg"},
	}
	updated, err := repo.ReplaceLedger(ctx, c.Id, ledger)
	require.NoError(t, err)
	assert.True(t, updated.LastModified.After(c.LastModified))

	stored, err := repo.GetLedger(ctx, c.Id)
	require.NoError(t, err)
	assert.Equal(t, ledger, stored)

	require.NoError(t, repo.DeleteCollection(ctx, c.Id))
	_, err = repo.GetCollection(ctx, c.Id)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = repo.GetLedger(ctx, c.Id)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestFinetuneLifecycle(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	c := newTestCollection(t, repo)
	ledger := core.Ledger{
		{SourceURL: "a", ReferenceURL: "a"},
		{SourceURL: "b", ReferenceURL: "b"},
		{SourceURL: "c", ReferenceURL: "c"},
	}
	c, err := repo.ReplaceLedger(ctx, c.Id, ledger)
	require.NoError(t, err)

	m, err := repo.LoadFeatures(ctx, c.Id, 3)
	require.NoError(t, err)
	assert.True(t, m.Empty())

	started, err := repo.BeginFinetune(ctx, c.Id)
	require.NoError(t, err)
	_, err = repo.BeginFinetune(ctx, c.Id)
	assert.ErrorIs(t, err, storage.ErrJobRunning)

	require.NoError(t, repo.UpdateProgress(ctx, c.Id, 50))
	require.NoError(t, repo.UpdateProgress(ctx, c.Id, 20))
	got, err := repo.GetCollection(ctx, c.Id)
	require.NoError(t, err)
	require.NotNil(t, got.FinetuningProgress)
	assert.Equal(t, 50, *got.FinetuningProgress)

	shrunk := core.Ledger{ledger[0], ledger[2]}
	features := &core.FeatureMatrix{Dim: 3, Rows: [][]float32{{1, 0, 0}, {0, 0, 1}}}
	published, err := repo.PublishFinetune(ctx, &storage.FinetuneResult{
		CollectionId: c.Id,
		BasedOn:      started.LastModified,
		Ledger:       shrunk,
		Features:     features,
		Report: &core.FinetuneReport{
			CollectionId: c.Id, Outcome: core.OutcomeCompleted,
			Total: 3, Embedded: 2, Dropped: []uint32{1},
		},
		FinishedAt: time.Now(),
	})
	require.NoError(t, err)
	assert.False(t, published.RequiresFinetuning())
	assert.Nil(t, published.FinetuningProgress)

	loaded, err := repo.LoadFeatures(ctx, c.Id, 3)
	require.NoError(t, err)
	assert.Equal(t, features.Rows, loaded.Rows)

	state, err := repo.FeatureState(ctx, c.Id)
	require.NoError(t, err)
	assert.True(t, state.Consistent(shrunk, 3))

	_, err = repo.LoadFeatures(ctx, c.Id, 5)
	assert.ErrorIs(t, err, storage.ErrSchemaMismatch)

	report, err := repo.GetReport(ctx, c.Id)
	require.NoError(t, err)
	require.NotNil(t, report)
	assert.Equal(t, []uint32{1}, report.Dropped)
}

func TestPublishFinetune_LedgerChanged(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	c := newTestCollection(t, repo)
	started, err := repo.BeginFinetune(ctx, c.Id)
	require.NoError(t, err)
	_, err = repo.ReplaceLedger(ctx, c.Id, core.Ledger{{SourceURL: "x", ReferenceURL: "x"}})
	require.NoError(t, err)

	_, err = repo.PublishFinetune(ctx, &storage.FinetuneResult{
		CollectionId: c.Id,
		BasedOn:      started.LastModified,
		Ledger:       core.Ledger{},
		Features:     core.NewFeatureMatrix(3),
		Report:       &core.FinetuneReport{CollectionId: c.Id},
		FinishedAt:   time.Now(),
	})
	assert.ErrorIs(t, err, storage.ErrLedgerChanged)

	state, err := repo.FeatureState(ctx, c.Id)
	require.NoError(t, err)
	assert.False(t, state.Present)
}

func TestLoadFeatures_ConcurrentPublish(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	c := newTestCollection(t, repo)
	long := core.Ledger{
		{SourceURL: "a", ReferenceURL: "a"},
		{SourceURL: "b", ReferenceURL: "b"},
		{SourceURL: "c", ReferenceURL: "c"},
	}
	short := long[:2]
	digests := map[int]core.Digest{len(long): long.Digest(), len(short): short.Digest()}

	publish := func(ledger core.Ledger) error {
		features := core.NewFeatureMatrix(3)
		for range ledger {
			features.Rows = append(features.Rows, []float32{1, 0, 0})
		}
		_, err := repo.PublishFinetune(ctx, &storage.FinetuneResult{
			CollectionId: c.Id,
			BasedOn:      c.LastModified,
			Ledger:       ledger,
			Features:     features,
			Report:       &core.FinetuneReport{CollectionId: c.Id, Outcome: core.OutcomeCompleted},
			FinishedAt:   time.Now(),
		})
		return err
	}
	require.NoError(t, publish(long))

	var wg sync.WaitGroup
	done := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(done)
		for i := 0; i < 50; i++ {
			ledger := long
			if i%2 == 0 {
				ledger = short
			}
			if err := publish(ledger); err != nil {
				assert.NoError(t, err)
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			wg.Wait()
			return
		default:
		}
		m, err := repo.LoadFeatures(ctx, c.Id, 3)
		require.NoError(t, err)
		assert.Equal(t, digests[m.Len()], m.Ledger, "rows and header from different publishes")

		state, err := repo.FeatureState(ctx, c.Id)
		require.NoError(t, err)
		assert.Equal(t, digests[state.Rows], state.Ledger)
	}
}

func TestResetProgress(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	active := newTestCollection(t, repo)
	crashed := newTestCollection(t, repo)
	for _, c := range []*core.Collection{active, crashed} {
		_, err := repo.BeginFinetune(ctx, c.Id)
		require.NoError(t, err)
	}

	reset, err := repo.ResetProgress(ctx, func(id core.ID) bool { return id == active.Id })
	require.NoError(t, err)
	assert.Contains(t, reset, crashed.Id)
	assert.NotContains(t, reset, active.Id)

	got, err := repo.GetCollection(ctx, crashed.Id)
	require.NoError(t, err)
	assert.False(t, got.Running())
	got, err = repo.GetCollection(ctx, active.Id)
	require.NoError(t, err)
	assert.True(t, got.Running())
}
