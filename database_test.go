package similarity

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/poiesic/similarity/ai"
	"github.com/poiesic/similarity/ai/mock"
	"github.com/poiesic/similarity/core"
	"github.com/poiesic/similarity/fetch"
	"github.com/poiesic/similarity/finetune"
	"github.com/poiesic/similarity/search"
	"github.com/poiesic/similarity/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/viant/afs"
	"github.com/viant/afs/file"
)

const testDim = 3

// vectorEmbedder maps image contents to fixed vectors.
func vectorEmbedder(vectors map[string][]float32) *mock.MockEmbedder {
	e := mock.NewMockEmbedder().WithDimensions(testDim)
	return e.WithEmbedImageFunc(func(ctx context.Context, image []byte) ([]float32, error) {
		v, ok := vectors[string(image)]
		if !ok {
			return nil, fmt.Errorf("%w: unknown image %q", ai.ErrModel, image)
		}
		return v, nil
	})
}

// uploadImages stores contents under mem:// URLs and returns the URLs in order.
func uploadImages(t *testing.T, contents ...string) []string {
	t.Helper()
	ctx := context.Background()
	fs := afs.New()
	urls := make([]string, len(contents))
	for i, c := range contents {
		urls[i] = fmt.Sprintf("mem://localhost/%s/%d.jpg", t.Name(), i)
		require.NoError(t, fs.Upload(ctx, urls[i], file.DefaultFileOsMode, strings.NewReader(c)))
	}
	return urls
}

func newTestDatabase(t *testing.T, embedder *mock.MockEmbedder, opts ...DatabaseOption) *Database {
	t.Helper()
	opts = append([]DatabaseOption{
		WithInMemory(),
		WithProvider(mock.NewMockProviderWithEmbedder(embedder)),
		WithFinetuneConfig(&finetune.Config{BatchSize: 2, FetchConcurrency: 2, PoolSize: 2, MaxRetries: 2, RetryDelay: time.Millisecond}),
	}, opts...)
	db, err := NewDatabase("", opts...)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestNewDatabase(t *testing.T) {
	t.Run("create new database", func(t *testing.T) {
		tmpDir := filepath.Join(t.TempDir(), "test_db")
		db, err := NewDatabase(tmpDir, WithProvider(mock.NewMockProvider()))
		require.NoError(t, err)
		require.NotNil(t, db)
		defer db.Close()

		assert.NotNil(t, db.Repository())
		assert.NotNil(t, db.jobs)
		assert.NotNil(t, db.searcher)
		assert.NotNil(t, db.logger)
	})

	t.Run("error with invalid path", func(t *testing.T) {
		tmpFile := filepath.Join(t.TempDir(), "not_a_dir")
		err := os.WriteFile(tmpFile, []byte("test"), 0644)
		require.NoError(t, err)

		db, err := NewDatabase(tmpFile, WithProvider(mock.NewMockProvider()))
		assert.Error(t, err)
		assert.Nil(t, db)
	})

	t.Run("error with invalid embedding config", func(t *testing.T) {
		db, err := NewDatabase("", WithInMemory(), WithAIConfig(ai.NewConfig(ai.WithEmbeddingHost("ftp://nope"))))
		assert.Error(t, err)
		assert.Nil(t, db)
	})

	t.Run("error with invalid default top_k", func(t *testing.T) {
		db, err := NewDatabase("", WithInMemory(), WithProvider(mock.NewMockProvider()), WithDefaultTopK(-1))
		assert.Error(t, err)
		assert.Nil(t, db)
	})
}

func TestDatabase_Close(t *testing.T) {
	provider := mock.NewMockProvider()
	db, err := NewDatabase(t.TempDir(), WithProvider(provider))
	require.NoError(t, err)

	require.NoError(t, db.Close())
	assert.True(t, provider.(*mock.MockProvider).Closed())
}

func TestDatabase_FactoryMethods(t *testing.T) {
	db := newTestDatabase(t, mock.NewMockEmbedder())

	searcher, err := db.NewSearcher(search.WithDefaultTopK(3))
	require.NoError(t, err)
	require.NotNil(t, searcher)
}

func TestDatabase_CollectionLifecycle(t *testing.T) {
	db := newTestDatabase(t, mock.NewMockEmbedder())
	ctx := context.Background()

	first, err := db.CreateCollection(ctx, "first", "")
	require.NoError(t, err)
	assert.Equal(t, core.ID(1), first.Id)
	second, err := db.CreateCollection(ctx, "second", "heidicon")
	require.NoError(t, err)
	assert.Equal(t, core.ID(2), second.Id)

	_, err = db.CreateCollection(ctx, "  ", "")
	assert.ErrorIs(t, err, core.ErrEmptyName)

	list, err := db.ListCollections(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, first.Id, list[0].Id)
	assert.Equal(t, second.Id, list[1].Id)

	info, err := db.Info(ctx, first.Id)
	require.NoError(t, err)
	assert.Equal(t, "first", info.Name)
	assert.Nil(t, info.LastFinetuned)
	assert.Nil(t, info.FinetuningProgress)
	assert.True(t, info.RequiresFinetuning)
	assert.True(t, info.Stale)
	assert.Zero(t, info.Items)
	assert.Nil(t, info.LastReport)

	require.NoError(t, db.DeleteCollection(ctx, first.Id))
	_, err = db.Info(ctx, first.Id)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = db.Search(ctx, first.Id, [][]byte{[]byte("q")}, 5, 0)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.ErrorIs(t, db.DeleteCollection(ctx, first.Id), storage.ErrNotFound)
}

func TestDatabase_ReplaceContent(t *testing.T) {
	db := newTestDatabase(t, mock.NewMockEmbedder())
	ctx := context.Background()
	c, err := db.CreateCollection(ctx, "images", "")
	require.NoError(t, err)

	_, err = db.ReplaceContent(ctx, c.Id, []string{
		"https://img.example/a.jpg, https://shop.example/a",
		"",
		"\"https://img.example/b.jpg\"",
		"https://img.example/c.jpg\thttps://shop.example/c",
	})
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, db.ExportCSV(ctx, c.Id, &buf))
	assert.Equal(t,
		"https://img.example/a.jpg,https://shop.example/a\n"+
			"https://img.example/b.jpg,https://img.example/b.jpg\n"+
			"https://img.example/c.jpg,https://shop.example/c\n",
		buf.String())

	_, err = db.ReplaceContent(ctx, c.Id, []string{"ok.jpg", ",missing-source"})
	assert.ErrorIs(t, err, core.ErrInvalidContentItem)
	info, err := db.Info(ctx, c.Id)
	require.NoError(t, err)
	assert.Equal(t, 3, info.Items, "an invalid batch replaces nothing")

	_, err = db.ReplaceContentItems(ctx, c.Id, []core.ContentItem{{SourceURL: "x.jpg"}})
	require.NoError(t, err)
	info, err = db.Info(ctx, c.Id)
	require.NoError(t, err)
	assert.Equal(t, 1, info.Items)

	_, err = db.ReplaceContent(ctx, 99, []string{"a"})
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.ErrorIs(t, db.ExportCSV(ctx, 99, &buf), storage.ErrNotFound)
}

func TestDatabase_FinetuneAndSearch(t *testing.T) {
	embedder := vectorEmbedder(map[string][]float32{
		"image-a": {0.8, 0, 0},
		"image-b": {0.2, 0, 0},
		"query":   {1, 0, 0},
	})
	db := newTestDatabase(t, embedder)
	ctx := context.Background()

	urls := uploadImages(t, "image-a", "image-b")
	c, err := db.CreateCollection(ctx, "images", "")
	require.NoError(t, err)
	_, err = db.ReplaceContent(ctx, c.Id, []string{
		urls[0] + ",refA",
		urls[1] + ",refB",
		"mem://localhost/missing.jpg,refC",
	})
	require.NoError(t, err)

	_, err = db.Search(ctx, c.Id, [][]byte{[]byte("query")}, 5, 0)
	assert.ErrorIs(t, err, search.ErrNotReady)

	require.NoError(t, db.TriggerFinetune(ctx, c.Id))
	db.Wait()

	info, err := db.Info(ctx, c.Id)
	require.NoError(t, err)
	assert.False(t, info.RequiresFinetuning)
	assert.False(t, info.Stale)
	assert.True(t, info.StoreConsistent)
	assert.Nil(t, info.FinetuningProgress)
	assert.Equal(t, 2, info.Items, "the unreachable source was dropped")
	assert.Equal(t, info.Items, info.FeatureRows)
	require.NotNil(t, info.LastReport)
	assert.Equal(t, core.OutcomeCompleted, info.LastReport.Outcome)
	assert.Equal(t, []uint32{2}, info.LastReport.Dropped)

	results, err := db.Search(ctx, c.Id, [][]byte{[]byte("query")}, 5, 0.3)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, urls[0], results[0].SourceURL)
	assert.Equal(t, "refA", results[0].ReferenceURL)
	assert.InDelta(t, 0.8, results[0].Score, 1e-6)

	// Replacing content always makes the collection stale again
	_, err = db.ReplaceContent(ctx, c.Id, []string{urls[1]})
	require.NoError(t, err)
	info, err = db.Info(ctx, c.Id)
	require.NoError(t, err)
	assert.True(t, info.RequiresFinetuning)
	assert.False(t, info.StoreConsistent)

	triggered, err := db.FinetuneStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, []core.ID{c.Id}, triggered)
	db.Wait()

	results, err = db.Search(ctx, c.Id, [][]byte{[]byte("query")}, 5, 0)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, urls[1], results[0].SourceURL)
}

func TestDatabase_TriggerErrors(t *testing.T) {
	db := newTestDatabase(t, mock.NewMockEmbedder())
	ctx := context.Background()

	assert.ErrorIs(t, db.TriggerFinetune(ctx, 7), storage.ErrNotFound)

	c, err := db.CreateCollection(ctx, "busy", "")
	require.NoError(t, err)
	_, err = db.Repository().BeginFinetune(ctx, c.Id)
	require.NoError(t, err)
	assert.ErrorIs(t, db.TriggerFinetune(ctx, c.Id), storage.ErrJobRunning)
}

func TestDatabase_StartupSweep(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "db")
	ctx := context.Background()

	db, err := NewDatabase(dir, WithProvider(mock.NewMockProvider()))
	require.NoError(t, err)
	c, err := db.CreateCollection(ctx, "crashed", "")
	require.NoError(t, err)
	_, err = db.Repository().BeginFinetune(ctx, c.Id)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db, err = NewDatabase(dir, WithProvider(mock.NewMockProvider()))
	require.NoError(t, err)
	defer db.Close()

	info, err := db.Info(ctx, c.Id)
	require.NoError(t, err)
	assert.Nil(t, info.FinetuningProgress, "leftover progress is reset on open")
}

func TestDatabase_CustomFetcher(t *testing.T) {
	embedder := mock.NewMockEmbedder()
	db := newTestDatabase(t, embedder, WithFetcher(fetch.New(fetch.DefaultConfig(), fetch.WithFS(afs.New()))))
	ctx := context.Background()

	urls := uploadImages(t, "one", "two")
	c, err := db.CreateCollection(ctx, "images", "")
	require.NoError(t, err)
	_, err = db.ReplaceContent(ctx, c.Id, urls)
	require.NoError(t, err)

	require.NoError(t, db.TriggerFinetune(ctx, c.Id))
	db.Wait()

	info, err := db.Info(ctx, c.Id)
	require.NoError(t, err)
	assert.Equal(t, 2, info.FeatureRows)
	assert.Equal(t, 2, embedder.CallCount())
}
