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


package similarity

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/poiesic/similarity/ai"
	"github.com/poiesic/similarity/ai/remote"
	"github.com/poiesic/similarity/core"
	"github.com/poiesic/similarity/fetch"
	"github.com/poiesic/similarity/finetune"
	"github.com/poiesic/similarity/search"
	"github.com/poiesic/similarity/storage"
	"github.com/poiesic/similarity/storage/badger"
	"github.com/poiesic/similarity/storage/postgres"
)

// Database is the image similarity store: collections, their content
// ledgers, their feature matrices, the finetune jobs that rebuild them and
// the search over them.
type Database struct {
	repo     storage.Repository
	provider ai.AIProvider
	jobs     *finetune.Manager
	searcher *search.Searcher
	logger   *slog.Logger
}

// DatabaseOption configures a Database.
type DatabaseOption func(*databaseOptions)

type databaseOptions struct {
	aiConfig       *ai.Config
	provider       ai.AIProvider
	fetchConfig    fetch.Config
	fetcher        fetch.Fetcher
	finetuneConfig *finetune.Config
	compression    storage.CompressionType
	postgresURL    string
	inMemory       bool
	defaultTopK    int
	logger         *slog.Logger
}

// WithAIConfig sets the embedding service configuration.
func WithAIConfig(config *ai.Config) DatabaseOption {
	return func(o *databaseOptions) {
		o.aiConfig = config
	}
}

// WithProvider uses provider instead of the remote embedding service.
// The database closes the provider on Close.
func WithProvider(provider ai.AIProvider) DatabaseOption {
	return func(o *databaseOptions) {
		o.provider = provider
	}
}

// WithFetchConfig sets the source fetcher configuration.
func WithFetchConfig(config fetch.Config) DatabaseOption {
	return func(o *databaseOptions) {
		o.fetchConfig = config
	}
}

// WithFetcher replaces the source fetcher.
func WithFetcher(fetcher fetch.Fetcher) DatabaseOption {
	return func(o *databaseOptions) {
		o.fetcher = fetcher
	}
}

// WithFinetuneConfig sets the finetune job configuration.
func WithFinetuneConfig(config *finetune.Config) DatabaseOption {
	return func(o *databaseOptions) {
		o.finetuneConfig = config
	}
}

// WithCompression sets the feature matrix compression of the Badger store.
func WithCompression(ct storage.CompressionType) DatabaseOption {
	return func(o *databaseOptions) {
		o.compression = ct
	}
}

// WithPostgres stores everything in PostgreSQL instead of Badger.
// The file path given to NewDatabase is ignored.
func WithPostgres(connString string) DatabaseOption {
	return func(o *databaseOptions) {
		o.postgresURL = connString
	}
}

// WithInMemory keeps the Badger store in memory.
func WithInMemory() DatabaseOption {
	return func(o *databaseOptions) {
		o.inMemory = true
	}
}

// WithDefaultTopK sets the number of search hits returned when none is asked for.
func WithDefaultTopK(topK int) DatabaseOption {
	return func(o *databaseOptions) {
		o.defaultTopK = topK
	}
}

// WithLogger sets a custom logger.
// Default is slog.Default().
func WithLogger(logger *slog.Logger) DatabaseOption {
	return func(o *databaseOptions) {
		o.logger = logger
	}
}

// NewDatabase opens the store at filePath and wires the embedding service,
// the fetcher, the finetune worker pool and the searcher.
//
// Collections left running by a previous process are swept back to idle
// before the database is returned.
func NewDatabase(filePath string, opts ...DatabaseOption) (*Database, error) {
	options := &databaseOptions{
		aiConfig:       ai.DefaultConfig(),
		fetchConfig:    fetch.DefaultConfig(),
		finetuneConfig: finetune.DefaultConfig(),
		compression:    storage.CompressionZSTD,
		defaultTopK:    search.DefaultTopK,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(options)
	}
	if options.logger == nil {
		options.logger = slog.Default()
	}
	logger := options.logger

	ctx := context.Background()
	repo, err := openRepository(ctx, filePath, options)
	if err != nil {
		return nil, err
	}

	provider := options.provider
	if provider == nil {
		provider, err = remote.NewProvider(options.aiConfig)
		if err != nil {
			repo.Close()
			return nil, err
		}
	}

	fetcher := options.fetcher
	if fetcher == nil {
		fetcher = fetch.New(options.fetchConfig, fetch.WithLogger(logger))
	}

	jobs, err := finetune.NewManager(repo, fetcher, provider.Embedder(),
		finetune.WithConfig(options.finetuneConfig), finetune.WithLogger(logger))
	if err != nil {
		provider.Close()
		repo.Close()
		return nil, err
	}

	searcher, err := search.NewSearcher(repo, provider,
		search.WithLogger(logger), search.WithDefaultTopK(options.defaultTopK))
	if err != nil {
		jobs.Release()
		provider.Close()
		repo.Close()
		return nil, err
	}

	db := &Database{
		repo:     repo,
		provider: provider,
		jobs:     jobs,
		searcher: searcher,
		logger:   logger,
	}

	if _, err := db.Sweep(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("startup sweep failed: %w", err)
	}
	return db, nil
}

func openRepository(ctx context.Context, filePath string, options *databaseOptions) (storage.Repository, error) {
	if options.postgresURL != "" {
		return postgres.NewRepository(ctx, postgres.Config{ConnString: options.postgresURL},
			postgres.WithLogger(options.logger))
	}

	backend, err := badger.OpenBackend(filePath, options.inMemory, badger.WithBackendLogger(options.logger))
	if err != nil {
		return nil, err
	}
	repo, err := badger.NewRepository(backend,
		badger.WithCompression(options.compression), badger.WithLogger(options.logger))
	if err != nil {
		backend.Close()
		return nil, err
	}
	return repo, nil
}

// Close interrupts running finetune jobs and releases all resources.
// Interrupted jobs are swept by the next NewDatabase.
func (db *Database) Close() error {
	db.jobs.Release()

	if err := db.provider.Close(); err != nil {
		db.logger.Error("error closing AI provider", "err", err)
	}

	if err := db.repo.Close(); err != nil {
		db.logger.Error("error closing repository", "err", err)
		return err
	}
	return nil
}

// Repository returns the underlying storage.
func (db *Database) Repository() storage.Repository {
	return db.repo
}

// CreateCollection creates an empty collection.
func (db *Database) CreateCollection(ctx context.Context, name, sourceTag string) (*core.Collection, error) {
	if err := core.ValidateCollection(&core.Collection{Name: name}); err != nil {
		return nil, err
	}
	return db.repo.CreateCollection(ctx, name, sourceTag)
}

// ListCollections returns all collections in ascending ID order.
func (db *Database) ListCollections(ctx context.Context) ([]*core.Collection, error) {
	return db.repo.ListCollections(ctx)
}

// DeleteCollection removes a collection with its ledger, features and report.
// A job running for it ends without publishing.
func (db *Database) DeleteCollection(ctx context.Context, id core.ID) error {
	return db.repo.DeleteCollection(ctx, id)
}

// Info describes the state of a collection.
type Info struct {
	Id                 core.ID
	Name               string
	SourceTag          string
	Created            time.Time
	LastModified       time.Time
	LastFinetuned      *time.Time
	RequiresFinetuning bool // The ledger changed after the last finetune, or none ran yet
	FinetuningProgress *int // Set while a job runs; stays set after a failure until the sweep
	Items              int  // Ledger length
	FeatureRows        int  // Stored feature rows
	StoreConsistent    bool // The stored features can be served for the ledger
	SchemaMismatch     bool // The stored dimension differs from the embedder's
	Stale              bool // A finetune run is needed for any reason
	LastReport         *core.FinetuneReport
}

// Info returns the state of a collection.
func (db *Database) Info(ctx context.Context, id core.ID) (*Info, error) {
	c, err := db.repo.GetCollection(ctx, id)
	if err != nil {
		return nil, err
	}
	ledger, err := db.repo.GetLedger(ctx, id)
	if err != nil {
		return nil, err
	}
	state, err := db.repo.FeatureState(ctx, id)
	if err != nil {
		return nil, err
	}
	report, err := db.repo.GetReport(ctx, id)
	if err != nil {
		return nil, err
	}

	dim := db.provider.Embedder().Dimensions()
	return &Info{
		Id:                 c.Id,
		Name:               c.Name,
		SourceTag:          c.SourceTag,
		Created:            c.Created,
		LastModified:       c.LastModified,
		LastFinetuned:      c.LastFinetuned,
		RequiresFinetuning: c.RequiresFinetuning(),
		FinetuningProgress: c.FinetuningProgress,
		Items:              len(ledger),
		FeatureRows:        state.Rows,
		StoreConsistent:    state.Consistent(ledger, dim),
		SchemaMismatch:     state.Present && state.Rows > 0 && state.Dim != dim,
		Stale:              core.Stale(c, ledger, state, dim),
		LastReport:         report,
	}, nil
}

// ReplaceContent normalizes text rows ("source[,reference]") and replaces the
// collection's ledger with them. Nothing is replaced if any row is invalid.
func (db *Database) ReplaceContent(ctx context.Context, id core.ID, rows []string) (*core.Collection, error) {
	ledger, err := core.NormalizeRows(rows)
	if err != nil {
		return nil, err
	}
	return db.replaceLedger(ctx, id, ledger)
}

// ReplaceContentItems is ReplaceContent for already split items.
func (db *Database) ReplaceContentItems(ctx context.Context, id core.ID, items []core.ContentItem) (*core.Collection, error) {
	ledger, err := core.NormalizeItems(items)
	if err != nil {
		return nil, err
	}
	return db.replaceLedger(ctx, id, ledger)
}

func (db *Database) replaceLedger(ctx context.Context, id core.ID, ledger core.Ledger) (*core.Collection, error) {
	c, err := db.repo.ReplaceLedger(ctx, id, ledger)
	if err != nil {
		return nil, err
	}
	db.logger.Info("content replaced", "collection", id, "items", len(ledger))
	return c, nil
}

// TriggerFinetune starts a finetune job for the collection and returns
// immediately. Returns storage.ErrNotFound or storage.ErrJobRunning.
func (db *Database) TriggerFinetune(ctx context.Context, id core.ID) error {
	return db.jobs.Trigger(ctx, id)
}

// FinetuneStale starts a job for every idle collection that needs one and
// returns their IDs.
func (db *Database) FinetuneStale(ctx context.Context) ([]core.ID, error) {
	return db.jobs.TriggerStale(ctx)
}

// Sweep resets collections whose job died with a previous process.
func (db *Database) Sweep(ctx context.Context) ([]core.ID, error) {
	return db.jobs.Sweep(ctx)
}

// Wait blocks until all triggered jobs have finished.
func (db *Database) Wait() {
	db.jobs.Wait()
}

// Search returns the collection's content most similar to the query images.
// topK <= 0 uses the default. Results below threshold are dropped.
func (db *Database) Search(ctx context.Context, id core.ID, images [][]byte, topK int, threshold float32) ([]*core.SearchResult, error) {
	return db.searcher.Search(ctx, id, images, topK, threshold)
}

// NewSearcher creates a searcher over this database's collections.
func (db *Database) NewSearcher(opts ...search.Option) (*search.Searcher, error) {
	return search.NewSearcher(db.repo, db.provider, opts...)
}

// ExportCSV writes the collection's ledger as two-column CSV rows
// (source, reference) without a header.
func (db *Database) ExportCSV(ctx context.Context, id core.ID, w io.Writer) error {
	ledger, err := db.repo.GetLedger(ctx, id)
	if err != nil {
		return err
	}

	cw := csv.NewWriter(w)
	for _, item := range ledger {
		if err := cw.Write([]string{item.SourceURL, item.ReferenceURL}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
