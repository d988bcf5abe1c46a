package storage

import (
	"context"
	"time"

	"github.com/poiesic/similarity/core"
)

// CollectionRepository provides operations for managing collection records.
// Implementations must be thread-safe and support concurrent access.
type CollectionRepository interface {
	// CreateCollection stores a new empty collection.
	// Assigns the next ID from the collection sequence and sets the
	// Created and LastModified timestamps.
	CreateCollection(ctx context.Context, name, sourceTag string) (*core.Collection, error)

	// GetCollection retrieves a collection by ID.
	// Returns ErrNotFound if the collection doesn't exist.
	GetCollection(ctx context.Context, id core.ID) (*core.Collection, error)

	// ListCollections returns all collections ordered by ID.
	ListCollections(ctx context.Context) ([]*core.Collection, error)

	// DeleteCollection removes the collection record, its ledger, its
	// feature matrix and its last finetune report in one transaction.
	// Returns ErrNotFound if the collection doesn't exist.
	DeleteCollection(ctx context.Context, id core.ID) error
}

// LedgerRepository provides operations on a collection's content ledger.
type LedgerRepository interface {
	// GetLedger returns the ordered ledger of a collection.
	// A collection without content returns an empty ledger.
	// Returns ErrNotFound if the collection doesn't exist.
	GetLedger(ctx context.Context, id core.ID) (core.Ledger, error)

	// ReplaceLedger replaces the ledger wholesale and bumps LastModified.
	// LastModified is always set strictly after both its previous value and
	// LastFinetuned, so the collection becomes stale.
	// LastFinetuned is left unchanged.
	ReplaceLedger(ctx context.Context, id core.ID, ledger core.Ledger) (*core.Collection, error)
}

// FeatureStore persists one feature matrix per collection.
type FeatureStore interface {
	// LoadFeatures returns the stored matrix of a collection.
	// A collection that was never finetuned returns an empty matrix, not an error.
	// If dim > 0 and the stored rows have a different dimension,
	// returns ErrSchemaMismatch.
	LoadFeatures(ctx context.Context, id core.ID, dim int) (*core.FeatureMatrix, error)

	// SaveFeatures atomically replaces the stored matrix.
	SaveFeatures(ctx context.Context, id core.ID, matrix *core.FeatureMatrix) error

	// FeatureState describes the stored matrix without loading its rows.
	FeatureState(ctx context.Context, id core.ID) (core.StoreState, error)
}

// FinetuneResult is everything a finished finetune run publishes.
type FinetuneResult struct {
	CollectionId core.ID
	BasedOn      time.Time           // LastModified of the collection when the job started
	Ledger       core.Ledger         // Ledger without dropped entries
	Features     *core.FeatureMatrix // One row per Ledger entry
	Report       *core.FinetuneReport
	FinishedAt   time.Time
}

// FinetuneRepository provides the state transitions of the finetune job.
type FinetuneRepository interface {
	// BeginFinetune moves an idle collection to running by setting its
	// progress to 0. Returns ErrJobRunning if progress is already set and
	// ErrNotFound if the collection doesn't exist.
	BeginFinetune(ctx context.Context, id core.ID) (*core.Collection, error)

	// UpdateProgress persists the progress of a running job.
	// Progress never decreases: a lower value than the stored one is ignored.
	// Returns ErrNotFound if the collection was deleted.
	UpdateProgress(ctx context.Context, id core.ID, progress int) error

	// PublishFinetune writes the shrunk ledger, the feature matrix and the
	// report, sets LastFinetuned to FinishedAt and clears progress, all in one
	// transaction. Returns ErrLedgerChanged without writing anything when the
	// collection's LastModified differs from BasedOn.
	PublishFinetune(ctx context.Context, result *FinetuneResult) (*core.Collection, error)

	// ClearProgress marks the collection idle.
	ClearProgress(ctx context.Context, id core.ID) error

	// ResetProgress clears the progress of every collection for which skip
	// returns false and returns the IDs that were reset.
	ResetProgress(ctx context.Context, skip func(core.ID) bool) ([]core.ID, error)

	// SaveReport stores the report of a finished run.
	SaveReport(ctx context.Context, report *core.FinetuneReport) error

	// GetReport retrieves the last report of a collection.
	// Returns nil, nil if no run has finished yet.
	GetReport(ctx context.Context, id core.ID) (*core.FinetuneReport, error)
}

// Repository aggregates all storage operations of a backend.
type Repository interface {
	CollectionRepository
	LedgerRepository
	FeatureStore
	FinetuneRepository

	// Close releases resources held by the repository.
	Close() error
}
