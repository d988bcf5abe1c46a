package badger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/dgraph-io/badger/v4"
	"github.com/poiesic/similarity/core"
	"github.com/poiesic/similarity/storage"
)

// Repository implements storage.Repository for BadgerDB.
type Repository struct {
	backend     *Backend
	idSeq       *badger.Sequence
	compression storage.CompressionType
	logger      *slog.Logger
}

var _ storage.Repository = (*Repository)(nil)

// Option configures a Repository.
type Option func(*Repository)

// WithCompression sets the compression used for feature matrices.
func WithCompression(ct storage.CompressionType) Option {
	return func(r *Repository) {
		r.compression = ct
	}
}

// WithLogger sets the repository logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Repository) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewRepository creates a Repository on top of an open backend.
// The repository takes ownership of the backend and closes it on Close.
func NewRepository(backend *Backend, opts ...Option) (storage.Repository, error) {
	idSeq, err := backend.GetSequence(collectionIDSeq)
	if err != nil {
		return nil, err
	}

	r := &Repository{
		backend:     backend,
		idSeq:       idSeq,
		compression: storage.CompressionZSTD,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "collection-repository")
	return r, nil
}

// Close releases the ID sequence and closes the backend.
func (r *Repository) Close() error {
	seqErr := r.idSeq.Release()
	return errors.Join(seqErr, r.backend.Close())
}

// CreateCollection stores a new empty collection.
func (r *Repository) CreateCollection(ctx context.Context, name, sourceTag string) (*core.Collection, error) {
	nextID, err := r.idSeq.Next()
	if err != nil {
		return nil, err
	}
	// BadgerDB sequences can return 0 on first call, so we skip it
	if nextID == 0 {
		nextID, err = r.idSeq.Next()
		if err != nil {
			return nil, err
		}
	}

	now := storage.Now()
	c := &core.Collection{
		Id:           core.ID(nextID),
		Name:         name,
		SourceTag:    sourceTag,
		Created:      now,
		LastModified: now,
	}
	err = r.backend.Update(ctx, func(tx *badger.Txn) error {
		return writeCollection(tx, c)
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// GetCollection retrieves a collection by ID.
func (r *Repository) GetCollection(ctx context.Context, id core.ID) (*core.Collection, error) {
	var c *core.Collection
	err := r.backend.View(func(tx *badger.Txn) error {
		var err error
		c, err = mustReadCollection(tx, id)
		return err
	})
	return c, err
}

// ListCollections returns all collections ordered by ID.
func (r *Repository) ListCollections(ctx context.Context) ([]*core.Collection, error) {
	var collections []*core.Collection
	err := r.backend.View(func(tx *badger.Txn) error {
		var err error
		collections, err = scanCollections(tx)
		return err
	})
	return collections, err
}

// DeleteCollection removes all keys owned by the collection in one transaction.
func (r *Repository) DeleteCollection(ctx context.Context, id core.ID) error {
	return r.backend.Update(ctx, func(tx *badger.Txn) error {
		if _, err := mustReadCollection(tx, id); err != nil {
			return err
		}
		for _, key := range collectionKeys(id) {
			if err := tx.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetLedger returns the ordered ledger of a collection.
func (r *Repository) GetLedger(ctx context.Context, id core.ID) (core.Ledger, error) {
	var ledger core.Ledger
	err := r.backend.View(func(tx *badger.Txn) error {
		if _, err := mustReadCollection(tx, id); err != nil {
			return err
		}
		var err error
		ledger, err = readLedger(tx, id)
		return err
	})
	return ledger, err
}

// ReplaceLedger replaces the ledger wholesale and bumps LastModified.
func (r *Repository) ReplaceLedger(ctx context.Context, id core.ID, ledger core.Ledger) (*core.Collection, error) {
	var updated *core.Collection
	err := r.backend.Update(ctx, func(tx *badger.Txn) error {
		c, err := mustReadCollection(tx, id)
		if err != nil {
			return err
		}
		c.LastModified = storage.NextModified(c, storage.Now())
		if err := tx.Set(makeLedgerKey(id), storage.MarshalLedger(ledger)); err != nil {
			return err
		}
		if err := writeCollection(tx, c); err != nil {
			return err
		}
		updated = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// LoadFeatures returns the stored matrix of a collection.
func (r *Repository) LoadFeatures(ctx context.Context, id core.ID, dim int) (*core.FeatureMatrix, error) {
	var matrix *core.FeatureMatrix
	err := r.backend.View(func(tx *badger.Txn) error {
		if _, err := mustReadCollection(tx, id); err != nil {
			return err
		}
		item, err := tx.Get(makeFeatureKey(id))
		if err != nil {
			if err == badger.ErrKeyNotFound {
				matrix = core.NewFeatureMatrix(dim)
				return nil
			}
			return err
		}
		return item.Value(func(val []byte) error {
			var decodeErr error
			matrix, decodeErr = storage.DecodeFeatures(val, dim)
			return decodeErr
		})
	})
	return matrix, err
}

// SaveFeatures atomically replaces the stored matrix.
func (r *Repository) SaveFeatures(ctx context.Context, id core.ID, matrix *core.FeatureMatrix) error {
	data, err := storage.EncodeFeatures(matrix, r.compression)
	if err != nil {
		return err
	}
	return r.backend.Update(ctx, func(tx *badger.Txn) error {
		if _, err := mustReadCollection(tx, id); err != nil {
			return err
		}
		return tx.Set(makeFeatureKey(id), data)
	})
}

// FeatureState decodes only the header of the stored matrix.
func (r *Repository) FeatureState(ctx context.Context, id core.ID) (core.StoreState, error) {
	var state core.StoreState
	err := r.backend.View(func(tx *badger.Txn) error {
		if _, err := mustReadCollection(tx, id); err != nil {
			return err
		}
		item, err := tx.Get(makeFeatureKey(id))
		if err != nil {
			if err == badger.ErrKeyNotFound {
				return nil
			}
			return err
		}
		return item.Value(func(val []byte) error {
			h, err := storage.DecodeFeatureHeader(val)
			if err != nil {
				return err
			}
			state = h.State()
			return nil
		})
	})
	return state, err
}

// BeginFinetune moves an idle collection to running.
func (r *Repository) BeginFinetune(ctx context.Context, id core.ID) (*core.Collection, error) {
	var started *core.Collection
	err := r.backend.Update(ctx, func(tx *badger.Txn) error {
		c, err := mustReadCollection(tx, id)
		if err != nil {
			return err
		}
		if c.Running() {
			return storage.ErrJobRunning
		}
		zero := 0
		c.FinetuningProgress = &zero
		if err := writeCollection(tx, c); err != nil {
			return err
		}
		started = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return started, nil
}

// UpdateProgress persists the progress of a running job. Progress never decreases.
func (r *Repository) UpdateProgress(ctx context.Context, id core.ID, progress int) error {
	if err := core.ValidateProgress(progress); err != nil {
		return err
	}
	return r.backend.Update(ctx, func(tx *badger.Txn) error {
		c, err := mustReadCollection(tx, id)
		if err != nil {
			return err
		}
		if c.FinetuningProgress != nil && *c.FinetuningProgress >= progress {
			return nil
		}
		c.FinetuningProgress = &progress
		return writeCollection(tx, c)
	})
}

// PublishFinetune writes the result of a finished run in one transaction.
func (r *Repository) PublishFinetune(ctx context.Context, result *storage.FinetuneResult) (*core.Collection, error) {
	if result.Features.Len() != len(result.Ledger) {
		return nil, fmt.Errorf("%w: %d rows for %d ledger entries",
			storage.ErrInvalidMatrix, result.Features.Len(), len(result.Ledger))
	}
	// Bind the matrix to the ledger it is published with
	features := *result.Features
	features.Ledger = result.Ledger.Digest()
	data, err := storage.EncodeFeatures(&features, r.compression)
	if err != nil {
		return nil, err
	}
	report, err := storage.MarshalReport(result.Report)
	if err != nil {
		return nil, err
	}

	var published *core.Collection
	err = r.backend.Update(ctx, func(tx *badger.Txn) error {
		c, err := mustReadCollection(tx, result.CollectionId)
		if err != nil {
			return err
		}
		if !c.LastModified.Equal(result.BasedOn) {
			return storage.ErrLedgerChanged
		}
		finetuned := storage.FinetunedAt(c, result.FinishedAt)
		c.LastFinetuned = &finetuned
		c.FinetuningProgress = nil

		id := result.CollectionId
		if err := tx.Set(makeLedgerKey(id), storage.MarshalLedger(result.Ledger)); err != nil {
			return err
		}
		if err := tx.Set(makeFeatureKey(id), data); err != nil {
			return err
		}
		if err := tx.Set(makeReportKey(id), report); err != nil {
			return err
		}
		if err := writeCollection(tx, c); err != nil {
			return err
		}
		published = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return published, nil
}

// ClearProgress marks the collection idle.
func (r *Repository) ClearProgress(ctx context.Context, id core.ID) error {
	return r.backend.Update(ctx, func(tx *badger.Txn) error {
		c, err := mustReadCollection(tx, id)
		if err != nil {
			return err
		}
		if !c.Running() {
			return nil
		}
		c.FinetuningProgress = nil
		return writeCollection(tx, c)
	})
}

// ResetProgress clears leftover progress of collections for which skip returns false.
func (r *Repository) ResetProgress(ctx context.Context, skip func(core.ID) bool) ([]core.ID, error) {
	var reset []core.ID
	err := r.backend.Update(ctx, func(tx *badger.Txn) error {
		reset = reset[:0]
		collections, err := scanCollections(tx)
		if err != nil {
			return err
		}
		for _, c := range collections {
			if !c.Running() || (skip != nil && skip(c.Id)) {
				continue
			}
			c.FinetuningProgress = nil
			if err := writeCollection(tx, c); err != nil {
				return err
			}
			reset = append(reset, c.Id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(reset) > 0 {
		r.logger.Info("reset leftover finetune progress", "collections", reset)
	}
	return reset, nil
}

// SaveReport stores the report of a finished run.
func (r *Repository) SaveReport(ctx context.Context, report *core.FinetuneReport) error {
	data, err := storage.MarshalReport(report)
	if err != nil {
		return err
	}
	return r.backend.Update(ctx, func(tx *badger.Txn) error {
		if _, err := mustReadCollection(tx, report.CollectionId); err != nil {
			return err
		}
		return tx.Set(makeReportKey(report.CollectionId), data)
	})
}

// GetReport retrieves the last report of a collection.
// Returns nil, nil if no run has finished yet.
func (r *Repository) GetReport(ctx context.Context, id core.ID) (*core.FinetuneReport, error) {
	var report *core.FinetuneReport
	err := r.backend.View(func(tx *badger.Txn) error {
		if _, err := mustReadCollection(tx, id); err != nil {
			return err
		}
		item, err := tx.Get(makeReportKey(id))
		if err != nil {
			if err == badger.ErrKeyNotFound {
				return nil
			}
			return err
		}
		return item.Value(func(val []byte) error {
			var unmarshalErr error
			report, unmarshalErr = storage.UnmarshalReport(val)
			return unmarshalErr
		})
	})
	return report, err
}

// readCollection reads a collection record.
// Returns nil, nil if the record doesn't exist.
func readCollection(tx *badger.Txn, id core.ID) (*core.Collection, error) {
	item, err := tx.Get(makeCollectionKey(id))
	if err != nil {
		if err == badger.ErrKeyNotFound {
			return nil, nil
		}
		return nil, err
	}
	var c *core.Collection
	err = item.Value(func(val []byte) error {
		var unmarshalErr error
		c, unmarshalErr = storage.UnmarshalCollection(val)
		return unmarshalErr
	})
	return c, err
}

// mustReadCollection is readCollection with ErrNotFound for missing records.
func mustReadCollection(tx *badger.Txn, id core.ID) (*core.Collection, error) {
	c, err := readCollection(tx, id)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, fmt.Errorf("%w: %d", storage.ErrNotFound, id)
	}
	return c, nil
}

func writeCollection(tx *badger.Txn, c *core.Collection) error {
	return tx.Set(makeCollectionKey(c.Id), storage.MarshalCollection(c))
}

func readLedger(tx *badger.Txn, id core.ID) (core.Ledger, error) {
	item, err := tx.Get(makeLedgerKey(id))
	if err != nil {
		if err == badger.ErrKeyNotFound {
			return core.Ledger{}, nil
		}
		return nil, err
	}
	var ledger core.Ledger
	err = item.Value(func(val []byte) error {
		var unmarshalErr error
		ledger, unmarshalErr = storage.UnmarshalLedger(val)
		return unmarshalErr
	})
	return ledger, err
}

// scanCollections reads every collection record ordered by ID.
func scanCollections(tx *badger.Txn) ([]*core.Collection, error) {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = []byte(collectionPrefix + ":")
	iter := tx.NewIterator(opts)
	defer iter.Close()

	var collections []*core.Collection
	for iter.Rewind(); iter.Valid(); iter.Next() {
		var c *core.Collection
		err := iter.Item().Value(func(val []byte) error {
			var unmarshalErr error
			c, unmarshalErr = storage.UnmarshalCollection(val)
			return unmarshalErr
		})
		if err != nil {
			return nil, err
		}
		collections = append(collections, c)
	}

	// Keys sort as decimal strings, not numbers
	slices.SortFunc(collections, func(a, b *core.Collection) int {
		switch {
		case a.Id < b.Id:
			return -1
		case a.Id > b.Id:
			return 1
		default:
			return 0
		}
	})
	return collections, nil
}
