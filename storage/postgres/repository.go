// Package postgres implements storage.Repository on PostgreSQL with the
// pgvector extension. Feature rows live in a vector column, one row per
// ledger position, next to a feature_sets row that carries the matrix header.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	"github.com/poiesic/similarity/core"
	"github.com/poiesic/similarity/storage"
)

var schema = []string{
	`CREATE EXTENSION IF NOT EXISTS vector`,
	`CREATE TABLE IF NOT EXISTS collections (
	id                  BIGSERIAL PRIMARY KEY,
	name                TEXT NOT NULL,
	source_tag          TEXT NOT NULL DEFAULT '',
	created             TIMESTAMPTZ NOT NULL,
	last_modified       TIMESTAMPTZ NOT NULL,
	last_finetuned      TIMESTAMPTZ,
	finetuning_progress INTEGER
)`,
	`CREATE TABLE IF NOT EXISTS ledger_items (
	collection_id BIGINT NOT NULL REFERENCES collections(id) ON DELETE CASCADE,
	position      INTEGER NOT NULL,
	source_url    TEXT NOT NULL,
	reference_url TEXT NOT NULL,
	PRIMARY KEY (collection_id, position)
)`,
	`CREATE TABLE IF NOT EXISTS feature_sets (
	collection_id BIGINT PRIMARY KEY REFERENCES collections(id) ON DELETE CASCADE,
	dim           INTEGER NOT NULL,
	row_count     INTEGER NOT NULL,
	ledger_digest BYTEA NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS feature_rows (
	collection_id BIGINT NOT NULL REFERENCES collections(id) ON DELETE CASCADE,
	position      INTEGER NOT NULL,
	embedding     vector NOT NULL,
	PRIMARY KEY (collection_id, position)
)`,
	`CREATE TABLE IF NOT EXISTS finetune_reports (
	collection_id BIGINT PRIMARY KEY REFERENCES collections(id) ON DELETE CASCADE,
	payload       BYTEA NOT NULL
)`,
}

const collectionColumns = `id, name, source_tag, created, last_modified, last_finetuned, finetuning_progress`

// Config holds the connection settings.
type Config struct {
	ConnString string
}

// Repository implements storage.Repository for PostgreSQL.
type Repository struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

var _ storage.Repository = (*Repository)(nil)

// Option configures a Repository.
type Option func(*Repository)

// WithLogger sets the repository logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Repository) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewRepository connects to PostgreSQL and creates the schema if needed.
func NewRepository(ctx context.Context, cfg Config, opts ...Option) (storage.Repository, error) {
	if cfg.ConnString == "" {
		return nil, ErrConnStringRequired
	}
	pool, err := pgxpool.New(ctx, cfg.ConnString)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	r := &Repository{pool: pool, logger: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "postgres-repository")

	for _, stmt := range schema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			pool.Close()
			return nil, fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return r, nil
}

// Close closes the connection pool.
func (r *Repository) Close() error {
	r.pool.Close()
	return nil
}

// CreateCollection stores a new empty collection.
func (r *Repository) CreateCollection(ctx context.Context, name, sourceTag string) (*core.Collection, error) {
	now := storage.Now()
	row := r.pool.QueryRow(ctx, `
		INSERT INTO collections (name, source_tag, created, last_modified)
		VALUES ($1, $2, $3, $3)
		RETURNING `+collectionColumns, name, sourceTag, now)
	return scanCollection(row)
}

// GetCollection retrieves a collection by ID.
func (r *Repository) GetCollection(ctx context.Context, id core.ID) (*core.Collection, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+collectionColumns+` FROM collections WHERE id = $1`, int64(id))
	c, err := scanCollection(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", storage.ErrNotFound, id)
	}
	return c, err
}

// ListCollections returns all collections ordered by ID.
func (r *Repository) ListCollections(ctx context.Context) ([]*core.Collection, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+collectionColumns+` FROM collections ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var collections []*core.Collection
	for rows.Next() {
		c, err := scanCollection(rows)
		if err != nil {
			return nil, err
		}
		collections = append(collections, c)
	}
	return collections, rows.Err()
}

// DeleteCollection removes the collection; ledger, features and report cascade.
func (r *Repository) DeleteCollection(ctx context.Context, id core.ID) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM collections WHERE id = $1`, int64(id))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %d", storage.ErrNotFound, id)
	}
	return nil
}

// GetLedger returns the ordered ledger of a collection.
func (r *Repository) GetLedger(ctx context.Context, id core.ID) (core.Ledger, error) {
	var ledger core.Ledger
	err := r.withReadTx(ctx, func(tx pgx.Tx) error {
		if _, err := lockCollection(ctx, tx, id, false); err != nil {
			return err
		}
		var err error
		ledger, err = readLedger(ctx, tx, id)
		return err
	})
	return ledger, err
}

// ReplaceLedger replaces the ledger wholesale and bumps LastModified.
func (r *Repository) ReplaceLedger(ctx context.Context, id core.ID, ledger core.Ledger) (*core.Collection, error) {
	var updated *core.Collection
	err := r.withTx(ctx, func(tx pgx.Tx) error {
		c, err := lockCollection(ctx, tx, id, true)
		if err != nil {
			return err
		}
		if err := writeLedger(ctx, tx, id, ledger); err != nil {
			return err
		}
		c.LastModified = storage.NextModified(c, storage.Now())
		if _, err := tx.Exec(ctx, `UPDATE collections SET last_modified = $2 WHERE id = $1`,
			int64(id), c.LastModified); err != nil {
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
	err := r.withReadTx(ctx, func(tx pgx.Tx) error {
		if _, err := lockCollection(ctx, tx, id, false); err != nil {
			return err
		}
		state, err := readFeatureState(ctx, tx, id)
		if err != nil {
			return err
		}
		if !state.Present {
			matrix = core.NewFeatureMatrix(dim)
			return nil
		}
		if dim > 0 && state.Rows > 0 && state.Dim != dim {
			return fmt.Errorf("%w: stored %d, expected %d", storage.ErrSchemaMismatch, state.Dim, dim)
		}

		rows, err := tx.Query(ctx, `
			SELECT embedding FROM feature_rows
			WHERE collection_id = $1 ORDER BY position`, int64(id))
		if err != nil {
			return err
		}
		defer rows.Close()

		matrix = &core.FeatureMatrix{Dim: state.Dim, Ledger: state.Ledger, Rows: make([][]float32, 0, state.Rows)}
		for rows.Next() {
			var v pgvector.Vector
			if err := rows.Scan(&v); err != nil {
				return err
			}
			matrix.Rows = append(matrix.Rows, v.Slice())
		}
		if err := rows.Err(); err != nil {
			return err
		}
		if matrix.Len() != state.Rows {
			return fmt.Errorf("%w: %d rows stored, header says %d", storage.ErrCorruptFeatures, matrix.Len(), state.Rows)
		}
		return nil
	})
	return matrix, err
}

// SaveFeatures atomically replaces the stored matrix.
func (r *Repository) SaveFeatures(ctx context.Context, id core.ID, matrix *core.FeatureMatrix) error {
	if err := validateMatrix(matrix); err != nil {
		return err
	}
	return r.withTx(ctx, func(tx pgx.Tx) error {
		if _, err := lockCollection(ctx, tx, id, true); err != nil {
			return err
		}
		return writeFeatures(ctx, tx, id, matrix)
	})
}

// FeatureState reads the matrix header without loading its rows.
func (r *Repository) FeatureState(ctx context.Context, id core.ID) (core.StoreState, error) {
	var state core.StoreState
	err := r.withReadTx(ctx, func(tx pgx.Tx) error {
		if _, err := lockCollection(ctx, tx, id, false); err != nil {
			return err
		}
		var err error
		state, err = readFeatureState(ctx, tx, id)
		return err
	})
	return state, err
}

// BeginFinetune moves an idle collection to running.
func (r *Repository) BeginFinetune(ctx context.Context, id core.ID) (*core.Collection, error) {
	var started *core.Collection
	err := r.withTx(ctx, func(tx pgx.Tx) error {
		c, err := lockCollection(ctx, tx, id, true)
		if err != nil {
			return err
		}
		if c.Running() {
			return storage.ErrJobRunning
		}
		if _, err := tx.Exec(ctx, `UPDATE collections SET finetuning_progress = 0 WHERE id = $1`, int64(id)); err != nil {
			return err
		}
		zero := 0
		c.FinetuningProgress = &zero
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
	tag, err := r.pool.Exec(ctx, `
		UPDATE collections
		SET finetuning_progress = GREATEST(COALESCE(finetuning_progress, 0), $2)
		WHERE id = $1`, int64(id), progress)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %d", storage.ErrNotFound, id)
	}
	return nil
}

// PublishFinetune writes the result of a finished run in one transaction.
func (r *Repository) PublishFinetune(ctx context.Context, result *storage.FinetuneResult) (*core.Collection, error) {
	if result.Features.Len() != len(result.Ledger) {
		return nil, fmt.Errorf("%w: %d rows for %d ledger entries",
			storage.ErrInvalidMatrix, result.Features.Len(), len(result.Ledger))
	}
	features := *result.Features
	features.Ledger = result.Ledger.Digest()
	if err := validateMatrix(&features); err != nil {
		return nil, err
	}
	report, err := storage.MarshalReport(result.Report)
	if err != nil {
		return nil, err
	}

	var published *core.Collection
	err = r.withTx(ctx, func(tx pgx.Tx) error {
		id := result.CollectionId
		c, err := lockCollection(ctx, tx, id, true)
		if err != nil {
			return err
		}
		if !c.LastModified.Equal(result.BasedOn) {
			return storage.ErrLedgerChanged
		}
		if err := writeLedger(ctx, tx, id, result.Ledger); err != nil {
			return err
		}
		if err := writeFeatures(ctx, tx, id, &features); err != nil {
			return err
		}
		if err := writeReport(ctx, tx, id, report); err != nil {
			return err
		}
		finetuned := storage.FinetunedAt(c, result.FinishedAt)
		if _, err := tx.Exec(ctx, `
			UPDATE collections SET last_finetuned = $2, finetuning_progress = NULL
			WHERE id = $1`, int64(id), finetuned); err != nil {
			return err
		}
		c.LastFinetuned = &finetuned
		c.FinetuningProgress = nil
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
	tag, err := r.pool.Exec(ctx, `UPDATE collections SET finetuning_progress = NULL WHERE id = $1`, int64(id))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %d", storage.ErrNotFound, id)
	}
	return nil
}

// ResetProgress clears leftover progress of collections for which skip returns false.
func (r *Repository) ResetProgress(ctx context.Context, skip func(core.ID) bool) ([]core.ID, error) {
	var reset []core.ID
	err := r.withTx(ctx, func(tx pgx.Tx) error {
		reset = reset[:0]
		rows, err := tx.Query(ctx, `
			SELECT id FROM collections
			WHERE finetuning_progress IS NOT NULL
			ORDER BY id FOR UPDATE`)
		if err != nil {
			return err
		}
		var ids []int64
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			if skip != nil && skip(core.ID(id)) {
				continue
			}
			ids = append(ids, id)
			reset = append(reset, core.ID(id))
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}
		_, err = tx.Exec(ctx, `UPDATE collections SET finetuning_progress = NULL WHERE id = ANY($1)`, ids)
		return err
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
	return r.withTx(ctx, func(tx pgx.Tx) error {
		if _, err := lockCollection(ctx, tx, report.CollectionId, false); err != nil {
			return err
		}
		return writeReport(ctx, tx, report.CollectionId, data)
	})
}

// GetReport retrieves the last report of a collection.
// Returns nil, nil if no run has finished yet.
func (r *Repository) GetReport(ctx context.Context, id core.ID) (*core.FinetuneReport, error) {
	var report *core.FinetuneReport
	err := r.withReadTx(ctx, func(tx pgx.Tx) error {
		if _, err := lockCollection(ctx, tx, id, false); err != nil {
			return err
		}
		var payload []byte
		err := tx.QueryRow(ctx, `SELECT payload FROM finetune_reports WHERE collection_id = $1`, int64(id)).Scan(&payload)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		report, err = storage.UnmarshalReport(payload)
		return err
	})
	return report, err
}

// withTx runs fn in a transaction that is committed when fn succeeds.
func (r *Repository) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	return r.runTx(ctx, pgx.TxOptions{}, fn)
}

// withReadTx runs fn in a read-only snapshot, so every statement in fn sees
// the same committed publish.
func (r *Repository) withReadTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	return r.runTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly}, fn)
}

func (r *Repository) runTx(ctx context.Context, opts pgx.TxOptions, fn func(tx pgx.Tx) error) error {
	tx, err := r.pool.BeginTx(ctx, opts)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// lockCollection reads a collection inside tx, optionally locking its row.
func lockCollection(ctx context.Context, tx pgx.Tx, id core.ID, forUpdate bool) (*core.Collection, error) {
	query := `SELECT ` + collectionColumns + ` FROM collections WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	c, err := scanCollection(tx.QueryRow(ctx, query, int64(id)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", storage.ErrNotFound, id)
	}
	return c, err
}

func scanCollection(row pgx.Row) (*core.Collection, error) {
	var (
		c         core.Collection
		id        int64
		finetuned *time.Time
		progress  *int32
	)
	if err := row.Scan(&id, &c.Name, &c.SourceTag, &c.Created, &c.LastModified, &finetuned, &progress); err != nil {
		return nil, err
	}
	c.Id = core.ID(id)
	c.Created = c.Created.UTC()
	c.LastModified = c.LastModified.UTC()
	if finetuned != nil {
		t := finetuned.UTC()
		c.LastFinetuned = &t
	}
	if progress != nil {
		p := int(*progress)
		c.FinetuningProgress = &p
	}
	return &c, nil
}

func readLedger(ctx context.Context, tx pgx.Tx, id core.ID) (core.Ledger, error) {
	rows, err := tx.Query(ctx, `
		SELECT source_url, reference_url FROM ledger_items
		WHERE collection_id = $1 ORDER BY position`, int64(id))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ledger := core.Ledger{}
	for rows.Next() {
		var item core.ContentItem
		if err := rows.Scan(&item.SourceURL, &item.ReferenceURL); err != nil {
			return nil, err
		}
		ledger = append(ledger, item)
	}
	return ledger, rows.Err()
}

func writeLedger(ctx context.Context, tx pgx.Tx, id core.ID, ledger core.Ledger) error {
	if _, err := tx.Exec(ctx, `DELETE FROM ledger_items WHERE collection_id = $1`, int64(id)); err != nil {
		return err
	}
	if len(ledger) == 0 {
		return nil
	}
	rows := make([][]any, len(ledger))
	for i, item := range ledger {
		rows[i] = []any{int64(id), int32(i), item.SourceURL, item.ReferenceURL}
	}
	_, err := tx.CopyFrom(ctx,
		pgx.Identifier{"ledger_items"},
		[]string{"collection_id", "position", "source_url", "reference_url"},
		pgx.CopyFromRows(rows))
	return err
}

func readFeatureState(ctx context.Context, tx pgx.Tx, id core.ID) (core.StoreState, error) {
	var (
		state  core.StoreState
		dim    int32
		count  int32
		digest []byte
	)
	err := tx.QueryRow(ctx, `
		SELECT dim, row_count, ledger_digest FROM feature_sets
		WHERE collection_id = $1`, int64(id)).Scan(&dim, &count, &digest)
	if errors.Is(err, pgx.ErrNoRows) {
		return state, nil
	}
	if err != nil {
		return state, err
	}
	if len(digest) != len(state.Ledger) {
		return state, fmt.Errorf("%w: ledger digest is %d bytes", storage.ErrCorruptFeatures, len(digest))
	}
	state.Present = true
	state.Dim = int(dim)
	state.Rows = int(count)
	copy(state.Ledger[:], digest)
	return state, nil
}

func writeFeatures(ctx context.Context, tx pgx.Tx, id core.ID, m *core.FeatureMatrix) error {
	if _, err := tx.Exec(ctx, `DELETE FROM feature_rows WHERE collection_id = $1`, int64(id)); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO feature_sets (collection_id, dim, row_count, ledger_digest)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (collection_id) DO UPDATE SET
			dim = EXCLUDED.dim,
			row_count = EXCLUDED.row_count,
			ledger_digest = EXCLUDED.ledger_digest`,
		int64(id), int32(m.Dim), int32(m.Len()), m.Ledger[:]); err != nil {
		return err
	}
	if m.Empty() {
		return nil
	}

	batch := &pgx.Batch{}
	for i, row := range m.Rows {
		batch.Queue(`INSERT INTO feature_rows (collection_id, position, embedding) VALUES ($1, $2, $3)`,
			int64(id), int32(i), pgvector.NewVector(row))
	}
	br := tx.SendBatch(ctx, batch)
	for range m.Rows {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return fmt.Errorf("failed to insert feature row: %w", err)
		}
	}
	return br.Close()
}

func writeReport(ctx context.Context, tx pgx.Tx, id core.ID, payload []byte) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO finetune_reports (collection_id, payload) VALUES ($1, $2)
		ON CONFLICT (collection_id) DO UPDATE SET payload = EXCLUDED.payload`,
		int64(id), payload)
	return err
}

func validateMatrix(m *core.FeatureMatrix) error {
	if m == nil {
		return fmt.Errorf("%w: nil matrix", storage.ErrInvalidMatrix)
	}
	for i, row := range m.Rows {
		if len(row) != m.Dim {
			return fmt.Errorf("%w: row %d has %d values, want %d", storage.ErrInvalidMatrix, i, len(row), m.Dim)
		}
	}
	return nil
}
