package finetune

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/poiesic/similarity/ai"
	"github.com/poiesic/similarity/core"
	"github.com/poiesic/similarity/fetch"
	"github.com/poiesic/similarity/storage"
)

// Job rebuilds the feature matrix of one collection.
// A Job must be started with BeginFinetune already applied to its collection.
type Job struct {
	repo     storage.Repository
	fetcher  fetch.Fetcher
	embedder ai.Embedder
	config   *Config
	logger   *slog.Logger

	collection *core.Collection // Snapshot taken when the job began
}

// NewJob creates a job for a collection that was moved to running by
// BeginFinetune. started is the collection returned by BeginFinetune.
func NewJob(repo storage.Repository, fetcher fetch.Fetcher, embedder ai.Embedder,
	started *core.Collection, config *Config, logger *slog.Logger) *Job {
	if logger == nil {
		logger = slog.Default()
	}
	return &Job{
		repo:       repo,
		fetcher:    fetcher,
		embedder:   embedder,
		config:     config.withDefaults(),
		logger:     logger.With("collection", started.Id),
		collection: started,
	}
}

// Run executes the job and returns its report.
//
// The returned error is nil for a completed run, storage.ErrLedgerChanged
// for a superseded run and storage.ErrNotFound when the collection was
// deleted while the job ran. Any other error means the run failed and its
// progress was left set, so the collection shows as degraded until the next
// sweep.
func (j *Job) Run(ctx context.Context) (*core.FinetuneReport, error) {
	id := j.collection.Id
	report := &core.FinetuneReport{
		CollectionId: id,
		StartedAt:    time.Now().UTC(),
	}

	ledger, features, err := j.build(ctx, report)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			j.logger.Info("collection deleted during finetune")
			return nil, err
		}
		return j.fail(ctx, report, err)
	}

	report.FinishedAt = time.Now().UTC()
	report.Outcome = core.OutcomeCompleted
	_, err = j.repo.PublishFinetune(ctx, &storage.FinetuneResult{
		CollectionId: id,
		BasedOn:      j.collection.LastModified,
		Ledger:       ledger,
		Features:     features,
		Report:       report,
		FinishedAt:   report.FinishedAt,
	})
	switch {
	case err == nil:
		j.logger.Info("finetune completed",
			"embedded", report.Embedded, "dropped", len(report.Dropped), "total", report.Total)
		return report, nil
	case errors.Is(err, storage.ErrLedgerChanged):
		return j.supersede(ctx, report)
	case errors.Is(err, storage.ErrNotFound):
		j.logger.Info("collection deleted during finetune")
		return nil, err
	default:
		return j.fail(ctx, report, fmt.Errorf("failed to publish features: %w", err))
	}
}

// build walks the ledger and returns the kept entries with their features.
func (j *Job) build(ctx context.Context, report *core.FinetuneReport) (core.Ledger, *core.FeatureMatrix, error) {
	id := j.collection.Id
	ledger, err := j.repo.GetLedger(ctx, id)
	if err != nil {
		return nil, nil, err
	}

	dim := j.embedder.Dimensions()
	total := len(ledger)
	report.Total = total
	tracker := NewProgressTracker(j.repo, id, total)
	kept := make(core.Ledger, 0, total)
	features := &core.FeatureMatrix{Dim: dim, Rows: make([][]float32, 0, total)}

	j.logger.Info("starting finetune", "items", total, "batch_size", j.config.BatchSize)

	for start := 0; start < total; start += j.config.BatchSize {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		end := min(start+j.config.BatchSize, total)
		batch := ledger[start:end]
		fetched := fetchBatch(ctx, j.fetcher, batch, j.config.FetchConcurrency)

		for i, res := range fetched {
			pos := start + i
			item := batch[i]

			vec, err := j.featurize(ctx, res)
			switch {
			case err == nil:
				kept = append(kept, item)
				features.Rows = append(features.Rows, vec)
			case errors.Is(err, fetch.ErrFetch), errors.Is(err, ai.ErrModel):
				j.logger.Warn("dropping ledger entry", "position", pos, "source", item.SourceURL, "err", err)
				report.Dropped = append(report.Dropped, uint32(pos))
			default:
				return nil, nil, fmt.Errorf("ledger entry %d: %w", pos, err)
			}

			if err := tracker.Increment(ctx, 1); err != nil {
				if errors.Is(err, storage.ErrNotFound) {
					return nil, nil, err
				}
				j.logger.Warn("failed to persist progress", "err", err)
			}
		}
	}

	report.Embedded = len(kept)
	j.logger.Debug("finetune pass finished", "elapsed", tracker.Elapsed().Round(time.Millisecond))
	return kept, features, nil
}

// featurize embeds a fetched source. Transient embedding failures are
// retried; a model rejection is returned unwrapped by the retry loop.
func (j *Job) featurize(ctx context.Context, res fetchResult) ([]float32, error) {
	if res.err != nil {
		return nil, res.err
	}

	var vec []float32
	err := RetryWithBackoff(ctx, func() error {
		v, err := j.embedder.EmbedImage(ctx, res.data)
		if err != nil {
			if errors.Is(err, ai.ErrModel) || errors.Is(err, ai.ErrDimensionMismatch) {
				return Permanent(err)
			}
			return err
		}
		vec = v
		return nil
	}, j.config.MaxRetries, j.config.RetryDelay)
	if err != nil {
		return nil, err
	}
	if len(vec) != j.embedder.Dimensions() {
		return nil, fmt.Errorf("%w: got %d, expected %d", ai.ErrDimensionMismatch, len(vec), j.embedder.Dimensions())
	}
	return vec, nil
}

// supersede records a run whose ledger was replaced before publishing.
// The collection stays stale and becomes idle.
func (j *Job) supersede(ctx context.Context, report *core.FinetuneReport) (*core.FinetuneReport, error) {
	j.logger.Info("ledger replaced during finetune, discarding results")
	report.Outcome = core.OutcomeSuperseded
	if err := j.repo.ClearProgress(ctx, j.collection.Id); err != nil && !errors.Is(err, storage.ErrNotFound) {
		j.logger.Error("failed to clear progress", "err", err)
	}
	j.saveReport(ctx, report)
	return report, storage.ErrLedgerChanged
}

// fail records a failed run. Progress is left set.
func (j *Job) fail(ctx context.Context, report *core.FinetuneReport, cause error) (*core.FinetuneReport, error) {
	j.logger.Error("finetune failed", "err", cause)
	report.FinishedAt = time.Now().UTC()
	report.Outcome = core.OutcomeFailed
	report.Error = cause.Error()
	j.saveReport(context.WithoutCancel(ctx), report)
	return report, cause
}

func (j *Job) saveReport(ctx context.Context, report *core.FinetuneReport) {
	if report.FinishedAt.IsZero() {
		report.FinishedAt = time.Now().UTC()
	}
	if err := j.repo.SaveReport(ctx, report); err != nil && !errors.Is(err, storage.ErrNotFound) {
		j.logger.Error("failed to save finetune report", "err", err)
	}
}
