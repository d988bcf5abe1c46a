package finetune

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/panjf2000/ants/v2"
	"github.com/poiesic/similarity/ai"
	"github.com/poiesic/similarity/core"
	"github.com/poiesic/similarity/fetch"
	"github.com/poiesic/similarity/storage"
)

// Manager runs finetune jobs on a bounded worker pool.
// At most one job runs per collection within this process (active set and
// persisted progress). Sweep clears progress it does not own, so a store
// shared by several processes needs a single one running jobs.
type Manager struct {
	repo     storage.Repository
	fetcher  fetch.Fetcher
	embedder ai.Embedder
	config   *Config
	pool     *ants.Pool
	logger   *slog.Logger

	// Jobs run on ctx; Release cancels it
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	active   map[core.ID]struct{}
	wg       sync.WaitGroup
	released bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithConfig sets the job configuration.
func WithConfig(config *Config) Option {
	return func(m *Manager) {
		m.config = config.withDefaults()
	}
}

// WithLogger sets a custom logger.
// Default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger == nil {
			logger = slog.Default()
		}
		m.logger = logger
	}
}

// NewManager creates a job manager.
func NewManager(repo storage.Repository, fetcher fetch.Fetcher, embedder ai.Embedder, opts ...Option) (*Manager, error) {
	if repo == nil {
		return nil, ErrRepositoryRequired
	}
	if fetcher == nil {
		return nil, ErrFetcherRequired
	}
	if embedder == nil {
		return nil, ErrEmbedderRequired
	}

	m := &Manager{
		repo:     repo,
		fetcher:  fetcher,
		embedder: embedder,
		config:   DefaultConfig(),
		logger:   slog.Default(),
		active:   make(map[core.ID]struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "finetune")

	pool, err := ants.NewPool(m.config.PoolSize, ants.WithPanicHandler(func(p any) {
		m.logger.Error("finetune job panicked", "panic", p)
	}))
	if err != nil {
		return nil, fmt.Errorf("failed to create worker pool: %w", err)
	}
	m.pool = pool
	m.ctx, m.cancel = context.WithCancel(context.Background())

	return m, nil
}

// Trigger starts a finetune job for a collection and returns without waiting
// for it. Returns storage.ErrNotFound for an unknown collection and
// storage.ErrJobRunning if a job already holds it.
func (m *Manager) Trigger(ctx context.Context, id core.ID) error {
	m.mu.Lock()
	if m.released {
		m.mu.Unlock()
		return ErrManagerReleased
	}
	if _, ok := m.active[id]; ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: collection %d", storage.ErrJobRunning, id)
	}
	m.active[id] = struct{}{}
	m.wg.Add(1)
	m.mu.Unlock()

	started, err := m.repo.BeginFinetune(ctx, id)
	if err != nil {
		m.finish(id)
		return err
	}

	job := NewJob(m.repo, m.fetcher, m.embedder, started, m.config, m.logger)
	// Submit blocks while every worker is busy; the job is queued, not rejected
	go m.submit(id, job)

	m.logger.Debug("finetune job accepted", "collection", id)
	return nil
}

func (m *Manager) submit(id core.ID, job *Job) {
	err := m.pool.Submit(func() {
		defer m.finish(id)
		job.Run(m.ctx)
	})
	if err == nil {
		return
	}
	m.logger.Error("failed to submit finetune job", "collection", id, "err", err)
	if clearErr := m.repo.ClearProgress(context.Background(), id); clearErr != nil {
		m.logger.Error("failed to clear progress", "collection", id, "err", clearErr)
	}
	m.finish(id)
}

// TriggerStale starts a job for every idle collection that needs one.
// Returns the IDs of the collections whose job was started.
func (m *Manager) TriggerStale(ctx context.Context) ([]core.ID, error) {
	collections, err := m.repo.ListCollections(ctx)
	if err != nil {
		return nil, err
	}

	dim := m.embedder.Dimensions()
	var triggered []core.ID
	for _, c := range collections {
		if c.Running() || m.Active(c.Id) {
			continue
		}
		stale, err := m.stale(ctx, c, dim)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return triggered, err
		}
		if !stale {
			continue
		}
		err = m.Trigger(ctx, c.Id)
		switch {
		case err == nil:
			triggered = append(triggered, c.Id)
		case errors.Is(err, storage.ErrJobRunning), errors.Is(err, storage.ErrNotFound):
			m.logger.Debug("skipping stale collection", "collection", c.Id, "err", err)
		default:
			return triggered, err
		}
	}
	return triggered, nil
}

func (m *Manager) stale(ctx context.Context, c *core.Collection, dim int) (bool, error) {
	ledger, err := m.repo.GetLedger(ctx, c.Id)
	if err != nil {
		return false, err
	}
	state, err := m.repo.FeatureState(ctx, c.Id)
	if err != nil {
		return false, err
	}
	return core.Stale(c, ledger, state, dim), nil
}

// Sweep moves collections left running by a previous process back to idle.
// Collections whose job runs in this process are skipped.
func (m *Manager) Sweep(ctx context.Context) ([]core.ID, error) {
	reset, err := m.repo.ResetProgress(ctx, m.Active)
	if err != nil {
		return nil, err
	}
	if len(reset) > 0 {
		m.logger.Info("reset interrupted finetune jobs", "collections", reset)
	}
	return reset, nil
}

// Active reports whether a job for the collection runs in this process.
func (m *Manager) Active(id core.ID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.active[id]
	return ok
}

// ActiveIDs returns the collections with a job in this process, ascending.
func (m *Manager) ActiveIDs() []core.ID {
	m.mu.Lock()
	ids := make([]core.ID, 0, len(m.active))
	for id := range m.active {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	slices.Sort(ids)
	return ids
}

// Wait blocks until every submitted job has finished.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// Release interrupts running jobs, waits for them and releases the pool.
// An interrupted job keeps its progress set and is reset by the next sweep.
// The manager should not be used after calling Release.
func (m *Manager) Release() {
	m.mu.Lock()
	if m.released {
		m.mu.Unlock()
		return
	}
	m.released = true
	m.mu.Unlock()

	m.cancel()
	m.wg.Wait()
	m.pool.Release()
}

func (m *Manager) finish(id core.ID) {
	m.mu.Lock()
	delete(m.active, id)
	m.mu.Unlock()
	m.wg.Done()
}
