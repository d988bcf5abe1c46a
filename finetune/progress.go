package finetune

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/poiesic/similarity/core"
)

// progressStore is the part of the repository the tracker writes to.
type progressStore interface {
	UpdateProgress(ctx context.Context, id core.ID, progress int) error
}

// ProgressTracker converts processed item counts into a persisted percentage.
// A value is written only when the rounded percentage changes, and it never
// decreases.
type ProgressTracker struct {
	store        progressStore
	id           core.ID
	total        int
	current      int
	lastReported int
	startTime    time.Time
	mu           sync.Mutex
}

// NewProgressTracker creates a tracker for a run over total items.
// The job has already persisted 0 when it began.
func NewProgressTracker(store progressStore, id core.ID, total int) *ProgressTracker {
	return &ProgressTracker{
		store:     store,
		id:        id,
		total:     total,
		startTime: time.Now(),
	}
}

// Increment records delta more processed items and persists the new
// percentage if it changed.
func (p *ProgressTracker) Increment(ctx context.Context, delta int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.current += delta
	if p.current > p.total {
		p.current = p.total
	}

	pct := Percentage(p.current, p.total)
	if pct <= p.lastReported {
		return nil
	}
	if err := p.store.UpdateProgress(ctx, p.id, pct); err != nil {
		return err
	}
	p.lastReported = pct
	return nil
}

// Current returns the number of processed items.
func (p *ProgressTracker) Current() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

// Reported returns the last persisted percentage.
func (p *ProgressTracker) Reported() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastReported
}

// Elapsed returns the time elapsed since the tracker was created.
func (p *ProgressTracker) Elapsed() time.Duration {
	return time.Since(p.startTime)
}

// Percentage returns round(100 * processed / total), clamped to 0-100.
// An empty run is complete.
func Percentage(processed, total int) int {
	if total <= 0 {
		return 100
	}
	pct := int(math.Round(100 * float64(processed) / float64(total)))
	return max(0, min(100, pct))
}
