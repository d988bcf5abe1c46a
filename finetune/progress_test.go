package finetune

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/poiesic/similarity/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingStore struct {
	mu     sync.Mutex
	values []int
	err    error
}

func (s *recordingStore) UpdateProgress(ctx context.Context, id core.ID, progress int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.values = append(s.values, progress)
	return nil
}

func TestPercentage(t *testing.T) {
	tests := []struct {
		processed, total, want int
	}{
		{0, 10, 0},
		{1, 3, 33},
		{2, 3, 67},
		{3, 3, 100},
		{1, 200, 1},
		{1, 400, 0},
		{5, 4, 100},
		{0, 0, 100},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Percentage(tt.processed, tt.total), "%d/%d", tt.processed, tt.total)
	}
}

func TestProgressTracker_PersistsOnChange(t *testing.T) {
	store := &recordingStore{}
	tracker := NewProgressTracker(store, 1, 400)
	ctx := context.Background()

	for range 400 {
		require.NoError(t, tracker.Increment(ctx, 1))
	}

	assert.Len(t, store.values, 100, "one write per percentage point")
	assert.Equal(t, 1, store.values[0])
	assert.Equal(t, 100, store.values[len(store.values)-1])
	assert.IsIncreasing(t, store.values)
	assert.Equal(t, 400, tracker.Current())
	assert.Equal(t, 100, tracker.Reported())
}

func TestProgressTracker_CapsAtTotal(t *testing.T) {
	store := &recordingStore{}
	tracker := NewProgressTracker(store, 1, 2)

	require.NoError(t, tracker.Increment(context.Background(), 5))
	assert.Equal(t, 2, tracker.Current())
	assert.Equal(t, []int{100}, store.values)
}

func TestProgressTracker_RetriesFailedWrite(t *testing.T) {
	store := &recordingStore{err: errors.New("busy")}
	tracker := NewProgressTracker(store, 1, 2)
	ctx := context.Background()

	assert.Error(t, tracker.Increment(ctx, 1))
	assert.Equal(t, 0, tracker.Reported())

	store.err = nil
	require.NoError(t, tracker.Increment(ctx, 1))
	assert.Equal(t, []int{100}, store.values)
}
