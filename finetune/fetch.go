package finetune

import (
	"context"

	"github.com/poiesic/similarity/core"
	"github.com/poiesic/similarity/fetch"
	"golang.org/x/sync/errgroup"
)

// fetchResult is the outcome of fetching one ledger entry.
type fetchResult struct {
	data []byte
	err  error
}

// fetchBatch downloads the sources of items with at most concurrency
// fetches in flight. A failed fetch is reported in its result and never
// cancels the others. Results keep the order of items.
func fetchBatch(ctx context.Context, fetcher fetch.Fetcher, items []core.ContentItem, concurrency int) []fetchResult {
	results := make([]fetchResult, len(items))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(1, concurrency))
	for i, item := range items {
		g.Go(func() error {
			data, err := fetcher.Fetch(gctx, item.SourceURL)
			results[i] = fetchResult{data: data, err: err}
			return nil
		})
	}
	_ = g.Wait()

	return results
}
