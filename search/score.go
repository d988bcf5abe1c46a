package search

import (
	"slices"

	"github.com/poiesic/similarity/core"
)

// dotProduct calculates the dot product of two vectors.
func dotProduct(a, b []float32) float32 {
	var sum float32
	minLen := min(len(a), len(b))
	for i := 0; i < minLen; i++ {
		sum += a[i] * b[i]
	}
	return sum
}

// scoreRows returns, for every row, its best dot product over the queries.
func scoreRows(rows [][]float32, queries [][]float32) []float32 {
	scores := make([]float32, len(rows))
	for i, row := range rows {
		for q, query := range queries {
			s := dotProduct(row, query)
			if q == 0 || s > scores[i] {
				scores[i] = s
			}
		}
	}
	return scores
}

// rank keeps rows scoring at least threshold, sorts them by descending
// score with ties in ledger order, and returns at most topK hits.
func rank(ledger core.Ledger, scores []float32, threshold float32, topK int) []*core.SearchResult {
	results := make([]*core.SearchResult, 0, len(scores))
	for i, score := range scores {
		if score < threshold {
			continue
		}
		results = append(results, &core.SearchResult{
			Row:          i,
			SourceURL:    ledger[i].SourceURL,
			ReferenceURL: ledger[i].ReferenceURL,
			Score:        score,
		})
	}

	slices.SortStableFunc(results, func(a, b *core.SearchResult) int {
		if a.Score > b.Score {
			return -1
		}
		if a.Score < b.Score {
			return 1
		}
		return 0
	})

	if len(results) > topK {
		results = results[:topK]
	}
	return results
}
