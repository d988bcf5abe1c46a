package search

import "github.com/poiesic/similarity/core"

// SearchMonitor provides hooks to observe the search process.
// Implement this interface to track intermediate steps and results during search.
type SearchMonitor interface {
	Start(id core.ID, queries int)
	AfterQueryEmbedding(vectors [][]float32)
	AfterFeatureLoad(features *core.FeatureMatrix)
	AfterScoring(candidates int)
	Finish(results []*core.SearchResult)
}

// noopMonitor is a no-op implementation of SearchMonitor
type noopMonitor struct{}

var _ SearchMonitor = (*noopMonitor)(nil)

func (n *noopMonitor) Start(_ core.ID, _ int)                 {}
func (n *noopMonitor) AfterQueryEmbedding(_ [][]float32)      {}
func (n *noopMonitor) AfterFeatureLoad(_ *core.FeatureMatrix) {}
func (n *noopMonitor) AfterScoring(_ int)                     {}
func (n *noopMonitor) Finish(_ []*core.SearchResult)          {}
