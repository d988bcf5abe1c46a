// Package finetune rebuilds the feature matrix of a collection from its ledger.
//
// A finetune run walks the ledger in batches. The sources of a batch are
// fetched concurrently, then embedded one by one with retry and exponential
// backoff. Items whose source cannot be fetched, or whose bytes the model
// rejects, are dropped from the published ledger so that feature row i always
// corresponds to ledger entry i. Progress is persisted as a percentage while
// the run is active, and the shrunk ledger, the matrix and a report are
// published in one transaction when it finishes.
//
// The Manager runs jobs on a bounded worker pool and guarantees at most one
// job per collection. Sweep resets collections left running by a crashed
// process.
package finetune
