package core

// StoreState describes what is currently persisted in a collection's feature store.
type StoreState struct {
	Present bool   // A matrix has been saved at least once
	Rows    int    // Stored row count
	Dim     int    // Stored vector dimension
	Ledger  Digest // Digest of the ledger the stored rows were built from
}

// Consistent reports whether the stored matrix can be served for ledger
// with vectors of dimension dim.
func (s StoreState) Consistent(ledger Ledger, dim int) bool {
	if !s.Present {
		return false
	}
	if s.Rows != len(ledger) {
		return false
	}
	if s.Rows > 0 && s.Dim != dim {
		return false
	}
	return s.Ledger == ledger.Digest()
}

// Stale reports whether a collection needs a finetune run.
//
// A collection is stale when its store is absent, when the ledger changed
// after the last finetune, or when the stored matrix does not line up with
// the current ledger (row count, digest or dimension). The latter signals an
// interrupted run or a changed embedding model.
func Stale(c *Collection, ledger Ledger, store StoreState, dim int) bool {
	if c.RequiresFinetuning() {
		return true
	}
	return !store.Consistent(ledger, dim)
}
