package badger

import (
	"fmt"

	"github.com/poiesic/similarity/core"
)

// Key prefixes for different data types
const (
	collectionPrefix = "colrec"
	collectionIDSeq  = "colseq"
	ledgerPrefix     = "ledger"
	featurePrefix    = "featmat"
	reportPrefix     = "report"
)

// makeCollectionKey generates a key for a collection record by ID.
func makeCollectionKey(id core.ID) []byte {
	return []byte(fmt.Sprintf("%s:%d", collectionPrefix, id))
}

// makeLedgerKey generates a key for a collection's ledger.
func makeLedgerKey(id core.ID) []byte {
	return []byte(fmt.Sprintf("%s:%d", ledgerPrefix, id))
}

// makeFeatureKey generates a key for a collection's encoded feature matrix.
func makeFeatureKey(id core.ID) []byte {
	return []byte(fmt.Sprintf("%s:%d", featurePrefix, id))
}

// makeReportKey generates a key for the last finetune report of a collection.
func makeReportKey(id core.ID) []byte {
	return []byte(fmt.Sprintf("%s:%d", reportPrefix, id))
}

// collectionKeys returns every key owned by a collection.
func collectionKeys(id core.ID) [][]byte {
	return [][]byte{
		makeCollectionKey(id),
		makeLedgerKey(id),
		makeFeatureKey(id),
		makeReportKey(id),
	}
}
