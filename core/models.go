package core

import (
	"encoding/binary"
	"time"

	"github.com/go-crypt/x/blake2b"
)

// ID is a unique identifier for a collection.
// It is generated from a storage sequence and starts at 1.
type ID uint64

// Digest identifies the exact contents of a ledger.
type Digest [16]byte

// IsZero reports whether the digest was never computed.
func (d Digest) IsZero() bool {
	return d == Digest{}
}

// ContentItem is one entry of a collection's ledger.
// Its position in the ledger is the only key linking it to a feature row.
type ContentItem struct {
	SourceURL    string // Where the image bytes are fetched from
	ReferenceURL string // Where a search hit should point the user
}

// Ledger is the ordered list of content items of a collection.
type Ledger []ContentItem

// Digest computes a deterministic BLAKE2b digest of the ordered ledger.
// Identical ledgers always produce identical digests.
func (l Ledger) Digest() Digest {
	h, _ := blake2b.New(len(Digest{}), nil)
	var lenBuf [8]byte
	for _, item := range l {
		// Length prefixes keep ("ab","c") and ("a","bc") apart
		binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(item.SourceURL)))
		h.Write(lenBuf[:])
		h.Write([]byte(item.SourceURL))
		binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(item.ReferenceURL)))
		h.Write(lenBuf[:])
		h.Write([]byte(item.ReferenceURL))
	}
	var d Digest
	copy(d[:], h.Sum(nil))
	return d
}

// Collection is the metadata record of an image collection.
type Collection struct {
	Id                 ID
	Name               string
	SourceTag          string     // Optional tag of the external source the content came from
	Created            time.Time  // When the collection was created
	LastModified       time.Time  // When the ledger was last replaced
	LastFinetuned      *time.Time // When the last finetune completed; nil if never
	FinetuningProgress *int       // 0-100 while a finetune job is running; nil otherwise
}

// RequiresFinetuning reports whether the stored features may no longer
// reflect the ledger because of a content change.
func (c *Collection) RequiresFinetuning() bool {
	if c.LastFinetuned == nil {
		return true
	}
	return c.LastModified.After(*c.LastFinetuned)
}

// Running reports whether a finetune job holds the collection.
func (c *Collection) Running() bool {
	return c.FinetuningProgress != nil
}

// Clone returns a deep copy of the collection.
func (c *Collection) Clone() *Collection {
	out := *c
	if c.LastFinetuned != nil {
		t := *c.LastFinetuned
		out.LastFinetuned = &t
	}
	if c.FinetuningProgress != nil {
		p := *c.FinetuningProgress
		out.FinetuningProgress = &p
	}
	return &out
}

// FeatureMatrix holds one embedding vector per ledger entry.
// Row i corresponds to ledger entry i at the time of the last successful finetune.
type FeatureMatrix struct {
	Dim    int         // Vector dimension of every row
	Rows   [][]float32 // One row per ledger entry
	Ledger Digest      // Digest of the ledger the rows were built from
}

// NewFeatureMatrix creates an empty matrix of the given dimension.
func NewFeatureMatrix(dim int) *FeatureMatrix {
	return &FeatureMatrix{Dim: dim}
}

// Len returns the number of rows.
func (m *FeatureMatrix) Len() int {
	if m == nil {
		return 0
	}
	return len(m.Rows)
}

// Empty reports whether the matrix holds no rows.
func (m *FeatureMatrix) Empty() bool {
	return m.Len() == 0
}

// Outcome describes how a finetune run ended.
type Outcome int

const (
	// OutcomeCompleted means the ledger and features were published.
	OutcomeCompleted Outcome = iota + 1
	// OutcomeSuperseded means the ledger was replaced while the job ran and nothing was published.
	OutcomeSuperseded
	// OutcomeFailed means the job stopped on an unexpected error.
	OutcomeFailed
)

// String returns the lowercase name of the outcome.
func (o Outcome) String() string {
	switch o {
	case OutcomeCompleted:
		return "completed"
	case OutcomeSuperseded:
		return "superseded"
	case OutcomeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// FinetuneReport summarizes the last finished finetune run of a collection.
type FinetuneReport struct {
	CollectionId ID
	Outcome      Outcome
	StartedAt    time.Time
	FinishedAt   time.Time
	Total        int      // Ledger entries the job started with
	Embedded     int      // Entries that produced a feature row
	Dropped      []uint32 // Ledger positions (in the original ledger) that were dropped, ascending
	Error        string   // Failure message for OutcomeFailed
}

// SearchResult is one ranked hit of a similarity search.
type SearchResult struct {
	Row          int // Position in the ledger
	SourceURL    string
	ReferenceURL string
	Score        float32
}
