package storage

import (
	"bytes"
	"fmt"
	"math"

	"github.com/mus-format/mus-go/raw"
	"github.com/mus-format/mus-go/varint"
	"github.com/poiesic/similarity/core"
)

// Feature blobs start with a fixed header followed by a column-major float32
// payload that may be compressed:
//
//	magic "SIMF" | version | compression | rows | dim | ledger digest | raw size | payload
//
// Rows, dim and raw size are varints. The header can be read without touching
// the payload, which is how FeatureState stays cheap.
var featureMagic = []byte("SIMF")

const featureVersion = 1

const float32Size = 4

// FeatureHeader describes an encoded feature matrix.
type FeatureHeader struct {
	Version     uint8
	Compression CompressionType
	Rows        int
	Dim         int
	Ledger      core.Digest
	RawSize     int
	headerLen   int
}

// State converts the header into a store state.
func (h FeatureHeader) State() core.StoreState {
	return core.StoreState{Present: true, Rows: h.Rows, Dim: h.Dim, Ledger: h.Ledger}
}

// EncodeFeatures serializes a feature matrix using the given compression.
// Every row must have exactly m.Dim values.
func EncodeFeatures(m *core.FeatureMatrix, ct CompressionType) ([]byte, error) {
	if m == nil {
		return nil, fmt.Errorf("%w: nil matrix", ErrInvalidMatrix)
	}
	rows := len(m.Rows)
	if rows > 0 && m.Dim <= 0 {
		return nil, fmt.Errorf("%w: dimension %d", ErrInvalidMatrix, m.Dim)
	}
	for i, row := range m.Rows {
		if len(row) != m.Dim {
			return nil, fmt.Errorf("%w: row %d has %d values, want %d", ErrInvalidMatrix, i, len(row), m.Dim)
		}
	}

	payload := make([]byte, rows*m.Dim*float32Size)
	n := 0
	for col := 0; col < m.Dim; col++ {
		for _, row := range m.Rows {
			n += raw.Float32.Marshal(row[col], payload[n:])
		}
	}

	packed, applied, err := compress(payload, ct)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSerializationFailed, err)
	}

	size := len(featureMagic) + 2 +
		varint.Uint64.Size(uint64(rows)) +
		varint.Uint64.Size(uint64(m.Dim)) +
		len(core.Digest{}) +
		varint.Uint64.Size(uint64(len(payload))) +
		len(packed)
	buf := make([]byte, size)
	n = copy(buf, featureMagic)
	buf[n] = featureVersion
	buf[n+1] = byte(applied)
	n += 2
	n += varint.Uint64.Marshal(uint64(rows), buf[n:])
	n += varint.Uint64.Marshal(uint64(m.Dim), buf[n:])
	n += copy(buf[n:], m.Ledger[:])
	n += varint.Uint64.Marshal(uint64(len(payload)), buf[n:])
	copy(buf[n:], packed)
	return buf, nil
}

// DecodeFeatureHeader reads the header of an encoded feature matrix.
func DecodeFeatureHeader(data []byte) (FeatureHeader, error) {
	var h FeatureHeader
	if len(data) < len(featureMagic)+2 || !bytes.Equal(data[:len(featureMagic)], featureMagic) {
		return h, fmt.Errorf("%w: bad magic", ErrCorruptFeatures)
	}
	n := len(featureMagic)
	h.Version = data[n]
	if h.Version != featureVersion {
		return h, fmt.Errorf("%w: unsupported version %d", ErrCorruptFeatures, h.Version)
	}
	h.Compression = CompressionType(data[n+1])
	n += 2

	rows, n1, err := varint.Uint64.Unmarshal(data[n:])
	if err != nil {
		return h, fmt.Errorf("%w: rows: %w", ErrCorruptFeatures, err)
	}
	n += n1
	dim, n1, err := varint.Uint64.Unmarshal(data[n:])
	if err != nil {
		return h, fmt.Errorf("%w: dim: %w", ErrCorruptFeatures, err)
	}
	n += n1
	if len(data[n:]) < len(h.Ledger) {
		return h, fmt.Errorf("%w: %w", ErrCorruptFeatures, ErrTruncatedData)
	}
	n += copy(h.Ledger[:], data[n:])
	rawSize, n1, err := varint.Uint64.Unmarshal(data[n:])
	if err != nil {
		return h, fmt.Errorf("%w: raw size: %w", ErrCorruptFeatures, err)
	}
	n += n1

	if rows > 0 && dim == 0 {
		return h, fmt.Errorf("%w: %d rows without a dimension", ErrCorruptFeatures, rows)
	}
	if dim > math.MaxInt/float32Size || (dim > 0 && rows > math.MaxInt/(dim*float32Size)) {
		return h, fmt.Errorf("%w: %dx%d matrix is too large", ErrCorruptFeatures, rows, dim)
	}
	if rawSize != rows*dim*float32Size {
		return h, fmt.Errorf("%w: raw size %d does not match %dx%d", ErrCorruptFeatures, rawSize, rows, dim)
	}
	h.Rows = int(rows)
	h.Dim = int(dim)
	h.RawSize = int(rawSize)
	h.headerLen = n
	return h, nil
}

// DecodeFeatures deserializes a feature matrix.
// If dim > 0 and the stored dimension differs, returns ErrSchemaMismatch.
func DecodeFeatures(data []byte, dim int) (*core.FeatureMatrix, error) {
	h, err := DecodeFeatureHeader(data)
	if err != nil {
		return nil, err
	}
	if dim > 0 && h.Rows > 0 && h.Dim != dim {
		return nil, fmt.Errorf("%w: stored %d, expected %d", ErrSchemaMismatch, h.Dim, dim)
	}

	payload, err := decompress(data[h.headerLen:], h.Compression, h.RawSize)
	if err != nil {
		return nil, err
	}

	m := &core.FeatureMatrix{Dim: h.Dim, Ledger: h.Ledger, Rows: make([][]float32, h.Rows)}
	for i := range m.Rows {
		m.Rows[i] = make([]float32, h.Dim)
	}
	n := 0
	for col := 0; col < h.Dim; col++ {
		for _, row := range m.Rows {
			v, n1, err := raw.Float32.Unmarshal(payload[n:])
			if err != nil {
				return nil, fmt.Errorf("%w: %w", ErrCorruptFeatures, err)
			}
			row[col] = v
			n += n1
		}
	}
	return m, nil
}
