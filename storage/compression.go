package storage

import (
	"fmt"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// CompressionType defines the algorithm used for feature payloads.
type CompressionType uint8

const (
	// CompressionNone stores the payload as is.
	CompressionNone CompressionType = 0
	// CompressionLZ4 uses LZ4 block compression (fast).
	CompressionLZ4 CompressionType = 1
	// CompressionZSTD uses Zstandard (better ratio).
	CompressionZSTD CompressionType = 2
)

// String returns the configuration name of the compression type.
func (c CompressionType) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionZSTD:
		return "zstd"
	default:
		return fmt.Sprintf("compression(%d)", uint8(c))
	}
}

// ParseCompression maps a configuration name to a CompressionType.
// An empty name selects zstd.
func ParseCompression(name string) (CompressionType, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "zstd":
		return CompressionZSTD, nil
	case "lz4":
		return CompressionLZ4, nil
	case "none":
		return CompressionNone, nil
	default:
		return CompressionNone, fmt.Errorf("%w: %q", ErrUnknownCompression, name)
	}
}

// Compression is only kept when it saves at least 10%.
const maxCompressionRatio = 0.9

// An LZ4 block never expands its input by more than this factor.
const maxLZ4Expansion = 255

var (
	zstdEncoderPool sync.Pool
	zstdDecoderPool sync.Pool
)

func getZstdEncoder() *zstd.Encoder {
	if v := zstdEncoderPool.Get(); v != nil {
		return v.(*zstd.Encoder)
	}
	enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	return enc
}

func putZstdEncoder(enc *zstd.Encoder) {
	zstdEncoderPool.Put(enc)
}

func getZstdDecoder() *zstd.Decoder {
	if v := zstdDecoderPool.Get(); v != nil {
		return v.(*zstd.Decoder)
	}
	dec, _ := zstd.NewReader(nil)
	return dec
}

func putZstdDecoder(dec *zstd.Decoder) {
	zstdDecoderPool.Put(dec)
}

// compress returns the compressed payload and the compression actually
// applied. Payloads that do not shrink enough are returned unchanged with
// CompressionNone.
func compress(data []byte, ct CompressionType) ([]byte, CompressionType, error) {
	if ct == CompressionNone || len(data) == 0 {
		return data, CompressionNone, nil
	}

	var compressed []byte
	switch ct {
	case CompressionLZ4:
		buf := make([]byte, lz4.CompressBlockBound(len(data)))
		n, err := lz4.CompressBlock(data, buf, nil)
		if err != nil {
			return nil, CompressionNone, err
		}
		// n == 0 means incompressible
		compressed = buf[:n]
	case CompressionZSTD:
		enc := getZstdEncoder()
		compressed = enc.EncodeAll(data, nil)
		putZstdEncoder(enc)
	default:
		return nil, CompressionNone, fmt.Errorf("%w: %d", ErrUnknownCompression, ct)
	}

	if len(compressed) == 0 || float64(len(compressed)) > float64(len(data))*maxCompressionRatio {
		return data, CompressionNone, nil
	}
	return compressed, ct, nil
}

// decompress restores a payload of rawSize bytes.
func decompress(data []byte, ct CompressionType, rawSize int) ([]byte, error) {
	switch ct {
	case CompressionNone:
		if len(data) != rawSize {
			return nil, fmt.Errorf("%w: payload is %d bytes, expected %d", ErrCorruptFeatures, len(data), rawSize)
		}
		return data, nil

	case CompressionLZ4:
		if rawSize > len(data)*maxLZ4Expansion {
			return nil, fmt.Errorf("%w: %d bytes cannot expand to %d", ErrCorruptFeatures, len(data), rawSize)
		}
		result := make([]byte, rawSize)
		n, err := lz4.UncompressBlock(data, result)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrCorruptFeatures, err)
		}
		if n != rawSize {
			return nil, fmt.Errorf("%w: decompressed size mismatch", ErrCorruptFeatures)
		}
		return result, nil

	case CompressionZSTD:
		dec := getZstdDecoder()
		defer putZstdDecoder(dec)

		// The frame sizes the output; rawSize is only checked afterwards.
		decoded, err := dec.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrCorruptFeatures, err)
		}
		if len(decoded) != rawSize {
			return nil, fmt.Errorf("%w: decompressed size mismatch", ErrCorruptFeatures)
		}
		return decoded, nil

	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownCompression, ct)
	}
}
