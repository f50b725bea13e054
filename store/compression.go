package store

import "github.com/klauspost/compress/zstd"

// Compression selects the at-rest codec for blob data.
type Compression uint8

const (
	// CompressionNone stores blobs verbatim. The default.
	CompressionNone Compression = iota

	// CompressionZstd compresses each blob independently with zstd. Sizes
	// recorded in bucket metadata are the stored (compressed) sizes, so
	// every on-disk invariant holds unchanged.
	CompressionZstd
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionZstd:
		return "zstd"
	default:
		return "unknown"
	}
}

// newZstdCoders builds the store's shared codec pair. EncodeAll and
// DecodeAll are safe for concurrent use on a single instance.
func newZstdCoders() (*zstd.Encoder, *zstd.Decoder, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, nil, err
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		_ = enc.Close()
		return nil, nil, err
	}
	return enc, dec, nil
}
