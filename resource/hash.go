// Package resource defines the identifiers shared by the cache store and
// the streaming client: the 20-byte content hash that keys every blob and
// the one-byte class tag carried by wire frames.
package resource

import (
	"encoding/hex"
	"errors"
	"fmt"
)

// HashSize is the length in bytes of a content hash.
const HashSize = 20

// Hash is the 20-byte digest identifying a resource. Hashes are opaque,
// server-assigned keys: equality is byte equality and no algorithm identity
// is attached. The zero value is not the hash of any content.
type Hash [HashSize]byte

// ErrHashSize is returned when raw hash material has the wrong length.
var ErrHashSize = errors.New("resource: hash must be exactly 20 bytes")

// HashFromBytes converts raw hash material into a Hash. It fails unless
// len(b) == HashSize.
func HashFromBytes(b []byte) (Hash, error) {
	var h Hash
	if len(b) != HashSize {
		return h, fmt.Errorf("%w (got %d)", ErrHashSize, len(b))
	}
	copy(h[:], b)
	return h, nil
}

// ParseHash converts the 40-digit hex form to a Hash. Both cases are
// accepted.
func ParseHash(s string) (Hash, error) {
	var h Hash
	if hex.DecodedLen(len(s)) != HashSize {
		return h, fmt.Errorf("%w (got %d hex digits)", ErrHashSize, len(s))
	}
	if _, err := hex.Decode(h[:], []byte(s)); err != nil {
		return h, fmt.Errorf("resource: parse hash: %w", err)
	}
	return h, nil
}

// Bytes returns the raw digest as a fresh slice.
func (h Hash) Bytes() []byte {
	b := make([]byte, HashSize)
	copy(b, h[:])
	return b
}

// AppendTo appends the raw digest to dst and returns the extended slice.
// It is the packing primitive used when assembling wire frames and
// metadata records.
func (h Hash) AppendTo(dst []byte) []byte {
	return append(dst, h[:]...)
}

// String returns the lowercase hex form.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// IsZero reports whether h is the all-zero value.
func (h Hash) IsZero() bool {
	return h == Hash{}
}
