package rescache

import (
	"github.com/viewkit/rescache/resource"
	"github.com/viewkit/rescache/store"
)

// --- Re-exports from resource ---

// Hash is the 20-byte content address of a resource.
type Hash = resource.Hash

// Type identifies a resource kind by its ASCII wire tag.
type Type = resource.Type

// HashSize is the length of a raw hash in bytes.
const HashSize = resource.HashSize

// Resource type constants.
const (
	TypeGeometry = resource.TypeGeometry
	TypeMaterial = resource.TypeMaterial
	TypeError    = resource.TypeError
)

// Hash constructors re-exported from resource.
var (
	// ParseHash parses a 40-digit hex string.
	ParseHash = resource.ParseHash

	// HashFromBytes copies a raw 20-byte slice.
	HashFromBytes = resource.HashFromBytes
)

// --- Re-exports from store ---

// Stats summarizes the on-disk cache contents.
type Stats = store.Stats

// State describes the outcome of opening a bucket.
type State = store.State

// Compression identifies the at-rest compression applied to cached blobs.
type Compression = store.Compression

// Bucket state constants.
const (
	StateUnopened = store.StateUnopened
	StateReady    = store.StateReady
	StateReadOnly = store.StateReadOnly
	StateFailed   = store.StateFailed
)

// Compression constants.
const (
	CompressionNone = store.CompressionNone
	CompressionZstd = store.CompressionZstd
)
