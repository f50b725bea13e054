package rescache

import (
	"errors"

	"github.com/viewkit/rescache/store"
)

// Errors re-exported from store.
var (
	// ErrClosed is returned by store operations after Close.
	ErrClosed = store.ErrClosed

	// ErrStorageUnavailable is returned when the cache root cannot be
	// created; every bucket is then Failed.
	ErrStorageUnavailable = store.ErrStorageUnavailable

	// ErrCorrupt is the repair cause logged when a bucket's files disagree
	// and the bucket is truncated back to empty.
	ErrCorrupt = store.ErrCorrupt

	// ErrQuotaExceeded is reported through (*store.Write).Wait when a batch
	// is dropped after the evict-and-retry cycle still hits quota.
	ErrQuotaExceeded = store.ErrQuotaExceeded

	// ErrBlobTooLarge is returned by Store for blobs whose size cannot be
	// recorded in a metadata record.
	ErrBlobTooLarge = store.ErrBlobTooLarge
)

// Errors specific to the rescache client.
var (
	// ErrConnected is returned by Connect while a healthy stream exists.
	ErrConnected = errors.New("rescache: already connected")

	// ErrNoEndpoint is returned by Connect when neither an endpoint nor a
	// connection is configured.
	ErrNoEndpoint = errors.New("rescache: no endpoint configured")
)
