package store

import "errors"

// Sentinel errors for store operations.
var (
	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("store: closed")

	// ErrStorageUnavailable is recorded as the failure cause when the cache
	// root cannot be created. Every bucket open fails with it from then on.
	ErrStorageUnavailable = errors.New("store: storage unavailable")

	// ErrCorrupt marks a bucket whose files disagreed and had to be
	// truncated back to empty. The reset bucket keeps working; the error
	// surfaces through logs and telemetry only.
	ErrCorrupt = errors.New("store: bucket corrupt")

	// ErrQuotaExceeded is reported through Write.Wait when a batch was
	// dropped because storage stayed full even after an eviction pass.
	ErrQuotaExceeded = errors.New("store: quota exceeded")

	// ErrBlobTooLarge is returned when a blob cannot be described by the
	// 4-byte size field of a metadata record.
	ErrBlobTooLarge = errors.New("store: blob exceeds maximum size")
)
