// Package telemetry defines the hook through which the cache store and the
// streaming client report conditions they absorb rather than return.
//
// Cache trouble degrades to a miss instead of an error, so without this hook
// an operator would never see a corrupt bucket reset itself or a full disk
// reject writes. Implementations receive one call per condition and must be
// safe for concurrent use; they are invoked from store and client goroutines
// and should not block.
package telemetry

// Events receives failure and housekeeping notifications.
type Events interface {
	// BucketOpenFailed is reported once per bucket, when the bucket enters
	// its terminal failed state.
	BucketOpenFailed(name string, err error)

	// BucketDegraded is reported when a bucket opened without its write
	// lock and will serve reads only.
	BucketDegraded(name string)

	// BucketCorrupt is reported when an on-disk size mismatch forced a
	// bucket to be truncated back to empty.
	BucketCorrupt(name string)

	// QuotaExceeded is reported when storage rejected an append. dropped is
	// true when the post-eviction retry also failed and the batch was
	// discarded.
	QuotaExceeded(name string, dropped bool)

	// EvictionPass is reported after each eviction pass with the bytes
	// freed and whether the requested fraction was met.
	EvictionPass(freedBytes int64, met bool)

	// FrameDropped is reported when an inbound frame was discarded without
	// touching client state.
	FrameDropped(reason string)

	// ResourceFailed is reported when the server returned a failure item
	// for a requested hash. tag is the class tag of the original request.
	ResourceFailed(tag byte)
}

// Nop ignores every notification. It is the default collaborator when none
// is configured.
type Nop struct{}

var _ Events = Nop{}

func (Nop) BucketOpenFailed(string, error) {}
func (Nop) BucketDegraded(string)          {}
func (Nop) BucketCorrupt(string)           {}
func (Nop) QuotaExceeded(string, bool)     {}
func (Nop) EvictionPass(int64, bool)       {}
func (Nop) FrameDropped(string)            {}
func (Nop) ResourceFailed(byte)            {}
