// Package store implements the durable bucket cache for content-addressed
// viewer resources.
//
// A store owns one directory. Each named bucket is a pair of files inside
// it: <name>.data holds blobs back to back with no framing, and <name>.meta
// holds a 4-byte last-touched stamp followed by fixed 24-byte records of
// hash and size. Replaying the size column as a running offset recovers
// every blob's position, which is how open rebuilds the in-memory index.
// When the two files disagree the bucket is truncated back to empty rather
// than half-trusted.
//
// Each bucket is guarded by an exclusive advisory lock on its metadata
// file. A bucket that cannot take the lock opens read-only; a bucket that
// cannot open at all fails permanently and serves misses. Cache trouble
// never propagates to callers as an error.
//
// A single writer goroutine applies appends in submission order. Store
// returns a handle whose Wait method joins the durable phase; Get serves
// reads immediately from the index and never waits behind writes.
package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"golang.org/x/sync/singleflight"

	"github.com/viewkit/rescache/resource"
	"github.com/viewkit/rescache/telemetry"
)

const (
	defaultDirPerm  = 0o700
	defaultFilePerm = 0o600

	// DefaultEvictionCutoff is the age beyond which eviction removes a
	// bucket pair regardless of space pressure.
	DefaultEvictionCutoff = 90 * 24 * time.Hour

	writeQueueDepth = 64

	// quotaEvictFraction is the share of cached bytes eviction tries to
	// free before a rejected append is retried.
	quotaEvictFraction = 0.5
)

// Store is a bucketed blob cache rooted at one directory. It is safe for
// concurrent use.
type Store struct {
	root   string
	logger *slog.Logger
	events telemetry.Events
	comp   Compression
	cutoff time.Duration

	enc *zstd.Encoder
	dec *zstd.Decoder

	rootOnce sync.Once
	rootErr  error

	mu      sync.Mutex
	buckets map[string]*bucket
	closed  bool

	opens  singleflight.Group
	openWG sync.WaitGroup
	evicts singleflight.Group

	writes   chan *Write
	writerWG sync.WaitGroup

	// appendFn performs raw file appends. Tests swap it to inject storage
	// failures.
	appendFn func(f *os.File, p []byte, off int64) (int, error)
}

// New creates a store rooted at dir. The directory itself is created lazily
// on the first bucket open.
func New(dir string, opts ...Option) (*Store, error) {
	if dir == "" {
		return nil, errors.New("store: root dir is empty")
	}
	s := &Store{
		root:     dir,
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		events:   telemetry.Nop{},
		cutoff:   DefaultEvictionCutoff,
		buckets:  make(map[string]*bucket),
		writes:   make(chan *Write, writeQueueDepth),
		appendFn: defaultAppend,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(s)
	}
	if s.cutoff <= 0 {
		return nil, errors.New("store: eviction cutoff must be positive")
	}
	if s.comp == CompressionZstd {
		var err error
		if s.enc, s.dec, err = newZstdCoders(); err != nil {
			return nil, err
		}
	}
	s.writerWG.Add(1)
	go s.writerLoop()
	return s, nil
}

// bucketFor returns the bucket for name, opening it on first use.
// Concurrent first uses share a single open. The returned bucket may be in
// any state; the error is non-nil only for a closed store or cancelled ctx.
func (s *Store) bucketFor(ctx context.Context, name string) (*bucket, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	if b, ok := s.buckets[name]; ok {
		s.mu.Unlock()
		return b, nil
	}
	s.mu.Unlock()

	ch := s.opens.DoChan(name, func() (any, error) {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return nil, ErrClosed
		}
		if b, ok := s.buckets[name]; ok {
			s.mu.Unlock()
			return b, nil
		}
		s.openWG.Add(1)
		s.mu.Unlock()
		defer s.openWG.Done()

		b := s.openBucket(name)

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			_ = b.close()
			return nil, ErrClosed
		}
		s.buckets[name] = b
		s.mu.Unlock()
		return b, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*bucket), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Get looks up each hash in its corresponding bucket. The two slices are
// parallel and so is the result: a nil slot is a miss. Misses and
// bucket-scoped failures never fail the call.
func (s *Store) Get(ctx context.Context, hashes []resource.Hash, buckets []string) ([][]byte, error) {
	if len(hashes) != len(buckets) {
		return nil, fmt.Errorf("store: mismatched arguments: %d hashes, %d buckets", len(hashes), len(buckets))
	}
	out := make([][]byte, len(hashes))
	for i, h := range hashes {
		b, err := s.bucketFor(ctx, buckets[i])
		if err != nil {
			return nil, err
		}
		out[i] = s.getBlob(b, h)
	}
	return out, nil
}

// BucketState reports how a bucket came up. StateUnopened means the name
// has not been referenced yet.
func (s *Store) BucketState(name string) State {
	s.mu.Lock()
	b, ok := s.buckets[name]
	s.mu.Unlock()
	if !ok {
		return StateUnopened
	}
	return b.currentState()
}

// Close drains queued writes, waits for in-progress opens, then flushes and
// releases every bucket. A final zero-target eviction pass reaps anything
// already past the age cutoff. Close is idempotent.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.writes)
	s.mu.Unlock()

	s.writerWG.Wait()
	s.openWG.Wait()

	s.mu.Lock()
	buckets := s.buckets
	s.buckets = make(map[string]*bucket)
	s.mu.Unlock()

	var errs []error
	for _, b := range buckets {
		if err := b.close(); err != nil {
			errs = append(errs, fmt.Errorf("store: close bucket %q: %w", b.name, err))
		}
	}

	if _, err := s.runEviction(0); err != nil {
		errs = append(errs, err)
	}

	if s.enc != nil {
		errs = append(errs, s.enc.Close())
		s.dec.Close()
	}
	return errors.Join(errs...)
}

// Clear closes the store and then deletes every unlocked pair under the
// cache root.
func (s *Store) Clear() error {
	closeErr := s.Close()
	_, evictErr := s.runEviction(1)
	return errors.Join(closeErr, evictErr)
}
