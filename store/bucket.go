package store

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/viewkit/rescache/resource"
)

const (
	metaHeaderSize = 4
	metaRecordSize = resource.HashSize + 4

	dataSuffix = ".data"
	metaSuffix = ".meta"
)

// State describes the outcome of opening a bucket.
type State uint8

const (
	// StateUnopened means the bucket has not been referenced yet.
	StateUnopened State = iota

	// StateReady means the bucket holds its write lock and serves both
	// reads and appends.
	StateReady

	// StateReadOnly means another holder owns the write lock. Reads serve
	// the index loaded at open time; appends are dropped.
	StateReadOnly

	// StateFailed is terminal. Every operation on the bucket behaves as a
	// miss.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUnopened:
		return "unopened"
	case StateReady:
		return "ready"
	case StateReadOnly:
		return "read-only"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// extent locates one blob inside a bucket's data file.
type extent struct {
	off  int64
	size uint32
}

type bucket struct {
	name string // caller-supplied
	base string // sanitized file name stem

	mu       sync.RWMutex
	state    State
	err      error // open failure cause when StateFailed
	data     *os.File
	meta     *os.File
	index    map[resource.Hash]extent
	dataSize int64
	metaSize int64
	locked   bool // whether we hold the exclusive advisory lock
}

func (b *bucket) currentState() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// openBucket opens or creates the file pair for name. It never returns an
// error: failures produce a bucket in StateFailed so later operations
// degrade to misses instead of failing the caller.
func (s *Store) openBucket(name string) *bucket {
	b := &bucket{
		name:  name,
		base:  sanitizeName(name),
		index: make(map[resource.Hash]extent),
	}

	s.rootOnce.Do(func() {
		if err := os.MkdirAll(s.root, defaultDirPerm); err != nil {
			s.rootErr = fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
		}
	})
	if s.rootErr != nil {
		return s.failBucket(b, s.rootErr)
	}

	var err error
	b.data, err = os.OpenFile(filepath.Join(s.root, b.base+dataSuffix), os.O_RDWR|os.O_CREATE, defaultFilePerm)
	if err != nil {
		return s.failBucket(b, err)
	}
	b.meta, err = os.OpenFile(filepath.Join(s.root, b.base+metaSuffix), os.O_RDWR|os.O_CREATE, defaultFilePerm)
	if err != nil {
		b.closeFiles()
		return s.failBucket(b, err)
	}

	// Lock acquisition is best-effort: contention means another holder owns
	// the pair and this bucket serves reads only.
	locked, lockErr := tryLockFile(b.meta)
	if lockErr != nil {
		s.logger.Warn("bucket lock probe failed", "bucket", name, "error", lockErr)
	}
	b.locked = locked

	if err := s.loadBucket(b); err != nil {
		b.closeFiles()
		return s.failBucket(b, err)
	}

	if b.locked {
		b.state = StateReady
	} else {
		b.state = StateReadOnly
		s.logger.Info("bucket opened read-only", "bucket", name)
		s.events.BucketDegraded(name)
	}
	return b
}

func (s *Store) failBucket(b *bucket, err error) *bucket {
	b.state = StateFailed
	b.err = err
	s.logger.Warn("bucket open failed", "bucket", b.name, "error", err)
	s.events.BucketOpenFailed(b.name, err)
	return b
}

// loadBucket rebuilds the in-memory index from the metadata file and
// verifies it against the data file. The index is the size column replayed
// as a running offset, so verification is a single length comparison. An
// owned bucket that fails verification is truncated back to empty.
func (s *Store) loadBucket(b *bucket) error {
	dinfo, err := b.data.Stat()
	if err != nil {
		return err
	}
	b.dataSize = dinfo.Size()

	minfo, err := b.meta.Stat()
	if err != nil {
		return err
	}
	b.metaSize = minfo.Size()

	if b.locked {
		// The owner refreshes the last-touched stamp on every open; a fresh
		// file gets its header laid down here.
		if err := writeHeaderTime(b.meta, time.Now()); err != nil {
			return err
		}
		if b.metaSize < metaHeaderSize {
			b.metaSize = metaHeaderSize
		}
	} else if b.metaSize < metaHeaderSize {
		// Another holder is still initializing the pair. Serve nothing.
		return nil
	}

	payload := b.metaSize - metaHeaderSize
	consistent := payload%metaRecordSize == 0

	buf := make([]byte, payload-payload%metaRecordSize)
	if n, err := b.meta.ReadAt(buf, metaHeaderSize); n != len(buf) {
		if b.locked {
			if err != nil && !errors.Is(err, io.EOF) {
				return err
			}
			return s.resetBucket(b)
		}
		buf = buf[:n-n%metaRecordSize]
	}

	var off int64
	for rec := buf; len(rec) >= metaRecordSize; rec = rec[metaRecordSize:] {
		h, _ := resource.HashFromBytes(rec[:resource.HashSize])
		size := binary.LittleEndian.Uint32(rec[resource.HashSize:metaRecordSize])
		end := off + int64(size)
		if !b.locked && end > b.dataSize {
			// The owner is mid-append elsewhere. Keep the fully backed
			// prefix and drop the rest.
			break
		}
		b.index[h] = extent{off: off, size: size}
		off = end
	}

	if b.locked && (!consistent || off != b.dataSize) {
		return s.resetBucket(b)
	}
	return nil
}

// resetBucket discards a bucket that failed verification: both files are
// truncated to empty and the index cleared. Only the lock holder repairs.
func (s *Store) resetBucket(b *bucket) error {
	if err := b.data.Truncate(0); err != nil {
		return err
	}
	if err := b.meta.Truncate(0); err != nil {
		return err
	}
	if err := writeHeaderTime(b.meta, time.Now()); err != nil {
		return err
	}
	b.index = make(map[resource.Hash]extent)
	b.dataSize = 0
	b.metaSize = metaHeaderSize
	s.logger.Warn("bucket reset", "bucket", b.name, "error", ErrCorrupt)
	s.events.BucketCorrupt(b.name)
	return nil
}

// getBlob returns the bytes stored for h in b, or nil when anything
// prevents a clean read. Cache trouble is a miss, not an error.
func (s *Store) getBlob(b *bucket, h resource.Hash) []byte {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.state != StateReady && b.state != StateReadOnly {
		return nil
	}
	ext, ok := b.index[h]
	if !ok {
		return nil
	}
	buf := make([]byte, ext.size)
	if n, err := b.data.ReadAt(buf, ext.off); n != len(buf) {
		s.logger.Warn("blob read failed", "bucket", b.name, "hash", h.String(), "error", err)
		return nil
	}
	if s.comp == CompressionZstd {
		out, err := s.dec.DecodeAll(buf, nil)
		if err != nil {
			s.logger.Warn("blob decompress failed", "bucket", b.name, "hash", h.String(), "error", err)
			return nil
		}
		return out
	}
	return buf
}

// close flushes and releases the bucket. The first error wins but every
// step still runs.
func (b *bucket) close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.data == nil {
		b.state = StateFailed
		return nil
	}
	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if b.locked {
		record(b.data.Sync())
		record(b.meta.Sync())
		record(unlockFile(b.meta))
		b.locked = false
	}
	record(b.data.Close())
	record(b.meta.Close())
	b.data, b.meta = nil, nil
	b.state = StateFailed
	b.err = ErrClosed
	return firstErr
}

// closeFiles releases handles after a failed open, before the bucket is
// published.
func (b *bucket) closeFiles() {
	if b.locked {
		_ = unlockFile(b.meta)
		b.locked = false
	}
	if b.data != nil {
		_ = b.data.Close()
		b.data = nil
	}
	if b.meta != nil {
		_ = b.meta.Close()
		b.meta = nil
	}
}

// sanitizeName maps a bucket name onto the safe filename alphabet. Distinct
// names can collide after mapping; callers own their namespace.
func sanitizeName(name string) string {
	if name == "" {
		return "_"
	}
	clean := true
	for i := 0; i < len(name); i++ {
		if !safeNameByte(name[i]) {
			clean = false
			break
		}
	}
	if clean {
		return name
	}
	out := make([]byte, len(name))
	for i := 0; i < len(name); i++ {
		if safeNameByte(name[i]) {
			out[i] = name[i]
		} else {
			out[i] = '_'
		}
	}
	return string(out)
}

func safeNameByte(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	case c == '.', c == '_', c == '-':
		return true
	}
	return false
}

// writeHeaderTime stamps the metadata header with t as seconds since the
// Unix epoch, little-endian.
func writeHeaderTime(f *os.File, t time.Time) error {
	var buf [metaHeaderSize]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(t.Unix()))
	_, err := f.WriteAt(buf[:], 0)
	return err
}

// readHeaderTime recovers the last-touched stamp from a metadata file.
func readHeaderTime(path string) (time.Time, bool) {
	f, err := os.Open(path)
	if err != nil {
		return time.Time{}, false
	}
	defer f.Close()
	var buf [metaHeaderSize]byte
	if _, err := io.ReadFull(f, buf[:]); err != nil {
		return time.Time{}, false
	}
	return time.Unix(int64(binary.LittleEndian.Uint32(buf[:])), 0), true
}
