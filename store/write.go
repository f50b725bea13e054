package store

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"

	"github.com/viewkit/rescache/resource"
)

// Write is the handle for one Store call's durable phase. Batches are
// applied by the store's writer goroutine in submission order.
type Write struct {
	done    chan struct{}
	err     error
	batches []*writeBatch
}

// Wait blocks until the write has been applied and returns its outcome.
// Cancelling ctx abandons the wait; the write itself still completes.
func (w *Write) Wait(ctx context.Context) error {
	select {
	case <-w.done:
		return w.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done returns a channel that is closed once the write has been applied.
func (w *Write) Done() <-chan struct{} {
	return w.done
}

type writeBatch struct {
	b       *bucket
	dataBuf []byte
	metaBuf []byte
	entries []writeEntry
}

type writeEntry struct {
	hash resource.Hash
	size uint32
}

// Store schedules blobs for durable append. The three slices are parallel;
// entries bound for unopened buckets open them first. Entries for degraded
// or failed buckets are dropped, keeping with the rule that cache trouble
// must not fail the caller.
//
// The append itself happens on the store's writer goroutine. The returned
// Write reports the durable outcome; callers that only cache
// opportunistically may discard it.
func (s *Store) Store(ctx context.Context, hashes []resource.Hash, buckets []string, blobs [][]byte) (*Write, error) {
	if len(hashes) != len(buckets) || len(hashes) != len(blobs) {
		return nil, fmt.Errorf("store: mismatched arguments: %d hashes, %d buckets, %d blobs",
			len(hashes), len(buckets), len(blobs))
	}

	w := &Write{done: make(chan struct{})}
	byBucket := make(map[*bucket]*writeBatch)
	for i, h := range hashes {
		b, err := s.bucketFor(ctx, buckets[i])
		if err != nil {
			return nil, err
		}
		if b.currentState() != StateReady {
			continue
		}
		stored := blobs[i]
		if s.comp == CompressionZstd {
			stored = s.enc.EncodeAll(stored, nil)
		}
		if int64(len(stored)) > math.MaxUint32 {
			return nil, fmt.Errorf("%w: %d bytes", ErrBlobTooLarge, len(stored))
		}
		batch := byBucket[b]
		if batch == nil {
			batch = &writeBatch{b: b}
			byBucket[b] = batch
			w.batches = append(w.batches, batch)
		}
		batch.dataBuf = append(batch.dataBuf, stored...)
		batch.metaBuf = h.AppendTo(batch.metaBuf)
		batch.metaBuf = binary.LittleEndian.AppendUint32(batch.metaBuf, uint32(len(stored)))
		batch.entries = append(batch.entries, writeEntry{hash: h, size: uint32(len(stored))})
	}

	if len(w.batches) == 0 {
		close(w.done)
		return w, nil
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	s.writes <- w
	s.mu.Unlock()
	return w, nil
}

func (s *Store) writerLoop() {
	defer s.writerWG.Done()
	for w := range s.writes {
		var errs []error
		for _, batch := range w.batches {
			if err := s.applyBatch(batch); err != nil {
				errs = append(errs, err)
			}
		}
		w.err = errors.Join(errs...)
		close(w.done)
	}
}

// applyBatch appends one bucket's buffers, data file first so that a crash
// between the two appends shows up as a size mismatch on the next open. A
// storage-full rejection rolls back, runs one eviction pass, and retries
// once; a second rejection drops the batch.
func (s *Store) applyBatch(batch *writeBatch) error {
	b := batch.b
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateReady || !b.locked {
		return nil
	}

	preData, preMeta := b.dataSize, b.metaSize

	err := s.appendBuffers(b, batch, preData, preMeta)
	if err == nil {
		commitBatch(b, batch, preData, preMeta)
		return nil
	}
	s.rollback(b, preData, preMeta)
	if !isQuotaClass(err) {
		return fmt.Errorf("store: append to bucket %q: %w", b.name, err)
	}

	s.logger.Info("append rejected, evicting", "bucket", b.name, "error", err)
	s.events.QuotaExceeded(b.name, false)
	if _, evictErr := s.evictCoalesced(quotaEvictFraction); evictErr != nil {
		s.logger.Warn("eviction after quota rejection failed", "error", evictErr)
	}

	err = s.appendBuffers(b, batch, preData, preMeta)
	if err == nil {
		commitBatch(b, batch, preData, preMeta)
		return nil
	}
	s.rollback(b, preData, preMeta)
	if isQuotaClass(err) {
		s.logger.Warn("batch dropped after eviction", "bucket", b.name, "bytes", len(batch.dataBuf))
		s.events.QuotaExceeded(b.name, true)
		return fmt.Errorf("store: bucket %q: %w", b.name, ErrQuotaExceeded)
	}
	return fmt.Errorf("store: append to bucket %q: %w", b.name, err)
}

var errPartialWrite = errors.New("short write")

func (s *Store) appendBuffers(b *bucket, batch *writeBatch, preData, preMeta int64) error {
	n, err := s.appendFn(b.data, batch.dataBuf, preData)
	if err != nil {
		return err
	}
	if n != len(batch.dataBuf) {
		return errPartialWrite
	}
	n, err = s.appendFn(b.meta, batch.metaBuf, preMeta)
	if err != nil {
		return err
	}
	if n != len(batch.metaBuf) {
		return errPartialWrite
	}
	return nil
}

// isQuotaClass treats short writes like storage-full conditions: both leave
// the bucket partially updated and roll back the same way.
func isQuotaClass(err error) bool {
	return errors.Is(err, errPartialWrite) || isQuotaError(err)
}

func commitBatch(b *bucket, batch *writeBatch, preData, preMeta int64) {
	off := preData
	for _, e := range batch.entries {
		b.index[e.hash] = extent{off: off, size: e.size}
		off += int64(e.size)
	}
	b.dataSize = preData + int64(len(batch.dataBuf))
	b.metaSize = preMeta + int64(len(batch.metaBuf))
}

func (s *Store) rollback(b *bucket, preData, preMeta int64) {
	if err := b.data.Truncate(preData); err != nil {
		s.logger.Warn("rollback truncate failed", "bucket", b.name, "file", "data", "error", err)
	}
	if err := b.meta.Truncate(preMeta); err != nil {
		s.logger.Warn("rollback truncate failed", "bucket", b.name, "file", "meta", "error", err)
	}
}

func defaultAppend(f *os.File, p []byte, off int64) (int, error) {
	return f.WriteAt(p, off)
}
