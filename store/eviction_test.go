package store

import (
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/viewkit/rescache/resource"
)

// writePair lays a valid bucket pair directly on disk with a chosen header
// stamp, bypassing the store.
func writePair(t *testing.T, dir, base string, blobs [][]byte, stamp time.Time) {
	t.Helper()
	if err := os.MkdirAll(dir, 0o700); err != nil {
		t.Fatalf("MkdirAll() error = %v", err)
	}
	var data []byte
	meta := binary.LittleEndian.AppendUint32(nil, uint32(stamp.Unix()))
	for i, blob := range blobs {
		data = append(data, blob...)
		meta = binaryAppendRecord(meta, testHash(byte(i+1)), uint32(len(blob)))
	}
	if err := os.WriteFile(filepath.Join(dir, base+dataSuffix), data, 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, base+metaSuffix), meta, 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
}

func pairExists(dir, base string) bool {
	_, err := os.Stat(filepath.Join(dir, base+dataSuffix))
	return err == nil
}

func TestEvictExpiredPairs(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writePair(t, dir, "stale", [][]byte{make([]byte, 100)}, time.Now().Add(-100*24*time.Hour))
	writePair(t, dir, "fresh", [][]byte{make([]byte, 100)}, time.Now())

	rec := &eventRecorder{}
	s, err := New(dir, WithEvents(rec))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer s.Close()

	met, err := s.Evict(0)
	if err != nil {
		t.Fatalf("Evict() error = %v", err)
	}
	if !met {
		t.Error("Evict(0) met = false, want true")
	}
	if pairExists(dir, "stale") {
		t.Error("stale pair survived eviction")
	}
	if !pairExists(dir, "fresh") {
		t.Error("fresh pair was evicted")
	}
}

func TestEvictFractionOldestFirst(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	now := time.Now()
	writePair(t, dir, "oldest", [][]byte{make([]byte, 600)}, now.Add(-3*time.Hour))
	writePair(t, dir, "middle", [][]byte{make([]byte, 300)}, now.Add(-2*time.Hour))
	writePair(t, dir, "newest", [][]byte{make([]byte, 100)}, now.Add(-1*time.Hour))

	s, err := New(dir)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer s.Close()

	// The oldest pair alone crosses the 50% target; the others stay.
	met, err := s.Evict(0.5)
	if err != nil {
		t.Fatalf("Evict() error = %v", err)
	}
	if !met {
		t.Error("Evict(0.5) met = false, want true")
	}
	if pairExists(dir, "oldest") {
		t.Error("oldest pair survived eviction")
	}
	if !pairExists(dir, "middle") || !pairExists(dir, "newest") {
		t.Error("younger pairs were evicted past the target")
	}
}

func TestEvictSkipsOwnOpenBuckets(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s, err := New(dir, WithEvictionCutoff(time.Nanosecond))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer s.Close()

	h := testHash(1)
	mustStore(t, s, []resource.Hash{h}, []string{"models"}, [][]byte{[]byte("live")})

	// Everything is past the cutoff, but the open bucket must survive.
	met, err := s.Evict(1)
	if err != nil {
		t.Fatalf("Evict() error = %v", err)
	}
	if met {
		t.Error("Evict(1) met = true, want false")
	}
	got := mustGet(t, s, []resource.Hash{h}, []string{"models"})
	if got[0] == nil {
		t.Error("open bucket lost its content to eviction")
	}
}

func TestEvictReapsStrayFiles(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	if err := os.MkdirAll(dir, 0o700); err != nil {
		t.Fatalf("MkdirAll() error = %v", err)
	}
	stray := filepath.Join(dir, "leftover.tmp")
	if err := os.WriteFile(stray, []byte("debris"), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	old := time.Now().Add(-100 * 24 * time.Hour)
	if err := os.Chtimes(stray, old, old); err != nil {
		t.Fatalf("Chtimes() error = %v", err)
	}

	s, err := New(dir)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer s.Close()

	if _, err := s.Evict(0); err != nil {
		t.Fatalf("Evict() error = %v", err)
	}
	if _, err := os.Stat(stray); !os.IsNotExist(err) {
		t.Errorf("stray file still present (err = %v)", err)
	}
}

func TestCloseReapsExpired(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writePair(t, dir, "stale", [][]byte{make([]byte, 10)}, time.Now().Add(-100*24*time.Hour))

	s, err := New(dir)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if pairExists(dir, "stale") {
		t.Error("stale pair survived Close")
	}
}

func TestClearRemovesEverything(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s, err := New(dir)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	mustStore(t, s,
		[]resource.Hash{testHash(1), testHash(2)},
		[]string{"models", "textures"},
		[][]byte{[]byte("one"), []byte("two")})

	if err := s.Clear(); err != nil {
		t.Fatalf("Clear() error = %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir() error = %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("cache root has %d entries after Clear, want 0", len(entries))
	}

	if _, err := s.Get(context.Background(), []resource.Hash{testHash(1)}, []string{"models"}); err == nil {
		t.Error("Get() after Clear succeeded, want ErrClosed")
	}
}

func TestEvictFractionOutOfRange(t *testing.T) {
	t.Parallel()

	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer s.Close()

	if _, err := s.Evict(-0.1); err == nil {
		t.Error("Evict(-0.1) succeeded, want error")
	}
	if _, err := s.Evict(1.1); err == nil {
		t.Error("Evict(1.1) succeeded, want error")
	}
}

func TestEvictEmptyRootMet(t *testing.T) {
	t.Parallel()

	s, err := New(filepath.Join(t.TempDir(), "missing"))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer s.Close()

	met, err := s.Evict(1)
	if err != nil {
		t.Fatalf("Evict() error = %v", err)
	}
	if !met {
		t.Error("Evict(1) on empty root met = false, want true")
	}
}
