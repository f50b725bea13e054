package store

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// pairInfo describes one bucket file pair in the cache root. Files that do
// not belong to any pair are carried as strays of the group sharing their
// stem, so eviction can reap leftovers by age.
type pairInfo struct {
	base       string
	dataPath   string
	metaPath   string
	strays     []string
	dataBytes  int64
	metaBytes  int64
	strayBytes int64
	headerTime time.Time
	newestMod  time.Time
}

func (p *pairInfo) bytes() int64 {
	return p.dataBytes + p.metaBytes + p.strayBytes
}

// lastTouch is the metadata header stamp when readable, otherwise the
// newest modification time in the group.
func (p *pairInfo) lastTouch() time.Time {
	if !p.headerTime.IsZero() {
		return p.headerTime
	}
	return p.newestMod
}

// listPairs scans the cache root without opening any bucket. A missing root
// is an empty cache, not an error.
func (s *Store) listPairs() ([]pairInfo, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: list cache root: %w", err)
	}

	byBase := make(map[string]*pairInfo)
	var order []string
	for _, ent := range entries {
		if ent.IsDir() {
			continue
		}
		info, err := ent.Info()
		if err != nil {
			continue
		}
		name := ent.Name()
		path := filepath.Join(s.root, name)

		base := name
		kind := "stray"
		switch {
		case strings.HasSuffix(name, dataSuffix):
			base, kind = strings.TrimSuffix(name, dataSuffix), "data"
		case strings.HasSuffix(name, metaSuffix):
			base, kind = strings.TrimSuffix(name, metaSuffix), "meta"
		}

		p := byBase[base]
		if p == nil {
			p = &pairInfo{base: base}
			byBase[base] = p
			order = append(order, base)
		}
		switch kind {
		case "data":
			p.dataPath = path
			p.dataBytes += info.Size()
		case "meta":
			p.metaPath = path
			p.metaBytes += info.Size()
			if t, ok := readHeaderTime(path); ok {
				p.headerTime = t
			}
		default:
			p.strays = append(p.strays, path)
			p.strayBytes += info.Size()
		}
		if mt := info.ModTime(); mt.After(p.newestMod) {
			p.newestMod = mt
		}
	}

	pairs := make([]pairInfo, 0, len(order))
	for _, base := range order {
		pairs = append(pairs, *byBase[base])
	}
	return pairs, nil
}

// Stats summarizes the cache root. Entry counts are derived from metadata
// file sizes alone, so no bucket needs to be open and the store may already
// be closed.
type Stats struct {
	// Entries is the total metadata record count across all buckets.
	Entries int

	// DataBytes and MetaBytes are the on-disk sizes of the bucket files.
	DataBytes int64
	MetaBytes int64
}

// Stats scans the cache root and sums sizes across every bucket pair.
func (s *Store) Stats() (Stats, error) {
	pairs, err := s.listPairs()
	if err != nil {
		return Stats{}, err
	}
	var st Stats
	for _, p := range pairs {
		if p.metaBytes >= metaHeaderSize {
			st.Entries += int((p.metaBytes - metaHeaderSize) / metaRecordSize)
		}
		st.DataBytes += p.dataBytes
		st.MetaBytes += p.metaBytes
	}
	return st, nil
}
