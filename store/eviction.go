package store

import (
	"fmt"
	"os"
	"sort"
	"time"
)

// Evict frees at least minFraction of the bytes currently under the cache
// root. Pairs older than the eviction cutoff are deleted regardless of the
// target; younger pairs go oldest-first until the target is met. Pairs
// whose write lock is held, by this process or another, are skipped.
//
// Overlapping calls share a single pass and all observe its outcome. The
// returned bool reports whether the target was met.
func (s *Store) Evict(minFraction float64) (bool, error) {
	if minFraction < 0 || minFraction > 1 {
		return false, fmt.Errorf("store: eviction fraction %v out of range", minFraction)
	}
	return s.evictCoalesced(minFraction)
}

func (s *Store) evictCoalesced(minFraction float64) (bool, error) {
	v, err, _ := s.evicts.Do("evict", func() (any, error) {
		met, err := s.runEviction(minFraction)
		return met, err
	})
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

func (s *Store) runEviction(minFraction float64) (bool, error) {
	pairs, err := s.listPairs()
	if err != nil {
		return false, err
	}

	var total int64
	for i := range pairs {
		total += pairs[i].bytes()
	}
	target := int64(minFraction * float64(total))

	sort.Slice(pairs, func(i, j int) bool {
		return pairs[i].lastTouch().Before(pairs[j].lastTouch())
	})

	open := s.openBases()
	now := time.Now()
	var freed int64
	for i := range pairs {
		expired := now.Sub(pairs[i].lastTouch()) > s.cutoff
		if !expired && freed >= target {
			break
		}
		if open[pairs[i].base] {
			continue
		}
		if s.deletePair(&pairs[i]) {
			freed += pairs[i].bytes()
		}
	}

	met := freed >= target
	s.logger.Info("eviction pass", "freed", freed, "target", target, "met", met)
	s.events.EvictionPass(freed, met)
	return met, nil
}

// openBases snapshots the file stems of buckets this store knows about, so
// eviction never deletes under its own feet even where advisory locks are
// unavailable.
func (s *Store) openBases() map[string]bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	open := make(map[string]bool, len(s.buckets))
	for _, b := range s.buckets {
		open[b.base] = true
	}
	return open
}

// deletePair removes one group of files. When a metadata file exists its
// lock is probed first and held for the duration, so the pair cannot be
// live in another process while it is unlinked.
func (s *Store) deletePair(p *pairInfo) bool {
	if p.metaPath != "" {
		f, err := os.OpenFile(p.metaPath, os.O_RDWR, 0)
		if err != nil {
			return false
		}
		defer f.Close()
		locked, err := tryLockFile(f)
		if err != nil || !locked {
			return false
		}
	}

	removed := false
	paths := append([]string{}, p.strays...)
	if p.dataPath != "" {
		paths = append(paths, p.dataPath)
	}
	if p.metaPath != "" {
		paths = append(paths, p.metaPath)
	}
	for _, path := range paths {
		if err := os.Remove(path); err != nil {
			s.logger.Warn("evict remove failed", "path", path, "error", err)
		} else {
			removed = true
		}
	}
	return removed
}
