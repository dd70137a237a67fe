// SPDX-License-Identifier: MIT

package dcache

import (
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/soundspan/soundspan-sub012/internal/metrics"
)

type assetEntry struct {
	key      Key
	dir      string
	size     int64
	modified time.Time
}

// PruneIfNeeded triggers a prune sweep when the rate gate allows it.
// The sweep runs detached so no caller ever blocks on cache hygiene.
func (s *Store) PruneIfNeeded() {
	if s.cfg.BudgetBytes <= 0 {
		return
	}
	if !s.pruneGate.Allow() {
		return
	}
	go s.sweep()
}

// sweep deletes least-recently-modified unreferenced assets until the
// cache fits the target size. One sweep runs at a time.
func (s *Store) sweep() {
	s.sweeping.Lock()
	defer s.sweeping.Unlock()

	entries, total, err := s.scan()
	if err != nil {
		s.logger.Warn().Err(err).Msg("cache scan failed")
		return
	}
	if total <= s.cfg.BudgetBytes {
		return
	}

	target := int64(float64(s.cfg.BudgetBytes) * s.cfg.TargetRatio)
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].modified.Before(entries[j].modified)
	})

	now := time.Now()
	var reclaimed int64
	for _, e := range entries {
		if total-reclaimed <= target {
			break
		}
		if s.ReferenceCount(e.key) > 0 {
			continue
		}
		if now.Sub(e.modified) < s.cfg.MinRetention {
			continue
		}
		if err := os.RemoveAll(e.dir); err != nil {
			// Keep sweeping; one stubborn entry must not abort hygiene.
			s.logger.Warn().Err(err).Str("key", e.key.String()).Msg("prune remove failed")
			continue
		}
		reclaimed += e.size
		s.logger.Info().
			Str("key", e.key.String()).
			Int64("bytes", e.size).
			Time("modified", e.modified).
			Msg("pruned cache entry")
	}

	if reclaimed > 0 {
		metrics.AddPruneReclaimed(reclaimed)
	}
	s.logger.Debug().
		Int64("total", total).
		Int64("reclaimed", reclaimed).
		Int64("budget", s.cfg.BudgetBytes).
		Msg("prune sweep finished")
}

// scan lists all asset directories with aggregate size and newest
// modification time.
func (s *Store) scan() ([]assetEntry, int64, error) {
	dirs, err := os.ReadDir(s.cfg.Root)
	if err != nil {
		return nil, 0, err
	}

	var (
		entries []assetEntry
		total   int64
	)
	for _, d := range dirs {
		if !d.IsDir() {
			continue
		}
		entry := assetEntry{
			key: Key(d.Name()),
			dir: filepath.Join(s.cfg.Root, d.Name()),
		}
		files, err := os.ReadDir(entry.dir)
		if err != nil {
			s.logger.Warn().Err(err).Str("dir", entry.dir).Msg("prune scan skipped entry")
			continue
		}
		for _, f := range files {
			info, err := f.Info()
			if err != nil {
				continue
			}
			entry.size += info.Size()
			if info.ModTime().After(entry.modified) {
				entry.modified = info.ModTime()
			}
		}
		entries = append(entries, entry)
		total += entry.size
	}
	return entries, total, nil
}

// sweepNow runs a sweep synchronously. Tests only.
func (s *Store) sweepNow() { s.sweep() }
