// SPDX-License-Identifier: MIT

package dcache

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	// ManifestName is the manifest file inside every asset directory.
	ManifestName = "manifest.mpd"

	// segmentSuffix matches both init and media segment files produced
	// by the transcoder's dash muxer templates.
	segmentSuffix = ".m4s"
)

// AssetPaths locates one asset on disk.
type AssetPaths struct {
	OutputDir    string
	ManifestPath string
}

// Config bounds the cache.
type Config struct {
	Root         string
	BudgetBytes  int64
	TargetRatio  float64       // prune until total <= BudgetBytes*TargetRatio
	MinRetention time.Duration // entries younger than this are never pruned
}

// Store maps cache keys to on-disk assets and enforces the cache
// budget. Construct one per process and share it by reference.
type Store struct {
	cfg    Config
	logger zerolog.Logger

	mu   sync.Mutex
	refs map[Key]map[string]time.Time // key -> session id -> pin expiry

	// pruneGate rate-limits opportunistic prune sweeps so hot request
	// paths never pay for repeated directory walks.
	pruneGate *rate.Limiter
	sweeping  sync.Mutex
}

// New creates a Store rooted at cfg.Root. The root directory is created
// if missing.
func New(cfg Config, logger zerolog.Logger) (*Store, error) {
	if cfg.TargetRatio <= 0 || cfg.TargetRatio > 1 {
		cfg.TargetRatio = 0.8
	}
	if err := os.MkdirAll(cfg.Root, 0o750); err != nil {
		return nil, fmt.Errorf("create cache root: %w", err)
	}
	return &Store{
		cfg:       cfg,
		logger:    logger,
		refs:      make(map[Key]map[string]time.Time),
		pruneGate: rate.NewLimiter(rate.Every(time.Minute), 1),
	}, nil
}

// AssetPaths resolves the paths for key. Pure, does not touch disk.
func (s *Store) AssetPaths(key Key) AssetPaths {
	dir := filepath.Join(s.cfg.Root, key.String())
	return AssetPaths{
		OutputDir:    dir,
		ManifestPath: filepath.Join(dir, ManifestName),
	}
}

// EnsureAssetDir creates the asset directory for key. Idempotent.
func (s *Store) EnsureAssetDir(key Key) error {
	return os.MkdirAll(s.AssetPaths(key).OutputDir, 0o750)
}

// RemoveAsset deletes the asset directory for key. Idempotent.
func (s *Store) RemoveAsset(key Key) error {
	return os.RemoveAll(s.AssetPaths(key).OutputDir)
}

// HasManifest reports whether the manifest file exists for key. Mere
// presence is a candidate signal of validity, not proof.
func (s *Store) HasManifest(key Key) bool {
	info, err := os.Stat(s.AssetPaths(key).ManifestPath)
	return err == nil && info.Mode().IsRegular()
}

// ListSegments returns the segment file names of key's asset, sorted.
func (s *Store) ListSegments(key Key) ([]string, error) {
	entries, err := os.ReadDir(s.AssetPaths(key).OutputDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.Type().IsRegular() && strings.HasSuffix(e.Name(), segmentSuffix) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// RegisterSessionReference pins key against pruning until expiresAt.
// Re-registering the same session extends its pin; heartbeats do this
// when they slide the session TTL. A pin past its expiry counts as
// released, so a session that silently disappeared (record evicted,
// node lost) can never pin an asset forever.
func (s *Store) RegisterSessionReference(key Key, sessionID string, expiresAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.refs[key]
	if !ok {
		set = make(map[string]time.Time)
		s.refs[key] = set
	}
	set[sessionID] = expiresAt
}

// ClearSessionReference drops the session's pin on key.
func (s *Store) ClearSessionReference(key Key, sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if set, ok := s.refs[key]; ok {
		delete(set, sessionID)
		if len(set) == 0 {
			delete(s.refs, key)
		}
	}
}

// ReferenceCount returns the number of unexpired pins on key. Lapsed
// pins are dropped here so the refs map cannot grow without bound.
func (s *Store) ReferenceCount(key Key) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.refs[key]
	if !ok {
		return 0
	}
	now := time.Now()
	for id, exp := range set {
		if now.After(exp) {
			delete(set, id)
		}
	}
	if len(set) == 0 {
		delete(s.refs, key)
		return 0
	}
	return len(set)
}
