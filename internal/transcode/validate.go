// SPDX-License-Identifier: MIT

package transcode

import (
	"bytes"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/soundspan/soundspan-sub012/internal/dash"
	"github.com/soundspan/soundspan-sub012/internal/dcache"
	"github.com/soundspan/soundspan-sub012/internal/metrics"
)

// ValidationResult is the tri-state outcome of structural inspection.
type ValidationResult string

const (
	// ResultValid: manifest and every declared segment check out.
	ResultValid ValidationResult = "valid"
	// ResultDegraded: a non-critical trailing segment is malformed but
	// startup segments are intact. Usable, but flagged for repair.
	ResultDegraded ValidationResult = "degraded"
	// ResultInvalid: manifest or a startup-critical segment is missing
	// or corrupt.
	ResultInvalid ValidationResult = "invalid"
)

// Usable reports whether playback can start from the asset.
func (r ValidationResult) Usable() bool { return r != ResultInvalid }

const (
	// minSegmentBytes is the floor below which a segment counts as
	// truncated.
	minSegmentBytes = 200

	// startupCriticalMedia: media segments with index <= this constant
	// are startup-critical. The boundary is by index and filename
	// pattern on purpose; client startup latency depends on it.
	startupCriticalMedia = 2

	// markerSniffBytes is how far into a media segment the fragment
	// markers are expected.
	markerSniffBytes = 1024

	memoTTL = 5 * time.Second
)

// fragmentMarkers are box types that appear near the head of any sane
// fMP4 media segment.
var fragmentMarkers = [][]byte{
	[]byte("moof"),
	[]byte("styp"),
	[]byte("sidx"),
	[]byte("prft"),
}

type memoEntry struct {
	result ValidationResult
	at     time.Time
}

// Validator performs structural inspection of cached assets with a
// short-TTL in-process memo so hot request paths do not re-scan the
// filesystem.
type Validator struct {
	store  *dcache.Store
	logger zerolog.Logger

	mu   sync.Mutex
	memo map[dcache.Key]memoEntry
}

// NewValidator creates a Validator over the given cache store.
func NewValidator(store *dcache.Store, logger zerolog.Logger) *Validator {
	return &Validator{
		store:  store,
		logger: logger,
		memo:   make(map[dcache.Key]memoEntry),
	}
}

// Validate returns the memoised result when fresh, otherwise inspects
// the asset on disk.
func (v *Validator) Validate(key dcache.Key) ValidationResult {
	v.mu.Lock()
	if e, ok := v.memo[key]; ok && time.Since(e.at) < memoTTL {
		v.mu.Unlock()
		return e.result
	}
	v.mu.Unlock()

	result := v.inspect(key)

	v.mu.Lock()
	v.memo[key] = memoEntry{result: result, at: time.Now()}
	v.mu.Unlock()

	metrics.IncValidation(string(result))
	return result
}

// Forget drops the memo for key. Called around rebuilds.
func (v *Validator) Forget(key dcache.Key) {
	v.mu.Lock()
	delete(v.memo, key)
	v.mu.Unlock()
}

func (v *Validator) inspect(key dcache.Key) ValidationResult {
	paths := v.store.AssetPaths(key)
	manifest, err := dash.ParseFile(paths.ManifestPath)
	if err != nil {
		v.logger.Debug().Err(err).Str("key", key.String()).Msg("manifest unreadable")
		return ResultInvalid
	}

	degraded := false
	for repIdx, rep := range manifest.Representations {
		primaryRep := repIdx == 0

		// Init segment is startup-critical for the primary
		// representation.
		if !segmentOK(filepath.Join(paths.OutputDir, rep.InitSegment), false) {
			if primaryRep {
				return ResultInvalid
			}
			degraded = true
			continue
		}

		for i, name := range rep.MediaSegments {
			index := i + 1 // segment numbering starts at 1
			if segmentOK(filepath.Join(paths.OutputDir, name), true) {
				continue
			}
			if primaryRep && index <= startupCriticalMedia {
				return ResultInvalid
			}
			degraded = true
		}
	}

	if degraded {
		return ResultDegraded
	}
	return ResultValid
}

// segmentOK checks existence, a size floor, and (for media segments)
// recognizable fragment markers near the head.
func segmentOK(path string, media bool) bool {
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() || info.Size() < minSegmentBytes {
		return false
	}
	if !media {
		return true
	}

	f, err := os.Open(path) // #nosec G304 -- cache-store derived path
	if err != nil {
		return false
	}
	defer f.Close()

	head := make([]byte, markerSniffBytes)
	n, _ := f.Read(head)
	head = head[:n]
	for _, marker := range fragmentMarkers {
		if bytes.Contains(head, marker) {
			return true
		}
	}
	return false
}
