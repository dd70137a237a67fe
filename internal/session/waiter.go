// SPDX-License-Identifier: MIT

package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/soundspan/soundspan-sub012/internal/dash"
	"github.com/soundspan/soundspan-sub012/internal/metrics"
	"github.com/soundspan/soundspan-sub012/internal/transcode"
)

const (
	// Manifest readiness requires this many declared timeline entries
	// for the primary representation, with the files on disk. Remote
	// sources use longer segments, so fewer entries cover the same
	// startup window.
	minTimelineLocal  = 3
	minTimelineRemote = 2

	// crossNodeGrace tolerates an undetected build for a short while
	// after the wait starts. Lock acquisition on another node and the
	// first manifest write race the first poll.
	crossNodeGrace = 3 * time.Second

	// readyMemoTTL lets a request immediately following a successful
	// wait skip polling entirely.
	readyMemoTTL = 2 * time.Second

	waitInitialInterval = 50 * time.Millisecond
	waitMaxInterval     = time.Second
)

// errNotYet keeps the backoff loop polling.
var errNotYet = errors.New("not ready yet")

// waiter blocks requests until the asset they need exists on disk.
// Concurrent waits for the same target collapse into one poll loop.
type waiter struct {
	engine   *transcode.Engine
	deadline time.Duration
	logger   zerolog.Logger

	group singleflight.Group

	mu   sync.Mutex
	memo map[string]time.Time
}

func newWaiter(engine *transcode.Engine, deadline time.Duration, logger zerolog.Logger) *waiter {
	if deadline <= 0 {
		deadline = 30 * time.Second
	}
	return &waiter{
		engine:   engine,
		deadline: deadline,
		logger:   logger.With().Str("component", "session.waiter").Logger(),
		memo:     make(map[string]time.Time),
	}
}

// WaitForManifestReady blocks until the manifest exists, its primary
// representation declares enough of the timeline, and the startup
// window's files are on disk.
func (w *waiter) WaitForManifestReady(ctx context.Context, s *Session) error {
	return w.wait(ctx, s, "manifest", func() bool {
		return manifestReady(s)
	})
}

// WaitForSegmentReady blocks until the named segment file exists.
func (w *waiter) WaitForSegmentReady(ctx context.Context, s *Session, segment string) error {
	return w.wait(ctx, s, segment, func() bool {
		return fileReady(filepath.Join(s.OutputDir, segment))
	})
}

func (w *waiter) wait(ctx context.Context, s *Session, target string, ready func() bool) error {
	waitKey := s.ID + "|" + target

	if w.memoFresh(waitKey) && ready() {
		metrics.IncReadinessWait("memo")
		return nil
	}

	_, err, _ := w.group.Do(waitKey, func() (any, error) {
		// The leader's poll lives as long as the deadline, not the
		// first caller's request: its cancellation must not fail every
		// coalesced waiter behind it.
		pollCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.deadline)
		defer cancel()
		return nil, w.poll(pollCtx, s, target, ready)
	})
	if err == nil {
		w.remember(waitKey)
	}
	return err
}

// poll drives one exponential-backoff loop with jitter until the target
// is ready, the build fails, or the deadline lapses. When no build is
// detected anywhere past the grace window, the build request is
// re-issued once; a session can outlive a pruned or lost asset.
func (w *waiter) poll(ctx context.Context, s *Session, target string, ready func() bool) error {
	start := time.Now()
	healed := false

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = waitInitialInterval
	b.MaxInterval = waitMaxInterval

	op := func() (struct{}, error) {
		if ready() {
			return struct{}{}, nil
		}
		if failure, ok := w.engine.GetBuildFailure(s.CacheKey); ok {
			return struct{}{}, backoff.Permanent(failure.Err)
		}
		if !healed && time.Since(start) > crossNodeGrace && !w.engine.BuildDetected(ctx, s.CacheKey) {
			healed = true
			w.logger.Warn().
				Str("session", s.ID).
				Str("key", s.CacheKey.String()).
				Str("target", target).
				Msg("no build detected for awaited asset, re-requesting")
			w.engine.EnsureAsset(ctx, s.BuildRequest())
		}
		return struct{}{}, errNotYet
	}

	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxElapsedTime(w.deadline),
	)
	switch {
	case err == nil:
		metrics.IncReadinessWait("ready")
		return nil
	case errors.Is(err, transcode.ErrBuildFailed):
		metrics.IncReadinessWait("failed")
		return err
	default:
		metrics.IncReadinessWait("timeout")
		return fmt.Errorf("%w: %s after %s", ErrNotReady, target, w.deadline)
	}
}

func (w *waiter) memoFresh(waitKey string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	at, ok := w.memo[waitKey]
	return ok && time.Since(at) < readyMemoTTL
}

func (w *waiter) remember(waitKey string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.memo[waitKey] = time.Now()
}

func manifestReady(s *Session) bool {
	m, err := dash.ParseFile(s.ManifestPath)
	if err != nil {
		// Missing or mid-write. Keep polling.
		return false
	}
	rep, ok := m.Primary()
	if !ok {
		return false
	}

	floor := minTimelineLocal
	if s.SourceKind == SourceRemote {
		floor = minTimelineRemote
	}
	if len(rep.MediaSegments) < floor {
		return false
	}
	if !fileReady(filepath.Join(s.OutputDir, rep.InitSegment)) {
		return false
	}
	for i := 0; i < floor; i++ {
		if !fileReady(filepath.Join(s.OutputDir, rep.MediaSegments[i])) {
			return false
		}
	}
	return true
}

func fileReady(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular() && info.Size() > 0
}
