// SPDX-License-Identifier: MIT

package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/soundspan/soundspan-sub012/internal/dcache"
	"github.com/soundspan/soundspan-sub012/internal/metrics"
	"github.com/soundspan/soundspan-sub012/internal/transcode"
)

// repairCooldown bounds how often one key may be regenerated from
// player error reports.
const repairCooldown = 30 * time.Second

type repairState struct {
	queued bool
}

// repairScheduler turns player-reported playback errors into at most
// one running regeneration per key, with at most one queued retry.
// Reports arriving during a run coalesce into that single retry.
type repairScheduler struct {
	engine *transcode.Engine
	logger zerolog.Logger

	mu      sync.Mutex
	running map[dcache.Key]*repairState
	lastRun map[dcache.Key]time.Time
}

func newRepairScheduler(engine *transcode.Engine, logger zerolog.Logger) *repairScheduler {
	return &repairScheduler{
		engine:  engine,
		logger:  logger.With().Str("component", "session.repair").Logger(),
		running: make(map[dcache.Key]*repairState),
		lastRun: make(map[dcache.Key]time.Time),
	}
}

// Schedule requests a regeneration for the session's asset. Returns
// false when the report was absorbed by the cooldown.
func (r *repairScheduler) Schedule(s *Session) bool {
	key := s.CacheKey
	req := s.BuildRequest()

	r.mu.Lock()
	if st, ok := r.running[key]; ok {
		// A run is active; remember exactly one retry.
		st.queued = true
		r.mu.Unlock()
		metrics.IncRepairScheduled()
		return true
	}
	if last, ok := r.lastRun[key]; ok && time.Since(last) < repairCooldown {
		r.mu.Unlock()
		return false
	}
	r.running[key] = &repairState{}
	r.lastRun[key] = time.Now()
	r.mu.Unlock()

	metrics.IncRepairScheduled()
	go r.run(key, req)
	return true
}

// busy reports whether a regeneration for key is currently running.
func (r *repairScheduler) busy(key dcache.Key) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.running[key]
	return ok
}

func (r *repairScheduler) run(key dcache.Key, req transcode.BuildRequest) {
	for {
		ctx, cancel := context.WithTimeout(context.Background(), transcode.DefaultBuildTimeout+time.Minute)
		err := r.engine.ForceRegenerate(ctx, req)
		cancel()
		switch {
		case err == nil:
			r.logger.Info().Str("key", key.String()).Msg("repair regeneration succeeded")
		case errors.Is(err, transcode.ErrBuildInFlight):
			r.logger.Debug().Str("key", key.String()).Msg("repair skipped, build already running")
		default:
			r.logger.Warn().Err(err).Str("key", key.String()).Msg("repair regeneration failed")
		}

		r.mu.Lock()
		st := r.running[key]
		if st != nil && st.queued {
			st.queued = false
			r.lastRun[key] = time.Now()
			r.mu.Unlock()
			continue
		}
		delete(r.running, key)
		r.mu.Unlock()
		return
	}
}
