// SPDX-License-Identifier: MIT

package transcode

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/soundspan/soundspan-sub012/internal/dcache"
	"github.com/soundspan/soundspan-sub012/internal/kv"
)

const (
	lockKeyPrefix = "soundspan:buildlock:"

	// lockTTL outlives the build timeout so a live build never loses
	// its claim, while a crashed node's claim still expires.
	lockTTL = 12 * time.Minute
)

// buildLock is the fleet-wide mutual exclusion on one cache key. All
// operations are best-effort: a store failure degrades to local-only
// guarantees, never to a blocked build.
type buildLock struct {
	store  kv.Store
	logger zerolog.Logger
}

func newBuildLock(store kv.Store, logger zerolog.Logger) *buildLock {
	return &buildLock{store: store, logger: logger}
}

// Acquire attempts to claim the key. It returns a release func and
// whether the claim succeeded. When the shared store is unavailable
// the claim is granted locally (acquired=true, release is a no-op on
// the store side) so builds proceed with only the in-process guard.
func (l *buildLock) Acquire(ctx context.Context, key dcache.Key) (release func(), acquired bool) {
	if l.store == nil {
		return func() {}, true
	}

	owner := uuid.NewString()
	storeKey := lockKeyPrefix + key.String()

	ok, err := l.store.SetNX(ctx, storeKey, owner, lockTTL)
	if err != nil {
		l.logger.Warn().Err(err).Str("key", key.String()).
			Msg("build lock store unavailable, proceeding with local guard only")
		return func() {}, true
	}
	if !ok {
		return func() {}, false
	}

	release = func() {
		// Compare-and-delete: a node can never release a lock it no
		// longer owns, e.g. after TTL expiry and reacquisition
		// elsewhere.
		releaseCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		deleted, err := l.store.CompareAndDelete(releaseCtx, storeKey, owner)
		if err != nil {
			l.logger.Warn().Err(err).Str("key", key.String()).Msg("build lock release failed")
			return
		}
		if !deleted {
			l.logger.Warn().Str("key", key.String()).Msg("build lock was no longer owned at release")
		}
	}
	return release, true
}

// Held reports, best-effort, whether any node in the fleet currently
// holds the key. Store failures read as "not held".
func (l *buildLock) Held(ctx context.Context, key dcache.Key) bool {
	if l.store == nil {
		return false
	}
	held, err := l.store.Exists(ctx, lockKeyPrefix+key.String())
	if err != nil {
		l.logger.Warn().Err(err).Str("key", key.String()).Msg("build lock check failed")
		return false
	}
	return held
}
