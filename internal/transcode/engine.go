// SPDX-License-Identifier: MIT

package transcode

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/renameio/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/soundspan/soundspan-sub012/internal/dcache"
	"github.com/soundspan/soundspan-sub012/internal/kv"
	"github.com/soundspan/soundspan-sub012/internal/metrics"
)

var (
	// ErrBuildFailed is returned when the transcoder exited non-zero,
	// timed out, or produced structurally invalid output.
	ErrBuildFailed = errors.New("transcode: build failed")

	// ErrBuildInFlight is returned by ForceRegenerate when a build for
	// the key is already running.
	ErrBuildInFlight = errors.New("transcode: build already in flight")
)

// DefaultBuildTimeout is the hard wall-clock limit per transcoder
// invocation.
const DefaultBuildTimeout = 10 * time.Minute

// buildInfoName is the diagnostic record written into every completed
// asset directory.
const buildInfoName = "build.json"

// BuildRequest identifies one buildable asset variant.
type BuildRequest struct {
	TrackID          string
	SourcePath       string
	SourceModified   time.Time
	Quality          Quality
	Profile          Profile
	ExplicitIdentity string
}

// CacheKey derives the request's cache key.
func (r BuildRequest) CacheKey() dcache.Key {
	return dcache.BuildKey(dcache.KeyInput{
		TrackID:          r.TrackID,
		SourcePath:       r.SourcePath,
		SourceModified:   r.SourceModified,
		Quality:          string(r.Quality),
		ExplicitIdentity: r.ExplicitIdentity,
	})
}

// AssetHandle is what EnsureAsset returns: where the asset lives and
// whether a build is currently producing it. Callers await readiness
// separately.
type AssetHandle struct {
	Key           dcache.Key
	Paths         dcache.AssetPaths
	Plan          Plan
	BuildInFlight bool
}

type buildRun struct {
	key    dcache.Key
	done   chan struct{}
	cancel context.CancelFunc
}

// Engine owns build deduplication, transcoder invocation and cache
// validity for DASH assets. Construct one per process.
type Engine struct {
	store     *dcache.Store
	lock      *buildLock
	runner    Runner
	caps      *Capabilities
	validator *Validator
	failures  *failureLog
	logger    zerolog.Logger

	buildTimeout time.Duration

	mu           sync.Mutex
	runs         map[dcache.Key]*buildRun
	knownInvalid map[dcache.Key]bool

	// repairGate throttles degraded-asset regeneration so a
	// persistently broken entry cannot cause a repair storm.
	repairGate *rate.Limiter
}

// NewEngine wires the build engine. kvStore may be nil; the engine then
// runs with local-only build exclusion.
func NewEngine(store *dcache.Store, kvStore kv.Store, runner Runner, logger zerolog.Logger) *Engine {
	return &Engine{
		store:        store,
		lock:         newBuildLock(kvStore, logger),
		runner:       runner,
		caps:         NewCapabilities(),
		validator:    NewValidator(store, logger),
		failures:     newFailureLog(),
		logger:       logger,
		buildTimeout: DefaultBuildTimeout,
		runs:         make(map[dcache.Key]*buildRun),
		knownInvalid: make(map[dcache.Key]bool),
		repairGate:   rate.NewLimiter(rate.Every(30*time.Second), 1),
	}
}

// ProbeCapabilities runs the startup capability probe. Optional; builds
// fall back to reactive flag stripping without it.
func (e *Engine) ProbeCapabilities(ctx context.Context) {
	e.caps.Probe(ctx, e.runner, e.logger)
}

// Validator exposes structural validation to the session layer.
func (e *Engine) Validator() *Validator { return e.validator }

// EnsureAsset guarantees that a valid asset for the request either
// exists or is being built somewhere in the fleet. It never blocks on
// the build itself.
func (e *Engine) EnsureAsset(ctx context.Context, req BuildRequest) AssetHandle {
	key := req.CacheKey()
	plan := ResolvePlan(req.Quality, req.Profile, req.SourcePath)
	handle := AssetHandle{
		Key:   key,
		Paths: e.store.AssetPaths(key),
		Plan:  plan,
	}

	e.mu.Lock()
	if _, inFlight := e.runs[key]; inFlight {
		e.mu.Unlock()
		handle.BuildInFlight = true
		return handle
	}
	invalid := e.knownInvalid[key]
	e.mu.Unlock()

	if !invalid && e.store.HasManifest(key) {
		switch e.validator.Validate(key) {
		case ResultValid:
			e.store.PruneIfNeeded()
			return handle
		case ResultDegraded:
			// Usable now; heal out of band.
			e.flagForRepair(req)
			return handle
		case ResultInvalid:
			e.markInvalid(key)
		}
	}

	// Another node may already be building this key.
	if e.lock.Held(ctx, key) {
		handle.BuildInFlight = true
		return handle
	}

	// Claim the local slot before the distributed lock so two local
	// callers can never both reach the store race.
	runCtx, cancel := context.WithTimeout(context.Background(), e.buildTimeout)
	run := &buildRun{key: key, done: make(chan struct{}), cancel: cancel}

	e.mu.Lock()
	if _, inFlight := e.runs[key]; inFlight {
		e.mu.Unlock()
		cancel()
		handle.BuildInFlight = true
		return handle
	}
	e.runs[key] = run
	delete(e.knownInvalid, key)
	e.mu.Unlock()

	release, acquired := e.lock.Acquire(ctx, key)
	if !acquired {
		// Lost the fleet-wide race; undo the local claim.
		e.mu.Lock()
		delete(e.runs, key)
		e.mu.Unlock()
		cancel()
		close(run.done)
		handle.BuildInFlight = true
		return handle
	}

	metrics.IncBuildStarted(string(req.Quality))
	go e.executeBuild(runCtx, run, req, plan, release)

	handle.BuildInFlight = true
	return handle
}

// executeBuild runs one build to completion. The local in-flight slot
// and the distributed lock are released here and nowhere else.
func (e *Engine) executeBuild(ctx context.Context, run *buildRun, req BuildRequest, plan Plan, release func()) {
	logger := e.logger.With().Str("key", run.key.String()).Str("track", req.TrackID).Logger()

	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Msg("build panicked")
			e.failures.record(run.key, fmt.Errorf("%w: panic: %v", ErrBuildFailed, r), "")
		}
		run.cancel()
		e.mu.Lock()
		delete(e.runs, run.key)
		e.mu.Unlock()
		// done closes last so joiners observe the run fully retired.
		close(run.done)
		release()
	}()

	if err := e.buildInto(ctx, run.key, req, plan); err != nil {
		logger.Warn().Err(err).Msg("build failed")
		return
	}

	logger.Info().Str("quality", string(req.Quality)).Str("profile", string(req.Profile)).Msg("build succeeded")
	e.failures.clear(run.key)
	e.store.PruneIfNeeded()
}

// buildInto produces the asset for req under targetKey and validates
// it. On failure the directory is removed and the failure recorded.
func (e *Engine) buildInto(ctx context.Context, targetKey dcache.Key, req BuildRequest, plan Plan) error {
	e.validator.Forget(targetKey)
	if err := e.store.RemoveAsset(targetKey); err != nil {
		return e.fail(targetKey, fmt.Errorf("%w: clear stale directory: %v", ErrBuildFailed, err), "")
	}
	if err := e.store.EnsureAssetDir(targetKey); err != nil {
		return e.fail(targetKey, fmt.Errorf("%w: create directory: %v", ErrBuildFailed, err), "")
	}

	paths := e.store.AssetPaths(targetKey)
	args := BuildDashArgs(ArgsInput{
		InputPath:  req.SourcePath,
		Remote:     IsRemoteSource(req.SourcePath),
		OutputPath: paths.ManifestPath,
		Plan:       plan,
	}, e.caps)

	stderr, err := e.runWithFlagFallback(ctx, args)
	if err != nil {
		metrics.IncBuildFailed("exec")
		_ = e.store.RemoveAsset(targetKey)
		return e.fail(targetKey, fmt.Errorf("%w: %v", ErrBuildFailed, err), stderr)
	}

	e.validator.Forget(targetKey)
	switch e.validator.Validate(targetKey) {
	case ResultInvalid:
		metrics.IncBuildFailed("validation")
		_ = e.store.RemoveAsset(targetKey)
		return e.fail(targetKey, fmt.Errorf("%w: output failed structural validation", ErrBuildFailed), stderr)
	case ResultDegraded:
		e.logger.Warn().Str("key", targetKey.String()).Msg("build produced degraded output, flagging for repair")
		e.flagForRepair(req)
	}

	e.writeBuildInfo(targetKey, req, plan)
	return nil
}

func (e *Engine) fail(key dcache.Key, err error, stderr string) error {
	e.failures.record(key, err, stderr)
	e.markInvalid(key)
	return err
}

// runWithFlagFallback invokes the transcoder, stripping exactly the
// rejected flag and retrying when it reports an unrecognized option.
// Stripped flags are remembered for all future builds on this node.
func (e *Engine) runWithFlagFallback(ctx context.Context, args []string) (string, error) {
	for attempt := 0; attempt <= len(optionalFlags); attempt++ {
		_, stderr, err := e.runner.Run(ctx, args)
		if err == nil {
			return stderr, nil
		}
		flag, ok := UnrecognizedOption(stderr)
		if !ok || !e.caps.Supported(flag) {
			return stderr, err
		}
		e.caps.MarkUnsupported(flag)
		args = StripFlag(args, flag)
		metrics.IncFlagFallback()
		e.logger.Info().Str("flag", flag).Msg("transcoder rejected flag, retrying without it")
	}
	return "", fmt.Errorf("flag fallback attempts exhausted")
}

// ForceRegenerate rebuilds the asset into a staging directory,
// validates it fully, then atomically swaps it for the live one. The
// live asset stays visible throughout; on any late failure the backup
// is restored.
func (e *Engine) ForceRegenerate(ctx context.Context, req BuildRequest) error {
	key := req.CacheKey()

	runCtx, cancel := context.WithTimeout(ctx, e.buildTimeout)
	run := &buildRun{key: key, done: make(chan struct{}), cancel: cancel}

	e.mu.Lock()
	if _, inFlight := e.runs[key]; inFlight {
		e.mu.Unlock()
		cancel()
		return ErrBuildInFlight
	}
	e.runs[key] = run
	e.mu.Unlock()

	release, acquired := e.lock.Acquire(ctx, key)
	if !acquired {
		e.mu.Lock()
		delete(e.runs, key)
		e.mu.Unlock()
		cancel()
		close(run.done)
		return ErrBuildInFlight
	}

	defer func() {
		run.cancel()
		e.mu.Lock()
		delete(e.runs, key)
		e.mu.Unlock()
		close(run.done)
		release()
	}()

	suffix := uuid.NewString()[:8]
	stageKey := dcache.Key(key.String() + "-stage-" + suffix)
	backupKey := dcache.Key(key.String() + "-backup-" + suffix)
	defer func() {
		_ = e.store.RemoveAsset(stageKey)
	}()

	plan := ResolvePlan(req.Quality, req.Profile, req.SourcePath)
	if err := e.buildInto(runCtx, stageKey, req, plan); err != nil {
		// The live asset, whatever its state, stays untouched.
		e.failures.record(key, err, "")
		return err
	}
	if e.validator.Validate(stageKey) != ResultValid {
		_ = e.store.RemoveAsset(stageKey)
		err := fmt.Errorf("%w: staged output not fully valid", ErrBuildFailed)
		e.failures.record(key, err, "")
		return err
	}

	livePaths := e.store.AssetPaths(key)
	stagePaths := e.store.AssetPaths(stageKey)
	backupPaths := e.store.AssetPaths(backupKey)

	liveExisted := e.store.HasManifest(key)
	if liveExisted {
		if err := os.Rename(livePaths.OutputDir, backupPaths.OutputDir); err != nil {
			err = fmt.Errorf("%w: stage swap: %v", ErrBuildFailed, err)
			e.failures.record(key, err, "")
			return err
		}
	}
	if err := os.Rename(stagePaths.OutputDir, livePaths.OutputDir); err != nil {
		// The live directory is gone; put the backup back so clients
		// never see a missing asset.
		if liveExisted {
			if restoreErr := os.Rename(backupPaths.OutputDir, livePaths.OutputDir); restoreErr != nil {
				e.logger.Error().Err(restoreErr).Str("key", key.String()).Msg("backup restore failed")
			}
		}
		err = fmt.Errorf("%w: stage swap: %v", ErrBuildFailed, err)
		e.failures.record(key, err, "")
		return err
	}
	_ = e.store.RemoveAsset(backupKey)

	e.validator.Forget(key)
	e.mu.Lock()
	delete(e.knownInvalid, key)
	e.mu.Unlock()
	e.failures.clear(key)

	e.logger.Info().Str("key", key.String()).Msg("asset regenerated")
	return nil
}

// InFlight reports whether this node is currently building key.
func (e *Engine) InFlight(key dcache.Key) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.runs[key]
	return ok
}

// BuildDetected reports, best-effort, whether a build for key is in
// flight anywhere in the fleet.
func (e *Engine) BuildDetected(ctx context.Context, key dcache.Key) bool {
	if e.InFlight(key) {
		return true
	}
	return e.lock.Held(ctx, key)
}

// GetBuildFailure surfaces the most recent failure for key within the
// retention window.
func (e *Engine) GetBuildFailure(key dcache.Key) (BuildFailure, bool) {
	return e.failures.get(key)
}

// CancelAll aborts every in-flight build and waits for the build
// goroutines to finish, so shutdown never races a writer still touching
// the cache directory. Called on daemon shutdown.
func (e *Engine) CancelAll() {
	e.mu.Lock()
	runs := make([]*buildRun, 0, len(e.runs))
	for _, run := range e.runs {
		runs = append(runs, run)
	}
	e.mu.Unlock()
	for _, run := range runs {
		run.cancel()
	}
	for _, run := range runs {
		<-run.done
	}
}

func (e *Engine) markInvalid(key dcache.Key) {
	e.mu.Lock()
	e.knownInvalid[key] = true
	e.mu.Unlock()
}

// flagForRepair schedules a rate-limited background regeneration for a
// degraded asset.
func (e *Engine) flagForRepair(req BuildRequest) {
	if !e.repairGate.Allow() {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), e.buildTimeout+time.Minute)
		defer cancel()
		if err := e.ForceRegenerate(ctx, req); err != nil && !errors.Is(err, ErrBuildInFlight) {
			e.logger.Warn().Err(err).Str("key", req.CacheKey().String()).Msg("background repair failed")
		}
	}()
}

type buildInfo struct {
	Key     string    `json:"key"`
	TrackID string    `json:"trackId"`
	Quality string    `json:"quality"`
	Profile string    `json:"profile"`
	Codec   string    `json:"codec"`
	Bitrate int       `json:"bitrateKbps"`
	BuiltAt time.Time `json:"builtAt"`
}

// writeBuildInfo drops a diagnostic record into the asset directory.
// Best-effort; absence is tolerated everywhere.
func (e *Engine) writeBuildInfo(key dcache.Key, req BuildRequest, plan Plan) {
	info := buildInfo{
		Key:     key.String(),
		TrackID: req.TrackID,
		Quality: string(req.Quality),
		Profile: string(req.Profile),
		Codec:   plan.Primary.Codec,
		Bitrate: plan.Primary.BitrateKbps,
		BuiltAt: time.Now().UTC(),
	}
	data, err := json.Marshal(info)
	if err != nil {
		return
	}
	path := e.store.AssetPaths(key).OutputDir + "/" + buildInfoName
	if err := renameio.WriteFile(path, data, 0o640); err != nil {
		e.logger.Debug().Err(err).Str("key", key.String()).Msg("build info write failed")
	}
}
