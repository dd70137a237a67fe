// SPDX-License-Identifier: MIT

package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/soundspan/soundspan-sub012/internal/dcache"
	"github.com/soundspan/soundspan-sub012/internal/kv"
	"github.com/soundspan/soundspan-sub012/internal/library"
	"github.com/soundspan/soundspan-sub012/internal/transcode"
)

// Config holds the session layer parameters.
type Config struct {
	TTL           time.Duration
	TokenSecret   string
	TokenTTL      time.Duration
	ReadyDeadline time.Duration
}

// StartResponse is what a player needs to begin streaming.
type StartResponse struct {
	SessionID      string    `json:"sessionId"`
	Token          string    `json:"token"`
	ExpiresAt      time.Time `json:"expiresAt"`
	ManifestURL    string    `json:"manifestUrl"`
	Quality        string    `json:"quality"`
	Profile        string    `json:"profile"`
	Codec          string    `json:"codec"`
	BitrateKbps    int       `json:"bitrateKbps"`
	SegmentSeconds int       `json:"segmentSeconds"`
	BuildInFlight  bool      `json:"buildInFlight"`
}

// HeartbeatResponse extends the session and rotates the token.
type HeartbeatResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// HandoffResponse moves playback to a new session on another player.
type HandoffResponse struct {
	StartResponse
	ResumeAtSec float64 `json:"resumeAtSec"`
	ShouldPlay  bool    `json:"shouldPlay"`
}

// Service is the playback session front of the delivery core: it
// resolves what to build, starts the build, issues tokens, and owns
// session lifecycle end to end.
type Service struct {
	cfg    Config
	lib    library.Store
	engine *transcode.Engine
	cache  *dcache.Store
	tokens *TokenManager
	store  *Store
	waiter *waiter
	repair *repairScheduler
	logger zerolog.Logger
}

// NewService wires the session service. shared may be nil.
func NewService(cfg Config, lib library.Store, engine *transcode.Engine, cache *dcache.Store, shared kv.Store, logger zerolog.Logger) *Service {
	if cfg.TTL <= 0 {
		cfg.TTL = 10 * time.Minute
	}
	return &Service{
		cfg:    cfg,
		lib:    lib,
		engine: engine,
		cache:  cache,
		tokens: NewTokenManager(cfg.TokenSecret, cfg.TokenTTL),
		store:  NewStore(shared, logger),
		waiter: newWaiter(engine, cfg.ReadyDeadline, logger),
		repair: newRepairScheduler(engine, logger),
		logger: logger.With().Str("component", "session").Logger(),
	}
}

// CreateSession resolves the track and effective quality, ensures the
// asset is built or building, and returns a live session.
func (s *Service) CreateSession(ctx context.Context, userID, trackID, quality, profile string) (StartResponse, error) {
	if userID == "" || trackID == "" {
		return StartResponse{}, fmt.Errorf("session: user and track are required")
	}

	q, err := s.resolveQuality(ctx, userID, quality)
	if err != nil {
		return StartResponse{}, err
	}
	p := transcode.ProfileStartupSingle
	if profile != "" {
		if p, err = transcode.ParseProfile(profile); err != nil {
			return StartResponse{}, err
		}
	}

	track, err := s.lib.FindTrack(ctx, trackID)
	if err != nil {
		if errors.Is(err, library.ErrNotFound) {
			return StartResponse{}, ErrTrackNotFound
		}
		return StartResponse{}, fmt.Errorf("resolve track %s: %w", trackID, err)
	}

	kind := SourceLocal
	segSeconds := transcode.SegmentSecondsLocal
	if transcode.IsRemoteSource(track.Path) {
		kind = SourceRemote
		segSeconds = transcode.SegmentSecondsRemote
	} else if _, err := os.Stat(track.Path); err != nil {
		// Permanent: the library row points at a file that is gone.
		return StartResponse{}, fmt.Errorf("%w: %s", ErrSourceMissing, track.Path)
	}

	handle := s.engine.EnsureAsset(ctx, transcode.BuildRequest{
		TrackID:        track.ID,
		SourcePath:     track.Path,
		SourceModified: track.UpdatedAt,
		Quality:        q,
		Profile:        p,
	})

	now := time.Now()
	sess := Session{
		ID:             uuid.NewString(),
		UserID:         userID,
		TrackID:        track.ID,
		Quality:        q,
		Profile:        p,
		SourceKind:     kind,
		Codec:          handle.Plan.Primary.Codec,
		BitrateKbps:    handle.Plan.Primary.BitrateKbps,
		CacheKey:       handle.Key,
		OutputDir:      handle.Paths.OutputDir,
		ManifestPath:   handle.Paths.ManifestPath,
		SourcePath:     track.Path,
		SourceModified: track.UpdatedAt,
		CreatedAt:      now,
		ExpiresAt:      now.Add(s.cfg.TTL),
	}

	if err := s.store.Save(ctx, &sess); err != nil {
		return StartResponse{}, fmt.Errorf("persist session: %w", err)
	}
	s.cache.RegisterSessionReference(sess.CacheKey, sess.ID, sess.ExpiresAt)

	token, err := s.tokens.Mint(&sess)
	if err != nil {
		return StartResponse{}, err
	}

	s.logger.Info().
		Str("session", sess.ID).
		Str("user", userID).
		Str("track", track.ID).
		Str("quality", string(q)).
		Str("key", handle.Key.String()).
		Bool("buildInFlight", handle.BuildInFlight).
		Msg("session created")

	return StartResponse{
		SessionID:      sess.ID,
		Token:          token,
		ExpiresAt:      sess.ExpiresAt,
		ManifestURL:    fmt.Sprintf("/v1/sessions/%s/manifest.mpd", sess.ID),
		Quality:        string(q),
		Profile:        string(p),
		Codec:          sess.Codec,
		BitrateKbps:    sess.BitrateKbps,
		SegmentSeconds: segSeconds,
		BuildInFlight:  handle.BuildInFlight,
	}, nil
}

// resolveQuality picks the effective quality: the explicit request,
// else the user's stored preference, else the default.
func (s *Service) resolveQuality(ctx context.Context, userID, requested string) (transcode.Quality, error) {
	if requested != "" {
		return transcode.ParseQuality(requested)
	}
	pref, err := s.lib.FindUserPlaybackQuality(ctx, userID)
	if err != nil && !errors.Is(err, library.ErrNotFound) {
		return "", fmt.Errorf("resolve quality preference: %w", err)
	}
	if pref != "" {
		if q, err := transcode.ParseQuality(pref); err == nil {
			return q, nil
		}
		s.logger.Warn().Str("user", userID).Str("preference", pref).Msg("ignoring unparsable quality preference")
	}
	return transcode.DefaultQuality, nil
}

// Authorize loads the session and checks the token against it. Expired
// sessions are reaped lazily here. waiveSessionID is set only for
// segment requests, where a just-handed-off player may still drain its
// previous stream.
func (s *Service) Authorize(ctx context.Context, sessionID, token string, waiveSessionID bool) (Session, error) {
	sess, ok := s.store.Get(ctx, sessionID)
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	if sess.Expired(time.Now()) {
		s.expire(ctx, &sess)
		return Session{}, ErrSessionNotFound
	}
	if err := s.tokens.Authorize(token, &sess, waiveSessionID); err != nil {
		return Session{}, err
	}
	return sess, nil
}

// GetAuthorizedSession loads the session for an already-authenticated
// user. Cross-user access reads as absence.
func (s *Service) GetAuthorizedSession(ctx context.Context, sessionID, userID string) (Session, error) {
	sess, ok := s.store.Get(ctx, sessionID)
	if !ok || sess.UserID != userID {
		return Session{}, ErrSessionNotFound
	}
	if sess.Expired(time.Now()) {
		s.expire(ctx, &sess)
		return Session{}, ErrSessionNotFound
	}
	return sess, nil
}

// Heartbeat slides the session TTL, records the playback snapshot and
// rotates the token.
func (s *Service) Heartbeat(ctx context.Context, sessionID, userID string, snap Snapshot) (HeartbeatResponse, error) {
	sess, err := s.GetAuthorizedSession(ctx, sessionID, userID)
	if err != nil {
		return HeartbeatResponse{}, err
	}

	sess.ExpiresAt = time.Now().Add(s.cfg.TTL)
	sess.PositionSec = snap.PositionSec
	sess.Playing = snap.Playing
	if err := s.store.Save(ctx, &sess); err != nil {
		return HeartbeatResponse{}, fmt.Errorf("persist heartbeat: %w", err)
	}
	s.cache.RegisterSessionReference(sess.CacheKey, sess.ID, sess.ExpiresAt)

	token, err := s.tokens.Mint(&sess)
	if err != nil {
		return HeartbeatResponse{}, err
	}
	return HeartbeatResponse{Token: token, ExpiresAt: sess.ExpiresAt}, nil
}

// CreateHandoff opens a fresh session for the same track so another
// player can resume where this one is. The old session keeps running
// until it expires or its player stops heartbeating.
func (s *Service) CreateHandoff(ctx context.Context, sessionID, userID string, snap Snapshot) (HandoffResponse, error) {
	if _, err := s.Heartbeat(ctx, sessionID, userID, snap); err != nil {
		return HandoffResponse{}, err
	}
	old, err := s.GetAuthorizedSession(ctx, sessionID, userID)
	if err != nil {
		return HandoffResponse{}, err
	}

	start, err := s.CreateSession(ctx, userID, old.TrackID, string(old.Quality), string(old.Profile))
	if err != nil {
		return HandoffResponse{}, err
	}

	s.logger.Info().
		Str("from", old.ID).
		Str("to", start.SessionID).
		Float64("resumeAt", snap.PositionSec).
		Msg("session handed off")

	return HandoffResponse{
		StartResponse: start,
		ResumeAtSec:   snap.PositionSec,
		ShouldPlay:    snap.Playing,
	}, nil
}

// WaitForManifestReady blocks until the session's manifest is servable.
func (s *Service) WaitForManifestReady(ctx context.Context, sess *Session) error {
	return s.waiter.WaitForManifestReady(ctx, sess)
}

// WaitForSegmentReady blocks until the named segment is servable.
func (s *Service) WaitForSegmentReady(ctx context.Context, sess *Session, segment string) error {
	return s.waiter.WaitForSegmentReady(ctx, sess, segment)
}

// ReportPlaybackError handles a player's report that the stream is
// broken: the session and track are revalidated, the validation memo is
// dropped, and a coalesced regeneration is scheduled.
func (s *Service) ReportPlaybackError(ctx context.Context, sessionID, userID, trackID string) error {
	sess, err := s.GetAuthorizedSession(ctx, sessionID, userID)
	if err != nil {
		return err
	}
	if trackID != "" && trackID != sess.TrackID {
		return fmt.Errorf("session: reported track %s does not match session track %s", trackID, sess.TrackID)
	}

	s.engine.Validator().Forget(sess.CacheKey)
	if scheduled := s.repair.Schedule(&sess); !scheduled {
		s.logger.Debug().Str("session", sess.ID).Str("key", sess.CacheKey.String()).Msg("playback error report absorbed by cooldown")
	}
	return nil
}

// expire reaps a lapsed session and releases its cache pin.
func (s *Service) expire(ctx context.Context, sess *Session) {
	s.cache.ClearSessionReference(sess.CacheKey, sess.ID)
	s.store.Delete(ctx, sess.ID)
	s.logger.Debug().Str("session", sess.ID).Msg("session expired")
}
