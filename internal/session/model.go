// SPDX-License-Identifier: MIT

// Package session issues short-lived playback sessions bound to one
// cache key, mints and verifies the stateless tokens scoping them, and
// gates segment delivery on asset readiness.
package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/soundspan/soundspan-sub012/internal/dcache"
	"github.com/soundspan/soundspan-sub012/internal/transcode"
)

var (
	// ErrTrackNotFound: the track id is unknown to the library.
	ErrTrackNotFound = errors.New("session: track not found")
	// ErrSourceMissing: the track's source file does not exist.
	ErrSourceMissing = errors.New("session: source file missing")
	// ErrSessionNotFound covers unknown, expired and cross-user
	// session lookups alike.
	ErrSessionNotFound = errors.New("session: not found")
	// ErrNotReady: the asset is still building past the readiness
	// deadline. Retryable.
	ErrNotReady = errors.New("session: asset not ready")
)

// SourceKind distinguishes local files from remote URL sources.
type SourceKind string

const (
	SourceLocal  SourceKind = "local"
	SourceRemote SourceKind = "remote"
)

// Snapshot is the client's last reported playback state.
type Snapshot struct {
	PositionSec float64 `json:"positionSec"`
	Playing     bool    `json:"playing"`
}

// Session is the server-side playback session record.
type Session struct {
	ID      string `json:"id"`
	UserID  string `json:"userId"`
	TrackID string `json:"trackId"`

	Quality    transcode.Quality `json:"quality"`
	Profile    transcode.Profile `json:"profile"`
	SourceKind SourceKind        `json:"sourceKind"`

	// Resolved playback profile.
	Codec       string `json:"codec"`
	BitrateKbps int    `json:"bitrateKbps"`

	// Asset binding. SourcePath and SourceModified are retained so the
	// readiness layer can re-issue the exact build request during
	// self-heal.
	CacheKey       dcache.Key `json:"cacheKey"`
	OutputDir      string     `json:"outputDir"`
	ManifestPath   string     `json:"manifestPath"`
	SourcePath     string     `json:"sourcePath"`
	SourceModified time.Time  `json:"sourceModified"`

	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`

	// Last known client playback state, for handoff.
	PositionSec float64 `json:"positionSec"`
	Playing     bool    `json:"playing"`
}

// Expired reports whether the session's sliding TTL has lapsed.
func (s *Session) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// BuildRequest reconstructs the build request this session is bound to.
func (s *Session) BuildRequest() transcode.BuildRequest {
	return transcode.BuildRequest{
		TrackID:        s.TrackID,
		SourcePath:     s.SourcePath,
		SourceModified: s.SourceModified,
		Quality:        s.Quality,
		Profile:        s.Profile,
	}
}

// parseSessionRecord decodes a stored session and rejects malformed
// records outright rather than tolerating partial shapes.
func parseSessionRecord(data []byte) (Session, error) {
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return Session{}, fmt.Errorf("decode session record: %w", err)
	}
	switch {
	case s.ID == "":
		return Session{}, fmt.Errorf("session record missing id")
	case s.UserID == "":
		return Session{}, fmt.Errorf("session record %s missing userId", s.ID)
	case s.TrackID == "":
		return Session{}, fmt.Errorf("session record %s missing trackId", s.ID)
	case s.CacheKey == "":
		return Session{}, fmt.Errorf("session record %s missing cacheKey", s.ID)
	case s.ExpiresAt.IsZero():
		return Session{}, fmt.Errorf("session record %s missing expiry", s.ID)
	}
	if _, err := transcode.ParseQuality(string(s.Quality)); err != nil {
		return Session{}, fmt.Errorf("session record %s: %w", s.ID, err)
	}
	return s, nil
}
