// SPDX-License-Identifier: MIT

// Package library provides read-only access to track metadata and user
// playback preferences. The delivery core treats it as an external
// collaborator and never writes through it.
package library

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a track or user row does not exist.
var ErrNotFound = errors.New("library: not found")

// Track is the subset of track metadata the delivery core needs.
type Track struct {
	ID        string
	Path      string    // local file path or remote URL
	UpdatedAt time.Time // source last-modified time
}

// Store is the read-only track metadata contract.
type Store interface {
	// FindTrack returns the track with the given id, or ErrNotFound.
	FindTrack(ctx context.Context, trackID string) (Track, error)
	// FindUserPlaybackQuality returns the user's stored playback
	// quality preference, or "" when the user has none.
	FindUserPlaybackQuality(ctx context.Context, userID string) (string, error)
}
