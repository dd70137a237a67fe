// SPDX-License-Identifier: MIT

// Package dcache owns the on-disk DASH asset cache: deterministic cache
// keys, directory layout, session reference tracking and size-bounded
// pruning.
package dcache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// SchemaVersion namespaces every cache key. Bumping it invalidates the
// whole cache without touching files: old directories simply stop being
// addressed and age out through pruning.
const SchemaVersion = 3

// Key is a deterministic fingerprint identifying one buildable asset
// variant. Immutable once computed.
type Key string

// KeyInput collects the identity fields a cache key is derived from.
type KeyInput struct {
	TrackID        string
	SourcePath     string
	SourceModified time.Time
	Quality        string

	// ExplicitIdentity, when non-empty, fully replaces the identity
	// derived from track/path/mtime. Callers use it to key variants
	// that are not expressible through those fields.
	ExplicitIdentity string
}

// BuildKey derives the cache key for the given input. Pure: identical
// inputs always yield identical keys, and changing any single field
// changes the key.
func BuildKey(in KeyInput) Key {
	identity := in.ExplicitIdentity
	if identity == "" {
		identity = fmt.Sprintf("%s|%s|%d", in.TrackID, in.SourcePath, in.SourceModified.UTC().Unix())
	}
	material := fmt.Sprintf("v%d|%s|%s", SchemaVersion, identity, in.Quality)
	sum := sha256.Sum256([]byte(material))
	return Key(hex.EncodeToString(sum[:8]))
}

func (k Key) String() string { return string(k) }
