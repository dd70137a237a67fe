// SPDX-License-Identifier: MIT

// Package transcode drives the external transcoder to produce DASH
// assets: encoding plans per quality tier, subprocess invocation with
// capability-aware flags, structural validation of the output, and
// fleet-wide build deduplication.
package transcode

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Quality is one of the four fixed named tiers.
type Quality string

const (
	QualityLow      Quality = "low"
	QualityMedium   Quality = "medium"
	QualityHigh     Quality = "high"
	QualityOriginal Quality = "original"
)

// DefaultQuality is used when neither the request nor the user
// preference names a tier.
const DefaultQuality = QualityHigh

// ParseQuality validates a tier name.
func ParseQuality(s string) (Quality, error) {
	switch Quality(s) {
	case QualityLow, QualityMedium, QualityHigh, QualityOriginal:
		return Quality(s), nil
	}
	return "", fmt.Errorf("unknown quality tier %q", s)
}

// Profile selects how many representations an asset carries.
type Profile string

const (
	// ProfileStartupSingle produces one representation for fastest
	// startup.
	ProfileStartupSingle Profile = "startup_single"
	// ProfileSteadyStateDual adds a lower-bitrate fallback
	// representation.
	ProfileSteadyStateDual Profile = "steady_state_dual"
)

// ParseProfile validates a manifest profile name.
func ParseProfile(s string) (Profile, error) {
	switch Profile(s) {
	case ProfileStartupSingle, ProfileSteadyStateDual:
		return Profile(s), nil
	}
	return "", fmt.Errorf("unknown manifest profile %q", s)
}

// Representation is one encode target.
type Representation struct {
	Codec       string // "aac" or "copy" for lossless pass-through
	BitrateKbps int    // 0 for pass-through
}

// Plan is the resolved encoding plan for one build.
type Plan struct {
	Primary  Representation
	Fallback *Representation // nil under ProfileStartupSingle
}

// Representations returns the plan's targets in manifest order.
func (p Plan) Representations() []Representation {
	reps := []Representation{p.Primary}
	if p.Fallback != nil {
		reps = append(reps, *p.Fallback)
	}
	return reps
}

// losslessContainers are source extensions eligible for pass-through at
// the top tier.
var losslessContainers = map[string]bool{
	".flac": true,
	".wav":  true,
	".aiff": true,
	".alac": true,
	".ape":  true,
}

func primaryBitrate(q Quality) int {
	switch q {
	case QualityLow:
		return 128
	case QualityMedium:
		return 192
	case QualityHigh:
		return 256
	default: // QualityOriginal on a lossy source
		return 320
	}
}

func fallbackBitrate(q Quality) int {
	switch q {
	case QualityLow:
		return 96
	case QualityMedium:
		return 144
	default:
		return 192
	}
}

// ResolvePlan decides the encode targets for a source and tier.
// QualityOriginal on a recognized lossless container passes the stream
// through untouched; everything else is AAC at a fixed per-tier rate.
func ResolvePlan(quality Quality, profile Profile, sourcePath string) Plan {
	ext := strings.ToLower(filepath.Ext(sourcePath))

	var primary Representation
	if quality == QualityOriginal && losslessContainers[ext] {
		primary = Representation{Codec: "copy"}
	} else {
		primary = Representation{Codec: "aac", BitrateKbps: primaryBitrate(quality)}
	}

	plan := Plan{Primary: primary}
	if profile == ProfileSteadyStateDual {
		plan.Fallback = &Representation{Codec: "aac", BitrateKbps: fallbackBitrate(quality)}
	}
	return plan
}
