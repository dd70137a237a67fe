// SPDX-License-Identifier: MIT

package transcode

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseQuality(t *testing.T) {
	for _, valid := range []string{"low", "medium", "high", "original"} {
		q, err := ParseQuality(valid)
		require.NoError(t, err)
		assert.Equal(t, Quality(valid), q)
	}
	_, err := ParseQuality("ultra")
	assert.Error(t, err)
}

func TestResolvePlanLosslessPassThrough(t *testing.T) {
	plan := ResolvePlan(QualityOriginal, ProfileStartupSingle, "/music/a.flac")
	assert.Equal(t, "copy", plan.Primary.Codec)
	assert.Zero(t, plan.Primary.BitrateKbps)
	assert.Nil(t, plan.Fallback, "startup_single is a single representation")
	assert.Len(t, plan.Representations(), 1)
}

func TestResolvePlanOriginalLossySource(t *testing.T) {
	// "original" on an MP3 cannot pass through; it encodes at the top
	// lossy rate.
	plan := ResolvePlan(QualityOriginal, ProfileStartupSingle, "/music/a.mp3")
	assert.Equal(t, "aac", plan.Primary.Codec)
	assert.Equal(t, 320, plan.Primary.BitrateKbps)
}

func TestResolvePlanLowWithDualProfile(t *testing.T) {
	plan := ResolvePlan(QualityLow, ProfileSteadyStateDual, "/music/a.mp3")
	assert.Equal(t, "aac", plan.Primary.Codec)
	assert.Equal(t, 128, plan.Primary.BitrateKbps)
	require.NotNil(t, plan.Fallback)
	assert.Equal(t, "aac", plan.Fallback.Codec)
	assert.Equal(t, 96, plan.Fallback.BitrateKbps)
	assert.Len(t, plan.Representations(), 2)
}

func TestResolvePlanTierBitrates(t *testing.T) {
	cases := map[Quality]int{
		QualityLow:    128,
		QualityMedium: 192,
		QualityHigh:   256,
	}
	for q, want := range cases {
		plan := ResolvePlan(q, ProfileStartupSingle, "/music/a.ogg")
		assert.Equal(t, want, plan.Primary.BitrateKbps, "tier %s", q)
	}
}

func TestResolvePlanExtensionCaseInsensitive(t *testing.T) {
	plan := ResolvePlan(QualityOriginal, ProfileStartupSingle, "/music/A.FLAC")
	assert.Equal(t, "copy", plan.Primary.Codec)
}
