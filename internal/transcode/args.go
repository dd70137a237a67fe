// SPDX-License-Identifier: MIT

package transcode

import (
	"fmt"
	"strings"
)

const (
	// InitSegmentTemplate and MediaSegmentTemplate are the fixed dash
	// muxer naming templates. The cache layout and manifest parser
	// depend on these exact values.
	InitSegmentTemplate  = "init-stream$RepresentationID$.m4s"
	MediaSegmentTemplate = "chunk-stream$RepresentationID$-$Number%05d$.m4s"

	// Segment durations. Local sources use short segments to shrink
	// startup latency; remote sources use longer ones to limit request
	// churn over the network.
	SegmentSecondsLocal  = 4
	SegmentSecondsRemote = 10
)

// optionalFlags are dash muxer / http input options that older
// transcoder builds may not expose. Each may be stripped independently
// when the subprocess rejects it.
var optionalFlags = map[string]bool{
	"ldash":               true,
	"http_persistent":     true,
	"reconnect":           true,
	"reconnect_streamed":  true,
	"reconnect_delay_max": true,
}

// ArgsInput collects everything needed to assemble one invocation.
type ArgsInput struct {
	InputPath  string
	Remote     bool // input is a URL, not a local file
	OutputPath string // manifest path; the muxer writes segments next to it
	Plan       Plan
}

// IsRemoteSource reports whether path is a URL input.
func IsRemoteSource(path string) bool {
	return strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://")
}

// BuildDashArgs assembles the transcoder arguments for one build. caps
// filters flags the node has learned the transcoder does not support.
func BuildDashArgs(in ArgsInput, caps *Capabilities) []string {
	args := []string{
		"-y",
		"-nostdin",
		"-hide_banner",
		"-loglevel", "error",
	}

	// Input reconnection only makes sense for URL sources.
	if in.Remote {
		args = appendFlag(args, caps, "reconnect", "1")
		args = appendFlag(args, caps, "reconnect_streamed", "1")
		args = appendFlag(args, caps, "reconnect_delay_max", "5")
	}

	args = append(args, "-i", in.InputPath, "-vn", "-sn", "-dn")

	// One output mapping and codec/bitrate pair per representation.
	for i, rep := range in.Plan.Representations() {
		args = append(args, "-map", "0:a:0")
		if rep.Codec == "copy" {
			args = append(args, fmt.Sprintf("-c:a:%d", i), "copy")
		} else {
			args = append(args,
				fmt.Sprintf("-c:a:%d", i), rep.Codec,
				fmt.Sprintf("-b:a:%d", i), fmt.Sprintf("%dk", rep.BitrateKbps),
			)
		}
	}

	segSeconds := SegmentSecondsLocal
	if in.Remote {
		segSeconds = SegmentSecondsRemote
	}

	args = append(args,
		"-f", "dash",
		"-seg_duration", fmt.Sprintf("%d", segSeconds),
		"-use_template", "1",
		"-use_timeline", "1",
		"-init_seg_name", InitSegmentTemplate,
		"-media_seg_name", MediaSegmentTemplate,
		"-adaptation_sets", "id=0,streams=a",
	)
	args = appendFlag(args, caps, "ldash", "0")
	args = appendFlag(args, caps, "http_persistent", "0")

	args = append(args, in.OutputPath)
	return args
}

func appendFlag(args []string, caps *Capabilities, flag, value string) []string {
	if caps != nil && !caps.Supported(flag) {
		return args
	}
	return append(args, "-"+flag, value)
}

// StripFlag removes the named flag and its value from an argument list.
// Used for the reactive unsupported-flag retry.
func StripFlag(args []string, flag string) []string {
	out := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		if args[i] == "-"+flag {
			i++ // skip the value too
			continue
		}
		out = append(out, args[i])
	}
	return out
}
