// SPDX-License-Identifier: MIT

package transcode

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/soundspan/soundspan-sub012/internal/dcache"
)

// fakeRunner stands in for the transcoder binary. It synthesizes a
// structurally plausible DASH asset from the argument list, and can be
// scripted to reject flags or fail outright.
type fakeRunner struct {
	mu    sync.Mutex
	calls [][]string

	reject     map[string]bool // flags answered with "Unrecognized option"
	failStderr string          // when set, every run fails with this stderr
	segments   int             // media segments per representation
	truncate   map[string]bool // file names written below the size floor
	garbage    map[string]bool // media files written without fragment markers
	delay      time.Duration   // simulated encode time
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		reject:   make(map[string]bool),
		segments: 4,
		truncate: make(map[string]bool),
		garbage:  make(map[string]bool),
	}
}

func (r *fakeRunner) Calls() [][]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([][]string, len(r.calls))
	copy(out, r.calls)
	return out
}

func (r *fakeRunner) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func (r *fakeRunner) Run(ctx context.Context, args []string) (string, string, error) {
	r.mu.Lock()
	recorded := make([]string, len(args))
	copy(recorded, args)
	r.calls = append(r.calls, recorded)
	failStderr := r.failStderr
	delay := r.delay
	r.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return "", "", ctx.Err()
		}
	}

	if failStderr != "" {
		return "", failStderr, errors.New("exit status 1")
	}

	for _, arg := range args {
		if !strings.HasPrefix(arg, "-") {
			continue
		}
		flag := strings.TrimPrefix(arg, "-")
		r.mu.Lock()
		rejected := r.reject[flag]
		r.mu.Unlock()
		if rejected {
			return "", fmt.Sprintf("Unrecognized option '%s'.\nError splitting the argument list: Option not found", flag),
				errors.New("exit status 1")
		}
	}

	return "", "", r.writeAsset(args)
}

// writeAsset synthesizes manifest and segments next to the output path
// named as the last argument.
func (r *fakeRunner) writeAsset(args []string) error {
	outputPath := args[len(args)-1]
	dir := filepath.Dir(outputPath)

	reps := 0
	for _, a := range args {
		if a == "-map" {
			reps++
		}
	}
	if reps == 0 {
		reps = 1
	}

	r.mu.Lock()
	segments := r.segments
	r.mu.Unlock()

	var mpd bytes.Buffer
	mpd.WriteString(`<?xml version="1.0"?><MPD xmlns="urn:mpeg:dash:schema:mpd:2011" type="static"><Period><AdaptationSet contentType="audio">`)
	for rep := 0; rep < reps; rep++ {
		fmt.Fprintf(&mpd, `<Representation id="%d" bandwidth="%d">`, rep, 192000/(rep+1))
		mpd.WriteString(`<SegmentTemplate timescale="44100" initialization="init-stream$RepresentationID$.m4s" media="chunk-stream$RepresentationID$-$Number%05d$.m4s" startNumber="1"><SegmentTimeline>`)
		fmt.Fprintf(&mpd, `<S t="0" d="176400" r="%d"/>`, segments-1)
		mpd.WriteString(`</SegmentTimeline></SegmentTemplate></Representation>`)
	}
	mpd.WriteString(`</AdaptationSet></Period></MPD>`)
	if err := os.WriteFile(outputPath, mpd.Bytes(), 0o600); err != nil {
		return err
	}

	for rep := 0; rep < reps; rep++ {
		if err := r.writeSegment(dir, fmt.Sprintf("init-stream%d.m4s", rep), false); err != nil {
			return err
		}
		for n := 1; n <= segments; n++ {
			name := fmt.Sprintf("chunk-stream%d-%05d.m4s", rep, n)
			if err := r.writeSegment(dir, name, true); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r *fakeRunner) writeSegment(dir, name string, media bool) error {
	r.mu.Lock()
	truncated := r.truncate[name]
	garbage := r.garbage[name]
	r.mu.Unlock()

	var data []byte
	switch {
	case truncated:
		data = bytes.Repeat([]byte{0}, 50)
	case garbage:
		data = bytes.Repeat([]byte{'x'}, 400)
	case media:
		data = append([]byte("stypmoof"), bytes.Repeat([]byte{0}, 400)...)
	default:
		data = append([]byte("ftypiso6moov"), bytes.Repeat([]byte{0}, 400)...)
	}
	return os.WriteFile(filepath.Join(dir, name), data, 0o600)
}

// corruptSegment rewrites an existing segment file in place.
func corruptSegment(path string, size int) error {
	return os.WriteFile(path, bytes.Repeat([]byte{0}, size), 0o600)
}

func testRequest(track string) BuildRequest {
	return BuildRequest{
		TrackID:        track,
		SourcePath:     "/music/" + track + ".mp3",
		SourceModified: time.Unix(1700000000, 0),
		Quality:        QualityLow,
		Profile:        ProfileStartupSingle,
	}
}

func waitForBuild(e *Engine, key dcache.Key) {
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if !e.InFlight(key) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
}
