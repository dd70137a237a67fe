// SPDX-License-Identifier: MIT

package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/soundspan/soundspan-sub012/internal/dcache"
	"github.com/soundspan/soundspan-sub012/internal/kv"
	"github.com/soundspan/soundspan-sub012/internal/library"
	"github.com/soundspan/soundspan-sub012/internal/transcode"
)

// stubRunner fakes the transcoder: it synthesizes a structurally valid
// DASH asset next to the output path named as the last argument.
type stubRunner struct {
	mu         sync.Mutex
	calls      int
	failStderr string
	delay      time.Duration
	segments   int
}

func (r *stubRunner) Run(ctx context.Context, args []string) (string, string, error) {
	r.mu.Lock()
	r.calls++
	failStderr := r.failStderr
	delay := r.delay
	segments := r.segments
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
	return "", "", writeStubAsset(args[len(args)-1], segments)
}

func (r *stubRunner) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func writeStubAsset(manifestPath string, segments int) error {
	dir := filepath.Dir(manifestPath)

	var mpd bytes.Buffer
	mpd.WriteString(`<?xml version="1.0"?><MPD xmlns="urn:mpeg:dash:schema:mpd:2011" type="static"><Period><AdaptationSet contentType="audio">`)
	mpd.WriteString(`<Representation id="0" bandwidth="128000">`)
	mpd.WriteString(`<SegmentTemplate timescale="44100" initialization="init-stream$RepresentationID$.m4s" media="chunk-stream$RepresentationID$-$Number%05d$.m4s" startNumber="1"><SegmentTimeline>`)
	fmt.Fprintf(&mpd, `<S t="0" d="176400" r="%d"/>`, segments-1)
	mpd.WriteString(`</SegmentTimeline></SegmentTemplate></Representation></AdaptationSet></Period></MPD>`)
	if err := os.WriteFile(manifestPath, mpd.Bytes(), 0o600); err != nil {
		return err
	}

	init := append([]byte("ftypiso6moov"), bytes.Repeat([]byte{0}, 400)...)
	if err := os.WriteFile(filepath.Join(dir, "init-stream0.m4s"), init, 0o600); err != nil {
		return err
	}
	media := append([]byte("stypmoof"), bytes.Repeat([]byte{0}, 400)...)
	for n := 1; n <= segments; n++ {
		name := fmt.Sprintf("chunk-stream0-%05d.m4s", n)
		if err := os.WriteFile(filepath.Join(dir, name), media, 0o600); err != nil {
			return err
		}
	}
	return nil
}

type fixture struct {
	svc    *Service
	runner *stubRunner
	lib    *library.SQLiteStore
	cache  *dcache.Store
	engine *transcode.Engine
	music  string
}

func newFixture(t *testing.T) *fixture {
	return newFixtureCfg(t, Config{
		TTL:           time.Minute,
		TokenSecret:   "test-secret-0123456789abcdef",
		TokenTTL:      time.Minute,
		ReadyDeadline: 5 * time.Second,
	}, nil)
}

func newFixtureCfg(t *testing.T, cfg Config, shared kv.Store) *fixture {
	t.Helper()

	lib, err := library.OpenSQLite(filepath.Join(t.TempDir(), "library.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = lib.Close() })

	cache, err := dcache.New(dcache.Config{Root: t.TempDir()}, zerolog.Nop())
	require.NoError(t, err)

	runner := &stubRunner{segments: 4}
	engine := transcode.NewEngine(cache, nil, runner, zerolog.Nop())
	t.Cleanup(engine.CancelAll)

	return &fixture{
		svc:    NewService(cfg, lib, engine, cache, shared, zerolog.Nop()),
		runner: runner,
		lib:    lib,
		cache:  cache,
		engine: engine,
		music:  t.TempDir(),
	}
}

// addTrack creates a playable source file and registers it.
func (f *fixture) addTrack(t *testing.T, id string) library.Track {
	t.Helper()
	path := filepath.Join(f.music, id+".mp3")
	require.NoError(t, os.WriteFile(path, []byte("not really audio"), 0o600))
	track := library.Track{ID: id, Path: path, UpdatedAt: time.Unix(1700000000, 0).UTC()}
	require.NoError(t, f.lib.UpsertTrack(t.Context(), track))
	return track
}

// awaitBuild blocks until no build is running for the session's key.
func (f *fixture) awaitBuild(t *testing.T, resp StartResponse) Session {
	t.Helper()
	sess, ok := f.svc.store.Get(t.Context(), resp.SessionID)
	require.True(t, ok)
	require.Eventually(t, func() bool {
		return !f.engine.InFlight(sess.CacheKey)
	}, 5*time.Second, 5*time.Millisecond)
	return sess
}

func testSession(id string) Session {
	now := time.Now()
	return Session{
		ID:         id,
		UserID:     "user-1",
		TrackID:    "track-1",
		Quality:    transcode.QualityHigh,
		Profile:    transcode.ProfileStartupSingle,
		SourceKind: SourceLocal,
		CacheKey:   dcache.Key("abcdef0123456789"),
		CreatedAt:  now,
		ExpiresAt:  now.Add(10 * time.Minute),
	}
}
