// SPDX-License-Identifier: MIT

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soundspan/soundspan-sub012/internal/dcache"
	"github.com/soundspan/soundspan-sub012/internal/library"
	"github.com/soundspan/soundspan-sub012/internal/session"
	"github.com/soundspan/soundspan-sub012/internal/transcode"
)

// fakeTranscoder synthesizes a minimal valid DASH asset next to the
// output path named as the last argument.
type fakeTranscoder struct {
	delay time.Duration
}

func (f *fakeTranscoder) Run(ctx context.Context, args []string) (string, string, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return "", "", ctx.Err()
		}
	}
	manifestPath := args[len(args)-1]
	dir := filepath.Dir(manifestPath)

	mpd := `<?xml version="1.0"?><MPD xmlns="urn:mpeg:dash:schema:mpd:2011" type="static"><Period><AdaptationSet contentType="audio">` +
		`<Representation id="0" bandwidth="128000">` +
		`<SegmentTemplate timescale="44100" initialization="init-stream$RepresentationID$.m4s" media="chunk-stream$RepresentationID$-$Number%05d$.m4s" startNumber="1">` +
		`<SegmentTimeline><S t="0" d="176400" r="3"/></SegmentTimeline></SegmentTemplate></Representation></AdaptationSet></Period></MPD>`
	if err := os.WriteFile(manifestPath, []byte(mpd), 0o600); err != nil {
		return "", "", err
	}
	init := append([]byte("ftypiso6moov"), bytes.Repeat([]byte{0}, 400)...)
	if err := os.WriteFile(filepath.Join(dir, "init-stream0.m4s"), init, 0o600); err != nil {
		return "", "", err
	}
	media := append([]byte("stypmoof"), bytes.Repeat([]byte{0}, 400)...)
	for n := 1; n <= 4; n++ {
		name := fmt.Sprintf("chunk-stream0-%05d.m4s", n)
		if err := os.WriteFile(filepath.Join(dir, name), media, 0o600); err != nil {
			return "", "", err
		}
	}
	return "", "", nil
}

type apiFixture struct {
	server *httptest.Server
	lib    *library.SQLiteStore
	music  string
}

func newAPIFixture(t *testing.T) *apiFixture {
	return newAPIFixtureCfg(t, session.Config{
		TTL:           time.Minute,
		TokenSecret:   "test-secret",
		TokenTTL:      time.Minute,
		ReadyDeadline: 5 * time.Second,
	}, &fakeTranscoder{})
}

func newAPIFixtureCfg(t *testing.T, cfg session.Config, runner transcode.Runner) *apiFixture {
	t.Helper()

	lib, err := library.OpenSQLite(filepath.Join(t.TempDir(), "library.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = lib.Close() })

	cache, err := dcache.New(dcache.Config{Root: t.TempDir()}, zerolog.Nop())
	require.NoError(t, err)

	engine := transcode.NewEngine(cache, nil, runner, zerolog.Nop())
	t.Cleanup(engine.CancelAll)

	svc := session.NewService(cfg, lib, engine, cache, nil, zerolog.Nop())
	srv := httptest.NewServer(NewServer(svc, DefaultConfig(), zerolog.Nop()).Router())
	t.Cleanup(srv.Close)

	return &apiFixture{server: srv, lib: lib, music: t.TempDir()}
}

func (f *apiFixture) addTrack(t *testing.T, id string) {
	t.Helper()
	path := filepath.Join(f.music, id+".mp3")
	require.NoError(t, os.WriteFile(path, []byte("audio"), 0o600))
	require.NoError(t, f.lib.UpsertTrack(t.Context(), library.Track{
		ID: id, Path: path, UpdatedAt: time.Unix(1700000000, 0),
	}))
}

func (f *apiFixture) do(t *testing.T, method, path, user string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, f.server.URL+path, &buf)
	require.NoError(t, err)
	if user != "" {
		req.Header.Set(headerUser, user)
	}
	resp, err := f.server.Client().Do(req)
	require.NoError(t, err)
	return resp
}

func (f *apiFixture) openSession(t *testing.T, user, track string) session.StartResponse {
	t.Helper()
	resp := f.do(t, http.MethodPost, "/v1/sessions", user, createSessionRequest{TrackID: track, Quality: "low"})
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var start session.StartResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&start))
	return start
}

func TestCreateSessionEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	f.addTrack(t, "tr-1")

	start := f.openSession(t, "user-1", "tr-1")
	assert.NotEmpty(t, start.SessionID)
	assert.NotEmpty(t, start.Token)
	assert.Equal(t, "low", start.Quality)
	assert.Contains(t, start.ManifestURL, start.SessionID)
}

func TestCreateSessionRequiresUser(t *testing.T) {
	f := newAPIFixture(t)
	f.addTrack(t, "tr-1")

	resp := f.do(t, http.MethodPost, "/v1/sessions", "", createSessionRequest{TrackID: "tr-1"})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestCreateSessionUnknownTrack(t *testing.T) {
	f := newAPIFixture(t)
	resp := f.do(t, http.MethodPost, "/v1/sessions", "user-1", createSessionRequest{TrackID: "nope"})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestManifestEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	f.addTrack(t, "tr-1")
	start := f.openSession(t, "user-1", "tr-1")

	resp := f.do(t, http.MethodGet, start.ManifestURL+"?token="+start.Token, "", nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/dash+xml", resp.Header.Get("Content-Type"))
	assert.Equal(t, "no-store", resp.Header.Get("Cache-Control"))

	var body bytes.Buffer
	_, err := body.ReadFrom(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, body.String(), "<MPD")
}

func TestManifestRejectsBadToken(t *testing.T) {
	f := newAPIFixture(t)
	f.addTrack(t, "tr-1")
	start := f.openSession(t, "user-1", "tr-1")

	resp := f.do(t, http.MethodGet, start.ManifestURL+"?token=garbage", "", nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestSegmentEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	f.addTrack(t, "tr-1")
	start := f.openSession(t, "user-1", "tr-1")

	req, err := http.NewRequest(http.MethodGet,
		f.server.URL+"/v1/sessions/"+start.SessionID+"/chunk-stream0-00001.m4s", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+start.Token)
	resp, err := f.server.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "audio/mp4", resp.Header.Get("Content-Type"))
	assert.NotEmpty(t, resp.Header.Get("ETag"))

	var body bytes.Buffer
	_, err = body.ReadFrom(resp.Body)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(body.String(), "stypmoof"))
}

func TestSegmentRejectsTraversalNames(t *testing.T) {
	f := newAPIFixture(t)
	f.addTrack(t, "tr-1")
	start := f.openSession(t, "user-1", "tr-1")

	for _, name := range []string{"..%2F..%2Fetc%2Fpasswd", "manifest.mpd.bak", "chunk-stream0-00001.mp3"} {
		resp := f.do(t, http.MethodGet,
			"/v1/sessions/"+start.SessionID+"/"+name+"?token="+start.Token, "", nil)
		resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode, "name %q must be refused", name)
	}
}

func TestHeartbeatEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	f.addTrack(t, "tr-1")
	start := f.openSession(t, "user-1", "tr-1")

	resp := f.do(t, http.MethodPost, "/v1/sessions/"+start.SessionID+"/heartbeat", "user-1",
		session.Snapshot{PositionSec: 10, Playing: true})
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var hb session.HeartbeatResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&hb))
	assert.NotEqual(t, start.Token, hb.Token)
}

func TestHandoffEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	f.addTrack(t, "tr-1")
	start := f.openSession(t, "user-1", "tr-1")

	resp := f.do(t, http.MethodPost, "/v1/sessions/"+start.SessionID+"/handoff", "user-1",
		session.Snapshot{PositionSec: 95.5, Playing: true})
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var ho session.HandoffResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&ho))
	assert.NotEqual(t, start.SessionID, ho.SessionID)
	assert.Equal(t, 95.5, ho.ResumeAtSec)
	assert.True(t, ho.ShouldPlay)
}

func TestPlaybackErrorEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	f.addTrack(t, "tr-1")
	start := f.openSession(t, "user-1", "tr-1")

	resp := f.do(t, http.MethodPost, "/v1/sessions/"+start.SessionID+"/playback-error", "user-1",
		playbackErrorRequest{TrackID: "tr-1"})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
}

func TestManifestNotReadyReturns503(t *testing.T) {
	f := newAPIFixtureCfg(t, session.Config{
		TTL:           time.Minute,
		TokenSecret:   "test-secret",
		TokenTTL:      time.Minute,
		ReadyDeadline: 200 * time.Millisecond,
	}, &fakeTranscoder{delay: 10 * time.Second})
	f.addTrack(t, "tr-1")
	start := f.openSession(t, "user-1", "tr-1")

	resp := f.do(t, http.MethodGet, start.ManifestURL+"?token="+start.Token, "", nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "2", resp.Header.Get("Retry-After"))
}

func TestHealthz(t *testing.T) {
	f := newAPIFixture(t)
	resp := f.do(t, http.MethodGet, "/healthz", "", nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRespondErrorMapsBuildFailure(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)

	respondError(rec, req, fmt.Errorf("segment build: %w", transcode.ErrBuildFailed))
	assert.Equal(t, http.StatusBadGateway, rec.Code)

	rec = httptest.NewRecorder()
	respondError(rec, req, fmt.Errorf("something unexpected"))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestRecovererTurnsPanicInto500(t *testing.T) {
	h := recoverer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("handler blew up")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
