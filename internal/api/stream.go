// SPDX-License-Identifier: MIT

package api

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/soundspan/soundspan-sub012/internal/session"
)

// segmentName matches exactly the files the dash muxer templates
// produce. Anything else is refused before touching the filesystem.
var segmentName = regexp.MustCompile(`^(?:init-stream\d+|chunk-stream\d+-\d+)\.m4s$`)

// extractToken prefers the Authorization header and falls back to the
// token query parameter, which players that cannot set headers on media
// requests rely on.
func extractToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return r.URL.Query().Get("token")
}

// handleManifest authorizes, waits for the manifest to become servable
// and streams it.
// GET /v1/sessions/{sessionID}/manifest.mpd
func (s *Server) handleManifest(w http.ResponseWriter, r *http.Request) {
	sess, err := s.svc.Authorize(r.Context(), chi.URLParam(r, "sessionID"), extractToken(r), false)
	if err != nil {
		respondError(w, r, err)
		return
	}

	if err := s.svc.WaitForManifestReady(r.Context(), &sess); err != nil {
		respondError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/dash+xml")
	// The manifest can change under repair; never let players cache it.
	w.Header().Set("Cache-Control", "no-store")
	s.serveAssetFile(w, r, sess.ManifestPath)
}

// handleSegment authorizes and streams one init or media segment. The
// session id check is waived here so a player draining its stream after
// a handoff keeps working on its previous token.
// GET /v1/sessions/{sessionID}/{segment}
func (s *Server) handleSegment(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "segment")
	if !segmentName.MatchString(name) || filepath.Base(name) != name {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
		return
	}

	sess, err := s.svc.Authorize(r.Context(), chi.URLParam(r, "sessionID"), extractToken(r), true)
	if err != nil {
		respondError(w, r, err)
		return
	}

	if err := s.svc.WaitForSegmentReady(r.Context(), &sess, name); err != nil {
		respondError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "audio/mp4")
	w.Header().Set("Cache-Control", "private, max-age=3600")
	s.serveAssetFile(w, r, filepath.Join(sess.OutputDir, name))
}

// serveAssetFile streams a cache file with range and conditional
// request support.
func (s *Server) serveAssetFile(w http.ResponseWriter, r *http.Request, path string) {
	f, err := os.Open(path) // #nosec G304 -- path is session-bound and name-validated
	if err != nil {
		respondError(w, r, session.ErrNotReady)
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		respondError(w, r, err)
		return
	}
	w.Header().Set("ETag", fmt.Sprintf(`"%x-%x"`, info.ModTime().UnixNano(), info.Size()))
	http.ServeContent(w, r, info.Name(), info.ModTime(), f)
}
