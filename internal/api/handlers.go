// SPDX-License-Identifier: MIT

package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/soundspan/soundspan-sub012/internal/session"
)

// headerUser carries the identity resolved by the fronting server's
// authentication layer. This service trusts it and never re-checks
// credentials.
const headerUser = "X-Soundspan-User"

func userID(r *http.Request) string {
	return r.Header.Get(headerUser)
}

type createSessionRequest struct {
	TrackID string `json:"trackId"`
	Quality string `json:"quality"`
	Profile string `json:"profile"`
}

// handleCreateSession opens a playback session.
// POST /v1/sessions
func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	user := userID(r)
	if user == "" {
		writeUnauthorized(w)
		return
	}
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid request body")
		return
	}
	if req.TrackID == "" {
		writeBadRequest(w, "trackId is required")
		return
	}

	resp, err := s.svc.CreateSession(r.Context(), user, req.TrackID, req.Quality, req.Profile)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

// handleHeartbeat extends the session and rotates the token.
// POST /v1/sessions/{sessionID}/heartbeat
func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	user := userID(r)
	if user == "" {
		writeUnauthorized(w)
		return
	}
	var snap session.Snapshot
	if err := json.NewDecoder(r.Body).Decode(&snap); err != nil {
		writeBadRequest(w, "invalid request body")
		return
	}

	resp, err := s.svc.Heartbeat(r.Context(), chi.URLParam(r, "sessionID"), user, snap)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleHandoff opens a successor session for another player.
// POST /v1/sessions/{sessionID}/handoff
func (s *Server) handleHandoff(w http.ResponseWriter, r *http.Request) {
	user := userID(r)
	if user == "" {
		writeUnauthorized(w)
		return
	}
	var snap session.Snapshot
	if err := json.NewDecoder(r.Body).Decode(&snap); err != nil {
		writeBadRequest(w, "invalid request body")
		return
	}

	resp, err := s.svc.CreateHandoff(r.Context(), chi.URLParam(r, "sessionID"), user, snap)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

type playbackErrorRequest struct {
	TrackID string `json:"trackId"`
	Detail  string `json:"detail"`
}

// handlePlaybackError accepts a player's report of a broken stream.
// POST /v1/sessions/{sessionID}/playback-error
func (s *Server) handlePlaybackError(w http.ResponseWriter, r *http.Request) {
	user := userID(r)
	if user == "" {
		writeUnauthorized(w)
		return
	}
	var req playbackErrorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid request body")
		return
	}

	if err := s.svc.ReportPlaybackError(r.Context(), chi.URLParam(r, "sessionID"), user, req.TrackID); err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "repair scheduled"})
}
