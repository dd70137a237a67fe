// SPDX-License-Identifier: MIT

package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/soundspan/soundspan-sub012/internal/log"
	"github.com/soundspan/soundspan-sub012/internal/session"
	"github.com/soundspan/soundspan-sub012/internal/transcode"
)

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// respondError maps domain errors onto HTTP status codes.
func respondError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, session.ErrTokenInvalid), errors.Is(err, session.ErrTokenScope):
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
	case errors.Is(err, session.ErrSessionNotFound), errors.Is(err, session.ErrTrackNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
	case errors.Is(err, session.ErrSourceMissing):
		writeJSON(w, http.StatusGone, map[string]string{"error": "source file missing"})
	case errors.Is(err, session.ErrNotReady):
		w.Header().Set("Retry-After", "2")
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "asset not ready, retry"})
	case errors.Is(err, transcode.ErrBuildFailed):
		logger := log.WithComponentFromContext(r.Context(), "api")
		logger.Warn().Err(err).Msg("build failure surfaced to client")
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": "transcode failed"})
	default:
		logger := log.WithComponentFromContext(r.Context(), "api")
		logger.Error().Err(err).Msg("unhandled handler error")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
	}
}

func writeBadRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, map[string]string{"error": msg})
}

func writeUnauthorized(w http.ResponseWriter) {
	writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
}
