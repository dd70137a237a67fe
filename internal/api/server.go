// SPDX-License-Identifier: MIT

// Package api exposes the delivery core over HTTP: session lifecycle
// endpoints and the manifest/segment streaming surface players consume.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/soundspan/soundspan-sub012/internal/session"
)

// Config tunes the HTTP boundary.
type Config struct {
	// ControlRequestsPerMinute rate-limits the session lifecycle
	// endpoints per client IP. Zero disables limiting.
	ControlRequestsPerMinute int

	// StreamRequestsPerMinute rate-limits manifest and segment requests
	// per client IP. Segment fetches are frequent; keep this generous.
	StreamRequestsPerMinute int
}

// DefaultConfig returns the boundary defaults.
func DefaultConfig() Config {
	return Config{
		ControlRequestsPerMinute: 60,
		StreamRequestsPerMinute:  1200,
	}
}

// Server binds the session service to HTTP routes.
type Server struct {
	svc    *session.Service
	cfg    Config
	logger zerolog.Logger
}

// NewServer creates the HTTP boundary over svc.
func NewServer(svc *session.Service, cfg Config, logger zerolog.Logger) *Server {
	return &Server{
		svc:    svc,
		cfg:    cfg,
		logger: logger.With().Str("component", "api").Logger(),
	}
}

// Router builds the chi router with the canonical middleware stack.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(recoverer)
	r.Use(requestID)
	r.Use(s.requestLogger)

	r.Route("/v1/sessions", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			if s.cfg.ControlRequestsPerMinute > 0 {
				r.Use(rateLimit(s.cfg.ControlRequestsPerMinute, time.Minute))
			}
			r.Post("/", s.handleCreateSession)
			r.Post("/{sessionID}/heartbeat", s.handleHeartbeat)
			r.Post("/{sessionID}/handoff", s.handleHandoff)
			r.Post("/{sessionID}/playback-error", s.handlePlaybackError)
		})
		r.Group(func(r chi.Router) {
			if s.cfg.StreamRequestsPerMinute > 0 {
				r.Use(rateLimit(s.cfg.StreamRequestsPerMinute, time.Minute))
			}
			r.Get("/{sessionID}/manifest.mpd", s.handleManifest)
			r.Get("/{sessionID}/{segment}", s.handleSegment)
		})
	})

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	return r
}
