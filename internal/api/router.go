// AtlasLive - Real-Time Collaborative Map Sessions
// Copyright 2026 AtlasLive Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/atlaslive/atlaslive

package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter wires all routes. CORS is global so OPTIONS preflight works;
// rate limiting covers the JSON API but not the websocket endpoint, whose
// connections are long-lived and bounded by the engine itself.
func NewRouter(h *Handler) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   h.cfg.Security.CORSOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(httprate.LimitByIP(h.cfg.Security.RateLimitReqs, h.cfg.Security.RateLimitWindow))

		r.Get("/health", h.Health)
		r.Get("/health/ready", h.HealthReady)

		r.Get("/sessions", h.Sessions)
		r.Post("/sessions", h.CreateSession)
		r.Get("/sessions/{sessionID}", h.SessionInfo)
	})

	r.Get("/ws/{sessionID}", h.WebSocket)
	r.Handle("/metrics", promhttp.Handler())

	return r
}
