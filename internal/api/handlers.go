// AtlasLive - Real-Time Collaborative Map Sessions
// Copyright 2026 AtlasLive Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/atlaslive/atlaslive

// Package api exposes the HTTP surface: the websocket endpoint that joins a
// participant to a session, the session directory and metadata endpoints,
// health probes, and Prometheus metrics.
package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/atlaslive/atlaslive/internal/broker"
	"github.com/atlaslive/atlaslive/internal/collab"
	"github.com/atlaslive/atlaslive/internal/config"
	"github.com/atlaslive/atlaslive/internal/logging"
	"github.com/atlaslive/atlaslive/internal/models"
)

const metadataTTL = 24 * time.Hour

// Collaborator is the slice of the collaboration engine the handlers use.
type Collaborator interface {
	HandleConnection(sessionID string, conn collab.Transport)
	Directory() *models.Directory
	LocalCount(sessionID string) int
}

// MetadataStore reads and writes the durable per-session metadata record.
// *broker.Redis satisfies it.
type MetadataStore interface {
	SetSessionMetadata(ctx context.Context, meta *models.SessionMetadata, ttl time.Duration) error
	GetSessionMetadata(ctx context.Context, sessionID string) (*models.SessionMetadata, error)
}

// SessionCatalog is the optional relational store mirror. Nil when Postgres
// is not configured.
type SessionCatalog interface {
	CreateSession(ctx context.Context, meta *models.SessionMetadata) error
}

// Pinger reports broker connectivity for readiness probes.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler holds the dependencies for all HTTP handlers.
type Handler struct {
	engine  Collaborator
	meta    MetadataStore
	catalog SessionCatalog
	pinger  Pinger
	cfg     *config.Config
}

// NewHandler creates a Handler. catalog may be nil.
func NewHandler(engine Collaborator, meta MetadataStore, catalog SessionCatalog, pinger Pinger, cfg *config.Config) *Handler {
	return &Handler{
		engine:  engine,
		meta:    meta,
		catalog: catalog,
		pinger:  pinger,
		cfg:     cfg,
	}
}

// getUpgrader creates a WebSocket upgrader with origin checking and a
// handshake timeout against slow clients.
func (h *Handler) getUpgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:   1024,
		WriteBufferSize:  1024,
		CheckOrigin:      h.checkWebSocketOrigin,
		HandshakeTimeout: 10 * time.Second,
	}
}

// checkWebSocketOrigin validates connection origins against the configured
// allow list. Browser clients always send Origin; an absent header is
// rejected rather than treated as trusted.
func (h *Handler) checkWebSocketOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		logging.Warn().Msg("WebSocket connection rejected: missing Origin header")
		return false
	}
	if h.cfg == nil {
		return true
	}
	for _, allowed := range h.cfg.Security.CORSOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	logging.Warn().
		Str("origin", sanitizeLogValue(origin)).
		Msg("WebSocket connection rejected from unauthorized origin")
	return false
}

// sanitizeLogValue strips control characters that would allow forged log
// lines from attacker-supplied header values.
func sanitizeLogValue(v string) string {
	return strings.Map(func(r rune) rune {
		if r < 32 || r == 127 {
			return -1
		}
		return r
	}, v)
}

// WebSocket upgrades the connection and joins the participant to the
// session named in the path.
func (h *Handler) WebSocket(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if sessionID == "" {
		respondError(w, http.StatusBadRequest, ErrCodeBadRequest, "session id is required")
		return
	}

	upgrader := h.getUpgrader()
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		logging.Error().Err(err).Str("session_id", sessionID).Msg("WebSocket upgrade error")
		return
	}

	h.engine.HandleConnection(sessionID, conn)
}

// Sessions returns the directory of sessions with participants on this
// process.
func (h *Handler) Sessions(w http.ResponseWriter, r *http.Request) {
	respondSuccess(w, http.StatusOK, h.engine.Directory())
}

type createSessionRequest struct {
	CreatedBy string `json:"created_by"`
}

// CreateSession allocates a session id and stores its metadata record.
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, ErrCodeBadRequest, "invalid request body")
			return
		}
	}

	meta := &models.SessionMetadata{
		ID:        uuid.New().String(),
		CreatedAt: time.Now().UTC().Format(time.RFC3339Nano),
		CreatedBy: req.CreatedBy,
	}
	if err := h.meta.SetSessionMetadata(r.Context(), meta, metadataTTL); err != nil {
		logging.Error().Err(err).Msg("Failed to store session metadata")
		respondError(w, http.StatusServiceUnavailable, ErrCodeServiceUnavailable, "session store unavailable")
		return
	}
	if h.catalog != nil {
		if err := h.catalog.CreateSession(r.Context(), meta); err != nil {
			// The Redis record is authoritative; the catalog is best effort.
			logging.Warn().Err(err).Str("session_id", meta.ID).Msg("Failed to mirror session to catalog")
		}
	}

	respondSuccess(w, http.StatusCreated, meta)
}

// SessionInfo returns a session's metadata enriched with live activity.
func (h *Handler) SessionInfo(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	meta, err := h.meta.GetSessionMetadata(r.Context(), sessionID)
	switch {
	case errors.Is(err, broker.ErrNotFound):
		// A session joined ad hoc may have live participants without a
		// metadata record.
		if count := h.engine.LocalCount(sessionID); count > 0 {
			respondSuccess(w, http.StatusOK, models.SessionInfo{
				SessionMetadata: models.SessionMetadata{ID: sessionID},
				ActiveUsers:     count,
				IsActive:        true,
			})
			return
		}
		respondError(w, http.StatusNotFound, ErrCodeNotFound, "session not found")
		return
	case err != nil:
		logging.Error().Err(err).Str("session_id", sessionID).Msg("Failed to load session metadata")
		respondError(w, http.StatusServiceUnavailable, ErrCodeServiceUnavailable, "session store unavailable")
		return
	}

	count := h.engine.LocalCount(sessionID)
	respondSuccess(w, http.StatusOK, models.SessionInfo{
		SessionMetadata: *meta,
		ActiveUsers:     count,
		IsActive:        count > 0,
	})
}

// Health reports liveness. It always succeeds while the process is up.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	respondSuccess(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HealthReady reports readiness including broker connectivity. The server
// stays ready in degraded mode: local collaboration works without the
// broker, so a broker fault is reported but does not fail the probe.
func (h *Handler) HealthReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := map[string]string{"status": "ok", "broker": "ok"}
	if err := h.pinger.Ping(ctx); err != nil {
		status["status"] = "degraded"
		status["broker"] = "unreachable"
	}
	respondSuccess(w, http.StatusOK, status)
}
