// AtlasLive - Real-Time Collaborative Map Sessions
// Copyright 2026 AtlasLive Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/atlaslive/atlaslive

// Package store provides the optional durable session catalog in Postgres.
// It records which sessions existed and when they were last active, outliving
// the Redis metadata TTL. Live collaboration never depends on it: when
// Postgres is not configured the server runs without this package entirely.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/atlaslive/atlaslive/internal/models"
)

// ErrNotFound is returned when a session has no catalog row.
var ErrNotFound = errors.New("store: session not found")

const schema = `
CREATE TABLE IF NOT EXISTS collab_sessions (
	id           TEXT PRIMARY KEY,
	created_at   TEXT NOT NULL,
	created_by   TEXT NOT NULL DEFAULT '',
	last_seen_at TIMESTAMPTZ NOT NULL
)`

// SessionStore is a pgx-backed session catalog.
type SessionStore struct {
	pool *pgxpool.Pool
}

// New connects to url, verifies the connection, and ensures the schema.
func New(ctx context.Context, url string) (*SessionStore, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parse postgres url: %w", err)
	}
	cfg.MaxConns = 10
	cfg.MaxConnLifetime = time.Hour

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return &SessionStore{pool: pool}, nil
}

// CreateSession inserts a catalog row. Recreating an existing session only
// refreshes its last_seen_at.
func (s *SessionStore) CreateSession(ctx context.Context, meta *models.SessionMetadata) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO collab_sessions (id, created_at, created_by, last_seen_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (id) DO UPDATE SET last_seen_at = now()`,
		meta.ID, meta.CreatedAt, meta.CreatedBy)
	if err != nil {
		return fmt.Errorf("insert session %s: %w", meta.ID, err)
	}
	return nil
}

// TouchSession bumps last_seen_at. Sessions joined ad hoc, without a
// preceding create call, get a row on first touch.
func (s *SessionStore) TouchSession(ctx context.Context, sessionID string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO collab_sessions (id, created_at, created_by, last_seen_at)
		VALUES ($1, $2, '', now())
		ON CONFLICT (id) DO UPDATE SET last_seen_at = now()`,
		sessionID, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("touch session %s: %w", sessionID, err)
	}
	return nil
}

// GetSession loads a catalog row.
func (s *SessionStore) GetSession(ctx context.Context, sessionID string) (*models.SessionMetadata, error) {
	var meta models.SessionMetadata
	err := s.pool.QueryRow(ctx, `
		SELECT id, created_at, created_by
		FROM collab_sessions WHERE id = $1`, sessionID).
		Scan(&meta.ID, &meta.CreatedAt, &meta.CreatedBy)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select session %s: %w", sessionID, err)
	}
	return &meta, nil
}

// Close releases the pool.
func (s *SessionStore) Close() {
	s.pool.Close()
}
