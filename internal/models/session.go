// AtlasLive - Real-Time Collaborative Map Sessions
// Copyright 2026 AtlasLive Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/atlaslive/atlaslive

package models

// SessionSummary describes one locally-active session in the directory.
type SessionSummary struct {
	UserCount int      `json:"user_count"`
	CreatedAt string   `json:"created_at"`
	Users     []string `json:"users"`
}

// Directory is the read-only snapshot of all sessions with at least one
// participant connected to this process.
type Directory struct {
	TotalSessions int                       `json:"total_sessions"`
	TotalUsers    int                       `json:"total_users"`
	Sessions      map[string]SessionSummary `json:"sessions"`
}

// SessionMetadata is the durable per-session record kept in the broker
// (and optionally the relational store) for 24 hours.
type SessionMetadata struct {
	ID        string `json:"id"`
	CreatedAt string `json:"created_at"`
	CreatedBy string `json:"created_by"`
}

// SessionInfo is the metadata record enriched with live activity from the
// local registry.
type SessionInfo struct {
	SessionMetadata
	ActiveUsers int  `json:"active_users"`
	IsActive    bool `json:"is_active"`
}
