// AtlasLive - Real-Time Collaborative Map Sessions
// Copyright 2026 AtlasLive Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/atlaslive/atlaslive

package collab

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/atlaslive/atlaslive/internal/logging"
	"github.com/atlaslive/atlaslive/internal/metrics"
	"github.com/atlaslive/atlaslive/internal/models"
)

// Conn is the engine's handle to one participant's transport. Send must be
// safe for concurrent use and must not block on network I/O; it enqueues
// into the participant's outbound queue. Close must be idempotent.
type Conn interface {
	Send(data []byte) error
	Close() error
}

// Target is one fan-out destination: a registered participant and its
// transport handle.
type Target struct {
	ID   string
	Conn Conn
}

// session is one local session entry. It exists if and only if it has at
// least one locally-connected participant.
type session struct {
	createdAt    time.Time
	participants map[string]Conn
}

// Registry is the per-process map of session id to connected participants.
// It owns the participant lifecycle: ids are allocated here, transport
// handles are registered here, and all membership mutation goes through
// Admit and Remove. It never performs I/O.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*session
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*session),
	}
}

// Admit registers conn under sessionID, creating the session entry if it
// does not exist yet. It allocates a fresh participant id, never reused for
// the lifetime of the process, and returns it with the resulting local
// participant count.
func (r *Registry) Admit(sessionID string, conn Conn) (participantID string, count int) {
	participantID = uuid.NewString()

	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		s = &session{
			createdAt:    time.Now().UTC(),
			participants: make(map[string]Conn),
		}
		r.sessions[sessionID] = s
		metrics.ActiveSessions.Inc()
		logging.Debug().Str("session_id", sessionID).Msg("session created")
	}

	s.participants[participantID] = conn
	metrics.ConnectedParticipants.Inc()
	return participantID, len(s.participants)
}

// Remove deletes the participant entry and returns its transport handle,
// the remaining local count, and whether the participant was present.
// The session entry is deleted entirely when its last local participant is
// removed; durable history expires on its own TTL independently.
// Remove is idempotent: a second call for the same id reports removed=false.
func (r *Registry) Remove(sessionID, participantID string) (conn Conn, remaining int, removed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return nil, 0, false
	}
	conn, ok = s.participants[participantID]
	if !ok {
		return nil, len(s.participants), false
	}

	delete(s.participants, participantID)
	metrics.ConnectedParticipants.Dec()

	remaining = len(s.participants)
	if remaining == 0 {
		delete(r.sessions, sessionID)
		metrics.ActiveSessions.Dec()
		logging.Debug().Str("session_id", sessionID).Msg("session cleaned up")
	}
	return conn, remaining, true
}

// Count returns the local participant count for a session, zero if the
// session has no local participants.
func (r *Registry) Count(sessionID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.sessions[sessionID]; ok {
		return len(s.participants)
	}
	return 0
}

// Has reports whether the session has at least one local participant.
func (r *Registry) Has(sessionID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.sessions[sessionID]
	return ok
}

// Targets returns the fan-out destinations for a session, excluding
// excludeID when non-empty. The returned slice is a snapshot; senders may
// disconnect concurrently and delivery to them will simply fail.
func (r *Registry) Targets(sessionID, excludeID string) []Target {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return nil
	}

	targets := make([]Target, 0, len(s.participants))
	for id, conn := range s.participants {
		if excludeID != "" && id == excludeID {
			continue
		}
		targets = append(targets, Target{ID: id, Conn: conn})
	}
	return targets
}

// Directory returns a read-only snapshot of every locally-active session.
// Each session entry is internally consistent; the snapshot as a whole is
// taken under one read lock, so it is also consistent across sessions.
func (r *Registry) Directory() *models.Directory {
	r.mu.RLock()
	defer r.mu.RUnlock()

	dir := &models.Directory{
		Sessions: make(map[string]models.SessionSummary, len(r.sessions)),
	}
	for id, s := range r.sessions {
		users := make([]string, 0, len(s.participants))
		for uid := range s.participants {
			users = append(users, uid)
		}
		dir.Sessions[id] = models.SessionSummary{
			UserCount: len(s.participants),
			CreatedAt: s.createdAt.Format(time.RFC3339),
			Users:     users,
		}
		dir.TotalUsers += len(s.participants)
	}
	dir.TotalSessions = len(dir.Sessions)
	return dir
}
