// AtlasLive - Real-Time Collaborative Map Sessions
// Copyright 2026 AtlasLive Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/atlaslive/atlaslive

package collab

import (
	"sync"

	"github.com/goccy/go-json"

	"github.com/atlaslive/atlaslive/internal/logging"
	"github.com/atlaslive/atlaslive/internal/metrics"
	"github.com/atlaslive/atlaslive/internal/models"
)

// DisconnectFunc is invoked when delivery to a participant fails, so the
// failed participant goes through the same cleanup path as an explicit
// disconnect.
type DisconnectFunc func(sessionID, participantID string)

// Broadcaster fans an event out to the local participants of a session.
// Delivery to each participant is attempted independently and concurrently;
// one broken transport never prevents delivery to the others and never
// surfaces as an error to the caller.
type Broadcaster struct {
	registry *Registry

	mu           sync.RWMutex
	onSendFailed DisconnectFunc
}

// NewBroadcaster creates a broadcaster over the given registry.
func NewBroadcaster(registry *Registry) *Broadcaster {
	return &Broadcaster{registry: registry}
}

// OnSendFailure installs the disconnect handler called for participants
// whose transport rejected a delivery. Set once at wiring time, before any
// connections are accepted.
func (b *Broadcaster) OnSendFailure(fn DisconnectFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onSendFailed = fn
}

// Broadcast encodes the event once and sends it to every participant of
// sessionID except excludeID. It returns after delivery has been attempted
// to all targets; each attempt only enqueues into the participant's
// outbound queue, so the call does not block on network I/O.
func (b *Broadcaster) Broadcast(sessionID string, evt *models.Event, excludeID string) {
	targets := b.registry.Targets(sessionID, excludeID)
	if len(targets) == 0 {
		return
	}

	data, err := json.Marshal(evt)
	if err != nil {
		logging.Error().Err(err).
			Str("session_id", sessionID).
			Str("type", string(evt.Type)).
			Msg("failed to encode event for broadcast")
		return
	}

	var wg sync.WaitGroup
	for _, t := range targets {
		wg.Add(1)
		go func(t Target) {
			defer wg.Done()
			if err := t.Conn.Send(data); err != nil {
				metrics.BroadcastSendFailures.Inc()
				logging.Warn().Err(err).
					Str("session_id", sessionID).
					Str("user_id", t.ID).
					Msg("delivery failed, treating participant as disconnected")
				b.disconnect(sessionID, t.ID)
			}
		}(t)
	}
	wg.Wait()
}

// SendTo delivers an already-encoded message to a single participant,
// applying the same implicit-disconnect handling as a broadcast.
func (b *Broadcaster) SendTo(sessionID, participantID string, conn Conn, data []byte) {
	if err := conn.Send(data); err != nil {
		metrics.BroadcastSendFailures.Inc()
		logging.Warn().Err(err).
			Str("session_id", sessionID).
			Str("user_id", participantID).
			Msg("private delivery failed, treating participant as disconnected")
		b.disconnect(sessionID, participantID)
	}
}

func (b *Broadcaster) disconnect(sessionID, participantID string) {
	b.mu.RLock()
	fn := b.onSendFailed
	b.mu.RUnlock()
	if fn != nil {
		fn(sessionID, participantID)
	}
}
