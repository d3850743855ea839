// AtlasLive - Real-Time Collaborative Map Sessions
// Copyright 2026 AtlasLive Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/atlaslive/atlaslive

package collab

import (
	"context"
	"errors"
	"time"

	"github.com/goccy/go-json"

	"github.com/atlaslive/atlaslive/internal/logging"
	"github.com/atlaslive/atlaslive/internal/metrics"
	"github.com/atlaslive/atlaslive/internal/models"
)

// brokerOpTimeout bounds individual broker operations issued from
// connection tasks so a slow broker cannot wedge a participant.
const brokerOpTimeout = 5 * time.Second

// HistoryStore is the bounded per-session event log. Append and Recent
// failures are non-fatal to live collaboration.
type HistoryStore interface {
	Append(ctx context.Context, sessionID string, evt *models.Event) error
	// Recent returns up to limit most-recent events, newest-first as stored.
	Recent(ctx context.Context, sessionID string, limit int) ([]*models.Event, error)
}

// EventPublisher sends locally-originated events to the shared relay
// channel for other processes.
type EventPublisher interface {
	Publish(ctx context.Context, evt *models.Event) error
}

// SessionToucher records session liveness in the optional relational
// metadata store. Best-effort only.
type SessionToucher interface {
	TouchSession(ctx context.Context, sessionID string) error
}

// Options collects the engine's collaborators. History, Publisher, and
// Metadata may each be nil; the engine then runs in the corresponding
// degraded mode (no replay, local-only delivery, no metadata).
type Options struct {
	History     HistoryStore
	Publisher   EventPublisher
	Metadata    SessionToucher
	ReplayLimit int
	SendBuffer  int
}

// Engine orchestrates the participant lifecycle: admission, join
// notification and state replay, the inbound event loop, and disconnect
// cleanup.
type Engine struct {
	registry    *Registry
	broadcaster *Broadcaster
	history     HistoryStore
	publisher   EventPublisher
	metadata    SessionToucher
	clock       Clock
	replayLimit int
	sendBuffer  int
}

// NewEngine wires an engine over the registry and broadcaster. The
// broadcaster's send-failure handler is installed here so failed
// deliveries share the explicit-disconnect cleanup path.
func NewEngine(registry *Registry, broadcaster *Broadcaster, opts Options) *Engine {
	if opts.ReplayLimit <= 0 {
		opts.ReplayLimit = 50
	}
	e := &Engine{
		registry:    registry,
		broadcaster: broadcaster,
		history:     opts.History,
		publisher:   opts.Publisher,
		metadata:    opts.Metadata,
		replayLimit: opts.ReplayLimit,
		sendBuffer:  opts.SendBuffer,
	}
	broadcaster.OnSendFailure(e.dropParticipant)
	return e
}

// SetPublisher attaches the relay publisher after construction. The engine
// and the relay reference each other, so one side has to be wired late;
// call this before the first connection is accepted.
func (e *Engine) SetPublisher(p EventPublisher) {
	e.publisher = p
}

// HandleConnection admits a new participant on an accepted transport and
// runs the join sequence: USER_JOIN notification to peers (local and
// cross-process), private session_state replay to the joiner, then the
// read/write pumps. It returns once the pumps are running; the connection
// task lives on in its own goroutines.
func (e *Engine) HandleConnection(sessionID string, conn Transport) {
	client := newClient(sessionID, e, conn, e.sendBuffer)
	id, count := e.registry.Admit(sessionID, client)
	client.id = id

	logging.Info().
		Str("session_id", sessionID).
		Str("user_id", id).
		Int("user_count", count).
		Msg("participant joined session")

	join := &models.Event{
		Type:      models.EventUserJoin,
		SessionID: sessionID,
		UserID:    id,
		Timestamp: e.clock.Stamp(),
		Payload:   map[string]interface{}{"user_count": count},
	}
	e.broadcaster.Broadcast(sessionID, join, id)
	e.publish(join)

	e.sendSessionState(client, count)
	e.touchMetadata(sessionID)

	client.start()
}

// DeliverRemote hands an event received from the cross-process relay to
// the local broadcaster, excluding the recorded origin participant.
func (e *Engine) DeliverRemote(evt *models.Event) {
	e.broadcaster.Broadcast(evt.SessionID, evt, evt.UserID)
}

// Has reports whether the session has local participants.
func (e *Engine) Has(sessionID string) bool {
	return e.registry.Has(sessionID)
}

// LocalCount returns the local participant count for a session.
func (e *Engine) LocalCount(sessionID string) int {
	return e.registry.Count(sessionID)
}

// Directory returns the local session directory snapshot.
func (e *Engine) Directory() *models.Directory {
	return e.registry.Directory()
}

// handleInbound processes one message from a participant. Malformed
// messages are dropped with a warning and never close the connection,
// reach a broadcast, or reach the history log.
func (e *Engine) handleInbound(c *Client, raw []byte) {
	evt, err := models.DecodeClientEvent(raw)
	if err != nil {
		reason := "malformed"
		if errors.Is(err, models.ErrNotClientSendable) {
			reason = "unsupported_type"
		}
		metrics.EventsDropped.WithLabelValues(reason).Inc()
		logging.Warn().Err(err).
			Str("session_id", c.sessionID).
			Str("user_id", c.id).
			Msg("dropping invalid client message")
		return
	}

	evt.SessionID = c.sessionID
	evt.UserID = c.id
	evt.Timestamp = e.clock.Stamp()
	metrics.EventsAccepted.WithLabelValues(string(evt.Type)).Inc()

	if e.history != nil {
		ctx, cancel := context.WithTimeout(context.Background(), brokerOpTimeout)
		if err := e.history.Append(ctx, c.sessionID, evt); err != nil {
			logging.Warn().Err(err).
				Str("session_id", c.sessionID).
				Msg("history append failed, replay for latecomers degraded")
		}
		cancel()
	}

	e.broadcaster.Broadcast(c.sessionID, evt, c.id)
	e.publish(evt)
}

// sendSessionState sends the private session_state message to a freshly
// joined participant: the chronological replay of recent history plus the
// current participant count.
func (e *Engine) sendSessionState(c *Client, userCount int) {
	events := []*models.Event{}
	if e.history != nil {
		ctx, cancel := context.WithTimeout(context.Background(), brokerOpTimeout)
		recent, err := e.history.Recent(ctx, c.sessionID, e.replayLimit)
		cancel()
		if err != nil {
			metrics.HistoryReplayErrors.Inc()
			logging.Warn().Err(err).
				Str("session_id", c.sessionID).
				Msg("history replay failed, sending empty session state")
		} else {
			// Stored newest-first; replay oldest-first.
			events = make([]*models.Event, len(recent))
			for i, evt := range recent {
				events[len(recent)-1-i] = evt
			}
		}
	}

	state := models.NewSessionState(c.sessionID, events, userCount)
	data, err := json.Marshal(state)
	if err != nil {
		logging.Error().Err(err).Str("session_id", c.sessionID).Msg("failed to encode session state")
		return
	}
	e.broadcaster.SendTo(c.sessionID, c.id, c, data)
}

// disconnect runs when a participant's read pump exits.
func (e *Engine) disconnect(c *Client) {
	_ = c.Close()
	e.dropParticipant(c.sessionID, c.id)
}

// dropParticipant removes a participant and, if it was still registered,
// notifies the remaining peers. Idempotent: the registry reports whether
// this call actually removed the entry, so USER_LEAVE is emitted once no
// matter how many paths (read pump exit, send failure) race here.
func (e *Engine) dropParticipant(sessionID, participantID string) {
	conn, remaining, removed := e.registry.Remove(sessionID, participantID)
	if !removed {
		return
	}
	if conn != nil {
		_ = conn.Close()
	}

	logging.Info().
		Str("session_id", sessionID).
		Str("user_id", participantID).
		Int("user_count", remaining).
		Msg("participant left session")

	leave := &models.Event{
		Type:      models.EventUserLeave,
		SessionID: sessionID,
		UserID:    participantID,
		Timestamp: e.clock.Stamp(),
		Payload:   map[string]interface{}{"user_count": remaining},
	}
	e.broadcaster.Broadcast(sessionID, leave, "")
	e.publish(leave)
}

// publish relays a locally-accepted event to other processes. Failures
// degrade to local-only delivery.
func (e *Engine) publish(evt *models.Event) {
	if e.publisher == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), brokerOpTimeout)
	defer cancel()
	if err := e.publisher.Publish(ctx, evt); err != nil {
		logging.Warn().Err(err).
			Str("session_id", evt.SessionID).
			Str("type", string(evt.Type)).
			Msg("relay publish failed, event delivered locally only")
	}
}

func (e *Engine) touchMetadata(sessionID string) {
	if e.metadata == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), brokerOpTimeout)
		defer cancel()
		if err := e.metadata.TouchSession(ctx, sessionID); err != nil {
			logging.Debug().Err(err).Str("session_id", sessionID).Msg("session metadata touch failed")
		}
	}()
}
