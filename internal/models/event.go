// AtlasLive - Real-Time Collaborative Map Sessions
// Copyright 2026 AtlasLive Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/atlaslive/atlaslive

// Package models defines the collaboration event model and the wire types
// exchanged with clients and relayed between server processes.
package models

import (
	"errors"
	"fmt"

	"github.com/goccy/go-json"
)

// ErrNotClientSendable marks inbound envelopes whose type is valid JSON
// but not one participants may originate.
var ErrNotClientSendable = errors.New("event type is not client-sendable")

// EventType enumerates the kinds of collaboration events.
type EventType string

const (
	EventViewChange    EventType = "view_change"
	EventLayerChange   EventType = "layer_change"
	EventCountryChange EventType = "country_change"
	EventUserJoin      EventType = "user_join"
	EventUserLeave     EventType = "user_leave"
	EventCursorMove    EventType = "cursor_move"
	EventAnnotation    EventType = "annotation"

	// EventSessionState is server-generated only. It is sent privately to a
	// participant immediately after it joins, never broadcast or relayed.
	EventSessionState EventType = "session_state"
)

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	switch t {
	case EventViewChange, EventLayerChange, EventCountryChange,
		EventUserJoin, EventUserLeave, EventCursorMove,
		EventAnnotation, EventSessionState:
		return true
	}
	return false
}

// ClientSendable reports whether participants may originate this event type.
// Join/leave events are synthesized by the server and session_state is a
// private server-to-client message, so none of those are accepted inbound.
func (t EventType) ClientSendable() bool {
	switch t {
	case EventViewChange, EventLayerChange, EventCountryChange,
		EventCursorMove, EventAnnotation:
		return true
	}
	return false
}

// Reserved envelope keys. Payload fields with these names are dropped on
// encode so clients cannot override server-assigned metadata.
const (
	keyType      = "type"
	keySessionID = "session_id"
	keyUserID    = "user_id"
	keyTimestamp = "timestamp"
	keyOrigin    = "origin"
)

// Event is a collaboration event. The engine only ever interprets the core
// fields; Payload round-trips arbitrary client fields untouched.
//
// The wire format is a flat JSON object: core fields and payload fields live
// side by side, matching what map clients send and expect back:
//
//	{"type":"cursor_move","user_id":"…","session_id":"…","timestamp":"…","lat":12.3,"lng":45.6}
type Event struct {
	// Type is the event kind.
	Type EventType

	// SessionID is the session the event belongs to.
	SessionID string

	// UserID is the originating participant id. Empty for events the server
	// synthesizes without a specific origin.
	UserID string

	// Timestamp is the server-assigned acceptance time, ISO-8601. Assigned
	// once by the accepting process and never mutated downstream.
	Timestamp string

	// Origin is the instance id of the server process that accepted the
	// event. It is set only on relay envelopes and used by subscribers to
	// suppress same-process redelivery. Never sent to clients.
	Origin string

	// Payload carries any additional fields from the client. The engine
	// passes them through without interpreting their contents.
	Payload map[string]interface{}
}

// MarshalJSON flattens the event into a single JSON object.
func (e *Event) MarshalJSON() ([]byte, error) {
	flat := make(map[string]interface{}, len(e.Payload)+5)
	for k, v := range e.Payload {
		switch k {
		case keyType, keySessionID, keyUserID, keyTimestamp, keyOrigin:
			// Reserved; server-assigned fields win.
		default:
			flat[k] = v
		}
	}

	flat[keyType] = string(e.Type)
	flat[keySessionID] = e.SessionID
	flat[keyTimestamp] = e.Timestamp
	if e.UserID != "" {
		flat[keyUserID] = e.UserID
	}
	if e.Origin != "" {
		flat[keyOrigin] = e.Origin
	}

	return json.Marshal(flat)
}

// UnmarshalJSON splits a flat JSON object back into core fields and payload.
func (e *Event) UnmarshalJSON(data []byte) error {
	var flat map[string]interface{}
	if err := json.Unmarshal(data, &flat); err != nil {
		return fmt.Errorf("event envelope is not a JSON object: %w", err)
	}

	typ, ok := flat[keyType].(string)
	if !ok || typ == "" {
		return fmt.Errorf("event envelope missing string %q field", keyType)
	}

	e.Type = EventType(typ)
	e.SessionID = stringField(flat, keySessionID)
	e.UserID = stringField(flat, keyUserID)
	e.Timestamp = stringField(flat, keyTimestamp)
	e.Origin = stringField(flat, keyOrigin)

	delete(flat, keyType)
	delete(flat, keySessionID)
	delete(flat, keyUserID)
	delete(flat, keyTimestamp)
	delete(flat, keyOrigin)

	if len(flat) > 0 {
		e.Payload = flat
	} else {
		e.Payload = nil
	}
	return nil
}

func stringField(m map[string]interface{}, key string) string {
	if s, ok := m[key].(string); ok {
		return s
	}
	return ""
}

// DecodeClientEvent parses an inbound client message into an Event. It
// rejects envelopes whose type is unknown or not client-sendable; callers
// drop those without closing the connection. Any session id, user id, or
// timestamp the client supplied is discarded so the server-assigned values
// are authoritative.
func DecodeClientEvent(data []byte) (*Event, error) {
	var evt Event
	if err := json.Unmarshal(data, &evt); err != nil {
		return nil, err
	}
	if !evt.Type.ClientSendable() {
		return nil, fmt.Errorf("event type %q: %w", evt.Type, ErrNotClientSendable)
	}
	evt.SessionID = ""
	evt.UserID = ""
	evt.Timestamp = ""
	evt.Origin = ""
	return &evt, nil
}

// WithOrigin returns a shallow copy of the event tagged with the given
// process instance id for relay publication.
func (e *Event) WithOrigin(instanceID string) *Event {
	cp := *e
	cp.Origin = instanceID
	return &cp
}

// SessionState is the private message sent to a participant on join. Events
// are in chronological order, oldest first.
type SessionState struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"session_id"`
	Events    []*Event  `json:"events"`
	UserCount int       `json:"user_count"`
}

// NewSessionState builds the join message for a session.
func NewSessionState(sessionID string, events []*Event, userCount int) *SessionState {
	if events == nil {
		events = []*Event{}
	}
	return &SessionState{
		Type:      EventSessionState,
		SessionID: sessionID,
		Events:    events,
		UserCount: userCount,
	}
}
