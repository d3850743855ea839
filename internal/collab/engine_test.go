// AtlasLive - Real-Time Collaborative Map Sessions
// Copyright 2026 AtlasLive Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/atlaslive/atlaslive

package collab

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/atlaslive/atlaslive/internal/models"
)

// fakeTransport is an in-memory Transport driven from the test goroutine.
type fakeTransport struct {
	inbound chan []byte
	done    chan struct{}

	mu      sync.Mutex
	frames  [][]byte // text frames only
	closed  bool
	once    sync.Once
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		inbound: make(chan []byte, 16),
		done:    make(chan struct{}),
	}
}

func (t *fakeTransport) ReadMessage() (int, []byte, error) {
	select {
	case data := <-t.inbound:
		return websocket.TextMessage, data, nil
	case <-t.done:
		return 0, nil, errors.New("transport closed")
	}
}

func (t *fakeTransport) WriteMessage(messageType int, data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return errors.New("transport closed")
	}
	if messageType == websocket.TextMessage {
		cp := make([]byte, len(data))
		copy(cp, data)
		t.frames = append(t.frames, cp)
	}
	return nil
}

func (t *fakeTransport) SetReadLimit(int64)                  {}
func (t *fakeTransport) SetReadDeadline(time.Time) error     { return nil }
func (t *fakeTransport) SetWriteDeadline(time.Time) error    { return nil }
func (t *fakeTransport) SetPongHandler(func(string) error)   {}

func (t *fakeTransport) Close() error {
	t.once.Do(func() {
		t.mu.Lock()
		t.closed = true
		t.mu.Unlock()
		close(t.done)
	})
	return nil
}

// push feeds an inbound client message to the read pump.
func (t *fakeTransport) push(data string) {
	t.inbound <- []byte(data)
}

func (t *fakeTransport) frameCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.frames)
}

func (t *fakeTransport) frame(i int) []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	if i >= len(t.frames) {
		return nil
	}
	return t.frames[i]
}

type fakeHistory struct {
	mu       sync.Mutex
	appended []*models.Event
	stored   []*models.Event // newest-first, returned by Recent
	fail     bool
}

func (h *fakeHistory) Append(_ context.Context, _ string, evt *models.Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.fail {
		return errors.New("broker unavailable")
	}
	h.appended = append(h.appended, evt)
	return nil
}

func (h *fakeHistory) Recent(_ context.Context, _ string, limit int) ([]*models.Event, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.fail {
		return nil, errors.New("broker unavailable")
	}
	if limit > len(h.stored) {
		limit = len(h.stored)
	}
	return h.stored[:limit], nil
}

func (h *fakeHistory) appendCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.appended)
}

type fakePublisher struct {
	mu        sync.Mutex
	published []*models.Event
}

func (p *fakePublisher) Publish(_ context.Context, evt *models.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.published = append(p.published, evt)
	return nil
}

func (p *fakePublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.published)
}

func (p *fakePublisher) at(i int) *models.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.published[i]
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func decodeFrame(t *testing.T, data []byte) map[string]interface{} {
	t.Helper()
	var flat map[string]interface{}
	if err := json.Unmarshal(data, &flat); err != nil {
		t.Fatalf("frame is not valid JSON: %v (%s)", err, data)
	}
	return flat
}

func newTestEngine(history HistoryStore, publisher EventPublisher) *Engine {
	registry := NewRegistry()
	return NewEngine(registry, NewBroadcaster(registry), Options{
		History:     history,
		Publisher:   publisher,
		ReplayLimit: 50,
		SendBuffer:  64,
	})
}

func TestJoinSendsSessionStateWithChronologicalReplay(t *testing.T) {
	history := &fakeHistory{
		// Stored newest-first: C, B, A — replay must come back as A, B, C.
		stored: []*models.Event{
			{Type: models.EventAnnotation, SessionID: "sess-1", UserID: "u2", Timestamp: "t3", Payload: map[string]interface{}{"text": "C"}},
			{Type: models.EventAnnotation, SessionID: "sess-1", UserID: "u1", Timestamp: "t2", Payload: map[string]interface{}{"text": "B"}},
			{Type: models.EventAnnotation, SessionID: "sess-1", UserID: "u1", Timestamp: "t1", Payload: map[string]interface{}{"text": "A"}},
		},
	}
	engine := newTestEngine(history, &fakePublisher{})

	transport := newFakeTransport()
	engine.HandleConnection("sess-1", transport)
	defer transport.Close()

	waitFor(t, func() bool { return transport.frameCount() >= 1 }, "session_state never delivered")

	var state models.SessionState
	if err := json.Unmarshal(transport.frame(0), &state); err != nil {
		t.Fatalf("first frame is not session_state: %v", err)
	}
	if state.Type != models.EventSessionState {
		t.Errorf("Type = %q, want session_state", state.Type)
	}
	if state.SessionID != "sess-1" || state.UserCount != 1 {
		t.Errorf("state = %+v", state)
	}
	if len(state.Events) != 3 {
		t.Fatalf("len(events) = %d, want 3", len(state.Events))
	}
	for i, want := range []string{"A", "B", "C"} {
		if got := state.Events[i].Payload["text"]; got != want {
			t.Errorf("events[%d] = %v, want %s (chronological order)", i, got, want)
		}
	}
}

func TestJoinNotifiesPeersAndRelay(t *testing.T) {
	publisher := &fakePublisher{}
	engine := newTestEngine(&fakeHistory{}, publisher)

	first := newFakeTransport()
	engine.HandleConnection("sess-1", first)
	defer first.Close()
	waitFor(t, func() bool { return first.frameCount() >= 1 }, "first joiner never got session_state")

	second := newFakeTransport()
	engine.HandleConnection("sess-1", second)
	defer second.Close()

	waitFor(t, func() bool { return first.frameCount() >= 2 }, "peer never notified of join")

	join := decodeFrame(t, first.frame(1))
	if join["type"] != "user_join" {
		t.Errorf("peer notification type = %v, want user_join", join["type"])
	}
	if join["user_count"] != float64(2) {
		t.Errorf("user_count = %v, want 2", join["user_count"])
	}
	if join["user_id"] == "" {
		t.Error("join notification missing origin participant id")
	}

	// Both joins were relayed cross-process.
	waitFor(t, func() bool { return publisher.count() >= 2 }, "joins not published to relay")
	if publisher.at(0).Type != models.EventUserJoin || publisher.at(1).Type != models.EventUserJoin {
		t.Error("published events are not user_join")
	}

	// The new joiner's own frames contain only its session_state, no echo.
	state := decodeFrame(t, second.frame(0))
	if state["type"] != "session_state" {
		t.Errorf("second joiner first frame = %v, want session_state", state["type"])
	}
}

func TestInboundEventIsStampedStoredBroadcastAndPublished(t *testing.T) {
	history := &fakeHistory{}
	publisher := &fakePublisher{}
	engine := newTestEngine(history, publisher)

	sender := newFakeTransport()
	engine.HandleConnection("sess-1", sender)
	defer sender.Close()
	receiver := newFakeTransport()
	engine.HandleConnection("sess-1", receiver)
	defer receiver.Close()

	// Drain the join chatter before the event under test.
	waitFor(t, func() bool { return sender.frameCount() >= 2 }, "sender never saw receiver join")
	waitFor(t, func() bool { return receiver.frameCount() >= 1 }, "receiver never got session_state")
	senderFramesBefore := sender.frameCount()
	receiverFramesBefore := receiver.frameCount()
	publishedBefore := publisher.count()

	sender.push(`{"type":"cursor_move","lat":13.7,"lng":100.5,"timestamp":"client-supplied"}`)

	waitFor(t, func() bool { return receiver.frameCount() > receiverFramesBefore }, "receiver never got the event")

	evt := decodeFrame(t, receiver.frame(receiverFramesBefore))
	if evt["type"] != "cursor_move" {
		t.Errorf("delivered type = %v", evt["type"])
	}
	if evt["session_id"] != "sess-1" {
		t.Errorf("session_id = %v", evt["session_id"])
	}
	if evt["lat"] != 13.7 {
		t.Errorf("payload lat = %v, want 13.7 pass-through", evt["lat"])
	}
	ts, _ := evt["timestamp"].(string)
	if ts == "" || ts == "client-supplied" {
		t.Errorf("timestamp = %q, want server-assigned", ts)
	}
	if uid, _ := evt["user_id"].(string); uid == "" {
		t.Error("user_id missing from delivered event")
	}

	// Appended to history with identical stamped fields.
	waitFor(t, func() bool { return history.appendCount() == 1 }, "event never appended to history")
	history.mu.Lock()
	appended := history.appended[0]
	history.mu.Unlock()
	if appended.Timestamp != ts {
		t.Errorf("history timestamp %q differs from delivered %q", appended.Timestamp, ts)
	}

	// Published cross-process exactly once.
	waitFor(t, func() bool { return publisher.count() == publishedBefore+1 }, "event never published to relay")
	if publisher.at(publishedBefore).Type != models.EventCursorMove {
		t.Error("published event has wrong type")
	}

	// No echo back to the sender.
	time.Sleep(50 * time.Millisecond)
	if sender.frameCount() != senderFramesBefore {
		t.Errorf("sender received %d extra frames, want 0 (no echo)", sender.frameCount()-senderFramesBefore)
	}
}

func TestMalformedInboundIsDroppedWithoutClosing(t *testing.T) {
	history := &fakeHistory{}
	publisher := &fakePublisher{}
	engine := newTestEngine(history, publisher)

	sender := newFakeTransport()
	engine.HandleConnection("sess-1", sender)
	defer sender.Close()
	receiver := newFakeTransport()
	engine.HandleConnection("sess-1", receiver)
	defer receiver.Close()

	waitFor(t, func() bool { return receiver.frameCount() >= 1 }, "receiver never got session_state")
	receiverFramesBefore := receiver.frameCount()
	publishedBefore := publisher.count()

	sender.push(`{"type":`)                  // invalid JSON
	sender.push(`[1,2,3]`)                   // not an object
	sender.push(`{"zoom":7}`)                // missing type
	sender.push(`{"type":"user_join"}`)      // server-synthesized only
	sender.push(`{"type":"session_state"}`)  // server-to-client only
	sender.push(`{"type":"view_change","zoom":3}`) // valid, proves loop survived

	waitFor(t, func() bool { return receiver.frameCount() > receiverFramesBefore }, "valid event after garbage never arrived")

	evt := decodeFrame(t, receiver.frame(receiverFramesBefore))
	if evt["type"] != "view_change" {
		t.Errorf("delivered type = %v, want view_change", evt["type"])
	}

	if got := history.appendCount(); got != 1 {
		t.Errorf("history appends = %d, want 1 (malformed never stored)", got)
	}
	if got := publisher.count() - publishedBefore; got != 1 {
		t.Errorf("publishes = %d, want 1 (malformed never relayed)", got)
	}

	sender.mu.Lock()
	senderClosed := sender.closed
	sender.mu.Unlock()
	if senderClosed {
		t.Error("malformed input closed the sending connection")
	}
}

func TestDisconnectEmitsUserLeaveAndCleansUp(t *testing.T) {
	publisher := &fakePublisher{}
	engine := newTestEngine(&fakeHistory{}, publisher)

	stayer := newFakeTransport()
	engine.HandleConnection("sess-1", stayer)
	defer stayer.Close()
	leaver := newFakeTransport()
	engine.HandleConnection("sess-1", leaver)

	waitFor(t, func() bool { return stayer.frameCount() >= 2 }, "stayer never saw leaver join")
	framesBefore := stayer.frameCount()

	leaver.Close()

	waitFor(t, func() bool { return stayer.frameCount() > framesBefore }, "stayer never notified of leave")
	leave := decodeFrame(t, stayer.frame(framesBefore))
	if leave["type"] != "user_leave" {
		t.Errorf("notification type = %v, want user_leave", leave["type"])
	}
	if leave["user_count"] != float64(1) {
		t.Errorf("user_count = %v, want 1", leave["user_count"])
	}

	waitFor(t, func() bool { return engine.LocalCount("sess-1") == 1 }, "registry still counts the leaver")

	// Leave was relayed; find it among the published events.
	waitFor(t, func() bool {
		for i := 0; i < publisher.count(); i++ {
			if publisher.at(i).Type == models.EventUserLeave {
				return true
			}
		}
		return false
	}, "user_leave never published to relay")

	// Last participant leaving removes the session entirely.
	stayer.Close()
	waitFor(t, func() bool { return !engine.Has("sess-1") }, "session not cleaned up after last leave")
	if dir := engine.Directory(); dir.TotalSessions != 0 {
		t.Errorf("directory still has %d sessions", dir.TotalSessions)
	}
}

func TestHistoryFailureDegradesGracefully(t *testing.T) {
	history := &fakeHistory{fail: true}
	publisher := &fakePublisher{}
	engine := newTestEngine(history, publisher)

	sender := newFakeTransport()
	engine.HandleConnection("sess-1", sender)
	defer sender.Close()
	receiver := newFakeTransport()
	engine.HandleConnection("sess-1", receiver)
	defer receiver.Close()

	// Joiner still gets a session_state, with an empty replay.
	waitFor(t, func() bool { return receiver.frameCount() >= 1 }, "no session_state in degraded mode")
	var state models.SessionState
	if err := json.Unmarshal(receiver.frame(0), &state); err != nil {
		t.Fatalf("frame not session_state: %v", err)
	}
	if len(state.Events) != 0 {
		t.Errorf("degraded replay returned %d events, want 0", len(state.Events))
	}

	receiverFramesBefore := receiver.frameCount()
	sender.push(`{"type":"annotation","text":"still works"}`)

	// Live delivery keeps working even though the append failed.
	waitFor(t, func() bool { return receiver.frameCount() > receiverFramesBefore }, "live delivery broken in degraded mode")
}

func TestDeliverRemoteExcludesOrigin(t *testing.T) {
	engine := newTestEngine(&fakeHistory{}, &fakePublisher{})

	local := newFakeTransport()
	engine.HandleConnection("sess-1", local)
	defer local.Close()
	waitFor(t, func() bool { return local.frameCount() >= 1 }, "no session_state")
	framesBefore := local.frameCount()

	engine.DeliverRemote(&models.Event{
		Type:      models.EventLayerChange,
		SessionID: "sess-1",
		UserID:    "remote-user",
		Timestamp: "2026-08-30T12:00:00Z",
		Payload:   map[string]interface{}{"layer": "flood-risk"},
	})

	waitFor(t, func() bool { return local.frameCount() > framesBefore }, "relayed event never delivered")
	evt := decodeFrame(t, local.frame(framesBefore))
	if evt["type"] != "layer_change" || evt["user_id"] != "remote-user" {
		t.Errorf("relayed delivery = %v", evt)
	}
}
