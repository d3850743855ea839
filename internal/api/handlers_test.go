// AtlasLive - Real-Time Collaborative Map Sessions
// Copyright 2026 AtlasLive Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/atlaslive/atlaslive

package api

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/atlaslive/atlaslive/internal/broker"
	"github.com/atlaslive/atlaslive/internal/collab"
	"github.com/atlaslive/atlaslive/internal/config"
	"github.com/atlaslive/atlaslive/internal/logging"
	"github.com/atlaslive/atlaslive/internal/models"
)

//nolint:gochecknoinits // init ensures consistent logging for tests
func init() {
	logging.Init(logging.Config{
		Level:  "info",
		Format: "console",
		Output: io.Discard,
	})
}

type fakeMeta struct {
	mu      sync.Mutex
	stored  map[string]*models.SessionMetadata
	setErr  error
	getErr  error
}

func newFakeMeta() *fakeMeta {
	return &fakeMeta{stored: make(map[string]*models.SessionMetadata)}
}

func (f *fakeMeta) SetSessionMetadata(_ context.Context, meta *models.SessionMetadata, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.setErr != nil {
		return f.setErr
	}
	f.stored[meta.ID] = meta
	return nil
}

func (f *fakeMeta) GetSessionMetadata(_ context.Context, sessionID string) (*models.SessionMetadata, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, f.getErr
	}
	meta, ok := f.stored[sessionID]
	if !ok {
		return nil, broker.ErrNotFound
	}
	return meta, nil
}

type fakePinger struct {
	err error
}

func (f *fakePinger) Ping(context.Context) error { return f.err }

func testConfig() *config.Config {
	return &config.Config{
		Security: config.SecurityConfig{
			CORSOrigins:     []string{"*"},
			RateLimitReqs:   1000,
			RateLimitWindow: time.Minute,
		},
	}
}

func newTestServer(t *testing.T, meta MetadataStore, pinger Pinger) (*httptest.Server, *collab.Engine) {
	t.Helper()
	registry := collab.NewRegistry()
	engine := collab.NewEngine(registry, collab.NewBroadcaster(registry), collab.Options{
		SendBuffer: 64,
	})
	h := NewHandler(engine, meta, nil, pinger, testConfig())
	srv := httptest.NewServer(NewRouter(h))
	t.Cleanup(srv.Close)
	return srv, engine
}

func decodeResponse(t *testing.T, resp *http.Response) APIResponse {
	t.Helper()
	defer resp.Body.Close()
	var out APIResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(t, newFakeMeta(), &fakePinger{})

	resp, err := http.Get(srv.URL + "/api/v1/health")
	if err != nil {
		t.Fatalf("GET health: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
	out := decodeResponse(t, resp)
	if !out.Success {
		t.Error("success = false")
	}
}

func TestHealthReadyDegradedStaysUp(t *testing.T) {
	srv, _ := newTestServer(t, newFakeMeta(), &fakePinger{err: context.DeadlineExceeded})

	resp, err := http.Get(srv.URL + "/api/v1/health/ready")
	if err != nil {
		t.Fatalf("GET ready: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200 even when broker is down", resp.StatusCode)
	}
	out := decodeResponse(t, resp)
	data := out.Data.(map[string]interface{})
	if data["status"] != "degraded" || data["broker"] != "unreachable" {
		t.Errorf("data = %v", data)
	}
}

func TestCreateSessionStoresMetadata(t *testing.T) {
	meta := newFakeMeta()
	srv, _ := newTestServer(t, meta, &fakePinger{})

	resp, err := http.Post(srv.URL+"/api/v1/sessions", "application/json",
		strings.NewReader(`{"created_by":"cartographer"}`))
	if err != nil {
		t.Fatalf("POST sessions: %v", err)
	}
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}
	out := decodeResponse(t, resp)
	data := out.Data.(map[string]interface{})
	id, _ := data["id"].(string)
	if id == "" {
		t.Fatal("no session id in response")
	}
	if data["created_by"] != "cartographer" {
		t.Errorf("created_by = %v", data["created_by"])
	}

	meta.mu.Lock()
	_, stored := meta.stored[id]
	meta.mu.Unlock()
	if !stored {
		t.Error("metadata record not stored")
	}
}

func TestCreateSessionWithoutBody(t *testing.T) {
	srv, _ := newTestServer(t, newFakeMeta(), &fakePinger{})

	resp, err := http.Post(srv.URL+"/api/v1/sessions", "application/json", nil)
	if err != nil {
		t.Fatalf("POST sessions: %v", err)
	}
	if resp.StatusCode != http.StatusCreated {
		t.Errorf("status = %d, want 201 (body is optional)", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestCreateSessionStoreUnavailable(t *testing.T) {
	meta := newFakeMeta()
	meta.setErr = context.DeadlineExceeded
	srv, _ := newTestServer(t, meta, &fakePinger{})

	resp, err := http.Post(srv.URL+"/api/v1/sessions", "application/json", nil)
	if err != nil {
		t.Fatalf("POST sessions: %v", err)
	}
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", resp.StatusCode)
	}
	out := decodeResponse(t, resp)
	if out.Error == nil || out.Error.Code != ErrCodeServiceUnavailable {
		t.Errorf("error = %+v", out.Error)
	}
}

func TestSessionInfoNotFound(t *testing.T) {
	srv, _ := newTestServer(t, newFakeMeta(), &fakePinger{})

	resp, err := http.Get(srv.URL + "/api/v1/sessions/ghost")
	if err != nil {
		t.Fatalf("GET session: %v", err)
	}
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestSessionInfoEnrichedWithActivity(t *testing.T) {
	meta := newFakeMeta()
	meta.stored["sess-1"] = &models.SessionMetadata{
		ID:        "sess-1",
		CreatedAt: "2026-08-30T10:00:00Z",
		CreatedBy: "cartographer",
	}
	srv, _ := newTestServer(t, meta, &fakePinger{})

	// No participants yet.
	resp, err := http.Get(srv.URL + "/api/v1/sessions/sess-1")
	if err != nil {
		t.Fatalf("GET session: %v", err)
	}
	out := decodeResponse(t, resp)
	data := out.Data.(map[string]interface{})
	if data["is_active"] != false || data["active_users"] != float64(0) {
		t.Errorf("idle session data = %v", data)
	}

	// Join a participant over a real websocket, then re-query.
	ws := dialSession(t, srv, "sess-1")
	defer ws.Close()

	resp, err = http.Get(srv.URL + "/api/v1/sessions/sess-1")
	if err != nil {
		t.Fatalf("GET session: %v", err)
	}
	out = decodeResponse(t, resp)
	data = out.Data.(map[string]interface{})
	if data["is_active"] != true || data["active_users"] != float64(1) {
		t.Errorf("active session data = %v", data)
	}
}

func dialSession(t *testing.T, srv *httptest.Server, sessionID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/" + sessionID
	header := http.Header{"Origin": []string{"http://localhost"}}
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	if resp != nil {
		resp.Body.Close()
	}
	return conn
}

func TestWebSocketJoinReceivesSessionState(t *testing.T) {
	srv, _ := newTestServer(t, newFakeMeta(), &fakePinger{})

	conn := dialSession(t, srv, "sess-1")
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read session_state: %v", err)
	}
	var state models.SessionState
	if err := json.Unmarshal(data, &state); err != nil {
		t.Fatalf("decode session_state: %v", err)
	}
	if state.Type != models.EventSessionState || state.SessionID != "sess-1" {
		t.Errorf("state = %+v", state)
	}
	if state.UserCount != 1 {
		t.Errorf("user_count = %d, want 1", state.UserCount)
	}
}

func TestWebSocketRejectsMissingOrigin(t *testing.T) {
	srv, _ := newTestServer(t, newFakeMeta(), &fakePinger{})

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/sess-1"
	dialer := websocket.Dialer{HandshakeTimeout: 2 * time.Second}
	conn, resp, err := dialer.Dial(url, nil)
	if err == nil {
		conn.Close()
		t.Fatal("dial without Origin succeeded")
	}
	if resp != nil {
		if resp.StatusCode != http.StatusForbidden {
			t.Errorf("status = %d, want 403", resp.StatusCode)
		}
		resp.Body.Close()
	}
}

func TestTwoClientsSeeEachOther(t *testing.T) {
	srv, _ := newTestServer(t, newFakeMeta(), &fakePinger{})

	first := dialSession(t, srv, "sess-1")
	defer first.Close()
	_ = first.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := first.ReadMessage(); err != nil { // session_state
		t.Fatalf("first session_state: %v", err)
	}

	second := dialSession(t, srv, "sess-1")
	defer second.Close()

	// First client sees the join notification.
	_, data, err := first.ReadMessage()
	if err != nil {
		t.Fatalf("read join notification: %v", err)
	}
	var join map[string]interface{}
	if err := json.Unmarshal(data, &join); err != nil {
		t.Fatalf("decode join: %v", err)
	}
	if join["type"] != "user_join" || join["user_count"] != float64(2) {
		t.Errorf("join = %v", join)
	}

	// Drain the second client's session_state, then send an event.
	_ = second.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := second.ReadMessage(); err != nil {
		t.Fatalf("second session_state: %v", err)
	}
	msg := `{"type":"view_change","zoom":7,"center":{"lat":48.85,"lng":2.35}}`
	if err := second.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
		t.Fatalf("write: %v", err)
	}

	_, data, err = first.ReadMessage()
	if err != nil {
		t.Fatalf("read view_change: %v", err)
	}
	var evt map[string]interface{}
	if err := json.Unmarshal(data, &evt); err != nil {
		t.Fatalf("decode view_change: %v", err)
	}
	if evt["type"] != "view_change" || evt["zoom"] != float64(7) {
		t.Errorf("event = %v", evt)
	}
	if evt["user_id"] == "" || evt["timestamp"] == "" {
		t.Error("event missing server-stamped identity")
	}
}

func TestSessionsDirectory(t *testing.T) {
	srv, _ := newTestServer(t, newFakeMeta(), &fakePinger{})

	conn := dialSession(t, srv, "sess-1")
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err != nil {
		t.Fatalf("session_state: %v", err)
	}

	resp, err := http.Get(srv.URL + "/api/v1/sessions")
	if err != nil {
		t.Fatalf("GET sessions: %v", err)
	}
	out := decodeResponse(t, resp)
	data := out.Data.(map[string]interface{})
	if data["total_sessions"] != float64(1) || data["total_users"] != float64(1) {
		t.Errorf("directory = %v", data)
	}
	sessions := data["sessions"].(map[string]interface{})
	if _, ok := sessions["sess-1"]; !ok {
		t.Errorf("sessions = %v", sessions)
	}
}
