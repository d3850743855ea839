// AtlasLive - Real-Time Collaborative Map Sessions
// Copyright 2026 AtlasLive Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/atlaslive/atlaslive

package collab

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/atlaslive/atlaslive/internal/logging"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024 // 64 KB
)

// ErrSendQueueFull is returned when a participant's outbound queue is
// saturated. The participant is treated as disconnected.
var ErrSendQueueFull = errors.New("collab: participant send queue full")

// ErrClientClosed is returned when sending to a participant whose
// connection is already closing.
var ErrClientClosed = errors.New("collab: participant connection closed")

// Transport is the subset of *websocket.Conn the client uses. Tests
// substitute an in-memory implementation.
type Transport interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

// Client pumps messages between one participant's websocket connection and
// the engine. The read pump is the participant's connection task; the write
// pump serializes outbound frames and keepalive pings.
type Client struct {
	id        string
	sessionID string
	engine    *Engine
	conn      Transport

	send      chan []byte
	closeOnce sync.Once
	closed    chan struct{}
}

func newClient(sessionID string, engine *Engine, conn Transport, sendBuffer int) *Client {
	if sendBuffer <= 0 {
		sendBuffer = 256
	}
	return &Client{
		sessionID: sessionID,
		engine:    engine,
		conn:      conn,
		send:      make(chan []byte, sendBuffer),
		closed:    make(chan struct{}),
	}
}

// ID returns the server-allocated participant id.
func (c *Client) ID() string {
	return c.id
}

// Send enqueues an encoded frame for delivery. It never blocks: a full
// queue or a closing connection reports an error, which the broadcaster
// turns into an implicit disconnect.
func (c *Client) Send(data []byte) error {
	select {
	case <-c.closed:
		return ErrClientClosed
	default:
	}

	select {
	case c.send <- data:
		return nil
	case <-c.closed:
		return ErrClientClosed
	default:
		return ErrSendQueueFull
	}
}

// Close tears down the transport. Safe to call from any goroutine, any
// number of times. Closing the transport unblocks the read pump, which
// drives the rest of the disconnect path.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		if err := c.conn.Close(); err != nil {
			logging.Debug().Err(err).Str("user_id", c.id).Msg("transport close")
		}
	})
	return nil
}

// start launches the read and write pumps.
func (c *Client) start() {
	go c.writePump()
	go c.readPump()
}

// readPump relays inbound frames to the engine until the transport fails
// or closes. Its exit is the single trigger for participant teardown.
func (c *Client) readPump() {
	defer func() {
		c.engine.disconnect(c)
	}()

	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		logging.Error().Err(err).Msg("failed to set read deadline")
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				logging.Warn().Err(err).Str("user_id", c.id).Msg("unexpected websocket close")
			}
			return
		}
		c.engine.handleInbound(c, data)
	}
}

// writePump drains the outbound queue and emits keepalive pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.Close()
	}()

	for {
		select {
		case data := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.closed:
			// Best-effort close handshake; the peer may already be gone.
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}
