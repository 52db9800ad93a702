// Package notifications is the realtime fanout layer: per-conversation
// broadcast groups over WebSocket with Redis pub/sub bridging instances.
package notifications

import (
	"log/slog"
	"time"

	"carewire/internal/observability"

	"github.com/gofiber/websocket/v2"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 16384

	sendBufferSize = 256
)

// Client is the middleman between one websocket connection and the fanout
// hub. A user may hold several clients at once (multi-device).
type Client struct {
	hub *Fanout

	Conn *websocket.Conn

	// Buffered channel of outbound frames.
	Send chan []byte

	UserID   uint
	UserName string

	// ConversationID the client connected for; membership was verified
	// before registration.
	ConversationID uint

	// IncomingHandler processes inbound frames off the read pump.
	IncomingHandler func(*Client, []byte)
}

// NewClient wraps an accepted websocket connection.
func NewClient(hub *Fanout, conn *websocket.Conn, userID uint, userName string, conversationID uint) *Client {
	return &Client{
		hub:            hub,
		Conn:           conn,
		Send:           make(chan []byte, sendBufferSize),
		UserID:         userID,
		UserName:       userName,
		ConversationID: conversationID,
	}
}

// ReadPump pumps frames from the websocket to the incoming handler. Runs as
// the connection's goroutine; returning unregisters the client.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
		_ = c.Conn.Close()
	}()

	c.Conn.SetReadLimit(maxMessageSize)
	_ = c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error { _ = c.Conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })

	for {
		_, frame, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				observability.GlobalLogger.Warn("websocket read failed",
					slog.Uint64("user_id", uint64(c.UserID)),
					slog.String("error", err.Error()),
				)
			}
			break
		}
		if c.IncomingHandler != nil {
			c.IncomingHandler(c, frame)
		}
	}
}

// WritePump pumps frames from the send buffer to the websocket and keeps the
// connection alive with pings.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.Conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.Send:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			w, err := c.Conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			_, _ = w.Write(frame)
			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// TrySend delivers a frame without blocking. A full buffer drops the frame
// and queues a gap notice so the client knows to re-fetch.
func (c *Client) TrySend(frame []byte) {
	defer func() {
		if r := recover(); r != nil {
			observability.WebSocketBackpressureDrops.WithLabelValues("fanout", "closed").Inc()
		}
	}()

	select {
	case c.Send <- frame:
	default:
		observability.WebSocketBackpressureDrops.WithLabelValues("fanout", "full").Inc()
		observability.GlobalLogger.Warn("send buffer full, frame dropped",
			slog.Uint64("user_id", uint64(c.UserID)),
		)
		dropNotice := []byte(`{"type":"messages_dropped","payload":{"reason":"buffer_full"}}`)
		select {
		case c.Send <- dropNotice:
		default:
		}
	}
}
