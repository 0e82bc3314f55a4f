package ws

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"swaply-chat/internal/models"
)

const maxFrameSize = 64 << 10

// Client is one gateway connection. Outbound frames go through a bounded queue
// drained by writePump; a full queue drops the connection.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	info ConnInfo
	send chan []byte

	mu     sync.Mutex
	closed bool
	reason string
}

func newClient(hub *Hub, conn *websocket.Conn, info ConnInfo, buffer int) *Client {
	if buffer <= 0 {
		buffer = 64
	}
	return &Client{hub: hub, conn: conn, info: info, send: make(chan []byte, buffer)}
}

// UserID returns the authenticated owner of the connection.
func (c *Client) UserID() string { return c.info.UserID }

func (c *Client) enqueue(frame []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- frame:
		return true
	default:
		c.closed = true
		c.reason = "send queue full"
		close(c.send)
		return false
	}
}

func (c *Client) close(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.reason = reason
	close(c.send)
}

func (c *Client) closeReason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

func (c *Client) sendEvent(t models.EventType, conversationID string, payload any) {
	evt, err := models.NewEvent(t, conversationID, payload)
	if err != nil {
		return
	}
	frame, err := json.Marshal(evt)
	if err != nil {
		return
	}
	c.enqueue(frame)
}

func (c *Client) sendError(conversationID, code, message string) {
	c.sendEvent(models.EventError, conversationID, models.ErrorPayload{Code: code, Message: message})
}

func (c *Client) writePump(pingInterval, writeWait time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case frame, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
				if reason := c.closeReason(); reason == "send queue full" {
					msg = websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason)
				}
				_ = c.conn.WriteMessage(websocket.CloseMessage, msg)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.hub.logger.Debug("ws write failed", "conn_id", c.info.ConnID, "error", err)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump dispatches inbound frames until the connection fails and returns the reason.
func (c *Client) readPump(ctx context.Context, d Dispatcher, pongWait time.Duration) error {
	c.conn.SetReadLimit(maxFrameSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return err
		}
		var evt models.Event
		if err := json.Unmarshal(data, &evt); err != nil {
			c.sendError("", "invalid_payload", "frame is not a valid event")
			continue
		}
		c.hub.dispatch(ctx, c, d, evt)
	}
}
