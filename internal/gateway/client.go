package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/atriumhq/atrium/internal/bus"
	"github.com/atriumhq/atrium/pkg/protocol"
)

// sendBuffer bounds the per-connection outbound queue. A client that
// cannot drain it loses events rather than stalling the broadcast path.
const sendBuffer = 64

// Client is one WebSocket connection. A read pump turns inbound frames
// into bus frames, a write pump serializes outbound events, and the
// connection remembers which user and room it is bound to.
type Client struct {
	id     string
	conn   *websocket.Conn
	server *Server
	send   chan *protocol.Event
	done   chan struct{}

	mu          sync.RWMutex
	roomID      string
	userID      string
	displayName string

	closeOnce sync.Once
}

// NewClient wraps an upgraded connection.
func NewClient(conn *websocket.Conn, server *Server) *Client {
	return &Client{
		id:     uuid.NewString(),
		conn:   conn,
		server: server,
		send:   make(chan *protocol.Event, sendBuffer),
		done:   make(chan struct{}),
	}
}

// Run pumps the connection until it drops or ctx is cancelled. If the
// client was in a room and never sent a leave frame, one is synthesized
// so the room's membership stays truthful.
func (c *Client) Run(ctx context.Context) {
	go c.writePump()
	c.readPump(ctx)

	if room, user, name := c.binding(); room != "" {
		c.server.frames.PublishFrame(bus.Frame{
			ConnID:      c.id,
			Type:        protocol.FrameLeave,
			RoomID:      room,
			UserID:      user,
			DisplayName: name,
			ReceivedAt:  time.Now(),
		})
	}
}

// Close tears the connection down. Safe to call more than once.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

func (c *Client) readPump(ctx context.Context) {
	go func() {
		select {
		case <-ctx.Done():
			c.Close()
		case <-c.done:
		}
	}()

	c.conn.SetReadLimit(int64(c.server.cfg.Gateway.MaxMessageChars*4 + 1024))

	wait := c.pongWait()
	c.conn.SetReadDeadline(time.Now().Add(wait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wait))
	})

	for {
		var frame protocol.ClientFrame
		if err := c.conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug("websocket read ended", "conn_id", c.id, "error", err)
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(wait))
		c.handleFrame(frame)
	}
}

// handleFrame validates an inbound frame, pins it to the connection's
// bound identity, and routes it to the controller.
func (c *Client) handleFrame(f protocol.ClientFrame) {
	switch f.Type {
	case protocol.FrameJoin, protocol.FrameMessage, protocol.FrameLeave, protocol.FrameTyping, protocol.FrameMove:
	default:
		c.sendError(protocol.ErrCodeBadFrame, fmt.Sprintf("unknown frame type %q", f.Type))
		return
	}

	if f.Type == protocol.FrameMessage && !c.server.limiter.Allow(c.id) {
		c.sendError(protocol.ErrCodeRateLimited, "too many messages, slow down")
		return
	}

	room, user, name := c.binding()

	switch f.Type {
	case protocol.FrameJoin:
		if f.RoomID == "" || f.UserID == "" {
			c.sendError(protocol.ErrCodeBadFrame, "join requires room_id and user_id")
			return
		}
		if user != "" {
			// The first join fixed this connection's identity.
			f.UserID = user
		}
		if room != "" && room != f.RoomID {
			// Switching rooms: the old room gets a leave first.
			c.server.frames.PublishFrame(bus.Frame{
				ConnID:      c.id,
				Type:        protocol.FrameLeave,
				RoomID:      room,
				UserID:      f.UserID,
				DisplayName: name,
				ReceivedAt:  time.Now(),
			})
		}
		c.bind(f.RoomID, f.UserID, f.DisplayName)
	default:
		if user == "" {
			c.sendError(protocol.ErrCodeBadFrame, "join a room first")
			return
		}
		f.UserID = user
		if f.RoomID == "" {
			f.RoomID = room
		}
		if f.DisplayName == "" {
			f.DisplayName = name
		}
	}

	c.server.frames.PublishFrame(bus.Frame{
		ConnID:      c.id,
		Type:        f.Type,
		RoomID:      f.RoomID,
		RoomType:    f.RoomType,
		UserID:      f.UserID,
		DisplayName: f.DisplayName,
		Avatar:      f.Avatar,
		Content:     f.Content,
		X:           f.X,
		Y:           f.Y,
		ReceivedAt:  time.Now(),
	})

	if f.Type == protocol.FrameLeave {
		c.clearRoom()
	}
}

func (c *Client) writePump() {
	interval := c.server.cfg.Gateway.PingInterval()
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case ev := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout()))
			if err := c.conn.WriteJSON(ev); err != nil {
				slog.Debug("websocket write failed", "conn_id", c.id, "error", err)
				c.Close()
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout()))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(time.Second))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// deliver is the bus subscription handler for this connection. It drops
// events whose routing hints point elsewhere and never blocks.
func (c *Client) deliver(event bus.Event) {
	room, user, _ := c.binding()

	if event.RoomID != "" && event.RoomID != room {
		return
	}
	if event.UserID != "" && event.UserID != user {
		return
	}

	// Typing and movement indicators echo to everyone but their origin.
	switch event.Name {
	case protocol.EventTyping:
		if p, ok := event.Payload.(protocol.TypingPayload); ok && p.UserID == user {
			return
		}
	case protocol.EventUserMoved:
		if p, ok := event.Payload.(protocol.MovePayload); ok && p.UserID == user {
			return
		}
	}

	c.enqueue(protocol.NewEvent(event.Name, event.Payload))
}

func (c *Client) enqueue(ev *protocol.Event) {
	select {
	case c.send <- ev:
	default:
		slog.Warn("client send buffer full, dropping event", "conn_id", c.id, "event", ev.Name)
	}
}

func (c *Client) sendError(code, message string) {
	c.enqueue(protocol.NewEvent(protocol.EventError, protocol.ErrorPayload{Code: code, Message: message}))
}

func (c *Client) bind(roomID, userID, displayName string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.roomID = roomID
	c.userID = userID
	if displayName != "" {
		c.displayName = displayName
	}
}

func (c *Client) clearRoom() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.roomID = ""
}

func (c *Client) binding() (roomID, userID, displayName string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.roomID, c.userID, c.displayName
}

func (c *Client) pongWait() time.Duration {
	interval := c.server.cfg.Gateway.PingInterval()
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return 2 * interval
}

func (c *Client) writeTimeout() time.Duration {
	timeout := c.server.cfg.Gateway.WriteTimeout()
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return timeout
}
