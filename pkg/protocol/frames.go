package protocol

import "time"

// ClientFrame is the single inbound frame shape. Type selects which
// fields are meaningful; unknown types are rejected with ErrCodeBadFrame.
type ClientFrame struct {
	Type        string  `json:"type"`
	RoomID      string  `json:"room_id,omitempty"`
	RoomType    string  `json:"room_type,omitempty"`
	UserID      string  `json:"user_id,omitempty"`
	DisplayName string  `json:"display_name,omitempty"`
	Avatar      string  `json:"avatar,omitempty"`
	Content     string  `json:"content,omitempty"`
	X           float64 `json:"x,omitempty"`
	Y           float64 `json:"y,omitempty"`
}

// Event is the envelope for every server-to-client push.
type Event struct {
	Name    string `json:"event"`
	Payload any    `json:"payload,omitempty"`
	Ts      int64  `json:"ts"`
}

// NewEvent wraps a payload in an Event envelope stamped with the current time.
func NewEvent(name string, payload any) *Event {
	return &Event{
		Name:    name,
		Payload: payload,
		Ts:      time.Now().UnixMilli(),
	}
}

// Member is one room participant as seen by clients.
type Member struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
}

// MessagePayload carries one chat message (user or host authored).
// Trigger is set on host messages only and names what prompted them.
type MessagePayload struct {
	ID         string    `json:"id"`
	RoomID     string    `json:"room_id"`
	SenderID   string    `json:"sender_id"`
	SenderName string    `json:"sender_name"`
	Content    string    `json:"content"`
	Kind       string    `json:"kind"`
	Trigger    string    `json:"trigger,omitempty"`
	SentAt     time.Time `json:"sent_at"`
}

// PresencePayload announces a join or leave to the room.
type PresencePayload struct {
	RoomID      string   `json:"room_id"`
	UserID      string   `json:"user_id"`
	DisplayName string   `json:"display_name"`
	Members     []Member `json:"members"`
}

// SnapshotPayload is sent to a user right after a successful join.
type SnapshotPayload struct {
	RoomID   string           `json:"room_id"`
	RoomType string           `json:"room_type"`
	Persona  string           `json:"persona"`
	Topic    string           `json:"topic"`
	Members  []Member         `json:"members"`
	History  []MessagePayload `json:"history"`
}

// TypingPayload relays a typing indicator.
type TypingPayload struct {
	RoomID      string `json:"room_id"`
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	Active      bool   `json:"active"`
}

// MovePayload relays an avatar position update.
type MovePayload struct {
	RoomID string  `json:"room_id"`
	UserID string  `json:"user_id"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
}

// ModerationPayload announces a moderation action taken on a message.
type ModerationPayload struct {
	RoomID string `json:"room_id"`
	UserID string `json:"user_id"`
	Action string `json:"action"`
	Reason string `json:"reason,omitempty"`
}

// ErrorPayload reports a failed operation back to the originating client.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ShutdownPayload tells connected clients the server is going away.
type ShutdownPayload struct {
	Reason string `json:"reason"`
}
