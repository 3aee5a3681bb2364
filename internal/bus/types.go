package bus

import (
	"context"
	"time"
)

// Frame is an inbound client frame routed from the gateway to the
// engagement controller. One frame per client action, delivered in the
// order the connection produced them.
type Frame struct {
	ConnID      string    `json:"conn_id"`
	Type        string    `json:"type"` // protocol.Frame* constants
	RoomID      string    `json:"room_id"`
	RoomType    string    `json:"room_type,omitempty"`
	UserID      string    `json:"user_id"`
	DisplayName string    `json:"display_name,omitempty"`
	Avatar      string    `json:"avatar,omitempty"`
	Content     string    `json:"content,omitempty"`
	X           float64   `json:"x,omitempty"`
	Y           float64   `json:"y,omitempty"`
	ReceivedAt  time.Time `json:"received_at"`
}

// Event is a server-side event to fan out to WebSocket clients.
// RoomID and UserID are routing hints: empty RoomID means every client,
// non-empty UserID narrows delivery to that user's connections.
type Event struct {
	Name    string `json:"name"`
	RoomID  string `json:"room_id,omitempty"`
	UserID  string `json:"user_id,omitempty"`
	Payload any    `json:"payload,omitempty"`
}

// EventHandler handles a broadcast event. Handlers must not block.
type EventHandler func(Event)

// EventPublisher abstracts event broadcast + subscription.
// Used by the gateway server and the controller to decouple from the
// concrete Bus.
type EventPublisher interface {
	Subscribe(id string, handler EventHandler)
	Unsubscribe(id string)
	Broadcast(event Event)
}

// FrameRouter abstracts inbound frame routing between the gateway and
// the engagement controller.
type FrameRouter interface {
	PublishFrame(f Frame)
	ConsumeFrame(ctx context.Context) (Frame, bool)
}
