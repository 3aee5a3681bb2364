package protocol

// ProtocolVersion is bumped when the wire format changes incompatibly.
const ProtocolVersion = 1

// WebSocket event names pushed from server to client.
const (
	EventRoomSnapshot = "room.snapshot"
	EventUserJoined   = "user.joined"
	EventUserLeft     = "user.left"
	EventMessage      = "message.new"
	EventHostMessage  = "message.host"
	EventTyping       = "typing"
	EventUserMoved    = "user.moved"
	EventModeration   = "moderation.notice"
	EventError        = "error"
	EventShutdown     = "shutdown"
)

// Client frame types sent from client to server.
const (
	FrameJoin    = "join"
	FrameMessage = "message"
	FrameLeave   = "leave"
	FrameTyping  = "typing"
	FrameMove    = "move"
)

// Error codes carried in ErrorPayload.Code.
const (
	ErrCodeRoomFull    = "room_full"
	ErrCodeBadFrame    = "bad_frame"
	ErrCodeRateLimited = "rate_limited"
	ErrCodeInternal    = "internal"
	ErrCodeUnavailable = "state_unavailable"
)
