package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/atriumhq/atrium/internal/bus"
	"github.com/atriumhq/atrium/internal/config"
	"github.com/atriumhq/atrium/pkg/protocol"
)

type gatewayFixture struct {
	cfg    *config.Config
	bus    *bus.Bus
	server *Server
	addr   string
}

func newGatewayFixture(t *testing.T, tune func(*config.Config)) *gatewayFixture {
	t.Helper()

	cfg := config.Default()
	if tune != nil {
		tune(cfg)
	}

	b := bus.New()
	s := NewServer(cfg, b, b)

	ctx, cancel := context.WithCancel(context.Background())
	addr, start := StartTestServer(s, ctx)
	go start()
	t.Cleanup(cancel)

	f := &gatewayFixture{cfg: cfg, bus: b, server: s, addr: addr}
	f.waitHealthy(t)
	return f
}

func (f *gatewayFixture) waitHealthy(t *testing.T) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get("http://" + f.addr + "/health")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("gateway did not become healthy")
}

func (f *gatewayFixture) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws://"+f.addr+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func (f *gatewayFixture) nextFrame(t *testing.T) bus.Frame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	frame, ok := f.bus.ConsumeFrame(ctx)
	if !ok {
		t.Fatal("no frame arrived on the bus before timeout")
	}
	return frame
}

func (f *gatewayFixture) expectNoFrame(t *testing.T, within time.Duration) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), within)
	defer cancel()
	if frame, ok := f.bus.ConsumeFrame(ctx); ok {
		t.Fatalf("unexpected frame on the bus: %+v", frame)
	}
}

func sendFrame(t *testing.T, conn *websocket.Conn, f protocol.ClientFrame) {
	t.Helper()
	if err := conn.WriteJSON(f); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

// readEvent scans the connection until an event with the wanted name
// arrives, skipping others.
func readEvent(t *testing.T, conn *websocket.Conn, want string) protocol.Event {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		var ev protocol.Event
		if err := conn.ReadJSON(&ev); err != nil {
			t.Fatalf("waiting for %q: %v", want, err)
		}
		if ev.Name == want {
			return ev
		}
	}
}

// readFirstEvent returns the very next event on the connection, used to
// prove that a filtered event never arrived.
func readFirstEvent(t *testing.T, conn *websocket.Conn) protocol.Event {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var ev protocol.Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read event: %v", err)
	}
	return ev
}

func decodePayload(t *testing.T, ev protocol.Event, dst any) {
	t.Helper()
	raw, err := json.Marshal(ev.Payload)
	if err != nil {
		t.Fatalf("re-marshal payload: %v", err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
}

func joinFrame(roomID, userID, displayName string) protocol.ClientFrame {
	return protocol.ClientFrame{
		Type:        protocol.FrameJoin,
		RoomID:      roomID,
		RoomType:    "casual_lounge",
		UserID:      userID,
		DisplayName: displayName,
	}
}

func TestHealthEndpoint(t *testing.T) {
	f := newGatewayFixture(t, nil)

	resp, err := http.Get("http://" + f.addr + "/health")
	if err != nil {
		t.Fatalf("health request: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `"status":"ok"`) {
		t.Fatalf("unexpected health body: %s", body)
	}
	if !strings.Contains(string(body), `"protocol":1`) {
		t.Fatalf("health body missing protocol version: %s", body)
	}
}

func TestJoinFrameReachesBus(t *testing.T) {
	f := newGatewayFixture(t, nil)
	conn := f.dial(t)

	sendFrame(t, conn, joinFrame("lounge", "u1", "Ann"))

	frame := f.nextFrame(t)
	if frame.Type != protocol.FrameJoin {
		t.Fatalf("frame type = %q, want join", frame.Type)
	}
	if frame.RoomID != "lounge" || frame.UserID != "u1" || frame.DisplayName != "Ann" {
		t.Fatalf("frame identity mismatch: %+v", frame)
	}
	if frame.RoomType != "casual_lounge" {
		t.Fatalf("room type = %q", frame.RoomType)
	}
	if frame.ConnID == "" {
		t.Fatal("frame should carry the connection id")
	}
	if frame.ReceivedAt.IsZero() {
		t.Fatal("frame should be stamped with a receive time")
	}
}

func TestEventRoutingByRoom(t *testing.T) {
	f := newGatewayFixture(t, nil)

	alpha := f.dial(t)
	beta := f.dial(t)
	sendFrame(t, alpha, joinFrame("room-alpha", "u1", "Ann"))
	f.nextFrame(t)
	sendFrame(t, beta, joinFrame("room-beta", "u2", "Bob"))
	f.nextFrame(t)

	f.bus.Broadcast(bus.Event{
		Name:    protocol.EventMessage,
		RoomID:  "room-alpha",
		Payload: protocol.MessagePayload{RoomID: "room-alpha", Content: "for alpha"},
	})
	f.bus.Broadcast(bus.Event{
		Name:    protocol.EventMessage,
		RoomID:  "room-beta",
		Payload: protocol.MessagePayload{RoomID: "room-beta", Content: "for beta"},
	})

	var got protocol.MessagePayload
	decodePayload(t, readFirstEvent(t, alpha), &got)
	if got.Content != "for alpha" {
		t.Fatalf("alpha client got %q, want the alpha message", got.Content)
	}

	// Beta's first event must be its own room's message; receiving the
	// alpha message first would mean room filtering failed.
	decodePayload(t, readFirstEvent(t, beta), &got)
	if got.Content != "for beta" {
		t.Fatalf("beta client got %q, want the beta message", got.Content)
	}
}

func TestEventRoutingByUser(t *testing.T) {
	f := newGatewayFixture(t, nil)

	c1 := f.dial(t)
	c2 := f.dial(t)
	sendFrame(t, c1, joinFrame("lounge", "u1", "Ann"))
	f.nextFrame(t)
	sendFrame(t, c2, joinFrame("lounge", "u2", "Bob"))
	f.nextFrame(t)

	f.bus.Broadcast(bus.Event{
		Name:    protocol.EventModeration,
		RoomID:  "lounge",
		UserID:  "u2",
		Payload: protocol.ModerationPayload{RoomID: "lounge", UserID: "u2", Action: "warn"},
	})
	f.bus.Broadcast(bus.Event{
		Name:    protocol.EventMessage,
		RoomID:  "lounge",
		Payload: protocol.MessagePayload{RoomID: "lounge", Content: "hello room"},
	})

	if ev := readFirstEvent(t, c2); ev.Name != protocol.EventModeration {
		t.Fatalf("targeted client first event = %q, want moderation.notice", ev.Name)
	}

	// The warning was addressed to u2 only, so u1's first event must be
	// the room-wide message.
	if ev := readFirstEvent(t, c1); ev.Name != protocol.EventMessage {
		t.Fatalf("untargeted client first event = %q, want message.new", ev.Name)
	}
}

func TestTypingNotEchoedToOrigin(t *testing.T) {
	f := newGatewayFixture(t, nil)

	c1 := f.dial(t)
	c2 := f.dial(t)
	sendFrame(t, c1, joinFrame("lounge", "u1", "Ann"))
	f.nextFrame(t)
	sendFrame(t, c2, joinFrame("lounge", "u2", "Bob"))
	f.nextFrame(t)

	f.bus.Broadcast(bus.Event{
		Name:    protocol.EventTyping,
		RoomID:  "lounge",
		Payload: protocol.TypingPayload{RoomID: "lounge", UserID: "u1", Active: true},
	})
	f.bus.Broadcast(bus.Event{
		Name:    protocol.EventMessage,
		RoomID:  "lounge",
		Payload: protocol.MessagePayload{RoomID: "lounge", Content: "after typing"},
	})

	var typing protocol.TypingPayload
	decodePayload(t, readEvent(t, c2, protocol.EventTyping), &typing)
	if typing.UserID != "u1" || !typing.Active {
		t.Fatalf("typing payload mismatch: %+v", typing)
	}

	// The typist skips their own indicator, so their next event is the
	// message broadcast after it.
	if ev := readFirstEvent(t, c1); ev.Name != protocol.EventMessage {
		t.Fatalf("origin client first event = %q, want message.new", ev.Name)
	}
}

func TestUnknownFrameRejected(t *testing.T) {
	f := newGatewayFixture(t, nil)
	conn := f.dial(t)

	sendFrame(t, conn, protocol.ClientFrame{Type: "dance"})

	var perr protocol.ErrorPayload
	decodePayload(t, readEvent(t, conn, protocol.EventError), &perr)
	if perr.Code != protocol.ErrCodeBadFrame {
		t.Fatalf("error code = %q, want bad_frame", perr.Code)
	}
	f.expectNoFrame(t, 150*time.Millisecond)
}

func TestMessageBeforeJoinRejected(t *testing.T) {
	f := newGatewayFixture(t, nil)
	conn := f.dial(t)

	sendFrame(t, conn, protocol.ClientFrame{Type: protocol.FrameMessage, Content: "hello?"})

	var perr protocol.ErrorPayload
	decodePayload(t, readEvent(t, conn, protocol.EventError), &perr)
	if perr.Code != protocol.ErrCodeBadFrame {
		t.Fatalf("error code = %q, want bad_frame", perr.Code)
	}
	f.expectNoFrame(t, 150*time.Millisecond)
}

func TestSpoofedUserIDPinnedToConnection(t *testing.T) {
	f := newGatewayFixture(t, nil)
	conn := f.dial(t)

	sendFrame(t, conn, joinFrame("lounge", "u1", "Ann"))
	f.nextFrame(t)

	sendFrame(t, conn, protocol.ClientFrame{
		Type:    protocol.FrameMessage,
		UserID:  "u9",
		Content: "pretending to be someone else",
	})

	frame := f.nextFrame(t)
	if frame.UserID != "u1" {
		t.Fatalf("frame user = %q, want the bound identity u1", frame.UserID)
	}
	if frame.RoomID != "lounge" {
		t.Fatalf("frame room = %q, want the bound room", frame.RoomID)
	}
}

func TestMessageRateLimited(t *testing.T) {
	f := newGatewayFixture(t, func(cfg *config.Config) {
		cfg.Gateway.RateLimitPerMin = 3
	})
	conn := f.dial(t)

	sendFrame(t, conn, joinFrame("lounge", "u1", "Ann"))
	f.nextFrame(t)

	for i := 0; i < 3; i++ {
		sendFrame(t, conn, protocol.ClientFrame{Type: protocol.FrameMessage, Content: "hi"})
		f.nextFrame(t)
	}

	sendFrame(t, conn, protocol.ClientFrame{Type: protocol.FrameMessage, Content: "one too many"})

	var perr protocol.ErrorPayload
	decodePayload(t, readEvent(t, conn, protocol.EventError), &perr)
	if perr.Code != protocol.ErrCodeRateLimited {
		t.Fatalf("error code = %q, want rate_limited", perr.Code)
	}
	f.expectNoFrame(t, 150*time.Millisecond)
}

func TestDisconnectSynthesizesLeave(t *testing.T) {
	f := newGatewayFixture(t, nil)
	conn := f.dial(t)

	sendFrame(t, conn, joinFrame("lounge", "u1", "Ann"))
	f.nextFrame(t)

	conn.Close()

	frame := f.nextFrame(t)
	if frame.Type != protocol.FrameLeave {
		t.Fatalf("frame type = %q, want a synthesized leave", frame.Type)
	}
	if frame.RoomID != "lounge" || frame.UserID != "u1" {
		t.Fatalf("leave frame identity mismatch: %+v", frame)
	}
}

func TestExplicitLeaveNotDuplicatedOnDisconnect(t *testing.T) {
	f := newGatewayFixture(t, nil)
	conn := f.dial(t)

	sendFrame(t, conn, joinFrame("lounge", "u1", "Ann"))
	f.nextFrame(t)

	sendFrame(t, conn, protocol.ClientFrame{Type: protocol.FrameLeave})
	frame := f.nextFrame(t)
	if frame.Type != protocol.FrameLeave || frame.RoomID != "lounge" {
		t.Fatalf("explicit leave mismatch: %+v", frame)
	}

	conn.Close()
	f.expectNoFrame(t, 200*time.Millisecond)
}

func TestRoomSwitchEmitsLeaveForOldRoom(t *testing.T) {
	f := newGatewayFixture(t, nil)
	conn := f.dial(t)

	sendFrame(t, conn, joinFrame("room-alpha", "u1", "Ann"))
	f.nextFrame(t)

	sendFrame(t, conn, joinFrame("room-beta", "u1", "Ann"))

	leave := f.nextFrame(t)
	if leave.Type != protocol.FrameLeave || leave.RoomID != "room-alpha" {
		t.Fatalf("expected leave for the old room, got %+v", leave)
	}
	join := f.nextFrame(t)
	if join.Type != protocol.FrameJoin || join.RoomID != "room-beta" {
		t.Fatalf("expected join for the new room, got %+v", join)
	}
}

func TestOriginWhitelist(t *testing.T) {
	f := newGatewayFixture(t, func(cfg *config.Config) {
		cfg.Gateway.AllowedOrigins = []string{"https://app.example.com"}
	})

	dialWithOrigin := func(origin string) error {
		header := http.Header{}
		if origin != "" {
			header.Set("Origin", origin)
		}
		conn, _, err := websocket.DefaultDialer.Dial("ws://"+f.addr+"/ws", header)
		if err == nil {
			conn.Close()
		}
		return err
	}

	if err := dialWithOrigin("https://evil.example.com"); err == nil {
		t.Fatal("unlisted origin should be rejected")
	}
	if err := dialWithOrigin("https://app.example.com"); err != nil {
		t.Fatalf("whitelisted origin rejected: %v", err)
	}
	if err := dialWithOrigin(""); err != nil {
		t.Fatalf("originless client rejected: %v", err)
	}
}
