package cmd

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"github.com/mattn/go-runewidth"
	"github.com/spf13/cobra"

	"github.com/atriumhq/atrium/internal/config"
	"github.com/atriumhq/atrium/pkg/protocol"
)

const nameColWidth = 16

var (
	chatRoom     string
	chatRoomType string
	chatUserID   string
	chatName     string
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Join a room from the terminal",
	Long: `Connects to a running Atrium server as a regular room member.
Type to talk; exit or quit leaves the room.`,
	RunE: runChat,
}

func init() {
	chatCmd.Flags().StringVarP(&chatRoom, "room", "r", "main_lounge", "room to join")
	chatCmd.Flags().StringVarP(&chatRoomType, "type", "t", "casual_lounge", "room type if the room does not exist yet")
	chatCmd.Flags().StringVarP(&chatUserID, "user", "u", "", "user id (default a generated guest id)")
	chatCmd.Flags().StringVarP(&chatName, "name", "n", "", "display name (default the user id)")
}

func runChat(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	addr := dialableAddr(cfg)
	if !tcpReachable(addr) {
		return fmt.Errorf("no server at %s, start one with 'atrium'", addr)
	}

	userID := chatUserID
	if userID == "" {
		userID = "guest-" + uuid.NewString()[:8]
	}
	displayName := chatName
	if displayName == "" {
		displayName = userID
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	conn, _, err := websocket.Dial(ctx, "ws://"+addr+"/ws", nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.CloseNow()

	join := protocol.ClientFrame{
		Type:        protocol.FrameJoin,
		RoomID:      chatRoom,
		RoomType:    chatRoomType,
		UserID:      userID,
		DisplayName: displayName,
	}
	if err := wsjson.Write(ctx, conn, join); err != nil {
		return fmt.Errorf("join %s: %w", chatRoom, err)
	}
	fmt.Fprintf(os.Stderr, "joined %s as %s, type to talk (exit to leave)\n", chatRoom, displayName)

	readErr := make(chan error, 1)
	go func() {
		for {
			var ev protocol.Event
			if err := wsjson.Read(ctx, conn, &ev); err != nil {
				readErr <- err
				return
			}
			if !renderEvent(&ev) {
				readErr <- nil
				return
			}
		}
	}()

	lines := make(chan string)
	go func() {
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
		close(lines)
	}()

	for {
		fmt.Fprint(os.Stderr, "> ")
		select {
		case <-ctx.Done():
			fmt.Fprintln(os.Stderr, "\nleaving")
			leaveAndClose(conn)
			return nil
		case err := <-readErr:
			if err == nil || errors.Is(err, context.Canceled) ||
				websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				fmt.Fprintln(os.Stderr, "\nconnection closed")
				return nil
			}
			return fmt.Errorf("connection lost: %w", err)
		case line, ok := <-lines:
			if !ok {
				leaveAndClose(conn)
				return nil
			}
			text := strings.TrimSpace(line)
			switch text {
			case "":
				continue
			case "exit", "quit":
				leaveAndClose(conn)
				return nil
			}
			msg := protocol.ClientFrame{Type: protocol.FrameMessage, Content: text}
			if err := wsjson.Write(ctx, conn, msg); err != nil {
				return fmt.Errorf("send failed: %w", err)
			}
		}
	}
}

func leaveAndClose(conn *websocket.Conn) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = wsjson.Write(ctx, conn, protocol.ClientFrame{Type: protocol.FrameLeave})
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

// renderEvent prints one server event. It returns false when the
// server announced shutdown and the client should stop.
func renderEvent(ev *protocol.Event) bool {
	switch ev.Name {
	case protocol.EventRoomSnapshot:
		var p protocol.SnapshotPayload
		if decodePayload(ev.Payload, &p) != nil {
			return true
		}
		names := make([]string, 0, len(p.Members))
		for _, m := range p.Members {
			names = append(names, m.DisplayName)
		}
		fmt.Printf("room %s (%s), hosted by %s\n", p.RoomID, p.RoomType, p.Persona)
		if p.Topic != "" {
			fmt.Printf("topic: %s\n", p.Topic)
		}
		fmt.Printf("here now: %s\n", strings.Join(names, ", "))
		for i := len(p.History) - 1; i >= 0; i-- {
			printMessage(&p.History[i])
		}
	case protocol.EventMessage, protocol.EventHostMessage:
		var p protocol.MessagePayload
		if decodePayload(ev.Payload, &p) != nil {
			return true
		}
		printMessage(&p)
	case protocol.EventUserJoined:
		var p protocol.PresencePayload
		if decodePayload(ev.Payload, &p) != nil {
			return true
		}
		fmt.Printf("* %s joined (%d here)\n", p.DisplayName, len(p.Members))
	case protocol.EventUserLeft:
		var p protocol.PresencePayload
		if decodePayload(ev.Payload, &p) != nil {
			return true
		}
		fmt.Printf("* %s left (%d here)\n", p.DisplayName, len(p.Members))
	case protocol.EventModeration:
		var p protocol.ModerationPayload
		if decodePayload(ev.Payload, &p) != nil {
			return true
		}
		fmt.Printf("! message %s: %s\n", p.Action, p.Reason)
	case protocol.EventError:
		var p protocol.ErrorPayload
		if decodePayload(ev.Payload, &p) != nil {
			return true
		}
		fmt.Printf("! error (%s): %s\n", p.Code, p.Message)
	case protocol.EventShutdown:
		fmt.Println("! server is shutting down")
		return false
	case protocol.EventTyping, protocol.EventUserMoved:
		// Indicators for graphical clients; the terminal skips them.
	}
	return true
}

func printMessage(p *protocol.MessagePayload) {
	marker := " "
	if p.Kind == "host" {
		marker = "*"
	}
	line := fmt.Sprintf("%s %s %s %s",
		p.SentAt.Local().Format("15:04"),
		marker, padName(p.SenderName), p.Content)
	if p.Trigger != "" {
		line += fmt.Sprintf("  [%s]", p.Trigger)
	}
	fmt.Println(line)
}

// padName clips and pads display names so the transcript stays in
// columns even with wide CJK characters.
func padName(name string) string {
	return runewidth.FillRight(runewidth.Truncate(name, nameColWidth, "…"), nameColWidth)
}

func decodePayload(payload, dst any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, dst)
}

// dialableAddr turns the configured listen address into one a local
// client can connect to.
func dialableAddr(cfg *config.Config) string {
	host := cfg.Gateway.Host
	if host == "0.0.0.0" || host == "::" || host == "" {
		host = "127.0.0.1"
	}
	return fmt.Sprintf("%s:%d", host, cfg.Gateway.Port)
}

func tcpReachable(addr string) bool {
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
