// Package host runs the engagement controller: the single consumer of
// inbound client frames. It owns the join and leave lifecycle, the
// message pipeline from moderation through trigger detection, and the
// asynchronous generation of host replies.
package host

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"slices"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/atriumhq/atrium/internal/bus"
	"github.com/atriumhq/atrium/internal/config"
	"github.com/atriumhq/atrium/internal/engage"
	"github.com/atriumhq/atrium/internal/identity"
	"github.com/atriumhq/atrium/internal/llm"
	"github.com/atriumhq/atrium/internal/moderation"
	"github.com/atriumhq/atrium/internal/prompt"
	"github.com/atriumhq/atrium/internal/sentiment"
	"github.com/atriumhq/atrium/internal/statestore"
	"github.com/atriumhq/atrium/internal/telemetry"
	"github.com/atriumhq/atrium/pkg/protocol"
)

// generationTimeout bounds one host reply end to end. When it expires
// the provider chain degrades to the request's fallback line, so the
// room still hears something.
const generationTimeout = 60 * time.Second

// hostSenderID is the synthetic sender id on host-authored messages.
const hostSenderID = "host"

// ControllerConfig wires the controller's collaborators. Classifier,
// Moderator, and Identities may be nil; no-op implementations are
// substituted.
type ControllerConfig struct {
	Config     *config.Config
	Frames     bus.FrameRouter
	Events     bus.EventPublisher
	Users      *engage.UserContextManager
	Rooms      *engage.RoomStateManager
	Classifier sentiment.Classifier
	Moderator  moderation.Moderator
	Identities identity.Resolver
	Personas   *prompt.Registry
	Builder    *prompt.Orchestrator
	Generator  llm.Generator
}

// Controller consumes inbound frames in order and drives everything
// that follows from them. Frame handling is synchronous; only reply
// generation runs in the background, at most one per room.
type Controller struct {
	cfg        *config.Config
	frames     bus.FrameRouter
	events     bus.EventPublisher
	users      *engage.UserContextManager
	rooms      *engage.RoomStateManager
	classifier sentiment.Classifier
	moderator  moderation.Moderator
	identities identity.Resolver
	personas   *prompt.Registry
	builder    *prompt.Orchestrator
	generator  llm.Generator
	detector   *engage.Detector
	monitors   *engage.Registry

	// Set once at Run start; generation goroutines derive from it so a
	// room closing never cancels a reply already in flight.
	runCtx context.Context

	mu       sync.Mutex
	inflight map[string]bool
	limiters map[string]*rate.Limiter

	wg  sync.WaitGroup
	now func() time.Time
}

func NewController(cc ControllerConfig) *Controller {
	if cc.Classifier == nil {
		cc.Classifier = sentiment.NewKeyword()
	}
	if cc.Moderator == nil {
		cc.Moderator = moderation.Allow{}
	}
	if cc.Identities == nil {
		cc.Identities = identity.Null{}
	}

	c := &Controller{
		cfg:        cc.Config,
		frames:     cc.Frames,
		events:     cc.Events,
		users:      cc.Users,
		rooms:      cc.Rooms,
		classifier: cc.Classifier,
		moderator:  cc.Moderator,
		identities: cc.Identities,
		personas:   cc.Personas,
		builder:    cc.Builder,
		generator:  cc.Generator,
		detector:   engage.NewDetector(),
		inflight:   make(map[string]bool),
		limiters:   make(map[string]*rate.Limiter),
		now:        time.Now,
	}
	c.monitors = engage.NewRegistry(func(roomID string) *engage.Monitor {
		return engage.NewMonitor(roomID, c.users, c.rooms, c.cfg.EngagementSettings,
			func(_ context.Context, trig engage.Trigger) { c.respond(roomID, trig) })
	})
	return c
}

// Run consumes frames until ctx is cancelled, then stops every room
// monitor and waits for in-flight generation to finish.
func (c *Controller) Run(ctx context.Context) {
	c.runCtx = ctx
	slog.Info("engagement controller started")
	for {
		frame, ok := c.frames.ConsumeFrame(ctx)
		if !ok {
			break
		}
		c.dispatch(ctx, frame)
	}
	c.monitors.Close()
	c.wg.Wait()
	slog.Info("engagement controller stopped")
}

// Monitors exposes the room monitor registry for maintenance sweeps.
func (c *Controller) Monitors() *engage.Registry { return c.monitors }

// dispatch routes one frame. A panic in any handler is caught here:
// the origin user gets a generic error event and the loop lives on.
func (c *Controller) dispatch(ctx context.Context, f bus.Frame) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("frame handler panicked",
				"type", f.Type, "room_id", f.RoomID, "user_id", f.UserID,
				"panic", r, "stack", string(debug.Stack()))
			c.sendError(f, protocol.ErrCodeInternal, "something went wrong handling that")
		}
	}()

	var err error
	switch f.Type {
	case protocol.FrameJoin:
		err = c.handleJoin(ctx, f)
	case protocol.FrameMessage:
		err = c.handleMessage(ctx, f)
	case protocol.FrameLeave:
		err = c.handleLeave(ctx, f)
	case protocol.FrameTyping:
		c.handleTyping(f)
	case protocol.FrameMove:
		c.handleMove(f)
	default:
		c.sendError(f, protocol.ErrCodeBadFrame, "unknown frame type "+f.Type)
		return
	}
	if err != nil {
		c.routeError(f, err)
	}
}

func (c *Controller) routeError(f bus.Frame, err error) {
	if errors.Is(err, statestore.ErrUnavailable) {
		slog.Error("state store unavailable", "type", f.Type, "room_id", f.RoomID, "error", err)
		c.sendError(f, protocol.ErrCodeUnavailable, "state is temporarily unavailable, please retry")
		return
	}
	slog.Error("frame handling failed", "type", f.Type, "room_id", f.RoomID, "user_id", f.UserID, "error", err)
	c.sendError(f, protocol.ErrCodeInternal, "something went wrong handling that")
}

func (c *Controller) sendError(f bus.Frame, code, msg string) {
	c.events.Broadcast(bus.Event{
		Name:    protocol.EventError,
		RoomID:  f.RoomID,
		UserID:  f.UserID,
		Payload: protocol.ErrorPayload{Code: code, Message: msg},
	})
}

func (c *Controller) handleJoin(ctx context.Context, f bus.Frame) error {
	if f.RoomID == "" || f.UserID == "" {
		c.sendError(f, protocol.ErrCodeBadFrame, "join requires room_id and user_id")
		return nil
	}
	name := displayName(f)

	members, err := c.rooms.Members(ctx, f.RoomID)
	if err != nil {
		return err
	}
	limit := c.cfg.EngagementSettings().MaxUsersPerRoom
	if limit > 0 && len(members) >= limit && !slices.Contains(members, f.UserID) {
		c.sendError(f, protocol.ErrCodeRoomFull, "this room is at capacity")
		return nil
	}

	if err := c.identities.Upsert(ctx, f.UserID, name); err != nil {
		slog.Warn("identity upsert failed", "user_id", f.UserID, "error", err)
	}

	uc, err := c.users.Initialize(ctx, f.UserID, f.RoomID, name, f.Avatar)
	if err != nil {
		return err
	}

	state, found, err := c.rooms.Get(ctx, f.RoomID)
	if err != nil {
		return err
	}
	if !found {
		state, err = c.rooms.Initialize(ctx, f.RoomID, f.RoomType, c.personas.Name(f.RoomType))
		if err != nil {
			return err
		}
	}

	if _, err := c.rooms.AddUser(ctx, f.RoomID, f.UserID, name); err != nil {
		return err
	}
	c.monitors.Watch(c.runCtx, f.RoomID)

	memberList, err := c.memberList(ctx, f.RoomID)
	if err != nil {
		return err
	}
	c.events.Broadcast(bus.Event{
		Name:   protocol.EventUserJoined,
		RoomID: f.RoomID,
		Payload: protocol.PresencePayload{
			RoomID:      f.RoomID,
			UserID:      f.UserID,
			DisplayName: name,
			Members:     memberList,
		},
	})

	history, err := c.rooms.History(ctx, f.RoomID, c.cfg.State.HistoryLimit)
	if err != nil {
		return err
	}
	personaName := state.Persona
	if personaName == "" {
		personaName = c.personas.Name(state.RoomType)
	}
	c.events.Broadcast(bus.Event{
		Name:   protocol.EventRoomSnapshot,
		RoomID: f.RoomID,
		UserID: f.UserID,
		Payload: protocol.SnapshotPayload{
			RoomID:   f.RoomID,
			RoomType: state.RoomType,
			Persona:  personaName,
			Topic:    state.Topic,
			Members:  memberList,
			History:  chronological(history),
		},
	})

	slog.Info("user joined", "room_id", f.RoomID, "user_id", f.UserID, "rejoin", !uc.IsNew)

	if trig := c.detector.CheckNewUser(uc); trig != nil {
		c.respond(f.RoomID, *trig)
	}
	return nil
}

func (c *Controller) handleMessage(ctx context.Context, f bus.Frame) error {
	if f.RoomID == "" || f.UserID == "" {
		c.sendError(f, protocol.ErrCodeBadFrame, "message requires room_id and user_id")
		return nil
	}
	content := strings.TrimSpace(f.Content)
	if content == "" {
		return nil
	}
	if max := c.cfg.Gateway.MaxMessageChars; max > 0 && utf8.RuneCountInString(content) > max {
		c.sendError(f, protocol.ErrCodeBadFrame, fmt.Sprintf("message exceeds %d characters", max))
		return nil
	}
	name := displayName(f)

	verdict, err := c.moderator.Screen(ctx, f.UserID, content)
	if err != nil {
		// Screening trouble never blocks the room.
		slog.Warn("moderation screen failed", "user_id", f.UserID, "error", err)
		verdict = moderation.Verdict{Action: moderation.ActionAllow}
	}
	switch verdict.Action {
	case moderation.ActionMute, moderation.ActionBan:
		c.notifyModeration(f, verdict)
		slog.Info("message suppressed", "room_id", f.RoomID, "user_id", f.UserID, "action", verdict.Action)
		return nil
	case moderation.ActionWarn:
		c.notifyModeration(f, verdict)
	case moderation.ActionAlert:
		slog.Warn("moderation alert", "room_id", f.RoomID, "user_id", f.UserID, "reason", verdict.Reason)
	}

	// One classification per message; every consumer downstream works
	// from these signals.
	sig := c.classifier.Classify(ctx, content)
	mood := string(sig.Label)

	uc, err := c.users.UpdateOnMessage(ctx, f.UserID, content, mood)
	if err != nil {
		return err
	}
	if uc == nil {
		// Session expired mid-room. Rebuild it, then fold the message in.
		if _, err := c.users.Initialize(ctx, f.UserID, f.RoomID, name, f.Avatar); err != nil {
			return err
		}
		if uc, err = c.users.UpdateOnMessage(ctx, f.UserID, content, mood); err != nil {
			return err
		}
		if uc == nil {
			return fmt.Errorf("user context for %s vanished during update", f.UserID)
		}
	}

	entry := engage.HistoryEntry{
		ID:       uuid.Must(uuid.NewV7()).String(),
		RoomID:   f.RoomID,
		UserID:   f.UserID,
		Username: name,
		Content:  content,
		Kind:     engage.EntryUser,
		Mood:     mood,
		Ts:       c.now(),
	}
	if err := c.rooms.RecordMessage(ctx, f.RoomID, entry); err != nil {
		return err
	}
	if err := c.identities.RecordMessage(ctx, f.UserID); err != nil {
		slog.Warn("identity message counter failed", "user_id", f.UserID, "error", err)
	}

	c.events.Broadcast(bus.Event{
		Name:    protocol.EventMessage,
		RoomID:  f.RoomID,
		Payload: messagePayload(entry),
	})

	state, found, err := c.rooms.Get(ctx, f.RoomID)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}

	trig := c.detector.Detect(engage.Input{
		Message: content,
		Signals: sig,
		User:    uc,
		Room:    state,
		Persona: c.personas.ForRoom(state.RoomType).Name,
	})
	if trig != nil {
		c.respond(f.RoomID, *trig)
	}
	return nil
}

func (c *Controller) handleLeave(ctx context.Context, f bus.Frame) error {
	if f.RoomID == "" || f.UserID == "" {
		c.sendError(f, protocol.ErrCodeBadFrame, "leave requires room_id and user_id")
		return nil
	}

	remaining, err := c.rooms.RemoveUser(ctx, f.RoomID, f.UserID)
	if err != nil {
		return err
	}
	// The user's own context is left to its TTL so a quick rejoin
	// resumes the session.

	var memberList []protocol.Member
	if remaining == 0 {
		c.monitors.Unwatch(f.RoomID)
		c.forget(f.RoomID)
		if err := c.rooms.Drop(ctx, f.RoomID); err != nil {
			slog.Warn("room teardown failed", "room_id", f.RoomID, "error", err)
		}
		slog.Info("room emptied", "room_id", f.RoomID)
	} else {
		if memberList, err = c.memberList(ctx, f.RoomID); err != nil {
			slog.Warn("presence list after leave failed", "room_id", f.RoomID, "error", err)
		}
	}

	c.events.Broadcast(bus.Event{
		Name:   protocol.EventUserLeft,
		RoomID: f.RoomID,
		Payload: protocol.PresencePayload{
			RoomID:      f.RoomID,
			UserID:      f.UserID,
			DisplayName: displayName(f),
			Members:     memberList,
		},
	})
	return nil
}

func (c *Controller) handleTyping(f bus.Frame) {
	if f.RoomID == "" || f.UserID == "" {
		return
	}
	c.events.Broadcast(bus.Event{
		Name:   protocol.EventTyping,
		RoomID: f.RoomID,
		Payload: protocol.TypingPayload{
			RoomID:      f.RoomID,
			UserID:      f.UserID,
			DisplayName: displayName(f),
			Active:      f.Content != "stop",
		},
	})
}

func (c *Controller) handleMove(f bus.Frame) {
	if f.RoomID == "" || f.UserID == "" {
		return
	}
	c.events.Broadcast(bus.Event{
		Name:   protocol.EventUserMoved,
		RoomID: f.RoomID,
		Payload: protocol.MovePayload{
			RoomID: f.RoomID,
			UserID: f.UserID,
			X:      f.X,
			Y:      f.Y,
		},
	})
}

func (c *Controller) notifyModeration(f bus.Frame, v moderation.Verdict) {
	c.events.Broadcast(bus.Event{
		Name:   protocol.EventModeration,
		RoomID: f.RoomID,
		UserID: f.UserID,
		Payload: protocol.ModerationPayload{
			RoomID: f.RoomID,
			UserID: f.UserID,
			Action: string(v.Action),
			Reason: v.Reason,
		},
	})
}

// respond launches one asynchronous host reply for a fired trigger.
// At most one generation runs per room; triggers arriving while one is
// in flight are dropped, as are triggers over the host rate cap.
func (c *Controller) respond(roomID string, trig engage.Trigger) {
	if !c.acquire(roomID) {
		slog.Debug("dropping trigger, generation in flight", "room_id", roomID, "trigger", trig.Type)
		return
	}
	if !c.limiter(roomID).Allow() {
		c.release(roomID)
		slog.Debug("dropping trigger, host rate cap", "room_id", roomID, "trigger", trig.Type)
		return
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer c.release(roomID)
		ctx, cancel := context.WithTimeout(c.runCtx, generationTimeout)
		defer cancel()
		c.generate(ctx, roomID, trig)
	}()
}

func (c *Controller) generate(ctx context.Context, roomID string, trig engage.Trigger) {
	ctx, span := telemetry.Tracer().Start(ctx, "host.generate", trace.WithAttributes(
		attribute.String("room.id", roomID),
		attribute.String("trigger.type", string(trig.Type)),
	))
	defer span.End()

	req, err := c.builder.Build(ctx, roomID, trig)
	if err != nil {
		span.RecordError(err)
		slog.Warn("prompt build failed", "room_id", roomID, "trigger", trig.Type, "error", err)
		return
	}

	start := time.Now()
	text, _ := c.generator.Generate(ctx, req)
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}

	// The room may have emptied while tokens were streaming in.
	state, found, err := c.rooms.Get(ctx, roomID)
	if err != nil || !found {
		slog.Info("dropping host reply, room is gone", "room_id", roomID, "trigger", trig.Type)
		return
	}

	entry := engage.HistoryEntry{
		ID:       uuid.Must(uuid.NewV7()).String(),
		RoomID:   roomID,
		UserID:   hostSenderID,
		Username: c.personas.ForRoom(state.RoomType).Name,
		Content:  text,
		Kind:     engage.EntryHost,
		Trigger:  string(trig.Type),
		Ts:       c.now(),
	}
	if err := c.rooms.RecordMessage(ctx, roomID, entry); err != nil {
		slog.Warn("recording host reply failed", "room_id", roomID, "error", err)
	}
	if trig.TargetUser != "" {
		if err := c.identities.AddEngagement(ctx, trig.TargetUser, 1); err != nil {
			slog.Warn("engagement credit failed", "user_id", trig.TargetUser, "error", err)
		}
	}

	c.events.Broadcast(bus.Event{
		Name:    protocol.EventHostMessage,
		RoomID:  roomID,
		Payload: messagePayload(entry),
	})
	slog.Info("host reply sent", "room_id", roomID, "trigger", trig.Type,
		"priority", trig.Priority, "elapsed", time.Since(start).Round(time.Millisecond))
}

func (c *Controller) acquire(roomID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inflight[roomID] {
		return false
	}
	c.inflight[roomID] = true
	return true
}

func (c *Controller) release(roomID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.inflight, roomID)
}

// limiter returns the per-room host rate limiter, created on first use
// from the current config.
func (c *Controller) limiter(roomID string) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	if l, ok := c.limiters[roomID]; ok {
		return l
	}
	perMin := c.cfg.EngagementSettings().HostMessagesPerMin
	if perMin <= 0 {
		perMin = 6
	}
	l := rate.NewLimiter(rate.Limit(float64(perMin)/60), 2)
	c.limiters[roomID] = l
	return l
}

// forget drops per-room throttle state once a room is torn down.
func (c *Controller) forget(roomID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.limiters, roomID)
}

func (c *Controller) memberList(ctx context.Context, roomID string) ([]protocol.Member, error) {
	state, found, err := c.rooms.Get(ctx, roomID)
	if err != nil || !found {
		return nil, err
	}
	out := make([]protocol.Member, 0, len(state.Users))
	for _, u := range state.Users {
		out = append(out, protocol.Member{UserID: u.ID, DisplayName: u.Name})
	}
	return out, nil
}

func messagePayload(e engage.HistoryEntry) protocol.MessagePayload {
	return protocol.MessagePayload{
		ID:         e.ID,
		RoomID:     e.RoomID,
		SenderID:   e.UserID,
		SenderName: e.Username,
		Content:    e.Content,
		Kind:       e.Kind,
		Trigger:    e.Trigger,
		SentAt:     e.Ts,
	}
}

// chronological converts newest-first history into the oldest-first
// order snapshots present to clients.
func chronological(history []engage.HistoryEntry) []protocol.MessagePayload {
	out := make([]protocol.MessagePayload, 0, len(history))
	for i := len(history) - 1; i >= 0; i-- {
		out = append(out, messagePayload(history[i]))
	}
	return out
}

func displayName(f bus.Frame) string {
	if f.DisplayName != "" {
		return f.DisplayName
	}
	return f.UserID
}
