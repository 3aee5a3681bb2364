package engage

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/atriumhq/atrium/internal/config"
)

// Monitor is the autonomous channel for one room: it polls member
// silence and emits engagement triggers when the message path stays
// quiet. Interventions are spaced by action-specific cooldowns, never
// by the base poll interval, so the host cannot flood a room.
type Monitor struct {
	roomID   string
	users    *UserContextManager
	rooms    *RoomStateManager
	settings func() config.EngagementConfig
	emit     func(ctx context.Context, trig Trigger)
	now      func() time.Time
}

func NewMonitor(roomID string, users *UserContextManager, rooms *RoomStateManager, settings func() config.EngagementConfig, emit func(ctx context.Context, trig Trigger)) *Monitor {
	return &Monitor{
		roomID:   roomID,
		users:    users,
		rooms:    rooms,
		settings: settings,
		emit:     emit,
		now:      time.Now,
	}
}

// Run loops until ctx is cancelled. Each pass decides its own
// follow-up delay; errors inside a pass are logged and the loop
// carries on at the base interval.
func (m *Monitor) Run(ctx context.Context) {
	timer := time.NewTimer(m.settings().CheckInterval())
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		timer.Reset(m.tick(ctx))
	}
}

// tick runs one monitor pass and returns how long to sleep before the
// next: the action cooldown when a trigger fired, the base interval
// otherwise.
func (m *Monitor) tick(ctx context.Context) (next time.Duration) {
	es := m.settings()
	next = es.CheckInterval()
	defer func() {
		if r := recover(); r != nil {
			slog.Error("silence monitor tick panicked", "room_id", m.roomID, "panic", r)
			next = es.CheckInterval()
		}
	}()

	ids, err := m.rooms.Members(ctx, m.roomID)
	if err != nil {
		slog.Warn("silence monitor: list members", "room_id", m.roomID, "error", err)
		return next
	}
	if len(ids) == 0 {
		return next
	}

	var (
		starving *UserContext
		subPrio  Priority
		quiet    []string
	)
	for _, id := range ids {
		uc, err := m.users.UpdateSilence(ctx, id)
		if err != nil {
			slog.Warn("silence monitor: refresh silence", "room_id", m.roomID, "user_id", id, "error", err)
			continue
		}
		if uc == nil {
			// Session expired mid-room; join-time reconciliation will prune.
			continue
		}
		silence := time.Duration(uc.SilenceSecs) * time.Second
		if silence > es.UserSilenceThreshold() {
			quiet = append(quiet, uc.Name)
		}
		if starving != nil {
			continue
		}
		switch {
		case uc.MessageCount == 0 && silence > es.NewUserSilenceThreshold():
			starving, subPrio = uc, PriorityHigh
		case uc.MessageCount > 0 && silence > es.UserSilenceThreshold():
			starving, subPrio = uc, PriorityMedium
		}
	}

	sort.Strings(quiet)
	if err := m.rooms.RefreshQuiet(ctx, m.roomID, quiet); err != nil {
		slog.Warn("silence monitor: refresh quiet list", "room_id", m.roomID, "error", err)
	}

	// Per-user starvation outranks group silence; at most one trigger
	// per tick, first qualifying member wins.
	if starving != nil {
		m.emit(ctx, Trigger{
			Type:       TriggerIndividual,
			Priority:   subPrio,
			TargetUser: starving.UserID,
			Context:    fmt.Sprintf("%s has been quiet for %ds", starving.Name, starving.SilenceSecs),
		})
		return es.UserCooldown()
	}

	state, found, err := m.rooms.Get(ctx, m.roomID)
	if err != nil || !found {
		if err != nil {
			slog.Warn("silence monitor: load room state", "room_id", m.roomID, "error", err)
		}
		return next
	}
	if idle := m.now().Sub(state.LastMessageAt); idle >= es.GroupSilenceThreshold() {
		m.emit(ctx, Trigger{
			Type:     TriggerGroupSilence,
			Priority: PriorityMedium,
			Context:  fmt.Sprintf("no messages in the room for %ds", int(idle.Seconds())),
		})
		return es.GroupCooldown()
	}
	return next
}
