// Package janitor runs the scheduled maintenance sweep: membership sets
// are reconciled against expired user contexts, monitors for emptied
// rooms are retired, and activity counts are reported.
package janitor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"

	"github.com/atriumhq/atrium/internal/engage"
	"github.com/atriumhq/atrium/internal/identity"
)

// Janitor sweeps live rooms on a cron schedule. Sessions expire by TTL
// in the state store, but the membership set for a room can outlive the
// contexts it points at; the sweep is what eventually removes those
// ghost entries even when nobody joins to trigger reconciliation.
type Janitor struct {
	schedule   string
	users      *engage.UserContextManager
	rooms      *engage.RoomStateManager
	monitors   *engage.Registry
	identities identity.Resolver
	gron       *gronx.Gronx
}

// New validates the cron schedule and builds a sweeper over the managers.
func New(schedule string, users *engage.UserContextManager, rooms *engage.RoomStateManager, monitors *engage.Registry, identities identity.Resolver) (*Janitor, error) {
	g := gronx.New()
	if !g.IsValid(schedule) {
		return nil, fmt.Errorf("invalid janitor schedule %q", schedule)
	}
	if identities == nil {
		identities = identity.Null{}
	}
	return &Janitor{
		schedule:   schedule,
		users:      users,
		rooms:      rooms,
		monitors:   monitors,
		identities: identities,
		gron:       g,
	}, nil
}

// Run ticks once a minute and sweeps whenever the schedule is due.
// Blocks until ctx is cancelled.
func (j *Janitor) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			due, err := j.gron.IsDue(j.schedule, now)
			if err != nil {
				slog.Warn("janitor schedule check failed", "schedule", j.schedule, "error", err)
				continue
			}
			if due {
				j.Sweep(ctx)
			}
		}
	}
}

// Sweep runs one maintenance pass over every watched room.
func (j *Janitor) Sweep(ctx context.Context) {
	start := time.Now()
	roomIDs := j.monitors.Active()

	pruned, closed := 0, 0
	for _, roomID := range roomIDs {
		p, emptied, err := j.sweepRoom(ctx, roomID)
		if err != nil {
			slog.Warn("janitor room sweep failed", "room", roomID, "error", err)
			continue
		}
		pruned += p
		if emptied {
			closed++
		}
	}

	active, err := j.identities.CountActiveSince(ctx, start.Add(-24*time.Hour))
	if err != nil {
		slog.Warn("janitor activity count failed", "error", err)
	}

	slog.Info("janitor sweep complete",
		"rooms", len(roomIDs),
		"pruned", pruned,
		"closed", closed,
		"active_24h", active,
		"elapsed", time.Since(start).Round(time.Millisecond))
}

// sweepRoom removes members whose context has expired or points at a
// different room, and tears the room down if nobody is left.
func (j *Janitor) sweepRoom(ctx context.Context, roomID string) (int, bool, error) {
	members, err := j.rooms.Members(ctx, roomID)
	if err != nil {
		return 0, false, err
	}

	pruned := 0
	for _, userID := range members {
		uc, found, err := j.users.Get(ctx, userID)
		if err != nil {
			return pruned, false, err
		}
		if found && uc.CurrentRoom == roomID {
			continue
		}
		if _, err := j.rooms.RemoveUser(ctx, roomID, userID); err != nil {
			return pruned, false, err
		}
		pruned++
		slog.Debug("janitor pruned ghost member", "room", roomID, "user", userID)
	}

	remaining, err := j.rooms.MemberCount(ctx, roomID)
	if err != nil {
		return pruned, false, err
	}
	if remaining > 0 {
		return pruned, false, nil
	}

	j.monitors.Unwatch(roomID)
	if err := j.rooms.Drop(ctx, roomID); err != nil {
		return pruned, true, err
	}
	slog.Info("janitor closed empty room", "room", roomID)
	return pruned, true, nil
}
