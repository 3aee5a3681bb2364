// Package bootstrap seeds the default rooms at startup so a fresh
// deployment has somewhere to land.
package bootstrap

import (
	"context"
	"log/slog"

	"github.com/atriumhq/atrium/internal/engage"
	"github.com/atriumhq/atrium/internal/prompt"
)

type seedRoom struct {
	ID   string
	Type string
}

// defaultRooms lists the rooms to seed, in order. Personas are resolved
// through the registry so config overrides apply to seeded rooms too.
var defaultRooms = []seedRoom{
	{ID: "main_lounge", Type: "casual_lounge"},
	{ID: "dnd_campaign_hall", Type: "dnd"},
	{ID: "aa_support_circle", Type: "alcoholics_anonymous"},
	{ID: "group_therapy_space", Type: "group_therapy"},
}

// EnsureDefaultRooms creates the default rooms that do not already
// exist (it will not overwrite a live room). Returns the ids that were
// created.
func EnsureDefaultRooms(ctx context.Context, rooms *engage.RoomStateManager, personas *prompt.Registry) ([]string, error) {
	var created []string

	for _, seed := range defaultRooms {
		_, found, err := rooms.Get(ctx, seed.ID)
		if err != nil {
			return created, err
		}
		if found {
			continue
		}

		if _, err := rooms.Initialize(ctx, seed.ID, seed.Type, personas.Name(seed.Type)); err != nil {
			slog.Warn("room seeding failed", "room", seed.ID, "error", err)
			continue
		}
		created = append(created, seed.ID)
	}

	return created, nil
}
