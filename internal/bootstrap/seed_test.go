package bootstrap

import (
	"context"
	"testing"

	"github.com/atriumhq/atrium/internal/config"
	"github.com/atriumhq/atrium/internal/engage"
	"github.com/atriumhq/atrium/internal/prompt"
	"github.com/atriumhq/atrium/internal/statestore"
)

func newSeedFixture() (*engage.RoomStateManager, *prompt.Registry) {
	cfg := config.Default()
	store := statestore.NewMemory()
	rooms := engage.NewRoomStateManager(store, nil, cfg.State.RoomStateTTL(), cfg.State.HistoryLimit)
	return rooms, prompt.NewRegistry(cfg.PersonaSettings)
}

func TestEnsureDefaultRoomsSeedsAll(t *testing.T) {
	rooms, personas := newSeedFixture()
	ctx := context.Background()

	created, err := EnsureDefaultRooms(ctx, rooms, personas)
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	if len(created) != len(defaultRooms) {
		t.Fatalf("created %v, want all %d default rooms", created, len(defaultRooms))
	}

	state, found, err := rooms.Get(ctx, "dnd_campaign_hall")
	if err != nil || !found {
		t.Fatalf("dnd room missing after seed (found=%v err=%v)", found, err)
	}
	if state.RoomType != "dnd" {
		t.Fatalf("room type = %q, want dnd", state.RoomType)
	}
	if state.Persona != "Dungeon Master Thaldrin" {
		t.Fatalf("persona = %q, want the dnd host", state.Persona)
	}
}

func TestEnsureDefaultRoomsIsIdempotent(t *testing.T) {
	rooms, personas := newSeedFixture()
	ctx := context.Background()

	if _, err := EnsureDefaultRooms(ctx, rooms, personas); err != nil {
		t.Fatalf("first seed: %v", err)
	}
	created, err := EnsureDefaultRooms(ctx, rooms, personas)
	if err != nil {
		t.Fatalf("second seed: %v", err)
	}
	if len(created) != 0 {
		t.Fatalf("second seed created %v, want nothing", created)
	}
}

func TestEnsureDefaultRoomsKeepsExistingState(t *testing.T) {
	rooms, personas := newSeedFixture()
	ctx := context.Background()

	if _, err := rooms.Initialize(ctx, "main_lounge", "study_group", "Dr. Chen"); err != nil {
		t.Fatalf("pre-create room: %v", err)
	}

	if _, err := EnsureDefaultRooms(ctx, rooms, personas); err != nil {
		t.Fatalf("seed: %v", err)
	}

	state, _, err := rooms.Get(ctx, "main_lounge")
	if err != nil {
		t.Fatalf("get room: %v", err)
	}
	if state.RoomType != "study_group" {
		t.Fatalf("seeding overwrote a live room: type = %q", state.RoomType)
	}
}
