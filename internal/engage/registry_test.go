package engage

import (
	"context"
	"testing"
	"time"

	"github.com/atriumhq/atrium/internal/statestore"
	"go.uber.org/goleak"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	store := statestore.NewMemory()
	users := NewUserContextManager(store, time.Hour)
	rooms := NewRoomStateManager(store, nil, 2*time.Hour, 20)
	settings := testSettings
	return NewRegistry(func(roomID string) *Monitor {
		return NewMonitor(roomID, users, rooms, settings, func(context.Context, Trigger) {})
	})
}

func TestRegistry_WatchUnwatch(t *testing.T) {
	defer goleak.VerifyNone(t)

	r := newTestRegistry(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r.Watch(ctx, "lounge")
	r.Watch(ctx, "lounge")
	if got := r.Active(); len(got) != 1 || got[0] != "lounge" {
		t.Errorf("Active = %v, want [lounge] after duplicate Watch", got)
	}

	r.Unwatch("lounge")
	if got := r.Active(); len(got) != 0 {
		t.Errorf("Active = %v, want empty after Unwatch", got)
	}

	r.Unwatch("lounge")
}

func TestRegistry_CloseStopsAll(t *testing.T) {
	defer goleak.VerifyNone(t)

	r := newTestRegistry(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r.Watch(ctx, "lounge")
	r.Watch(ctx, "study")
	r.Watch(ctx, "dnd_campaign_hall")
	if got := r.Active(); len(got) != 3 {
		t.Fatalf("Active = %v, want 3 rooms", got)
	}

	r.Close()
	if got := r.Active(); len(got) != 0 {
		t.Errorf("Active = %v, want empty after Close", got)
	}
}
