package engage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/atriumhq/atrium/internal/config"
	"github.com/atriumhq/atrium/internal/statestore"
)

func testSettings() config.EngagementConfig {
	return config.EngagementConfig{
		CheckIntervalSecs:           15,
		UserSilenceThresholdSecs:    120,
		NewUserSilenceThresholdSecs: 45,
		GroupSilenceThresholdSecs:   45,
		UserCooldownSecs:            60,
		GroupCooldownSecs:           90,
		MaxUsersPerRoom:             10,
		HostMessagesPerMin:          6,
	}
}

type monitorFixture struct {
	clock *fakeClock
	store *statestore.MemoryStore
	users *UserContextManager
	rooms *RoomStateManager
	mon   *Monitor
	fired []Trigger
}

func newMonitorFixture(t *testing.T) *monitorFixture {
	t.Helper()
	f := &monitorFixture{clock: newFakeClock()}
	f.store = statestore.NewMemory().WithClock(f.clock.Now)

	f.users = NewUserContextManager(f.store, time.Hour)
	f.users.now = f.clock.Now
	f.rooms = NewRoomStateManager(f.store, nil, 2*time.Hour, 20)
	f.rooms.now = f.clock.Now

	f.mon = NewMonitor("lounge", f.users, f.rooms, testSettings, func(_ context.Context, trig Trigger) {
		f.fired = append(f.fired, trig)
	})
	f.mon.now = f.clock.Now

	if _, err := f.rooms.Initialize(context.Background(), "lounge", "casual_lounge", "Atlas"); err != nil {
		t.Fatal(err)
	}
	return f
}

func (f *monitorFixture) join(t *testing.T, userID, name string) {
	t.Helper()
	ctx := context.Background()
	if _, err := f.users.Initialize(ctx, userID, "lounge", name, ""); err != nil {
		t.Fatal(err)
	}
	if _, err := f.rooms.AddUser(ctx, "lounge", userID, name); err != nil {
		t.Fatal(err)
	}
}

func (f *monitorFixture) speak(t *testing.T, userID, name, content string) {
	t.Helper()
	ctx := context.Background()
	if _, err := f.users.UpdateOnMessage(ctx, userID, content, "neutral"); err != nil {
		t.Fatal(err)
	}
	err := f.rooms.RecordMessage(ctx, "lounge", HistoryEntry{
		ID: "m", UserID: userID, Username: name, Content: content,
		Kind: EntryUser, Mood: "neutral", Ts: f.clock.Now(),
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestMonitorTick_QuietRoomStaysQuiet(t *testing.T) {
	f := newMonitorFixture(t)
	f.join(t, "u1", "Sam")
	f.speak(t, "u1", "Sam", "hello")

	next := f.mon.tick(context.Background())
	if len(f.fired) != 0 {
		t.Errorf("fired = %+v, want none right after a message", f.fired)
	}
	if next != 15*time.Second {
		t.Errorf("next = %v, want the base interval", next)
	}
}

func TestMonitorTick_NewUserStarvation(t *testing.T) {
	f := newMonitorFixture(t)
	f.join(t, "u1", "Sam")
	f.join(t, "u2", "Alex")
	f.speak(t, "u2", "Alex", "hey all")

	f.clock.Advance(30 * time.Second)
	f.mon.tick(context.Background())
	if len(f.fired) != 0 {
		t.Fatalf("fired = %+v, want none under the new-user threshold", f.fired)
	}

	f.clock.Advance(20 * time.Second)
	next := f.mon.tick(context.Background())
	if len(f.fired) != 1 {
		t.Fatalf("fired %d triggers, want exactly 1", len(f.fired))
	}
	trig := f.fired[0]
	if trig.Type != TriggerIndividual {
		t.Errorf("Type = %v, want %v", trig.Type, TriggerIndividual)
	}
	if trig.Priority != PriorityHigh {
		t.Errorf("Priority = %v, want high for a member who never spoke", trig.Priority)
	}
	if trig.TargetUser != "u1" {
		t.Errorf("TargetUser = %q, want %q", trig.TargetUser, "u1")
	}
	if next != 60*time.Second {
		t.Errorf("next = %v, want the per-user cooldown", next)
	}
}

func TestMonitorTick_ReturningUserStarvation(t *testing.T) {
	f := newMonitorFixture(t)
	f.join(t, "u1", "Sam")
	f.join(t, "u2", "Alex")
	f.speak(t, "u1", "Sam", "hello")
	f.speak(t, "u2", "Alex", "hi sam")

	f.clock.Advance(130 * time.Second)
	next := f.mon.tick(context.Background())
	if len(f.fired) != 1 {
		t.Fatalf("fired %d triggers, want exactly 1 per tick", len(f.fired))
	}
	if f.fired[0].Type != TriggerIndividual {
		t.Errorf("Type = %v, want %v", f.fired[0].Type, TriggerIndividual)
	}
	if f.fired[0].Priority != PriorityMedium {
		t.Errorf("Priority = %v, want medium for a member with prior messages", f.fired[0].Priority)
	}
	if next != 60*time.Second {
		t.Errorf("next = %v, want the per-user cooldown", next)
	}
}

func TestMonitorTick_GroupSilence(t *testing.T) {
	f := newMonitorFixture(t)
	f.join(t, "u1", "Sam")
	f.join(t, "u2", "Alex")
	f.speak(t, "u1", "Sam", "hello")
	f.speak(t, "u2", "Alex", "hi sam")

	f.clock.Advance(60 * time.Second)
	next := f.mon.tick(context.Background())
	if len(f.fired) != 1 {
		t.Fatalf("fired %d triggers, want exactly 1", len(f.fired))
	}
	if f.fired[0].Type != TriggerGroupSilence {
		t.Errorf("Type = %v, want %v", f.fired[0].Type, TriggerGroupSilence)
	}
	if next != 90*time.Second {
		t.Errorf("next = %v, want the group cooldown", next)
	}
}

func TestMonitorTick_StarvationOutranksGroupSilence(t *testing.T) {
	f := newMonitorFixture(t)
	f.join(t, "u1", "Sam")
	f.join(t, "u2", "Alex")
	f.speak(t, "u1", "Sam", "hello")

	// u2 never spoke and the whole room is past the group threshold;
	// only the starvation trigger may fire this tick.
	f.clock.Advance(50 * time.Second)
	f.mon.tick(context.Background())
	if len(f.fired) != 1 {
		t.Fatalf("fired %d triggers, want exactly 1", len(f.fired))
	}
	if f.fired[0].Type != TriggerIndividual {
		t.Errorf("Type = %v, want %v", f.fired[0].Type, TriggerIndividual)
	}
}

func TestMonitorTick_RefreshesQuietList(t *testing.T) {
	f := newMonitorFixture(t)
	f.join(t, "u1", "Sam")
	f.join(t, "u2", "Alex")
	f.speak(t, "u1", "Sam", "hello")
	f.speak(t, "u2", "Alex", "hi")

	f.clock.Advance(130 * time.Second)
	f.mon.tick(context.Background())

	state, _, err := f.rooms.Get(context.Background(), "lounge")
	if err != nil {
		t.Fatal(err)
	}
	if len(state.Dynamics.QuietUsers) != 2 {
		t.Errorf("QuietUsers = %v, want both silent members", state.Dynamics.QuietUsers)
	}
}

type brokenStore struct {
	*statestore.MemoryStore
}

func (b *brokenStore) SMembers(context.Context, string) ([]string, error) {
	return nil, errors.New("store down")
}

func TestMonitorTick_SurvivesStoreErrors(t *testing.T) {
	f := newMonitorFixture(t)
	broken := &brokenStore{MemoryStore: f.store}
	rooms := NewRoomStateManager(broken, nil, 2*time.Hour, 20)
	rooms.now = f.clock.Now
	mon := NewMonitor("lounge", f.users, rooms, testSettings, func(_ context.Context, trig Trigger) {
		f.fired = append(f.fired, trig)
	})
	mon.now = f.clock.Now

	next := mon.tick(context.Background())
	if len(f.fired) != 0 {
		t.Errorf("fired = %+v, want none when the store is down", f.fired)
	}
	if next != 15*time.Second {
		t.Errorf("next = %v, want the base interval so the loop keeps going", next)
	}
}
