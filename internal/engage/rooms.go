package engage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/atriumhq/atrium/internal/identity"
	"github.com/atriumhq/atrium/internal/statestore"
)

// Dynamics tuning. Sentiment average is an exponential moving average
// over per-message mood scores; a speaker is dominant once they own
// most of a non-trivial conversation.
const (
	sentimentAlpha   = 0.3
	dominantShare    = 0.6
	dominantMinTotal = 5
)

var moodScores = map[string]float64{
	"positive":   0.8,
	"neutral":    0.5,
	"negative":   0.3,
	"frustrated": 0.2,
}

// RoomStateManager owns per-room state: the durable membership set,
// the denormalized room-state document, and the capped history log.
type RoomStateManager struct {
	store      statestore.Store
	identities identity.Resolver
	ttl        time.Duration
	historyCap int
	now        func() time.Time
}

func NewRoomStateManager(store statestore.Store, identities identity.Resolver, ttl time.Duration, historyCap int) *RoomStateManager {
	if identities == nil {
		identities = identity.Null{}
	}
	return &RoomStateManager{
		store:      store,
		identities: identities,
		ttl:        ttl,
		historyCap: historyCap,
		now:        time.Now,
	}
}

// WithClock overrides the manager's time source.
func (m *RoomStateManager) WithClock(now func() time.Time) *RoomStateManager {
	m.now = now
	return m
}

// Initialize writes a fresh room-state document with default dynamics.
func (m *RoomStateManager) Initialize(ctx context.Context, roomID, roomType, persona string) (*RoomState, error) {
	now := m.now()
	state := RoomState{
		RoomID:        roomID,
		RoomType:      roomType,
		Persona:       persona,
		CreatedAt:     now,
		Users:         []Member{},
		Topic:         "general",
		Dynamics:      Dynamics{SentimentAverage: 0.5},
		LastMessageAt: now,
	}
	if err := m.store.SetJSON(ctx, roomStateKey(roomID), &state, m.ttl); err != nil {
		return nil, err
	}
	return &state, nil
}

// Get fetches the room-state document.
func (m *RoomStateManager) Get(ctx context.Context, roomID string) (*RoomState, bool, error) {
	var state RoomState
	found, err := m.store.GetJSON(ctx, roomStateKey(roomID), &state)
	if err != nil || !found {
		return nil, found, err
	}
	return &state, true, nil
}

// Members returns the durable membership set.
func (m *RoomStateManager) Members(ctx context.Context, roomID string) ([]string, error) {
	return m.store.SMembers(ctx, roomUsersKey(roomID))
}

// MemberCount returns the cardinality of the membership set.
func (m *RoomStateManager) MemberCount(ctx context.Context, roomID string) (int64, error) {
	return m.store.SCard(ctx, roomUsersKey(roomID))
}

// AddUser registers a user in a room. The durable membership set is
// written first, unconditionally, so a joined user can never be left
// out of presence even if the room-state document is momentarily
// absent. The returned view is the reconciled membership and always
// includes the joining user.
func (m *RoomStateManager) AddUser(ctx context.Context, roomID, userID, name string) ([]string, error) {
	if err := m.store.SAdd(ctx, roomUsersKey(roomID), userID); err != nil {
		return nil, err
	}

	members, err := m.reconcileGhosts(ctx, roomID, userID)
	if err != nil {
		return nil, err
	}

	err = m.store.UpdateJSON(ctx, roomStateKey(roomID), m.ttl, func(raw []byte) (any, error) {
		if raw == nil {
			return nil, statestore.ErrNoUpdate
		}
		var state RoomState
		if err := json.Unmarshal(raw, &state); err != nil {
			return nil, fmt.Errorf("decode room state: %w", err)
		}
		if state.Member(userID) {
			return nil, statestore.ErrNoUpdate
		}
		state.Users = append(state.Users, Member{ID: userID, Name: name, Status: "active"})
		state.Revision++
		return &state, nil
	})
	if err != nil {
		return nil, err
	}
	return members, nil
}

// reconcileGhosts prunes membership-set entries that no longer resolve
// in the identity store. The joining user is exempt and is always part
// of the returned view: their identity row may not be visible yet, and
// evicting the user who is right now joining would be absurd.
func (m *RoomStateManager) reconcileGhosts(ctx context.Context, roomID, joiningUser string) ([]string, error) {
	ids, err := m.store.SMembers(ctx, roomUsersKey(roomID))
	if err != nil {
		return nil, err
	}

	members := make([]string, 0, len(ids))
	var ghosts []string
	for _, id := range ids {
		if id == joiningUser {
			continue
		}
		ok, err := m.identities.Resolve(ctx, id)
		if err != nil {
			// Identity store trouble is not a reason to evict anyone.
			slog.Warn("ghost reconciliation: resolve failed", "room_id", roomID, "user_id", id, "error", err)
			members = append(members, id)
			continue
		}
		if !ok {
			ghosts = append(ghosts, id)
			continue
		}
		members = append(members, id)
	}

	if len(ghosts) > 0 {
		slog.Warn("pruning ghost members", "room_id", roomID, "ghosts", ghosts)
		if err := m.store.SRem(ctx, roomUsersKey(roomID), ghosts...); err != nil {
			return nil, err
		}
	}

	return append(members, joiningUser), nil
}

// RemoveUser takes a user out of both the membership set and the
// denormalized list, returning the remaining member count so the
// caller can tear the room down at zero.
func (m *RoomStateManager) RemoveUser(ctx context.Context, roomID, userID string) (int64, error) {
	err := m.store.UpdateJSON(ctx, roomStateKey(roomID), m.ttl, func(raw []byte) (any, error) {
		if raw == nil {
			return nil, statestore.ErrNoUpdate
		}
		var state RoomState
		if err := json.Unmarshal(raw, &state); err != nil {
			return nil, fmt.Errorf("decode room state: %w", err)
		}
		kept := state.Users[:0]
		for _, u := range state.Users {
			if u.ID != userID {
				kept = append(kept, u)
			}
		}
		if len(kept) == len(state.Users) {
			return nil, statestore.ErrNoUpdate
		}
		state.Users = kept
		state.Revision++
		return &state, nil
	})
	if err != nil {
		return 0, err
	}
	if err := m.store.SRem(ctx, roomUsersKey(roomID), userID); err != nil {
		return 0, err
	}
	return m.store.SCard(ctx, roomUsersKey(roomID))
}

// Drop deletes a room's state document and history log. Called when
// membership reaches zero; the membership set is already empty then.
func (m *RoomStateManager) Drop(ctx context.Context, roomID string) error {
	return m.store.Delete(ctx, roomStateKey(roomID), roomUsersKey(roomID), roomHistoryKey(roomID))
}

// RecordMessage appends one entry to the capped history log and folds
// the message into the room document: last-message time, per-member
// message counts, and aggregate dynamics.
func (m *RoomStateManager) RecordMessage(ctx context.Context, roomID string, entry HistoryEntry) error {
	if err := m.store.PushTrim(ctx, roomHistoryKey(roomID), int64(m.historyCap), entry); err != nil {
		return err
	}

	return m.store.UpdateJSON(ctx, roomStateKey(roomID), m.ttl, func(raw []byte) (any, error) {
		if raw == nil {
			return nil, statestore.ErrNoUpdate
		}
		var state RoomState
		if err := json.Unmarshal(raw, &state); err != nil {
			return nil, fmt.Errorf("decode room state: %w", err)
		}
		state.LastMessageAt = entry.Ts
		if entry.Kind == EntryUser {
			total := 0
			for i := range state.Users {
				if state.Users[i].ID == entry.UserID {
					state.Users[i].Messages++
				}
				total += state.Users[i].Messages
			}
			if score, ok := moodScores[entry.Mood]; ok {
				state.Dynamics.SentimentAverage = (1-sentimentAlpha)*state.Dynamics.SentimentAverage + sentimentAlpha*score
			}
			state.Dynamics.DominantSpeaker = dominantSpeaker(state.Users, total)
		}
		state.Revision++
		return &state, nil
	})
}

func dominantSpeaker(users []Member, total int) string {
	if total < dominantMinTotal {
		return ""
	}
	for _, u := range users {
		if float64(u.Messages) >= dominantShare*float64(total) {
			return u.Name
		}
	}
	return ""
}

// RefreshQuiet replaces the quiet-member list in the room dynamics.
// No write happens when the list is already current.
func (m *RoomStateManager) RefreshQuiet(ctx context.Context, roomID string, quiet []string) error {
	return m.store.UpdateJSON(ctx, roomStateKey(roomID), m.ttl, func(raw []byte) (any, error) {
		if raw == nil {
			return nil, statestore.ErrNoUpdate
		}
		var state RoomState
		if err := json.Unmarshal(raw, &state); err != nil {
			return nil, fmt.Errorf("decode room state: %w", err)
		}
		if equalStrings(state.Dynamics.QuietUsers, quiet) {
			return nil, statestore.ErrNoUpdate
		}
		state.Dynamics.QuietUsers = quiet
		state.Revision++
		return &state, nil
	})
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// History returns up to limit entries from the room log, newest first.
func (m *RoomStateManager) History(ctx context.Context, roomID string, limit int) ([]HistoryEntry, error) {
	raw, err := m.store.LRange(ctx, roomHistoryKey(roomID), 0, int64(limit)-1)
	if err != nil {
		return nil, err
	}
	entries := make([]HistoryEntry, 0, len(raw))
	for _, item := range raw {
		var entry HistoryEntry
		if err := json.Unmarshal([]byte(item), &entry); err != nil {
			slog.Warn("skipping malformed history entry", "room_id", roomID, "error", err)
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}
