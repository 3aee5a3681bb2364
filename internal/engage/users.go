package engage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/atriumhq/atrium/internal/statestore"
)

const (
	moodHistoryCap = 10
	snippetCap     = 20

	// A user counts as active while their silence stays under this.
	activeWindow = 2 * time.Minute
)

// UserContextManager owns the lifecycle of per-user conversational
// context. Each mutation is an optimistic read-modify-write against
// the state store, so a monitor tick and a message handler racing on
// the same user cannot lose each other's update.
type UserContextManager struct {
	store statestore.Store
	ttl   time.Duration
	now   func() time.Time
}

func NewUserContextManager(store statestore.Store, ttl time.Duration) *UserContextManager {
	return &UserContextManager{store: store, ttl: ttl, now: time.Now}
}

// WithClock overrides the manager's time source.
func (m *UserContextManager) WithClock(now func() time.Time) *UserContextManager {
	m.now = now
	return m
}

// Initialize creates or resumes the context for a user joining a room.
// An unexpired context for the same user and room is a rejoin: prior
// participation survives, the TTL is refreshed, and the user is no
// longer new. Anything else starts a fresh context.
func (m *UserContextManager) Initialize(ctx context.Context, userID, roomID, name, avatar string) (*UserContext, error) {
	key := userContextKey(userID)

	var existing UserContext
	found, err := m.store.GetJSON(ctx, key, &existing)
	if err != nil {
		return nil, err
	}
	if found && existing.CurrentRoom == roomID {
		existing.IsNew = false
		existing.RejoinedAt = m.now()
		existing.Revision++
		if err := m.store.SetJSON(ctx, key, &existing, m.ttl); err != nil {
			return nil, err
		}
		return &existing, nil
	}

	now := m.now()
	fresh := UserContext{
		UserID:          userID,
		Name:            name,
		Avatar:          avatar,
		CurrentRoom:     roomID,
		JoinedAt:        now,
		IsNew:           true,
		Mood:            "neutral",
		LastMessageAt:   now,
		EngagementScore: 0.5,
		Active:          true,
	}
	if err := m.store.SetJSON(ctx, key, &fresh, m.ttl); err != nil {
		return nil, err
	}
	return &fresh, nil
}

// Get fetches a user's context. SilenceSecs is derived from
// LastMessageAt on every read rather than trusted from storage.
func (m *UserContextManager) Get(ctx context.Context, userID string) (*UserContext, bool, error) {
	var uc UserContext
	found, err := m.store.GetJSON(ctx, userContextKey(userID), &uc)
	if err != nil || !found {
		return nil, found, err
	}
	uc.SilenceSecs = int(uc.Silence(m.now()).Seconds())
	return &uc, true, nil
}

// UpdateOnMessage folds one message into the user's context: bumps the
// message count, zeroes silence, records mood, appends to the bounded
// histories, clears the new-to-room flag, and refreshes the TTL.
// Returns nil without error when no context exists, which means the
// session expired and the caller should reinitialize.
func (m *UserContextManager) UpdateOnMessage(ctx context.Context, userID, message, mood string) (*UserContext, error) {
	var updated *UserContext
	err := m.store.UpdateJSON(ctx, userContextKey(userID), m.ttl, func(raw []byte) (any, error) {
		if raw == nil {
			return nil, statestore.ErrNoUpdate
		}
		var uc UserContext
		if err := json.Unmarshal(raw, &uc); err != nil {
			return nil, fmt.Errorf("decode user context: %w", err)
		}
		now := m.now()
		uc.MessageCount++
		uc.LastMessageAt = now
		uc.SilenceSecs = 0
		uc.Active = true
		uc.IsNew = false
		uc.Mood = mood
		uc.MoodHistory = append(uc.MoodHistory, MoodRecord{Label: mood, At: now})
		if len(uc.MoodHistory) > moodHistoryCap {
			uc.MoodHistory = uc.MoodHistory[len(uc.MoodHistory)-moodHistoryCap:]
		}
		uc.Recent = append(uc.Recent, Snippet{Content: message, At: now})
		if len(uc.Recent) > snippetCap {
			uc.Recent = uc.Recent[len(uc.Recent)-snippetCap:]
		}
		uc.Revision++
		updated = &uc
		return &uc, nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// UpdateSilence recomputes the stored silence duration and the active
// flag. Returns nil without error when the context has expired.
func (m *UserContextManager) UpdateSilence(ctx context.Context, userID string) (*UserContext, error) {
	var updated *UserContext
	err := m.store.UpdateJSON(ctx, userContextKey(userID), m.ttl, func(raw []byte) (any, error) {
		if raw == nil {
			return nil, statestore.ErrNoUpdate
		}
		var uc UserContext
		if err := json.Unmarshal(raw, &uc); err != nil {
			return nil, fmt.Errorf("decode user context: %w", err)
		}
		silence := uc.Silence(m.now())
		uc.SilenceSecs = int(silence.Seconds())
		uc.Active = silence < activeWindow
		uc.Revision++
		updated = &uc
		return &uc, nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// Remove drops a user's context outright. Normal disconnects leave the
// context to its TTL so a quick rejoin resumes the session; this is
// for explicit cleanup only.
func (m *UserContextManager) Remove(ctx context.Context, userID string) error {
	return m.store.Delete(ctx, userContextKey(userID))
}
