// Package engage implements the engagement core of the host: per-user
// and per-room conversational state, the ordered trigger rule table,
// and the per-room silence monitors that keep the host speaking when
// the message path goes quiet.
package engage

import "time"

// Ephemeral-store key layout. Values are JSON documents except the
// membership set and the capped history list.
func userContextKey(userID string) string { return "user_context:" + userID }

func roomStateKey(roomID string) string { return "room_state:" + roomID }

func roomUsersKey(roomID string) string { return "room_users:" + roomID }

func roomHistoryKey(roomID string) string { return "room_history:" + roomID }

// TriggerType names a reason for the host to speak.
type TriggerType string

const (
	TriggerSingleUser    TriggerType = "single_user_engagement"
	TriggerDirectMention TriggerType = "direct_mention"
	TriggerConfusion     TriggerType = "user_confusion"
	TriggerQuestion      TriggerType = "question_asked"
	TriggerNewUser       TriggerType = "new_user_joined"
	TriggerIndividual    TriggerType = "individual_engagement"
	TriggerGroupSilence  TriggerType = "group_silence"
)

// Priority orders competing triggers.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// Trigger is an ephemeral decision to speak. It is handed straight to
// the prompt orchestrator and never persisted.
type Trigger struct {
	Type       TriggerType
	Priority   Priority
	TargetUser string
	Context    string
}

// MoodRecord is one entry in a user's bounded mood history.
type MoodRecord struct {
	Label string    `json:"label"`
	At    time.Time `json:"at"`
}

// Snippet is one entry in a user's bounded recent-message history.
type Snippet struct {
	Content string    `json:"content"`
	At      time.Time `json:"at"`
}

// UserContext is the per-user conversational state for the room the
// user is currently in. Stored under user_context:{user_id} with a
// session TTL, so an expired context means the session is over and the
// next join starts fresh.
type UserContext struct {
	UserID      string    `json:"user_id"`
	Name        string    `json:"name"`
	Avatar      string    `json:"avatar,omitempty"`
	CurrentRoom string    `json:"current_room"`
	JoinedAt    time.Time `json:"joined_at"`
	RejoinedAt  time.Time `json:"rejoined_at,omitempty"`
	IsNew       bool      `json:"is_new_to_room"`

	Mood        string       `json:"mood"`
	MoodHistory []MoodRecord `json:"mood_history,omitempty"`

	MessageCount    int       `json:"message_count"`
	LastMessageAt   time.Time `json:"last_message_at"`
	SilenceSecs     int       `json:"silence_secs"`
	EngagementScore float64   `json:"engagement_score"`
	Active          bool      `json:"is_active"`

	Recent []Snippet `json:"recent,omitempty"`
	Topics []string  `json:"topics,omitempty"`

	Revision int64 `json:"rev"`
}

// Silence reports how long the user has been quiet as of now.
// LastMessageAt is stamped at join time, so this is well defined even
// for users who have never spoken.
func (u *UserContext) Silence(now time.Time) time.Duration {
	return now.Sub(u.LastMessageAt)
}

// Member is one entry in the denormalized room membership list.
type Member struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Status   string `json:"status"`
	Messages int    `json:"messages"`
}

// Dynamics holds the aggregate conversational signals for a room.
type Dynamics struct {
	DominantSpeaker  string   `json:"dominant_speaker,omitempty"`
	QuietUsers       []string `json:"quiet_users,omitempty"`
	SentimentAverage float64  `json:"sentiment_average"`
	ConflictDetected bool     `json:"conflict_detected"`
}

// RoomState is the per-room conversational state. Stored under
// room_state:{room_id}; deleted when membership reaches zero.
type RoomState struct {
	RoomID    string    `json:"room_id"`
	RoomType  string    `json:"room_type"`
	Persona   string    `json:"persona"`
	CreatedAt time.Time `json:"created_at"`

	Users []Member `json:"users"`

	Topic        string   `json:"topic"`
	TopicHistory []string `json:"topic_history,omitempty"`

	Dynamics Dynamics `json:"dynamics"`

	LastMessageAt time.Time `json:"last_message_at"`

	Revision int64 `json:"rev"`
}

// Member reports whether id is in the denormalized membership list.
func (r *RoomState) Member(id string) bool {
	for _, u := range r.Users {
		if u.ID == id {
			return true
		}
	}
	return false
}

// History entry kinds.
const (
	EntryUser = "user"
	EntryHost = "host"
)

// HistoryEntry is one message in a room's capped history log,
// stored newest-first.
type HistoryEntry struct {
	ID       string    `json:"id"`
	RoomID   string    `json:"room_id"`
	UserID   string    `json:"user_id,omitempty"`
	Username string    `json:"username"`
	Content  string    `json:"content"`
	Kind     string    `json:"kind"`
	Mood     string    `json:"mood,omitempty"`
	Trigger  string    `json:"trigger,omitempty"`
	Ts       time.Time `json:"ts"`
}
