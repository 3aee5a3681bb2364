package engage

import (
	"context"
	"testing"

	"github.com/atriumhq/atrium/internal/sentiment"
)

func roomWith(names ...string) *RoomState {
	r := &RoomState{RoomID: "lounge", RoomType: "casual_lounge", Persona: "Atlas"}
	for i, name := range names {
		r.Users = append(r.Users, Member{ID: "u" + string(rune('1'+i)), Name: name, Status: "active"})
	}
	return r
}

func userFor(room *RoomState, name string) *UserContext {
	for _, u := range room.Users {
		if u.Name == name {
			return &UserContext{UserID: u.ID, Name: u.Name, CurrentRoom: room.RoomID}
		}
	}
	return &UserContext{UserID: "ux", Name: name, CurrentRoom: room.RoomID}
}

func detect(t *testing.T, room *RoomState, sender, message string) *Trigger {
	t.Helper()
	d := NewDetector()
	sig := sentiment.NewKeyword().Classify(context.Background(), message)
	return d.Detect(Input{
		Message: message,
		Signals: sig,
		User:    userFor(room, sender),
		Room:    room,
		Persona: room.Persona,
	})
}

func TestDetect_SoleParticipantAlwaysEngaged(t *testing.T) {
	room := roomWith("Sam")

	trig := detect(t, room, "Sam", "hi")
	if trig == nil {
		t.Fatal("Detect = nil, want a trigger for a sole participant")
	}
	if trig.Type != TriggerSingleUser {
		t.Errorf("Type = %v, want %v", trig.Type, TriggerSingleUser)
	}
	if trig.TargetUser != "u1" {
		t.Errorf("TargetUser = %q, want %q", trig.TargetUser, "u1")
	}
}

func TestDetect_PeerMentionSuppressesHost(t *testing.T) {
	room := roomWith("Alice", "Bob")

	if trig := detect(t, room, "Alice", "@Bob want to grab lunch?"); trig != nil {
		t.Errorf("Detect = %+v, want nil for a peer-to-peer exchange", trig)
	}
}

func TestDetect_DirectMentionWins(t *testing.T) {
	room := roomWith("Alice", "Bob")

	trig := detect(t, room, "Bob", "@atlas what's today's topic?")
	if trig == nil {
		t.Fatal("Detect = nil, want direct_mention")
	}
	if trig.Type != TriggerDirectMention {
		t.Errorf("Type = %v, want %v", trig.Type, TriggerDirectMention)
	}
	if trig.Priority != PriorityHigh {
		t.Errorf("Priority = %v, want %v", trig.Priority, PriorityHigh)
	}
}

func TestDetect_RuleTable(t *testing.T) {
	tests := []struct {
		name    string
		members []string
		sender  string
		message string
		want    TriggerType
		none    bool
	}{
		{"confusion markers", []string{"Alice", "Bob"}, "Alice", "i'm so confused about this part", TriggerConfusion, false},
		{"open question", []string{"Alice", "Bob"}, "Alice", "how does the scoring system work here", TriggerQuestion, false},
		{"question mark", []string{"Alice", "Bob"}, "Alice", "is the meetup still on for tonight?", TriggerQuestion, false},
		{"short aside to a peer", []string{"Alice", "Bob"}, "Alice", "bob?", TriggerQuestion, true},
		{"short named aside", []string{"Alice", "Bob"}, "Bob", "alice you there?", TriggerQuestion, true},
		{"long question opening with a name", []string{"Alice", "Bob"}, "Alice", "bob what do you think about the new framework release this week?", TriggerQuestion, false},
		{"plain statement", []string{"Alice", "Bob"}, "Alice", "had a lovely walk today", "", true},
		{"peer mention with persona tagged too", []string{"Alice", "Bob"}, "Alice", "@Bob ask @atlas about it", TriggerDirectMention, false},
		{"mention of generic ai handle", []string{"Alice", "Bob"}, "Alice", "@ai can you summarize", TriggerDirectMention, false},
		{"bare persona name", []string{"Alice", "Bob"}, "Alice", "atlas should weigh in", TriggerDirectMention, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			room := roomWith(tt.members...)
			trig := detect(t, room, tt.sender, tt.message)
			if tt.none {
				if trig != nil {
					t.Fatalf("Detect(%q) = %+v, want nil", tt.message, trig)
				}
				return
			}
			if trig == nil {
				t.Fatalf("Detect(%q) = nil, want %v", tt.message, tt.want)
			}
			if trig.Type != tt.want {
				t.Errorf("Detect(%q).Type = %v, want %v", tt.message, trig.Type, tt.want)
			}
		})
	}
}

func TestDetect_MultiWordPersona(t *testing.T) {
	room := roomWith("Alice", "Bob")
	room.Persona = "Dungeon Master Thaldrin"

	trig := detect(t, room, "Alice", "@thaldrin roll for initiative please")
	if trig == nil || trig.Type != TriggerDirectMention {
		t.Fatalf("Detect = %+v, want direct_mention for a persona name token", trig)
	}
}

func TestDetect_NilInputs(t *testing.T) {
	d := NewDetector()
	if trig := d.Detect(Input{Message: "hello"}); trig != nil {
		t.Errorf("Detect without contexts = %+v, want nil", trig)
	}
}

func TestCheckNewUser(t *testing.T) {
	d := NewDetector()

	uc := &UserContext{UserID: "u1", Name: "Sam", IsNew: true}
	trig := d.CheckNewUser(uc)
	if trig == nil {
		t.Fatal("CheckNewUser = nil, want new_user_joined")
	}
	if trig.Type != TriggerNewUser {
		t.Errorf("Type = %v, want %v", trig.Type, TriggerNewUser)
	}
	if trig.Priority != PriorityHigh {
		t.Errorf("Priority = %v, want %v", trig.Priority, PriorityHigh)
	}

	uc.IsNew = false
	if trig := d.CheckNewUser(uc); trig != nil {
		t.Errorf("CheckNewUser after flag cleared = %+v, want nil", trig)
	}
	if trig := d.CheckNewUser(nil); trig != nil {
		t.Errorf("CheckNewUser(nil) = %+v, want nil", trig)
	}
}

func TestMentionsPersona(t *testing.T) {
	tests := []struct {
		message string
		persona string
		want    bool
	}{
		{"@atlas hello", "Atlas", true},
		{"atlas, are you there", "Atlas", true},
		{"@ai what now", "Atlas", true},
		{"@chen is this right", "Dr. Chen", true},
		{"morning everyone", "Atlas", false},
		{"hello", "", false},
	}
	for _, tt := range tests {
		if got := MentionsPersona(tt.message, tt.persona); got != tt.want {
			t.Errorf("MentionsPersona(%q, %q) = %v, want %v", tt.message, tt.persona, got, tt.want)
		}
	}
}
