package engage

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/atriumhq/atrium/internal/sentiment"
)

// Input bundles everything one detection pass may consult. Signals
// come from whichever classifier is wired in; the rules themselves
// never classify.
type Input struct {
	Message string
	Signals sentiment.Signals
	User    *UserContext
	Room    *RoomState
	Persona string
}

// A rule either decides the outcome or passes. done=false falls
// through to the next rule; done=true ends evaluation with trig,
// where a nil trig means the host stays quiet.
type ruleFunc func(in Input) (trig *Trigger, done bool)

type namedRule struct {
	name string
	fn   ruleFunc
}

// Detector is the message-path decision engine: an ordered rule
// table, first decision wins. Peer suppression sits above question
// detection on purpose, so a short question aimed at another member
// never drags the host in.
type Detector struct {
	rules []namedRule
}

func NewDetector() *Detector {
	return &Detector{rules: []namedRule{
		{"single_user", singleUserRule},
		{"peer_suppression", peerSuppressionRule},
		{"persona_mention", personaMentionRule},
		{"confusion", confusionRule},
		{"question", questionRule},
	}}
}

// Detect runs the rule table over one inbound message. It never
// fails: ambiguous input yields no trigger, and the silence monitor
// remains the fallback channel.
func (d *Detector) Detect(in Input) *Trigger {
	if in.User == nil || in.Room == nil {
		return nil
	}
	for _, r := range d.rules {
		if trig, done := r.fn(in); done {
			return trig
		}
	}
	return nil
}

// CheckNewUser fires independently of message content: a user whose
// context is still flagged new gets exactly one welcome, and any
// later context update clears the flag.
func (d *Detector) CheckNewUser(user *UserContext) *Trigger {
	if user == nil || !user.IsNew {
		return nil
	}
	return &Trigger{
		Type:       TriggerNewUser,
		Priority:   PriorityHigh,
		TargetUser: user.UserID,
		Context:    fmt.Sprintf("%s just entered the room and needs to be welcomed into the conversation", user.Name),
	}
}

// Rule 1: a sole participant always gets engagement. Silence is never
// tolerated in a one-person room, whatever the message says.
func singleUserRule(in Input) (*Trigger, bool) {
	if len(in.Room.Users) != 1 {
		return nil, false
	}
	return &Trigger{
		Type:       TriggerSingleUser,
		Priority:   PriorityMedium,
		TargetUser: in.User.UserID,
		Context:    "1-on-1 conversation",
	}, true
}

// Rule 2: a message aimed at another member, without the persona in
// it, is a peer-to-peer exchange. Never interrupt.
func peerSuppressionRule(in Input) (*Trigger, bool) {
	if mentionsPeer(in.Message, in.Room, in.User.UserID) && !MentionsPersona(in.Message, in.Persona) {
		return nil, true
	}
	return nil, false
}

// Rule 3: the persona was addressed by name.
func personaMentionRule(in Input) (*Trigger, bool) {
	if !MentionsPersona(in.Message, in.Persona) {
		return nil, false
	}
	return &Trigger{
		Type:       TriggerDirectMention,
		Priority:   PriorityHigh,
		TargetUser: in.User.UserID,
		Context:    "User directly addressed the host",
	}, true
}

// Rule 4: the classifier flagged confusion markers.
func confusionRule(in Input) (*Trigger, bool) {
	if !in.Signals.Confused {
		return nil, false
	}
	return &Trigger{
		Type:       TriggerConfusion,
		Priority:   PriorityHigh,
		TargetUser: in.User.UserID,
		Context:    "User expressed confusion or asked for help",
	}, true
}

// Rule 5: an interrogative message, unless it is a short aside aimed
// at a named member ("bob, you around?").
func questionRule(in Input) (*Trigger, bool) {
	if !in.Signals.Question {
		return nil, false
	}
	if shortMessage(in.Message) && peerAddressed(in.Message, in.Room, in.User.UserID) {
		return nil, false
	}
	return &Trigger{
		Type:       TriggerQuestion,
		Priority:   PriorityHigh,
		TargetUser: in.User.UserID,
		Context:    "User asked a question and expects an answer",
	}, true
}

var mentionPattern = regexp.MustCompile(`@(\w+)`)

// mentionsPeer reports whether the message @-mentions a room member
// other than the sender.
func mentionsPeer(message string, room *RoomState, senderID string) bool {
	tags := mentionPattern.FindAllStringSubmatch(message, -1)
	if len(tags) == 0 {
		return false
	}
	for _, tag := range tags {
		handle := strings.ToLower(tag[1])
		for _, u := range room.Users {
			if u.ID == senderID {
				continue
			}
			if matchesName(handle, u.Name) {
				return true
			}
		}
	}
	return false
}

// peerAddressed reports whether the message opens by naming another
// member, with or without an @ tag.
func peerAddressed(message string, room *RoomState, senderID string) bool {
	fields := strings.Fields(message)
	if len(fields) == 0 {
		return false
	}
	first := strings.ToLower(strings.Trim(fields[0], "@,:!?."))
	for _, u := range room.Users {
		if u.ID == senderID {
			continue
		}
		if matchesName(first, u.Name) {
			return true
		}
	}
	return false
}

// matchesName reports whether a lowercase @handle refers to a display
// name: the whole name with spaces dropped, or any one token of it.
func matchesName(handle, name string) bool {
	lower := strings.ToLower(name)
	if handle == strings.ReplaceAll(lower, " ", "") {
		return true
	}
	for _, tok := range strings.Fields(lower) {
		if handle == strings.Trim(tok, ".,!?") {
			return true
		}
	}
	return false
}

// MentionsPersona reports whether the message addresses the host: a
// generic "@ai", an @tag on any part of the persona name, or the bare
// persona name appearing in the text.
func MentionsPersona(message, personaName string) bool {
	lower := strings.ToLower(message)
	if strings.Contains(lower, "@ai") {
		return true
	}
	name := strings.ToLower(strings.TrimSpace(personaName))
	if name == "" {
		return false
	}
	if strings.Contains(lower, name) {
		return true
	}
	for _, tok := range strings.Fields(name) {
		tok = strings.Trim(tok, ".,")
		if len(tok) < 3 {
			continue
		}
		if strings.Contains(lower, "@"+tok) {
			return true
		}
	}
	return false
}

func shortMessage(message string) bool {
	return len(strings.Fields(message)) <= 5
}
