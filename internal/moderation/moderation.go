// Package moderation screens inbound messages before trigger
// detection runs. The default moderator allows everything; a keyword
// moderator warns on configured terms. The pipeline must behave
// identically with this collaborator entirely absent.
package moderation

import (
	"context"
	"strings"
)

// Action is the moderator's verdict on one message.
type Action string

const (
	ActionAllow Action = "allow"
	ActionWarn  Action = "warn"
	ActionMute  Action = "mute"
	ActionBan   Action = "ban"
	ActionAlert Action = "alert"
)

// Verdict carries the action and a short operator-facing reason.
type Verdict struct {
	Action Action
	Reason string
}

// Moderator screens a message before the pipeline runs. Errors are
// treated as allow by the caller so a broken moderator never blocks
// the room.
type Moderator interface {
	Screen(ctx context.Context, userID, message string) (Verdict, error)
}

// Allow is the default pass-through moderator.
type Allow struct{}

func (Allow) Screen(context.Context, string, string) (Verdict, error) {
	return Verdict{Action: ActionAllow}, nil
}

// Keyword warns when a message contains any configured term. Terms
// are fetched per call so config hot reloads take effect immediately.
type Keyword struct {
	terms func() []string
}

// NewKeyword builds the keyword moderator around a term source.
func NewKeyword(terms func() []string) *Keyword {
	return &Keyword{terms: terms}
}

func (k *Keyword) Screen(_ context.Context, _ string, message string) (Verdict, error) {
	lower := strings.ToLower(message)
	for _, term := range k.terms() {
		if term == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(term)) {
			return Verdict{Action: ActionWarn, Reason: "message contains a blocked term"}, nil
		}
	}
	return Verdict{Action: ActionAllow}, nil
}
