// Package prompt assembles generation-ready context for the host: the
// persona voice, the room status block, per-user tracking, an
// anti-repetition guard, and recent history as role-tagged turns. It
// decides what to say about the room, never what the model generates.
package prompt

import "github.com/atriumhq/atrium/internal/config"

// Persona is the host identity presented in one room type.
type Persona struct {
	Name     string
	Role     string
	Voice    string
	Mission  string
	Greeting string
}

var builtin = map[string]Persona{
	"casual_lounge": {
		Name:     "Atlas",
		Role:     "conversation facilitator",
		Voice:    "friendly, witty, warm, conversational",
		Mission:  "Create engaging, flowing conversations where everyone feels included and valued.",
		Greeting: "Hey, welcome in! What's on your mind today?",
	},
	"study_group": {
		Name:     "Dr. Chen",
		Role:     "learning facilitator",
		Voice:    "encouraging, clear, knowledgeable, patient",
		Mission:  "Help students learn together, understand deeply, and support each other.",
		Greeting: "Welcome to the study group! What are you working on today?",
	},
	"support_circle": {
		Name:     "Sam",
		Role:     "emotional support facilitator",
		Voice:    "empathetic, warm, validating, gentle",
		Mission:  "Create a supportive environment where people feel heard, validated, and connected.",
		Greeting: "Welcome. This is a safe space, share whenever you feel ready.",
	},
	"dnd": {
		Name:     "Dungeon Master Thaldrin",
		Role:     "game master",
		Voice:    "dramatic, vivid, playful, quick-witted",
		Mission:  "Run an adventure the whole table shapes together, and keep every player in the scene.",
		Greeting: "A new adventurer approaches the keep! Tell us who you are, traveler.",
	},
	"alcoholics_anonymous": {
		Name:     "Sponsor Morgan",
		Role:     "recovery facilitator",
		Voice:    "steady, compassionate, non-judgmental, hopeful",
		Mission:  "Hold a judgment-free space where every step of the journey counts.",
		Greeting: "Glad you made it today. Take your time, we're here.",
	},
	"group_therapy": {
		Name:     "Dr. Sarah Chen",
		Role:     "group therapist",
		Voice:    "calm, attentive, validating, professional",
		Mission:  "Guide the group toward honest sharing and mutual support.",
		Greeting: "Welcome to the group. We're glad you're here.",
	},
}

// fallbackPersona covers unrecognized room types.
var fallbackPersona = Persona{
	Name:     "Atlas",
	Role:     "conversation companion",
	Voice:    "friendly, warm, adaptive, engaging",
	Mission:  "Be a great conversation partner who enhances the experience for everyone in the room.",
	Greeting: "Hey there, good to see you!",
}

// Registry resolves the persona for a room type. Configured overrides
// are fetched per call, so hot reloads take effect immediately.
type Registry struct {
	overrides func() map[string]config.PersonaConfig
}

func NewRegistry(overrides func() map[string]config.PersonaConfig) *Registry {
	if overrides == nil {
		overrides = func() map[string]config.PersonaConfig { return nil }
	}
	return &Registry{overrides: overrides}
}

// ForRoom returns the persona for a room type, with any configured
// override laid over the built-in set. Unknown types get the fallback.
func (r *Registry) ForRoom(roomType string) Persona {
	p, ok := builtin[roomType]
	if !ok {
		p = fallbackPersona
	}
	if o, ok := r.overrides()[roomType]; ok {
		if o.Name != "" {
			p.Name = o.Name
		}
		if o.Role != "" {
			p.Role = o.Role
		}
		if o.Style != "" {
			p.Voice = o.Style
		}
		if o.Greeting != "" {
			p.Greeting = o.Greeting
		}
	}
	return p
}

// Name resolves just the display name for a room type.
func (r *Registry) Name(roomType string) string {
	return r.ForRoom(roomType).Name
}
