// Package llm talks to the text-generation collaborators. Providers
// implement Generator; Chain composes them with retry, fallback, and a
// deterministic last-resort line so a fired trigger is never left
// unanswered.
package llm

import "context"

// Roles for conversation turns.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Turn is one generation-ready conversation entry.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request carries everything one generation call needs. MaxTokens and
// Temperature come from the prompt orchestrator's response-shape table.
// Fallback, when set, is the deterministic line substituted if every
// provider fails.
type Request struct {
	Turns       []Turn
	MaxTokens   int
	Temperature float64
	Fallback    string
}

// Generator produces one host reply for a prepared context.
type Generator interface {
	Name() string
	Generate(ctx context.Context, req Request) (string, error)
}
