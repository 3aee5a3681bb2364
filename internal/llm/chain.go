package llm

import (
	"context"
	"log/slog"
)

// defaultFallback is the line of last resort when every provider is
// down and the request carried no fallback of its own.
const defaultFallback = "I'm having a little trouble gathering my thoughts. Keep the conversation going, I'll catch up in a moment!"

// Chain tries providers in order and degrades to a deterministic
// fallback line instead of erroring, so a fired trigger always yields
// some host line.
type Chain struct {
	providers []Generator
}

// NewChain composes providers in priority order.
func NewChain(providers ...Generator) *Chain {
	return &Chain{providers: providers}
}

func (c *Chain) Name() string { return "chain" }

// Generate returns the first provider success. The error return is
// always nil; it exists to satisfy Generator.
func (c *Chain) Generate(ctx context.Context, req Request) (string, error) {
	for _, p := range c.providers {
		text, err := p.Generate(ctx, req)
		if err == nil {
			return text, nil
		}
		slog.Warn("generation provider failed, trying next", "provider", p.Name(), "error", err)
	}
	if req.Fallback != "" {
		return req.Fallback, nil
	}
	return defaultFallback, nil
}
