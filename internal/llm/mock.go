package llm

import (
	"context"
	"sync"
)

// Mock is a deterministic offline generator for tests and demo runs.
type Mock struct {
	Reply string
	Err   error

	mu    sync.Mutex
	calls []Request
}

func (m *Mock) Name() string { return "mock" }

func (m *Mock) Generate(ctx context.Context, req Request) (string, error) {
	m.mu.Lock()
	m.calls = append(m.calls, req)
	m.mu.Unlock()

	if m.Err != nil {
		return "", m.Err
	}
	if m.Reply != "" {
		return m.Reply, nil
	}
	return "Someone say something? I'm all ears.", nil
}

// Calls returns a copy of every request seen so far.
func (m *Mock) Calls() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Request, len(m.calls))
	copy(out, m.calls)
	return out
}
