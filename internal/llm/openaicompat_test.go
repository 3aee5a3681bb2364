package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func TestOpenAICompat_Generate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("Authorization = %q", got)
		}

		var body struct {
			Model    string `json:"model"`
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
			MaxTokens   int     `json:"max_tokens"`
			Temperature float64 `json:"temperature"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatal(err)
		}
		if body.Model != "asi1-mini" {
			t.Errorf("model = %q", body.Model)
		}
		if body.MaxTokens != 80 || body.Temperature != 0.6 {
			t.Errorf("shape = (%d, %v), want (80, 0.6)", body.MaxTokens, body.Temperature)
		}
		if len(body.Messages) != 2 || body.Messages[0].Role != "system" {
			t.Errorf("messages = %+v", body.Messages)
		}

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"choices":[{"message":{"content":"  Sure, the topic today is sea otters.  "},"finish_reason":"stop"}]}`))
	}))
	defer srv.Close()

	p := NewOpenAICompat("asi1", "sk-test", srv.URL, "asi1-mini")
	got, err := p.Generate(context.Background(), Request{
		Turns: []Turn{
			{Role: RoleSystem, Content: "You are Atlas."},
			{Role: RoleUser, Content: "bob: @atlas what's today's topic?"},
		},
		MaxTokens:   80,
		Temperature: 0.6,
	})
	if err != nil {
		t.Fatal(err)
	}
	if got != "Sure, the topic today is sea otters." {
		t.Errorf("got %q (should be trimmed)", got)
	}
}

func TestOpenAICompat_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"choices":[{"message":{"content":"recovered"}}]}`))
	}))
	defer srv.Close()

	p := NewOpenAICompat("asi1", "sk-test", srv.URL, "asi1-mini").WithRetryConfig(fastRetry(3))
	got, err := p.Generate(context.Background(), Request{Turns: []Turn{{Role: RoleUser, Content: "hi"}}})
	if err != nil {
		t.Fatal(err)
	}
	if got != "recovered" {
		t.Errorf("got %q", got)
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
}

func TestOpenAICompat_ClientErrorNoRetry(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad request", http.StatusBadRequest)
	}))
	defer srv.Close()

	p := NewOpenAICompat("asi1", "sk-test", srv.URL, "asi1-mini").WithRetryConfig(fastRetry(3))
	_, err := p.Generate(context.Background(), Request{Turns: []Turn{{Role: RoleUser, Content: "hi"}}})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
}

func TestOpenAICompat_EmptyChoicesIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"choices":[]}`))
	}))
	defer srv.Close()

	p := NewOpenAICompat("asi1", "sk-test", srv.URL, "asi1-mini").WithRetryConfig(fastRetry(1))
	if _, err := p.Generate(context.Background(), Request{Turns: []Turn{{Role: RoleUser, Content: "hi"}}}); err == nil {
		t.Fatal("expected error for empty choices")
	}
}
