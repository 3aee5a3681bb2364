package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// OpenAICompat calls any OpenAI-compatible chat completions API over
// plain HTTP. The primary generation endpoint speaks this dialect.
type OpenAICompat struct {
	name        string
	apiKey      string
	apiBase     string
	chatPath    string
	model       string
	client      *http.Client
	retryConfig RetryConfig
}

// NewOpenAICompat builds the provider. An empty apiBase targets the
// official OpenAI endpoint.
func NewOpenAICompat(name, apiKey, apiBase, model string) *OpenAICompat {
	if apiBase == "" {
		apiBase = "https://api.openai.com/v1"
	}
	apiBase = strings.TrimRight(apiBase, "/")

	return &OpenAICompat{
		name:        name,
		apiKey:      apiKey,
		apiBase:     apiBase,
		chatPath:    "/chat/completions",
		model:       model,
		client:      &http.Client{Timeout: 30 * time.Second},
		retryConfig: DefaultRetryConfig(),
	}
}

// WithTimeout returns the provider with a custom per-request timeout.
func (p *OpenAICompat) WithTimeout(d time.Duration) *OpenAICompat {
	p.client = &http.Client{Timeout: d}
	return p
}

// WithRetryConfig returns the provider with a custom retry policy.
func (p *OpenAICompat) WithRetryConfig(cfg RetryConfig) *OpenAICompat {
	p.retryConfig = cfg
	return p
}

func (p *OpenAICompat) Name() string { return p.name }

func (p *OpenAICompat) Generate(ctx context.Context, req Request) (string, error) {
	msgs := make([]map[string]string, 0, len(req.Turns))
	for _, t := range req.Turns {
		msgs = append(msgs, map[string]string{"role": t.Role, "content": t.Content})
	}

	body := map[string]interface{}{
		"model":    p.model,
		"messages": msgs,
		"stream":   false,
	}
	if req.MaxTokens > 0 {
		body["max_tokens"] = req.MaxTokens
	}
	if req.Temperature > 0 {
		body["temperature"] = req.Temperature
	}

	return RetryDo(ctx, p.retryConfig, func() (string, error) {
		respBody, err := p.doRequest(ctx, body)
		if err != nil {
			return "", err
		}
		defer respBody.Close()

		var decoded struct {
			Choices []struct {
				Message struct {
					Content string `json:"content"`
				} `json:"message"`
				FinishReason string `json:"finish_reason"`
			} `json:"choices"`
		}
		if err := json.NewDecoder(respBody).Decode(&decoded); err != nil {
			return "", fmt.Errorf("%s: decode response: %w", p.name, err)
		}
		if len(decoded.Choices) == 0 {
			return "", fmt.Errorf("%s: response carried no choices", p.name)
		}
		text := strings.TrimSpace(decoded.Choices[0].Message.Content)
		if text == "" {
			return "", fmt.Errorf("%s: empty completion", p.name)
		}
		return text, nil
	})
}

func (p *OpenAICompat) doRequest(ctx context.Context, body interface{}) (io.ReadCloser, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("%s: marshal request: %w", p.name, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", p.apiBase+p.chatPath, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%s: create request: %w", p.name, err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s: request failed: %w", p.name, err)
	}

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, &HTTPError{
			Status:     resp.StatusCode,
			Body:       fmt.Sprintf("%s: %s", p.name, string(respBody)),
			RetryAfter: ParseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}

	return resp.Body, nil
}
