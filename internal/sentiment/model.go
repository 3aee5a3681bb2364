package sentiment

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

const classifyTimeout = 10 * time.Second

const classifySystem = `You label chat messages for a conversation host. ` +
	`Reply with JSON only, no prose: ` +
	`{"label":"positive|neutral|negative|frustrated","confused":true|false,"question":true|false}`

// Model classifies with a small OpenAI-compatible model. Any transport
// or parse failure falls back to the keyword matcher so the pipeline
// keeps its never-fails contract.
type Model struct {
	client   openai.Client
	model    string
	fallback *Keyword
}

// NewModel builds a model-backed classifier against an OpenAI-compatible
// endpoint. An empty baseURL targets the official API.
func NewModel(baseURL, apiKey, model string) *Model {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &Model{
		client:   openai.NewClient(opts...),
		model:    model,
		fallback: NewKeyword(),
	}
}

func (m *Model) Classify(ctx context.Context, message string) Signals {
	ctx, cancel := context.WithTimeout(ctx, classifyTimeout)
	defer cancel()

	resp, err := m.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(m.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(classifySystem),
			openai.UserMessage(message),
		},
		Temperature:         openai.Float(0),
		MaxCompletionTokens: openai.Int(60),
	})
	if err != nil || len(resp.Choices) == 0 {
		slog.Debug("model classifier unavailable, using keywords", "error", err)
		return m.fallback.Classify(ctx, message)
	}

	var out struct {
		Label    string `json:"label"`
		Confused bool   `json:"confused"`
		Question bool   `json:"question"`
	}
	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")
	if err := json.Unmarshal([]byte(strings.TrimSpace(content)), &out); err != nil {
		slog.Debug("model classifier returned non-JSON, using keywords", "error", err)
		return m.fallback.Classify(ctx, message)
	}

	sig := Signals{
		Label:      Label(out.Label),
		Confidence: 0.9,
		Confused:   out.Confused,
		Question:   out.Question,
	}
	switch sig.Label {
	case LabelPositive, LabelNeutral, LabelNegative, LabelFrustrated:
	default:
		sig.Label = LabelNeutral
	}
	return sig
}
