package generate

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"loom/pkg/logger"

	loomerrors "loom/pkg/errors"
)

const maxRetries = 3

// OpenAIGenerator produces content through an OpenAI-compatible chat
// endpoint.
type OpenAIGenerator struct {
	client *openai.Client
	model  string
	logger *zap.Logger
}

// NewOpenAIGenerator creates a generator against the given base URL.
func NewOpenAIGenerator(baseURL, apiKey, modelID string) *OpenAIGenerator {
	if apiKey == "" {
		apiKey = "dummy-key"
	}

	config := openai.DefaultConfig(apiKey)
	config.BaseURL = baseURL + "/v1"

	return &OpenAIGenerator{
		client: openai.NewClientWithConfig(config),
		model:  modelID,
		logger: logger.Get(),
	}
}

// GenerateValue produces a single plain-text value.
func (g *OpenAIGenerator) GenerateValue(ctx context.Context, hint, contextStr string) (string, error) {
	system := "You generate one concise value for a data field. Respond with the value only, no quotes, no explanation."
	user := fmt.Sprintf("Field: %s", hint)
	if contextStr != "" {
		user += fmt.Sprintf("\n\nContext:\n%s", contextStr)
	}

	content, err := g.complete(ctx, system, user)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(content), nil
}

// GenerateFields produces a JSON object with one value per requested field.
func (g *OpenAIGenerator) GenerateFields(ctx context.Context, typeName, instructions string, fields map[string]string, contextStr string) (map[string]any, error) {
	system := "You generate realistic data records. Respond with a single JSON object containing exactly the requested fields, and nothing else."

	var sb strings.Builder
	fmt.Fprintf(&sb, "Create one %s record.", typeName)
	if instructions != "" {
		fmt.Fprintf(&sb, "\n\nInstructions: %s", instructions)
	}
	sb.WriteString("\n\nFields:")
	for _, name := range sortedKeys(fields) {
		fmt.Fprintf(&sb, "\n- %s: %s", name, fields[name])
	}
	if contextStr != "" {
		fmt.Fprintf(&sb, "\n\nContext:\n%s", contextStr)
	}

	content, err := g.complete(ctx, system, sb.String())
	if err != nil {
		return nil, err
	}

	var out map[string]any
	if err := json.Unmarshal([]byte(extractJSON(content)), &out); err != nil {
		return nil, loomerrors.NewGenerateError(g.model, 1, fmt.Errorf("response is not a JSON object: %w", err))
	}
	return out, nil
}

// complete runs one chat completion with retry and linear backoff.
func (g *OpenAIGenerator) complete(ctx context.Context, system, user string) (string, error) {
	req := openai.ChatCompletionRequest{
		Model: g.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
		Temperature: 0.7,
	}

	var resp openai.ChatCompletionResponse
	var err error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(attempt) * time.Second
			g.logger.Warn("Retrying generation request",
				zap.Int("attempt", attempt+1),
				zap.Duration("backoff", backoff),
			)
			select {
			case <-ctx.Done():
				return "", loomerrors.NewContextError("generate", ctx.Err())
			case <-time.After(backoff):
			}
		}

		resp, err = g.client.CreateChatCompletion(ctx, req)
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			return "", loomerrors.NewContextError("generate", ctx.Err())
		}

		g.logger.Error("Generation request failed",
			zap.Error(err),
			zap.Int("attempt", attempt+1),
			zap.String("model", g.model),
		)
	}
	if err != nil {
		return "", loomerrors.NewGenerateError(g.model, maxRetries, err)
	}

	if len(resp.Choices) == 0 {
		return "", loomerrors.NewGenerateError(g.model, 1, fmt.Errorf("no choices in response"))
	}
	return resp.Choices[0].Message.Content, nil
}

// extractJSON strips markdown code fences some models wrap around JSON.
func extractJSON(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	return strings.TrimSpace(s)
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
