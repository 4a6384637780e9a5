// ABOUTME: Response generator backed by an OpenAI-compatible chat completion API
// ABOUTME: One completion per flushed window, system prompt plus the combined user turn

package generator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/2389/fold-relay/internal/conv"
	"github.com/2389/fold-relay/internal/debounce"
)

// DefaultModel is used when OpenAIConfig.Model is empty.
const DefaultModel = "gpt-4o-mini"

// ErrEmptyCompletion is returned when the API answers without a choice.
var ErrEmptyCompletion = errors.New("completion returned no choices")

// OpenAIConfig configures the chat completion generator.
type OpenAIConfig struct {
	APIKey string
	// BaseURL points at any OpenAI-compatible endpoint, e.g. a local server.
	BaseURL      string
	Model        string
	SystemPrompt string
	MaxTokens    int
	Temperature  float32
}

// OpenAI generates responses with chat completions.
type OpenAI struct {
	client *openai.Client
	cfg    OpenAIConfig
	logger *slog.Logger
}

var _ debounce.ResponseGenerator = (*OpenAI)(nil)

// NewOpenAI creates a generator. An API key is required unless BaseURL
// points somewhere other than OpenAI.
func NewOpenAI(cfg OpenAIConfig, logger *slog.Logger) (*OpenAI, error) {
	if cfg.APIKey == "" && cfg.BaseURL == "" {
		return nil, fmt.Errorf("OpenAI API key is required")
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if logger == nil {
		logger = slog.Default()
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	}

	return &OpenAI{
		client: openai.NewClientWithConfig(clientCfg),
		cfg:    cfg,
		logger: logger.With("component", "generator", "provider", "openai"),
	}, nil
}

// Generate implements debounce.ResponseGenerator.
func (g *OpenAI) Generate(ctx context.Context, key conv.Key, combined string) (string, error) {
	var messages []openai.ChatCompletionMessage
	if g.cfg.SystemPrompt != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: g.cfg.SystemPrompt,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: combined,
	})

	resp, err := g.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       g.cfg.Model,
		Messages:    messages,
		MaxTokens:   g.cfg.MaxTokens,
		Temperature: g.cfg.Temperature,
		User:        key.String(),
	})
	if err != nil {
		return "", fmt.Errorf("creating chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", ErrEmptyCompletion
	}

	g.logger.Debug("completion received",
		"conversation_key", key.String(),
		"model", resp.Model,
		"total_tokens", resp.Usage.TotalTokens)
	return resp.Choices[0].Message.Content, nil
}
