package nl2sql

import (
	"context"
	"fmt"
	"strings"

	"github.com/sqlpilot/sqlpilot/internal/llmhttp"
)

const defaultOpenAIModel = "deepseek-chat"

// OpenAICompleter talks to any OpenAI compatible chat completions endpoint.
type OpenAICompleter struct {
	client      *llmhttp.Client
	model       string
	temperature float64
	maxTokens   int
}

func NewOpenAICompleter(cfg Config) (*OpenAICompleter, error) {
	client, err := llmhttp.New(llmhttp.Config{
		BaseURL:    cfg.BaseURL,
		APIKey:     cfg.APIKey,
		Timeout:    cfg.Timeout,
		MaxRetries: cfg.MaxRetries,
		Logger:     cfg.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("chat client: %w", err)
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultOpenAIModel
	}
	return &OpenAICompleter{
		client:      client,
		model:       model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
	}, nil
}

func (c *OpenAICompleter) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	var parsed struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := c.client.PostJSON(ctx, "/chat/completions", c.payload(systemPrompt, userPrompt), &parsed); err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("empty chat completion choices")
	}
	return stripMarkdownSQL(parsed.Choices[0].Message.Content), nil
}

func (c *OpenAICompleter) payload(systemPrompt, userPrompt string) map[string]any {
	payload := map[string]any{
		"model": c.model,
		"messages": []map[string]string{
			{"role": "system", "content": systemPrompt},
			{"role": "user", "content": userPrompt},
		},
		"temperature": c.temperature,
		"stream":      false,
	}
	if c.maxTokens > 0 {
		payload["max_tokens"] = c.maxTokens
	}
	return payload
}
