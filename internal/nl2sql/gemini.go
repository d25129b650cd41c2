package nl2sql

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"google.golang.org/genai"

	"github.com/sqlpilot/sqlpilot/internal/llmhttp"
	"github.com/sqlpilot/sqlpilot/internal/observability"
)

const defaultGeminiModel = "gemini-2.0-flash"

type GeminiCompleter struct {
	client      *genai.Client
	model       string
	temperature float32
	maxTokens   int32
	timeout     time.Duration
	maxRetries  int
	logger      *slog.Logger
}

func NewGeminiCompleter(ctx context.Context, cfg Config) (*GeminiCompleter, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, fmt.Errorf("api key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultGeminiModel
	}
	return &GeminiCompleter{
		client:      client,
		model:       model,
		temperature: float32(cfg.Temperature),
		maxTokens:   int32(cfg.MaxTokens),
		timeout:     cfg.Timeout,
		maxRetries:  cfg.MaxRetries,
		logger:      observability.OrDiscard(cfg.Logger),
	}, nil
}

func (c *GeminiCompleter) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	genCfg := &genai.GenerateContentConfig{
		SystemInstruction: &genai.Content{Parts: []*genai.Part{{Text: systemPrompt}}},
		Temperature:       genai.Ptr(c.temperature),
	}
	if c.maxTokens > 0 {
		genCfg.MaxOutputTokens = c.maxTokens
	}
	contents := []*genai.Content{{Role: "user", Parts: []*genai.Part{{Text: userPrompt}}}}

	var text string
	operation := func() error {
		callCtx := ctx
		if c.timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, c.timeout)
			defer cancel()
		}
		resp, err := c.client.Models.GenerateContent(callCtx, c.model, contents, genCfg)
		if err != nil {
			if errors.Is(ctx.Err(), context.Canceled) {
				return backoff.Permanent(err)
			}
			return err
		}
		text = resp.Text()
		return nil
	}
	notify := func(err error, wait time.Duration) {
		c.logger.WarnContext(ctx, "retrying gemini completion", slog.Duration("wait", wait), slog.Any("error", err))
	}
	if err := backoff.RetryNotify(operation, llmhttp.Retrier(ctx, c.maxRetries, 500*time.Millisecond), notify); err != nil {
		return "", fmt.Errorf("gemini generate content: %w", err)
	}
	return stripMarkdownSQL(text), nil
}
