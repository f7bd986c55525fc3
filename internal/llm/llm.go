// Package llm rates recorded performances with an OpenAI-compatible chat
// completion API.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"

	openai "github.com/sashabaranov/go-openai"

	"github.com/toeicprep/toeic/internal/llm/prompts"
	"github.com/toeicprep/toeic/internal/model"
)

// Rating is the model's assessment of one transcript.
type Rating struct {
	Confidence float64 `json:"confidence"`
	Feedback   string  `json:"feedback"`
}

// Client wraps an OpenAI-compatible API client.
type Client struct {
	api     *openai.Client
	model   string
	variant prompts.PromptVariant
}

// New creates a new LLM client. An empty variant means standard.
func New(baseURL, apiKey, modelName string, variant prompts.PromptVariant) (*Client, error) {
	if variant == "" {
		variant = prompts.PromptStandard
	}
	if !prompts.IsValidVariant(string(variant)) {
		return nil, fmt.Errorf("invalid prompt variant %q", variant)
	}
	if err := prompts.Load(); err != nil {
		return nil, err
	}
	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	return &Client{
		api:     openai.NewClientWithConfig(config),
		model:   modelName,
		variant: variant,
	}, nil
}

// Rate asks the model to rate transcript as a response to item.
func (c *Client) Rate(ctx context.Context, item model.Item, transcript string) (*Rating, error) {
	systemPrompt, err := prompts.BuildRatePrompt(c.variant, item, transcript)
	if err != nil {
		return nil, fmt.Errorf("build prompt: %w", err)
	}

	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Temperature: 0.1,
	})
	if err != nil {
		return nil, fmt.Errorf("LLM API call: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("LLM returned no choices")
	}

	raw := resp.Choices[0].Message.Content
	slog.Debug("LLM response", "item", item.ID, "raw", raw)

	var r Rating
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		return nil, fmt.Errorf("parse LLM response: %w (raw: %s)", err, raw)
	}
	if math.IsNaN(r.Confidence) || math.IsInf(r.Confidence, 0) {
		return nil, fmt.Errorf("LLM returned confidence %v", r.Confidence)
	}
	r.Confidence = max(0, min(r.Confidence, 100))
	return &r, nil
}

// Confidence returns only the rating's confidence.
func (c *Client) Confidence(ctx context.Context, item model.Item, transcript string) (float64, error) {
	r, err := c.Rate(ctx, item, transcript)
	if err != nil {
		return 0, err
	}
	return r.Confidence, nil
}

// Ping checks that the endpoint answers and serves the configured model.
func (c *Client) Ping(ctx context.Context) error {
	list, err := c.api.ListModels(ctx)
	if err != nil {
		return fmt.Errorf("list models: %w", err)
	}
	for _, m := range list.Models {
		if m.ID == c.model {
			return nil
		}
	}
	return fmt.Errorf("model %q not served by endpoint", c.model)
}
