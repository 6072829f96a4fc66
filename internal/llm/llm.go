// Package llm wraps the Anthropic messages API for code review completions.
package llm

import (
	"context"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// Low temperature favors deterministic, schema-conforming output.
const temperature = 0.2

// Client wraps the Anthropic API for review completions. It is constructed
// once in main and injected; a missing API key fails configuration loading,
// so a constructed Client is always usable.
type Client struct {
	api       *anthropic.Client
	model     anthropic.Model
	maxTokens int64
}

// NewClient creates an LLM client with the given API key, model id and
// output token ceiling.
func NewClient(apiKey, model string, maxTokens int) *Client {
	client := anthropic.NewClient(option.WithAPIKey(apiKey))
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	return &Client{
		api:       &client,
		model:     anthropic.Model(model),
		maxTokens: int64(maxTokens),
	}
}

// Complete sends one synchronous completion request and returns the raw
// text reply. No streaming, no retry; any failure propagates to the caller.
func (c *Client) Complete(ctx context.Context, system, user string) (string, error) {
	msg, err := c.api.Messages.New(ctx, anthropic.MessageNewParams{
		Model:       c.model,
		MaxTokens:   c.maxTokens,
		Temperature: anthropic.Float(temperature),
		System: []anthropic.TextBlockParam{
			{Text: system},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(user)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("anthropic API call: %w", err)
	}

	var text string
	for _, block := range msg.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}

	if text == "" {
		return "", fmt.Errorf("no text content in API response")
	}

	return text, nil
}
