package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/rodrwan/moaa/internal/config"
	"github.com/rodrwan/moaa/internal/model"
	"github.com/rodrwan/moaa/internal/observability"
)

type messageCreator interface {
	New(ctx context.Context, body anthropic.MessageNewParams, opts ...option.RequestOption) (*anthropic.Message, error)
}

// Client turns a change description plus repository files into a unified
// diff using the Anthropic Messages API.
type Client struct {
	messages  messageCreator
	model     string
	maxTokens int64
	timeout   time.Duration
	prompt    promptTemplate
}

// New fails with model.ErrConfiguration when no API key is configured.
func New(cfg config.AIConfig) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("%w: ANTHROPIC_API_KEY is required", model.ErrConfiguration)
	}
	prompt, err := parsePromptTemplate(defaultPromptYAML)
	if err != nil {
		return nil, err
	}
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		// Retries belong to the queue.
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		base := cfg.BaseURL
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		opts = append(opts, option.WithBaseURL(base))
	}
	client := anthropic.NewClient(opts...)

	c := &Client{
		messages:  &client.Messages,
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
		timeout:   cfg.Timeout,
		prompt:    prompt,
	}
	if c.model == "" {
		c.model = string(anthropic.ModelClaudeSonnet4_20250514)
	}
	if c.maxTokens <= 0 {
		c.maxTokens = 4096
	}
	return c, nil
}

// GenerateDiff makes exactly one generation call and returns the diff with
// any markdown fence removed.
func (c *Client) GenerateDiff(ctx context.Context, description string, files []model.SourceFile) (string, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	system := c.prompt.system()
	user := c.prompt.user(description, files)

	start := time.Now()
	msg, err := c.messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: c.maxTokens,
		System:    []anthropic.TextBlockParam{{Text: system}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(user)),
		},
	})
	if err != nil {
		return "", c.wrap(ctx, err)
	}

	text, ok := firstText(msg)
	if !ok {
		return "", model.ErrNoResponse
	}
	diff := StripFences(text)
	if diff == "" {
		return "", fmt.Errorf("%w: reply contained only fences", model.ErrNoResponse)
	}
	observability.Info("ai_diff_generated", observability.Fields{
		"model":         c.model,
		"files":         len(files),
		"prompt_bytes":  len(system) + len(user),
		"diff_bytes":    len(diff),
		"input_tokens":  msg.Usage.InputTokens,
		"output_tokens": msg.Usage.OutputTokens,
		"stop_reason":   string(msg.StopReason),
		"duration_ms":   time.Since(start).Milliseconds(),
	})
	return diff, nil
}

func (c *Client) wrap(ctx context.Context, err error) error {
	msg := observability.Redact(err.Error())
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w: messages call exceeded %s", model.ErrGeneration, model.ErrTimeout, c.timeout)
	}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return fmt.Errorf("%w: messages call failed with status %d: %s", model.ErrGeneration, apiErr.StatusCode, msg)
	}
	return fmt.Errorf("%w: messages call: %s", model.ErrGeneration, msg)
}

func firstText(msg *anthropic.Message) (string, bool) {
	if msg == nil {
		return "", false
	}
	for _, block := range msg.Content {
		if block.Type == "text" && strings.TrimSpace(block.Text) != "" {
			return block.Text, true
		}
	}
	return "", false
}

// StripFences removes one surrounding markdown code fence (```diff or ```)
// and surrounding whitespace. Clean input comes back unchanged.
func StripFences(s string) string {
	out := strings.TrimSpace(s)
	switch {
	case strings.HasPrefix(out, "```diff"):
		out = out[len("```diff"):]
	case strings.HasPrefix(out, "```"):
		out = out[len("```"):]
	}
	out = strings.TrimSuffix(out, "```")
	return strings.TrimSpace(out)
}
