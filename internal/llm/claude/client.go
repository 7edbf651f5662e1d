// Package claude implements text generation on the Anthropic Messages API.
package claude

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/linnemanlabs/go-core/log"
)

// DefaultMaxTokens bounds a single verdict response.
const DefaultMaxTokens = 4096

// systemPrompt pins the output to bare JSON, the Messages API has no JSON mode.
const systemPrompt = "Respond with a single JSON object and nothing else. Do not wrap it in markdown."

// Client implements the triage Generator on Claude.
type Client struct {
	sdk       anthropic.Client
	maxTokens int64
	logger    log.Logger
}

// New creates a Claude client. Extra request options (base URL, retries) are
// passed through to the SDK.
func New(apiKey string, maxTokens int, logger log.Logger, opts ...option.RequestOption) *Client {
	if logger == nil {
		logger = log.Nop()
	}
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	base := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithHTTPClient(&http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}),
	}
	return &Client{
		sdk:       anthropic.NewClient(append(base, opts...)...),
		maxTokens: int64(maxTokens),
		logger:    logger,
	}
}

// Name returns the backend name.
func (c *Client) Name() string { return "claude" }

// Generate sends prompt as a single user turn and returns the concatenated
// text of the reply.
func (c *Client) Generate(ctx context.Context, model, prompt string) (string, error) {
	start := time.Now()
	msg, err := c.sdk.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: c.maxTokens,
		System:    []anthropic.TextBlockParam{{Text: systemPrompt}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("claude messages %s: %w", model, err)
	}

	c.logger.Info(ctx, "claude response",
		"model", model,
		"stop_reason", msg.StopReason,
		"input_tokens", msg.Usage.InputTokens,
		"output_tokens", msg.Usage.OutputTokens,
		"duration", time.Since(start).Seconds(),
	)

	return textFromMessage(msg)
}

// textFromMessage joins the text blocks of a reply. A reply cut off at the
// token limit is rejected since its JSON would be truncated.
func textFromMessage(msg *anthropic.Message) (string, error) {
	if msg.StopReason == anthropic.StopReasonMaxTokens {
		return "", fmt.Errorf("claude reply truncated at max_tokens")
	}
	var b strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	if strings.TrimSpace(b.String()) == "" {
		return "", fmt.Errorf("claude reply has no text content")
	}
	return b.String(), nil
}
