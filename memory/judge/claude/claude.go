// Package claude implements memory.Judge on the Anthropic Messages API.
package claude

import (
	"context"
	"log/slog"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/m-mizutani/goerr/v2"

	"github.com/becomeliminal/nim-memory/logging"
	"github.com/becomeliminal/nim-memory/memory"
)

// DefaultModel is used when Config.Model is empty.
const DefaultModel = "claude-sonnet-4-20250514"

// Config configures the judge.
type Config struct {
	Model     string `yaml:"model" mapstructure:"model"`
	MaxTokens int64  `yaml:"max_tokens" mapstructure:"max_tokens"`
}

// Judge asks Claude for memory operation tags.
type Judge struct {
	client    *anthropic.Client
	model     string
	maxTokens int64
	log       *slog.Logger
}

var _ memory.Judge = (*Judge)(nil)

// New creates a judge over an Anthropic client.
func New(client *anthropic.Client, cfg Config) *Judge {
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 1024
	}
	return &Judge{
		client:    client,
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
		log:       logging.Component("judge"),
	}
}

// Propose sends the prompt and returns the concatenated text blocks.
func (j *Judge) Propose(ctx context.Context, prompt memory.Prompt) (string, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(j.model),
		MaxTokens: j.maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt.User)),
		},
	}
	if prompt.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: prompt.System}}
	}

	resp, err := j.client.Messages.New(ctx, params)
	if err != nil {
		return "", goerr.Wrap(err, "claude api error", goerr.V("model", j.model))
	}

	var b strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	j.log.Debug("judge responded",
		"input_tokens", resp.Usage.InputTokens,
		"output_tokens", resp.Usage.OutputTokens,
		"chars", b.Len())

	if b.Len() == 0 {
		return "", goerr.New("claude returned no text", goerr.V("stop_reason", string(resp.StopReason)))
	}
	return b.String(), nil
}
