// Package anthropic implements the extractor on the Anthropic Messages API.
package anthropic

import (
	"context"
	"fmt"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.uber.org/zap"

	"github.com/papercomputeco/engram/pkg/extractor"
)

// DefaultModel is used when no model is configured.
const DefaultModel = "claude-haiku-4-5"

// DefaultMaxTokens bounds one extraction response.
const DefaultMaxTokens = 4096

// Extractor implements extractor.Extractor using the Anthropic API.
type Extractor struct {
	client    *sdk.Client
	model     string
	maxTokens int64
	logger    *zap.Logger
}

// Config holds configuration for the Anthropic extractor.
type Config struct {
	// APIKey authenticates against the Anthropic API. When empty the SDK
	// falls back to the ANTHROPIC_API_KEY environment variable.
	APIKey string

	// Model is the model identifier. Defaults to DefaultModel.
	Model string

	// MaxTokens bounds the response. Defaults to DefaultMaxTokens.
	MaxTokens int64
}

// NewExtractor creates a new Anthropic-backed extractor.
func NewExtractor(c Config, logger *zap.Logger) *Extractor {
	var opts []option.RequestOption
	if c.APIKey != "" {
		opts = append(opts, option.WithAPIKey(c.APIKey))
	}

	model := c.Model
	if model == "" {
		model = DefaultModel
	}
	maxTokens := c.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}

	client := sdk.NewClient(opts...)

	return &Extractor{
		client:    &client,
		model:     model,
		maxTokens: maxTokens,
		logger:    logger,
	}
}

// Name returns the canonical backend name.
func (e *Extractor) Name() string {
	return "anthropic"
}

// Extract sends one turn of the extraction conversation.
func (e *Extractor) Extract(ctx context.Context, req extractor.Request) (*extractor.Response, error) {
	messages := make([]sdk.MessageParam, 0, len(req.History)+1)
	for _, turn := range req.History {
		switch turn.Role {
		case "assistant":
			messages = append(messages, sdk.NewAssistantMessage(sdk.NewTextBlock(turn.Text)))
		default:
			messages = append(messages, sdk.NewUserMessage(sdk.NewTextBlock(turn.Text)))
		}
	}
	messages = append(messages, sdk.NewUserMessage(sdk.NewTextBlock(req.Prompt)))

	params := sdk.MessageNewParams{
		Model:     sdk.Model(e.model),
		MaxTokens: e.maxTokens,
		Messages:  messages,
	}
	if req.System != "" {
		params.System = []sdk.TextBlockParam{{Text: req.System}}
	}

	resp, err := e.client.Messages.New(ctx, params)
	if err != nil {
		e.logger.Warn("anthropic extraction failed", zap.Error(err))
		return nil, fmt.Errorf("%w: %v", extractor.ErrUnavailable, err)
	}

	var text string
	for _, block := range resp.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}

	return &extractor.Response{
		Text: text,
		Usage: extractor.Usage{
			InputTokens:  resp.Usage.InputTokens,
			OutputTokens: resp.Usage.OutputTokens,
		},
	}, nil
}

// Ensure Extractor implements extractor.Extractor
var _ extractor.Extractor = (*Extractor)(nil)
