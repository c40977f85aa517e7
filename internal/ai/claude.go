package ai

import (
	"context"
	"fmt"
	"os"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/v0xg/steppilot/internal/config"
)

// ClaudeProvider implements the Provider interface using Anthropic's Claude
type ClaudeProvider struct {
	client    *anthropic.Client
	model     string
	maxTokens int64
}

// NewClaudeProvider creates a new Claude provider
func NewClaudeProvider(cfg config.GeneratorConfig) (*ClaudeProvider, error) {
	apiKey := firstNonEmpty(cfg.APIKey, os.Getenv("STEPPILOT_ANTHROPIC_KEY"), os.Getenv("ANTHROPIC_API_KEY"))
	if apiKey == "" {
		return nil, fmt.Errorf("STEPPILOT_ANTHROPIC_KEY or ANTHROPIC_API_KEY environment variable required")
	}

	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	client := anthropic.NewClient(opts...)

	model := cfg.Model
	if model == "" {
		model = string(anthropic.ModelClaudeSonnet4_20250514)
	}

	return &ClaudeProvider{
		client:    &client,
		model:     model,
		maxTokens: int64(maxTokensOrDefault(cfg.MaxTokens)),
	}, nil
}

// Name identifies the provider in logs.
func (p *ClaudeProvider) Name() string { return "claude" }

// Generate asks Claude for the script that completes the required step
func (p *ClaudeProvider) Generate(ctx context.Context, req Request) (Proposal, error) {
	userPrompt, err := buildUserPrompt(req)
	if err != nil {
		return Proposal{}, err
	}

	resp, err := p.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model),
		MaxTokens: p.maxTokens,
		System: []anthropic.TextBlockParam{
			{Text: systemPrompt(req.Dialect)},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(userPrompt)),
		},
	})
	if err != nil {
		return Proposal{}, fmt.Errorf("Claude API error: %w", err)
	}

	// Extract text content
	var responseText string
	for _, block := range resp.Content {
		if block.Type == "text" {
			responseText = block.Text
			break
		}
	}

	return ParseProposal(responseText), nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func maxTokensOrDefault(n int) int {
	if n <= 0 {
		return 1024
	}
	return n
}
