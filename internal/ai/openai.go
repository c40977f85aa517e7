package ai

import (
	"context"
	"fmt"
	"os"

	openai "github.com/sashabaranov/go-openai"
	"github.com/v0xg/steppilot/internal/config"
)

const openRouterBaseURL = "https://openrouter.ai/api/v1"

// OpenAIProvider implements the Provider interface using OpenAI or any
// OpenAI-compatible endpoint such as OpenRouter
type OpenAIProvider struct {
	client    *openai.Client
	model     string
	maxTokens int
	name      string
}

// NewOpenAIProvider creates a new OpenAI provider
func NewOpenAIProvider(cfg config.GeneratorConfig) (*OpenAIProvider, error) {
	name := "openai"
	apiKey := firstNonEmpty(cfg.APIKey, os.Getenv("STEPPILOT_OPENAI_KEY"), os.Getenv("OPENAI_API_KEY"))
	if cfg.BaseURL == openRouterBaseURL {
		name = "openrouter"
		apiKey = firstNonEmpty(cfg.APIKey, os.Getenv("OPEN_ROUTER_KEY"), os.Getenv("OPENROUTER_API_KEY"))
	}
	if apiKey == "" {
		return nil, fmt.Errorf("API key required for %s (set STEPPILOT_API_KEY)", name)
	}

	clientCfg := openai.DefaultConfig(apiKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	model := cfg.Model
	if model == "" {
		model = "gpt-4o"
	}

	return &OpenAIProvider{
		client:    openai.NewClientWithConfig(clientCfg),
		model:     model,
		maxTokens: maxTokensOrDefault(cfg.MaxTokens),
		name:      name,
	}, nil
}

// Name identifies the provider in logs.
func (p *OpenAIProvider) Name() string { return p.name }

// Generate asks the chat completion endpoint for the script that completes the required step
func (p *OpenAIProvider) Generate(ctx context.Context, req Request) (Proposal, error) {
	userPrompt, err := buildUserPrompt(req)
	if err != nil {
		return Proposal{}, err
	}

	resp, err := p.client.CreateChatCompletion(
		ctx,
		openai.ChatCompletionRequest{
			Model: p.model,
			Messages: []openai.ChatCompletionMessage{
				{
					Role:    openai.ChatMessageRoleSystem,
					Content: systemPrompt(req.Dialect),
				},
				{
					Role:    openai.ChatMessageRoleUser,
					Content: userPrompt,
				},
			},
			MaxTokens:   p.maxTokens,
			Temperature: 0,
		},
	)
	if err != nil {
		return Proposal{}, fmt.Errorf("OpenAI API error: %w", err)
	}

	if len(resp.Choices) == 0 {
		return ParseProposal(""), nil
	}

	return ParseProposal(resp.Choices[0].Message.Content), nil
}
