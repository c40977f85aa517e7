package ai

import (
	"context"
	"fmt"
	"os"

	"github.com/v0xg/steppilot/internal/config"
	"google.golang.org/genai"
)

const geminiDefault = "gemini-2.0-flash"

// GeminiProvider implements the Provider interface using Google's Gemini API
type GeminiProvider struct {
	client    *genai.Client
	model     string
	maxTokens int32
}

// NewGeminiProvider creates a new Gemini provider
func NewGeminiProvider(cfg config.GeneratorConfig) (*GeminiProvider, error) {
	apiKey := firstNonEmpty(cfg.APIKey, os.Getenv("GEMINI_API_KEY"))
	if apiKey == "" {
		return nil, fmt.Errorf("GEMINI_API_KEY environment variable required")
	}

	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini client init: %w", err)
	}

	model := cfg.Model
	if model == "" {
		model = geminiDefault
	}

	return &GeminiProvider{
		client:    client,
		model:     model,
		maxTokens: int32(maxTokensOrDefault(cfg.MaxTokens)),
	}, nil
}

// Name identifies the provider in logs.
func (p *GeminiProvider) Name() string { return "gemini" }

// Generate asks Gemini for the script that completes the required step
func (p *GeminiProvider) Generate(ctx context.Context, req Request) (Proposal, error) {
	userPrompt, err := buildUserPrompt(req)
	if err != nil {
		return Proposal{}, err
	}

	resp, err := p.client.Models.GenerateContent(ctx, p.model, genai.Text(userPrompt), &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(systemPrompt(req.Dialect), genai.RoleUser),
		ResponseMIMEType:  "application/json",
		MaxOutputTokens:   p.maxTokens,
	})
	if err != nil {
		return Proposal{}, fmt.Errorf("gemini generate: %w", err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		return ParseProposal(""), nil
	}
	return ParseProposal(resp.Candidates[0].Content.Parts[0].Text), nil
}
