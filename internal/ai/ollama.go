package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/ollama/ollama/api"
	"github.com/v0xg/steppilot/internal/config"
)

const ollamaDefault = "phi4:latest"

// OllamaProvider implements the Provider interface against a local Ollama server
type OllamaProvider struct {
	client *api.Client
	model  string
}

// NewOllamaProvider creates a new Ollama provider. BaseURL overrides OLLAMA_HOST.
func NewOllamaProvider(cfg config.GeneratorConfig) (*OllamaProvider, error) {
	var client *api.Client
	if cfg.BaseURL != "" {
		u, err := url.Parse(cfg.BaseURL)
		if err != nil {
			return nil, fmt.Errorf("ollama: bad host %q: %w", cfg.BaseURL, err)
		}
		client = api.NewClient(u, nil)
	} else {
		c, err := api.ClientFromEnvironment()
		if err != nil {
			return nil, fmt.Errorf("ollama client init: %w", err)
		}
		client = c
	}

	model := cfg.Model
	if strings.TrimSpace(model) == "" {
		model = ollamaDefault
	}
	return &OllamaProvider{client: client, model: model}, nil
}

// Name identifies the provider in logs.
func (p *OllamaProvider) Name() string { return "ollama" }

// Generate asks the local model for the script that completes the required step
func (p *OllamaProvider) Generate(ctx context.Context, req Request) (Proposal, error) {
	userPrompt, err := buildUserPrompt(req)
	if err != nil {
		return Proposal{}, err
	}

	stream := false
	genReq := &api.GenerateRequest{
		Model:  p.model,
		System: systemPrompt(req.Dialect),
		Prompt: userPrompt,
		Format: json.RawMessage(`"json"`),
		Stream: &stream,
	}
	var out strings.Builder
	if err := p.client.Generate(ctx, genReq, func(gr api.GenerateResponse) error {
		out.WriteString(gr.Response)
		return nil
	}); err != nil {
		return Proposal{}, fmt.Errorf("ollama generate: %w", err)
	}
	return ParseProposal(out.String()), nil
}
