package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/v0xg/steppilot/internal/config"
	"github.com/v0xg/steppilot/internal/locator"
)

// Sentinel goals returned in place of a real step.
const (
	GoalNoAction   = "no_action"
	GoalParseError = "parse_error"
)

// Credentials are handed to the generator verbatim so it can fill login forms.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// HistoryItem is the condensed form of a past attempt shown to the generator.
type HistoryItem struct {
	Step    int    `json:"step"`
	Goal    string `json:"goal"`
	Action  string `json:"action"`
	URL     string `json:"url"`
	Success bool   `json:"success"`
	Reason  string `json:"reason,omitempty"`
}

// Memory is a previously successful script for a similar goal.
type Memory struct {
	Goal   string `json:"goal"`
	Script string `json:"script"`
}

// Request is everything the generator sees for one step.
type Request struct {
	CurrentURL   string
	Snapshot     *locator.Snapshot
	Credentials  Credentials
	History      []HistoryItem
	AllSteps     []string
	RequiredStep string
	Hint         string
	Memory       *Memory
	Dialect      string // actions or go
}

// Proposal is the generator's answer: a one-line goal and a script.
type Proposal struct {
	Goal   string
	Script string
	Raw    string
}

// Skipped reports whether the proposal carries no executable script.
func (p Proposal) Skipped() bool {
	return p.Goal == GoalNoAction || p.Goal == GoalParseError || strings.TrimSpace(p.Script) == ""
}

// Provider generates the next step script. Errors are transport failures;
// a malformed answer is a Proposal with GoalParseError.
type Provider interface {
	Generate(ctx context.Context, req Request) (Proposal, error)
	Name() string
}

// NewProvider creates a new AI provider based on the configured provider name
func NewProvider(cfg config.GeneratorConfig) (Provider, error) {
	switch strings.ToLower(cfg.Provider) {
	case "claude", "anthropic":
		return NewClaudeProvider(cfg)
	case "openai", "gpt":
		return NewOpenAIProvider(cfg)
	case "openrouter":
		if cfg.BaseURL == "" {
			cfg.BaseURL = openRouterBaseURL
		}
		return NewOpenAIProvider(cfg)
	case "gemini", "google":
		return NewGeminiProvider(cfg)
	case "ollama":
		return NewOllamaProvider(cfg)
	default:
		return nil, fmt.Errorf("unknown provider: %s (supported: claude, openai, openrouter, gemini, ollama)", cfg.Provider)
	}
}

type wireProposal struct {
	Goal   string          `json:"goal"`
	Script json.RawMessage `json:"script"`
	Code   json.RawMessage `json:"code"`
}

// ParseProposal extracts {goal, script} from a model response that may be
// wrapped in fences or surrounded by prose. It never fails: unusable text
// comes back as a parse_error proposal carrying the raw response.
func ParseProposal(response string) Proposal {
	raw := response
	candidates := []string{strings.TrimSpace(response)}
	if stripped := stripFences(response); stripped != candidates[0] {
		candidates = append(candidates, stripped)
	}
	if start, end := strings.Index(response, "{"), strings.LastIndex(response, "}"); start != -1 && end > start {
		candidates = append(candidates, response[start:end+1])
	}

	for _, c := range candidates {
		var w wireProposal
		if err := json.Unmarshal([]byte(c), &w); err != nil {
			continue
		}
		script := scriptText(w.Script)
		if script == "" {
			script = scriptText(w.Code)
		}
		goal := strings.TrimSpace(w.Goal)
		if goal == "" && script == "" {
			continue
		}
		return Proposal{Goal: goal, Script: script, Raw: raw}
	}
	return Proposal{Goal: GoalParseError, Script: raw, Raw: raw}
}

// scriptText accepts either a JSON string or an inline actions array.
func scriptText(msg json.RawMessage) string {
	trimmed := strings.TrimSpace(string(msg))
	if trimmed == "" || trimmed == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(msg, &s); err == nil {
		return s
	}
	if strings.HasPrefix(trimmed, "[") || strings.HasPrefix(trimmed, "{") {
		return trimmed
	}
	return ""
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.Index(s, "\n"); nl != -1 {
		s = s[nl+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
