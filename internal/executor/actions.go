package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Action represents a single step of the capability-scoped action vocabulary
type Action struct {
	Type     string `json:"action"`             // click, type, hover, scroll, wait, navigate, waitFor, assertText, select
	Selector string `json:"selector,omitempty"` // CSS selector for the target element
	Text     string `json:"text,omitempty"`     // Text to type, expected text, or option to select
	X        int    `json:"x,omitempty"`        // X delta (for scroll)
	Y        int    `json:"y,omitempty"`        // Y delta (for scroll)
	URL      string `json:"url,omitempty"`      // URL for navigate action
	Duration int    `json:"wait,omitempty"`     // Wait duration in ms after action
}

// Driver is the set of page capabilities a script may use. It is implemented
// by the live browser session; nothing else is reachable from a script.
type Driver interface {
	Click(ctx context.Context, selector string) error
	Type(ctx context.Context, selector, text string) error
	Hover(ctx context.Context, selector string) error
	Scroll(ctx context.Context, x, y int) error
	WaitFor(ctx context.Context, selector string) error
	Text(ctx context.Context, selector string) (string, error)
	Select(ctx context.Context, selector, value string) error
	Navigate(ctx context.Context, url string) error
	Sleep(ctx context.Context, d time.Duration) error
	CurrentURL() string
}

// ParseActions decodes an actions script: a JSON array of actions or a
// single action object.
func ParseActions(src string) ([]Action, error) {
	src = strings.TrimSpace(src)
	var actions []Action
	if strings.HasPrefix(src, "{") {
		var single Action
		if err := json.Unmarshal([]byte(src), &single); err != nil {
			return nil, fmt.Errorf("decode action: %w", err)
		}
		actions = []Action{single}
	} else if err := json.Unmarshal([]byte(src), &actions); err != nil {
		return nil, fmt.Errorf("decode actions: %w", err)
	}

	if len(actions) == 0 {
		return nil, fmt.Errorf("no actions in script")
	}
	for i, a := range actions {
		if err := a.validate(); err != nil {
			return nil, fmt.Errorf("action %d: %w", i+1, err)
		}
	}
	return actions, nil
}

func (a Action) validate() error {
	switch a.kind() {
	case "click", "hover", "waitfor", "type", "asserttext", "select":
		if a.Selector == "" {
			return fmt.Errorf("%s requires a selector", a.Type)
		}
	case "navigate":
		if a.URL == "" {
			return fmt.Errorf("navigate requires a url")
		}
	case "scroll", "wait":
	default:
		return fmt.Errorf("unknown action type: %q", a.Type)
	}
	return nil
}

// kind normalizes spellings such as waitFor, wait_for and assert_text.
func (a Action) kind() string {
	return strings.ToLower(strings.ReplaceAll(a.Type, "_", ""))
}

// runActions executes actions in order, stopping at the first failure.
func runActions(ctx context.Context, d Driver, actions []Action) error {
	for i, action := range actions {
		if err := runAction(ctx, d, action); err != nil {
			return fmt.Errorf("action %d (%s): %w", i+1, action.Type, err)
		}
		if action.Duration > 0 && action.kind() != "wait" {
			if err := d.Sleep(ctx, time.Duration(action.Duration)*time.Millisecond); err != nil {
				return err
			}
		}
	}
	return nil
}

func runAction(ctx context.Context, d Driver, action Action) error {
	switch action.kind() {
	case "click":
		return d.Click(ctx, action.Selector)
	case "type":
		return d.Type(ctx, action.Selector, action.Text)
	case "hover":
		return d.Hover(ctx, action.Selector)
	case "scroll":
		return d.Scroll(ctx, action.X, action.Y)
	case "wait":
		return d.Sleep(ctx, time.Duration(action.Duration)*time.Millisecond)
	case "navigate":
		return d.Navigate(ctx, action.URL)
	case "waitfor":
		return d.WaitFor(ctx, action.Selector)
	case "asserttext":
		return assertText(ctx, d, action.Selector, action.Text)
	case "select":
		return d.Select(ctx, action.Selector, action.Text)
	default:
		return fmt.Errorf("unknown action type: %s", action.Type)
	}
}

func assertText(ctx context.Context, d Driver, selector, want string) error {
	got, err := d.Text(ctx, selector)
	if err != nil {
		return err
	}
	if !strings.Contains(strings.TrimSpace(got), strings.TrimSpace(want)) {
		return fmt.Errorf("text of %s is %q, want %q", selector, got, want)
	}
	return nil
}
