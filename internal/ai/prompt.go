package ai

import (
	"encoding/json"
	"fmt"
	"strings"
)

const systemPromptBase = `You are a deterministic browser test planner. You generate ONE small executable step for the current page.

You will receive:
1. The current page URL
2. A DOM snapshot: inputs, buttons, links, images, labels, selects, product cards and clickables, each with a cssSelector
3. The full list of test steps and the step that must be completed next
4. The history of previous attempts, and optionally a script that worked for a similar step before

Rules:
- Complete ONLY the required step. Do not jump ahead to later steps.
- Never invent or rename selectors. Use only selectors from the DOM snapshot.
- The browser session already exists. Never open, close or replace it.
- If the required step is already satisfied or cannot be done on this page, answer with goal "no_action" and an empty script.

Always answer with a single JSON object and nothing else:
{"goal": "one-line description of what the script does", "script": "..."}
`

const actionsDialect = `The script is a JSON array of actions, encoded as a string. Each action has:
- "action": one of "click", "type", "hover", "scroll", "wait", "navigate", "waitFor", "assertText", "select"
- "selector": CSS selector (required for click, type, hover, waitFor, assertText, select)
- "text": text to type, expected text for assertText, or option text for select
- "x", "y": pixel deltas for scroll
- "url": URL for navigate
- "wait": milliseconds to wait after the action (optional)

Example:
{"goal": "log in with the provided credentials", "script": "[{\"action\": \"type\", \"selector\": \"#user-name\", \"text\": \"standard_user\"}, {\"action\": \"type\", \"selector\": \"#password\", \"text\": \"secret_sauce\"}, {\"action\": \"click\", \"selector\": \"#login-button\", \"wait\": 1000}]"}`

const goDialect = `The script is a Go statement list. A package named page is already imported and bound to the live browser:
- page.Click(selector) error
- page.Type(selector, text) error
- page.Hover(selector) error
- page.Scroll(x, y int) error
- page.WaitFor(selector) error
- page.Text(selector) (string, error)
- page.AssertText(selector, text) error
- page.Select(selector, option) error
- page.Navigate(url) error
- page.Sleep(ms int) error
- page.URL() string
Only strings, strconv, fmt, time, regexp and math may be imported. Wait with page.Sleep, not time.Sleep.
Helper funcs and types may be declared at the top level, unindented. Return an error to signal failure.

Example:
{"goal": "log in with the provided credentials", "script": "if err := page.Type(\"#user-name\", \"standard_user\"); err != nil {\n\treturn err\n}\npage.Type(\"#password\", \"secret_sauce\")\nreturn page.Click(\"#login-button\")"}`

func systemPrompt(dialect string) string {
	if dialect == "go" {
		return systemPromptBase + "\n" + goDialect
	}
	return systemPromptBase + "\n" + actionsDialect
}

func buildUserPrompt(req Request) (string, error) {
	snapshotJSON, err := json.MarshalIndent(req.Snapshot, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	history := req.History
	if history == nil {
		history = []HistoryItem{}
	}
	historyJSON, err := json.MarshalIndent(history, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal history: %w", err)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Current page URL: %s\n\n", req.CurrentURL)
	fmt.Fprintf(&sb, "History so far:\n%s\n\n", historyJSON)
	fmt.Fprintf(&sb, "DOM snapshot:\n%s\n\n", snapshotJSON)
	fmt.Fprintf(&sb, "Credentials:\nusername = %s\npassword = %s\n\n", req.Credentials.Username, req.Credentials.Password)

	sb.WriteString("All steps:\n")
	for i, step := range req.AllSteps {
		fmt.Fprintf(&sb, "%d. %s\n", i+1, step)
	}
	fmt.Fprintf(&sb, "\nRequired step: %s\n", req.RequiredStep)

	if req.Hint != "" {
		fmt.Fprintf(&sb, "\nHint: %s\n", req.Hint)
	}
	if req.Memory != nil {
		fmt.Fprintf(&sb, "\nA script that worked for %q before:\n%s\n", req.Memory.Goal, req.Memory.Script)
	}
	sb.WriteString("\nRespond ONLY with the JSON object, no explanation or markdown.")
	return sb.String(), nil
}
