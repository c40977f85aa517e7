package agent

import (
	"fmt"
	"strings"
)

// StepResult summarizes one plan step.
type StepResult struct {
	Index    int    `json:"index"`
	Goal     string `json:"goal"`
	Passed   bool   `json:"passed"`
	Attempts int    `json:"attempts"`
}

// Report is the outcome of a run.
type Report struct {
	RunID           string         `json:"run_id"`
	StartURL        string         `json:"start_url"`
	Domain          string         `json:"domain"`
	Steps           []StepResult   `json:"steps"`
	History         []HistoryEntry `json:"history"`
	Attempts        int            `json:"attempts"`
	MaxAttempts     int            `json:"max_attempts"`
	BudgetExhausted bool           `json:"budget_exhausted"`
	Aborted         bool           `json:"aborted"`
	AuditDir        string         `json:"audit_dir,omitempty"`
	Err             error          `json:"-"`
}

// Passed returns the number of completed steps.
func (r *Report) Passed() int {
	n := 0
	for _, s := range r.Steps {
		if s.Passed {
			n++
		}
	}
	return n
}

// Complete reports whether every step passed.
func (r *Report) Complete() bool {
	return len(r.Steps) > 0 && r.Passed() == len(r.Steps)
}

func newReport(runID, startURL string, plan Plan, maxAttempts int) *Report {
	steps := make([]StepResult, plan.Len())
	for i := range steps {
		steps[i] = StepResult{Index: i + 1, Goal: plan.Step(i)}
	}
	return &Report{
		RunID:       runID,
		StartURL:    startURL,
		Steps:       steps,
		MaxAttempts: maxAttempts,
	}
}

// record folds one iteration into the report.
func (r *Report) record(entry HistoryEntry) {
	r.History = append(r.History, entry)
	r.Attempts = len(r.History)
	if i := entry.Step - 1; i >= 0 && i < len(r.Steps) {
		r.Steps[i].Attempts++
		if entry.Success {
			r.Steps[i].Passed = true
		}
	}
}

// String renders the textual run report.
func (r *Report) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Run %s", r.RunID)
	if r.Domain != "" {
		fmt.Fprintf(&sb, " on %s", r.Domain)
	}
	sb.WriteString("\n")

	for _, s := range r.Steps {
		status := "FAIL"
		if s.Passed {
			status = "PASS"
		}
		fmt.Fprintf(&sb, "  [%s] Step %d: %s (%d %s)\n", status, s.Index, s.Goal, s.Attempts, plural(s.Attempts, "attempt"))
	}

	fmt.Fprintf(&sb, "Passed %d/%d steps using %d/%d attempts\n", r.Passed(), len(r.Steps), r.Attempts, r.MaxAttempts)
	if r.BudgetExhausted {
		sb.WriteString("Budget exhausted: attempt limit reached before all steps passed\n")
	}
	if r.Aborted && r.Err != nil {
		fmt.Fprintf(&sb, "Run aborted: %v\n", r.Err)
	}
	if r.AuditDir != "" {
		fmt.Fprintf(&sb, "Screenshots: %s\n", r.AuditDir)
	}
	return sb.String()
}

func plural(n int, word string) string {
	if n == 1 {
		return word
	}
	return word + "s"
}
