package agent

import "time"

// Plan is the ordered list of goals for one run. It is copied on
// construction and never modified.
type Plan struct {
	steps []string
}

func NewPlan(steps []string) Plan {
	return Plan{steps: append([]string(nil), steps...)}
}

func (p Plan) Len() int { return len(p.steps) }

func (p Plan) Step(i int) string { return p.steps[i] }

// Steps returns a copy of the goals.
func (p Plan) Steps() []string { return append([]string(nil), p.steps...) }

// RunState tracks progress. StepIndex only moves forward on success;
// Attempts moves forward every iteration.
type RunState struct {
	StepIndex int
	Attempts  int
}

// HistoryEntry records one iteration. Entries are append-only.
type HistoryEntry struct {
	Step      int       `json:"step"`
	Goal      string    `json:"goal"`   // the required plan goal
	Action    string    `json:"action"` // the generator's own description, or a sentinel
	PageURL   string    `json:"page_url"`
	ResultURL string    `json:"result_url"`
	Success   bool      `json:"success"`
	Cached    bool      `json:"cached"`
	Reason    string    `json:"reason,omitempty"`
	Script    string    `json:"script,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// RunRequest is the input of a single run.
type RunRequest struct {
	StartURL    string   `yaml:"url" json:"url"`
	Steps       []string `yaml:"steps" json:"steps"`
	Username    string   `yaml:"username" json:"username"`
	Password    string   `yaml:"password" json:"-"`
	Hint        string   `yaml:"hint" json:"hint,omitempty"`
	MaxAttempts int      `yaml:"max_attempts" json:"max_attempts,omitempty"`
}
