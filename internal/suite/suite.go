// Package suite runs a YAML file of independent plans concurrently.
package suite

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/v0xg/steppilot/internal/agent"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"
)

// File is the on-disk suite format.
//
//	defaults:
//	  username: standard_user
//	  max_attempts: 5
//	runs:
//	  - name: login
//	    url: https://www.saucedemo.com/
//	    steps: ["Log in"]
type File struct {
	Defaults Defaults `yaml:"defaults"`
	Runs     []Case   `yaml:"runs"`
}

// Defaults fill fields a case leaves empty.
type Defaults struct {
	URL         string `yaml:"url"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	Hint        string `yaml:"hint"`
	MaxAttempts int    `yaml:"max_attempts"`
}

// Case is one named run.
type Case struct {
	Name             string `yaml:"name"`
	agent.RunRequest `yaml:",inline"`
}

// Result is the outcome of one case.
type Result struct {
	Name   string
	Report *agent.Report
	Err    error
}

// Passed reports whether the case completed every step.
func (r Result) Passed() bool {
	return r.Err == nil && r.Report != nil && r.Report.Complete()
}

// Runner executes a single plan. *agent.Controller satisfies it.
type Runner interface {
	Run(ctx context.Context, req agent.RunRequest) (*agent.Report, error)
}

// Load reads and validates a suite file.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read suite: %w", err)
	}
	return Parse(data)
}

// Parse decodes a suite and applies defaults.
func Parse(data []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse suite: %w", err)
	}
	if len(f.Runs) == 0 {
		return nil, fmt.Errorf("suite has no runs")
	}

	seen := make(map[string]bool, len(f.Runs))
	for i := range f.Runs {
		c := &f.Runs[i]
		if c.Name == "" {
			c.Name = fmt.Sprintf("run-%d", i+1)
		}
		if seen[c.Name] {
			return nil, fmt.Errorf("duplicate run name %q", c.Name)
		}
		seen[c.Name] = true

		c.StartURL = firstNonEmpty(c.StartURL, f.Defaults.URL)
		c.Username = firstNonEmpty(c.Username, f.Defaults.Username)
		c.Password = firstNonEmpty(c.Password, f.Defaults.Password)
		c.Hint = firstNonEmpty(c.Hint, f.Defaults.Hint)
		if c.MaxAttempts == 0 {
			c.MaxAttempts = f.Defaults.MaxAttempts
		}

		if c.StartURL == "" {
			return nil, fmt.Errorf("run %q: url is required", c.Name)
		}
		if len(c.Steps) == 0 {
			return nil, fmt.Errorf("run %q: at least one step is required", c.Name)
		}
	}
	return &f, nil
}

// Run executes every case with at most concurrency runs in flight. A failing
// case never stops the others; results keep the file order.
func Run(ctx context.Context, runner Runner, f *File, concurrency int, logger *zap.Logger) []Result {
	if concurrency <= 0 {
		concurrency = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	log := logger.Named("suite")

	results := make([]Result, len(f.Runs))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	for i := range f.Runs {
		idx := i
		g.Go(func() error {
			c := f.Runs[idx]
			select {
			case <-gctx.Done():
				mu.Lock()
				results[idx] = Result{Name: c.Name, Err: gctx.Err()}
				mu.Unlock()
				return nil
			default:
			}

			log.Info("Run started", zap.String("name", c.Name), zap.String("url", c.StartURL))
			report, err := runner.Run(gctx, c.RunRequest)

			mu.Lock()
			results[idx] = Result{Name: c.Name, Report: report, Err: err}
			mu.Unlock()

			if err != nil {
				log.Warn("Run failed", zap.String("name", c.Name), zap.Error(err))
			}
			return nil // case errors are recorded, never abort the suite
		})
	}
	_ = g.Wait()

	return results
}

// Summary renders one line per case plus a total.
func Summary(results []Result) string {
	var sb strings.Builder
	passed := 0
	for _, r := range results {
		status := "FAIL"
		if r.Passed() {
			status = "PASS"
			passed++
		}
		detail := ""
		switch {
		case r.Err != nil:
			detail = r.Err.Error()
		case r.Report != nil:
			detail = fmt.Sprintf("%d/%d steps, %d attempts", r.Report.Passed(), len(r.Report.Steps), r.Report.Attempts)
		}
		fmt.Fprintf(&sb, "  [%s] %s: %s\n", status, r.Name, detail)
	}
	fmt.Fprintf(&sb, "Suite: %d/%d runs passed\n", passed, len(results))
	return sb.String()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
