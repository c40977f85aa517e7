// Package agent drives a browser through an ordered plan of goals, one
// verified step at a time.
package agent

import (
	"context"
	"errors"
	"time"

	"github.com/v0xg/steppilot/internal/ai"
	"github.com/v0xg/steppilot/internal/cache"
	"github.com/v0xg/steppilot/internal/executor"
	"github.com/v0xg/steppilot/internal/locator"
	"go.uber.org/zap"
)

var (
	// ErrTransport aborts a run when the page or the generator cannot be reached.
	ErrTransport = errors.New("transport failure")
	// ErrSessionStart is returned when the browser session cannot be created.
	ErrSessionStart = errors.New("session start failed")
	// ErrEmptyPlan is returned for runs without steps.
	ErrEmptyPlan = errors.New("plan has no steps")
)

// Session is the live browser a run owns. Scripts reach it only through the
// embedded executor.Driver capabilities.
type Session interface {
	executor.Driver
	BaseDomain() string
	Render(ctx context.Context) (string, error)
	Screenshot(ctx context.Context) ([]byte, error)
	Close() error
}

// Launcher opens a session on the start URL.
type Launcher interface {
	Launch(ctx context.Context, startURL string) (Session, error)
}

// Generator proposes the script for the required step.
type Generator interface {
	Generate(ctx context.Context, req ai.Request) (ai.Proposal, error)
}

// Runner executes scripts against the session.
type Runner interface {
	Execute(ctx context.Context, d executor.Driver, script string) executor.Outcome
}

// Auditor stores per-attempt screenshots for later inspection.
type Auditor interface {
	Capture(attempt int, png []byte, success bool) (string, error)
	Finalize() (string, error)
}

// AuditFactory creates the auditor for one run. maxAttempts is the run's
// effective attempt budget.
type AuditFactory func(runID string, maxAttempts int) (Auditor, error)

// LocatorFunc turns rendered markup into a snapshot.
type LocatorFunc func(markup string) (*locator.Snapshot, error)

// Deps are the collaborators shared by every run of a Controller.
type Deps struct {
	Launcher  Launcher
	Generator Generator
	Store     cache.Store
	Matcher   cache.Matcher
	Executor  Runner
	Locate    LocatorFunc  // defaults to locator.Extract
	Audit     AuditFactory // nil disables screenshots
	Logger    *zap.Logger
}

// Options tune the loop.
type Options struct {
	MaxAttempts     int
	GenerateTimeout time.Duration
	GenerateRetries int
	RetryBackoff    time.Duration
	SettleDelay     time.Duration
	MemoryLimit     int
	Dialect         string
}

// Controller runs plans. It holds no per-run state, so one Controller can
// serve concurrent runs.
type Controller struct {
	deps Deps
	opts Options
	log  *zap.Logger
}

// New creates a Controller.
func New(deps Deps, opts Options) *Controller {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Locate == nil {
		deps.Locate = locator.Extract
	}
	if deps.Matcher == nil {
		deps.Matcher = cache.Exact{}
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.GenerateTimeout <= 0 {
		opts.GenerateTimeout = 60 * time.Second
	}
	if opts.GenerateRetries < 0 {
		opts.GenerateRetries = 0
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = time.Second
	}
	if opts.Dialect == "" {
		opts.Dialect = string(executor.DialectActions)
	}
	return &Controller{deps: deps, opts: opts, log: deps.Logger.Named("agent")}
}
