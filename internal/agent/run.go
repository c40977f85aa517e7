package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/v0xg/steppilot/internal/ai"
	"github.com/v0xg/steppilot/internal/cache"
	"github.com/v0xg/steppilot/internal/locator"
	"go.uber.org/zap"
)

// run holds the per-run mutable state so the Controller stays shareable.
type run struct {
	c       *Controller
	req     RunRequest
	plan    Plan
	state   RunState
	report  *Report
	session Session
	auditor Auditor
	log     *zap.Logger
}

// Run executes req until every step passes or the attempt budget is spent.
// Only session start and transport failures return an error; every other
// fault is a failed attempt recorded in the report.
func (c *Controller) Run(ctx context.Context, req RunRequest) (*Report, error) {
	plan := NewPlan(req.Steps)
	if plan.Len() == 0 {
		return nil, ErrEmptyPlan
	}
	maxAttempts := req.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = c.opts.MaxAttempts
	}

	runID := uuid.NewString()
	r := &run{
		c:      c,
		req:    req,
		plan:   plan,
		report: newReport(runID, req.StartURL, plan, maxAttempts),
		log:    c.log.With(zap.String("run_id", runID)),
	}

	session, err := c.deps.Launcher.Launch(ctx, req.StartURL)
	if err != nil {
		r.report.Aborted = true
		r.report.Err = fmt.Errorf("%w: %v", ErrSessionStart, err)
		return r.report, r.report.Err
	}
	r.session = session
	defer func() {
		if err := session.Close(); err != nil {
			r.log.Warn("Failed to close session", zap.Error(err))
		}
	}()
	r.report.Domain = session.BaseDomain()

	if c.deps.Audit != nil {
		auditor, err := c.deps.Audit(runID, maxAttempts)
		if err != nil {
			r.log.Warn("Audit disabled", zap.Error(err))
		} else {
			r.auditor = auditor
			defer r.finalizeAudit()
		}
	}

	r.log.Info("Run started",
		zap.String("url", req.StartURL),
		zap.Int("steps", plan.Len()),
		zap.Int("max_attempts", maxAttempts))

	for r.state.Attempts < maxAttempts && r.state.StepIndex < plan.Len() {
		if err := ctx.Err(); err != nil {
			r.report.Aborted = true
			r.report.Err = err
			return r.report, err
		}
		if err := r.iterate(ctx); err != nil {
			r.report.Aborted = true
			r.report.Err = err
			r.log.Error("Run aborted", zap.Error(err), zap.Int("attempts", r.state.Attempts))
			return r.report, err
		}
		if r.state.Attempts < maxAttempts && r.state.StepIndex < plan.Len() {
			r.settle(ctx)
		}
	}

	r.report.BudgetExhausted = r.state.StepIndex < plan.Len()
	r.log.Info("Run finished",
		zap.Int("passed", r.report.Passed()),
		zap.Int("steps", plan.Len()),
		zap.Int("attempts", r.state.Attempts),
		zap.Bool("budget_exhausted", r.report.BudgetExhausted))
	return r.report, nil
}

// iterate performs exactly one attempt. A non-nil error means the run must
// abort; the attempt is then not counted.
func (r *run) iterate(ctx context.Context) error {
	required := r.plan.Step(r.state.StepIndex)
	log := r.log.With(zap.Int("step", r.state.StepIndex+1), zap.Int("attempt", r.state.Attempts+1))

	markup, err := r.session.Render(ctx)
	if err != nil {
		return fmt.Errorf("%w: render page: %v", ErrTransport, err)
	}
	snapshot, err := r.c.deps.Locate(markup)
	if err != nil {
		log.Warn("Failed to extract snapshot", zap.Error(err))
		snapshot = &locator.Snapshot{}
	}

	domain := r.session.BaseDomain()
	pageURL := r.session.CurrentURL()
	entry := HistoryEntry{
		Step:    r.state.StepIndex + 1,
		Goal:    required,
		PageURL: pageURL,
	}

	key := cache.Key{BaseDomain: domain, PageURL: pageURL, Goal: required}
	if cached := r.lookup(ctx, key, log); cached != nil {
		out := r.c.deps.Executor.Execute(ctx, r.session, cached.Script)
		if out.Success {
			log.Info("Replayed cached step", zap.Int64("record_id", cached.ID))
			entry.Action = cached.Summary
			entry.Script = cached.Script
			entry.Cached = true
			entry.Success = true
			r.finish(ctx, entry)
			return nil
		}
		log.Info("Cached step failed, regenerating",
			zap.Int64("record_id", cached.ID),
			zap.String("reason", string(out.Reason)))
	}

	proposal, err := r.generate(ctx, pageURL, snapshot, required, log)
	if err != nil {
		return err
	}
	entry.Action = proposal.Goal
	entry.Script = proposal.Script

	switch {
	case proposal.Goal == ai.GoalNoAction || proposal.Goal == ai.GoalParseError:
		entry.Reason = proposal.Goal
		log.Info("Generator returned no script", zap.String("goal", proposal.Goal))
	case proposal.Skipped():
		entry.Reason = "empty_script"
	default:
		out := r.c.deps.Executor.Execute(ctx, r.session, proposal.Script)
		entry.Success = out.Success
		entry.Reason = string(out.Reason)
	}

	if entry.Success {
		r.remember(ctx, key, proposal, snapshot, log)
	}
	r.finish(ctx, entry)
	return nil
}

// finish appends the entry, advances the state and captures the audit shot.
func (r *run) finish(ctx context.Context, entry HistoryEntry) {
	entry.ResultURL = r.session.CurrentURL()
	entry.Timestamp = time.Now().UTC()
	r.report.record(entry)

	if entry.Success {
		r.state.StepIndex++
	}
	r.state.Attempts++

	r.log.Info("Attempt finished",
		zap.Int("attempt", r.state.Attempts),
		zap.Int("step", entry.Step),
		zap.Bool("success", entry.Success),
		zap.Bool("cached", entry.Cached),
		zap.String("reason", entry.Reason))

	r.capture(ctx, r.state.Attempts, entry.Success)
}

func (r *run) lookup(ctx context.Context, key cache.Key, log *zap.Logger) *cache.Record {
	if r.c.deps.Store == nil {
		return nil
	}
	rec, err := cache.Find(ctx, r.c.deps.Store, r.c.deps.Matcher, key)
	if err != nil {
		log.Warn("Cache lookup failed, treating as miss", zap.Error(err))
		return nil
	}
	return rec
}

func (r *run) remember(ctx context.Context, key cache.Key, p ai.Proposal, snapshot *locator.Snapshot, log *zap.Logger) {
	if r.c.deps.Store == nil {
		return
	}
	rec, err := r.c.deps.Store.Store(ctx, cache.Record{
		BaseDomain: key.BaseDomain,
		PageURL:    key.PageURL,
		Goal:       key.Goal,
		Script:     p.Script,
		Summary:    p.Goal,
		Tags:       snapshot.InputIDs(),
		Success:    true,
	})
	if err != nil {
		log.Warn("Failed to cache step", zap.Error(err))
		return
	}
	log.Debug("Cached step", zap.Int64("record_id", rec.ID))
}

// generate calls the generator with bounded retries on transport errors.
func (r *run) generate(ctx context.Context, pageURL string, snapshot *locator.Snapshot, required string, log *zap.Logger) (ai.Proposal, error) {
	req := ai.Request{
		CurrentURL:   pageURL,
		Snapshot:     snapshot,
		Credentials:  ai.Credentials{Username: r.req.Username, Password: r.req.Password},
		History:      r.historyItems(),
		AllSteps:     r.plan.Steps(),
		RequiredStep: required,
		Hint:         r.req.Hint,
		Memory:       r.memory(ctx, pageURL, required, log),
		Dialect:      r.c.opts.Dialect,
	}

	var lastErr error
	for try := 0; try <= r.c.opts.GenerateRetries; try++ {
		if try > 0 {
			log.Warn("Retrying generation", zap.Int("retry", try), zap.Error(lastErr))
			if err := sleepCtx(ctx, r.c.opts.RetryBackoff*time.Duration(try)); err != nil {
				break
			}
		}
		genCtx, cancel := context.WithTimeout(ctx, r.c.opts.GenerateTimeout)
		proposal, err := r.c.deps.Generator.Generate(genCtx, req)
		cancel()
		if err == nil {
			return proposal, nil
		}
		lastErr = err
	}
	return ai.Proposal{}, fmt.Errorf("%w: generate: %v", ErrTransport, lastErr)
}

// memory finds a previously successful script for a similar goal on this page.
func (r *run) memory(ctx context.Context, pageURL, required string, log *zap.Logger) *ai.Memory {
	if r.c.deps.Store == nil || r.c.opts.MemoryLimit <= 0 {
		return nil
	}
	records, err := r.c.deps.Store.Recent(ctx, r.session.BaseDomain(), pageURL, r.c.opts.MemoryLimit)
	if err != nil {
		log.Debug("Failed to load recent steps", zap.Error(err))
		return nil
	}
	rec := cache.Relevant(records, required)
	if rec == nil {
		return nil
	}
	return &ai.Memory{Goal: rec.Goal, Script: rec.Script}
}

func (r *run) historyItems() []ai.HistoryItem {
	items := make([]ai.HistoryItem, len(r.report.History))
	for i, h := range r.report.History {
		items[i] = ai.HistoryItem{
			Step:    h.Step,
			Goal:    h.Goal,
			Action:  h.Action,
			URL:     h.PageURL,
			Success: h.Success,
			Reason:  h.Reason,
		}
	}
	return items
}

func (r *run) capture(ctx context.Context, attempt int, success bool) {
	if r.auditor == nil {
		return
	}
	shot, err := r.session.Screenshot(ctx)
	if err != nil {
		r.log.Warn("Failed to capture screenshot", zap.Int("attempt", attempt), zap.Error(err))
		return
	}
	if _, err := r.auditor.Capture(attempt, shot, success); err != nil {
		r.log.Warn("Failed to save screenshot", zap.Int("attempt", attempt), zap.Error(err))
	}
}

func (r *run) finalizeAudit() {
	dir, err := r.auditor.Finalize()
	if err != nil {
		r.log.Warn("Failed to finalize audit", zap.Error(err))
	}
	r.report.AuditDir = dir
}

func (r *run) settle(ctx context.Context) {
	if r.c.opts.SettleDelay > 0 {
		_ = sleepCtx(ctx, r.c.opts.SettleDelay)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
