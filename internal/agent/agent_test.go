package agent

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/v0xg/steppilot/internal/ai"
	"github.com/v0xg/steppilot/internal/cache"
	"github.com/v0xg/steppilot/internal/executor"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const (
	startURL     = "https://www.saucedemo.com/"
	inventoryURL = "https://www.saucedemo.com/inventory.html"
	loginPage    = `<html><body><form>
		<input id="user-name" name="user-name" type="text">
		<input id="password" name="password" type="password">
		<input id="login-button" type="submit" value="Login">
	</form></body></html>`
	inventoryPage = `<html><body><div class="inventory_list">
		<div class="inventory_item"><div class="inventory_item_name">Sauce Labs Backpack</div>
		<button id="add-to-cart-sauce-labs-backpack" data-test="add-to-cart-sauce-labs-backpack">Add to cart</button></div>
	</div></body></html>`
	loginScript = `[
		{"action": "type", "selector": "#user-name", "text": "standard_user"},
		{"action": "type", "selector": "#password", "text": "secret_sauce"},
		{"action": "click", "selector": "#login-button"}
	]`
)

// fakeSession simulates the login page: clicking the login button after
// typing a user name moves to the inventory page.
type fakeSession struct {
	mu        sync.Mutex
	url       string
	typed     map[string]string
	clicks    []string
	closed    int
	renderErr error
}

func newFakeSession() *fakeSession {
	return &fakeSession{url: startURL, typed: map[string]string{}}
}

func (s *fakeSession) markup() string {
	if s.url == inventoryURL {
		return inventoryPage
	}
	return loginPage
}

func (s *fakeSession) has(selector string) bool {
	switch s.url {
	case inventoryURL:
		return selector == "#add-to-cart-sauce-labs-backpack"
	default:
		return selector == "#user-name" || selector == "#password" || selector == "#login-button"
	}
}

func (s *fakeSession) Click(_ context.Context, selector string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.has(selector) {
		return fmt.Errorf("element not found: %s", selector)
	}
	s.clicks = append(s.clicks, selector)
	if selector == "#login-button" && s.typed["#user-name"] != "" {
		s.url = inventoryURL
	}
	return nil
}

func (s *fakeSession) Type(_ context.Context, selector, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.has(selector) {
		return fmt.Errorf("element not found: %s", selector)
	}
	s.typed[selector] = text
	return nil
}

func (s *fakeSession) Hover(context.Context, string) error { return nil }
func (s *fakeSession) Scroll(context.Context, int, int) error { return nil }
func (s *fakeSession) WaitFor(context.Context, string) error { return nil }
func (s *fakeSession) Text(context.Context, string) (string, error) { return "", nil }
func (s *fakeSession) Select(context.Context, string, string) error { return nil }
func (s *fakeSession) Sleep(context.Context, time.Duration) error { return nil }
func (s *fakeSession) Screenshot(context.Context) ([]byte, error) { return []byte("png"), nil }
func (s *fakeSession) Navigate(_ context.Context, url string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.url = url
	return nil
}

func (s *fakeSession) CurrentURL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.url
}

func (s *fakeSession) BaseDomain() string { return "www.saucedemo.com" }

func (s *fakeSession) Render(context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.renderErr != nil {
		return "", s.renderErr
	}
	return s.markup(), nil
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed++
	return nil
}

type fakeLauncher struct {
	mu       sync.Mutex
	sessions []*fakeSession
	err      error
}

func (l *fakeLauncher) Launch(_ context.Context, url string) (Session, error) {
	if l.err != nil {
		return nil, l.err
	}
	s := newFakeSession()
	s.url = url
	l.mu.Lock()
	l.sessions = append(l.sessions, s)
	l.mu.Unlock()
	return s, nil
}

// scriptedGenerator replays responses in order, repeating the last one.
type scriptedGenerator struct {
	mu        sync.Mutex
	responses []genResponse
	requests  []ai.Request
}

type genResponse struct {
	proposal ai.Proposal
	err      error
}

func (g *scriptedGenerator) Generate(_ context.Context, req ai.Request) (ai.Proposal, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.requests = append(g.requests, req)
	i := len(g.requests) - 1
	if i >= len(g.responses) {
		i = len(g.responses) - 1
	}
	return g.responses[i].proposal, g.responses[i].err
}

func (g *scriptedGenerator) Calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.requests)
}

func propose(goal, script string) genResponse {
	return genResponse{proposal: ai.Proposal{Goal: goal, Script: script}}
}

type fixture struct {
	launcher  *fakeLauncher
	generator *scriptedGenerator
	store     *cache.MemoryStore
	ctrl      *Controller
}

func newFixture(t *testing.T, responses ...genResponse) *fixture {
	f := &fixture{
		launcher:  &fakeLauncher{},
		generator: &scriptedGenerator{responses: responses},
		store:     cache.NewMemoryStore(),
	}
	f.ctrl = f.controller(t)
	return f
}

func (f *fixture) controller(t *testing.T) *Controller {
	logger := zaptest.NewLogger(t)
	return New(Deps{
		Launcher:  f.launcher,
		Generator: f.generator,
		Store:     f.store,
		Executor:  executor.New(executor.NewPolicy(nil), time.Second, logger),
		Logger:    logger,
	}, Options{
		GenerateTimeout: time.Second,
		GenerateRetries: 1,
		RetryBackoff:    time.Millisecond,
		MemoryLimit:     5,
	})
}

func loginRequest(maxAttempts int) RunRequest {
	return RunRequest{
		StartURL:    startURL,
		Steps:       []string{"Login"},
		Username:    "standard_user",
		Password:    "secret_sauce",
		MaxAttempts: maxAttempts,
	}
}

func assertInvariants(t *testing.T, report *Report) {
	t.Helper()
	assert.Len(t, report.History, report.Attempts)
	assert.LessOrEqual(t, report.Attempts, report.MaxAttempts)

	step := 1
	for _, h := range report.History {
		assert.GreaterOrEqual(t, h.Step, step, "step index never decreases")
		step = h.Step
	}
}

func TestScenarioLoginGeneratedAndCached(t *testing.T) {
	f := newFixture(t, propose("log in with the provided credentials", loginScript))

	report, err := f.ctrl.Run(context.Background(), loginRequest(3))
	require.NoError(t, err)

	assertInvariants(t, report)
	require.Len(t, report.History, 1)
	entry := report.History[0]
	assert.Equal(t, 1, entry.Step)
	assert.Equal(t, "Login", entry.Goal)
	assert.Equal(t, "log in with the provided credentials", entry.Action)
	assert.True(t, entry.Success)
	assert.False(t, entry.Cached)
	assert.Equal(t, startURL, entry.PageURL)
	assert.Equal(t, inventoryURL, entry.ResultURL)

	assert.Equal(t, 1, f.store.Len())
	rec, err := f.store.Lookup(context.Background(), cache.Key{BaseDomain: "www.saucedemo.com", PageURL: startURL, Goal: "Login"})
	require.NoError(t, err)
	require.NotNil(t, rec, "cached under the pre-execution URL and the required goal")
	assert.Equal(t, loginScript, rec.Script)
	assert.Equal(t, []string{"user-name", "password", "login-button"}, rec.Tags)

	assert.True(t, report.Complete())
	assert.False(t, report.BudgetExhausted)
	assert.Contains(t, report.String(), "Passed 1/1 steps")
	assert.Equal(t, 1, f.launcher.sessions[0].closed)
}

func TestScenarioRerunReplaysCache(t *testing.T) {
	f := newFixture(t, propose("log in with the provided credentials", loginScript))

	_, err := f.ctrl.Run(context.Background(), loginRequest(3))
	require.NoError(t, err)
	require.Equal(t, 1, f.generator.Calls())

	report, err := f.ctrl.Run(context.Background(), loginRequest(3))
	require.NoError(t, err)

	assert.Equal(t, 1, f.generator.Calls(), "second run must not call the generator")
	require.Len(t, report.History, 1)
	assert.True(t, report.History[0].Success)
	assert.True(t, report.History[0].Cached)
	assert.Equal(t, 1, f.store.Len(), "replays do not write new records")
	assert.Equal(t, inventoryURL, f.launcher.sessions[1].CurrentURL())
}

func TestScenarioNoActionExhaustsBudget(t *testing.T) {
	f := newFixture(t, propose(ai.GoalNoAction, ""))

	report, err := f.ctrl.Run(context.Background(), loginRequest(3))
	require.NoError(t, err)

	assertInvariants(t, report)
	assert.Equal(t, 3, report.Attempts)
	assert.Equal(t, 3, f.generator.Calls())
	for _, h := range report.History {
		assert.False(t, h.Success)
		assert.Equal(t, 1, h.Step)
		assert.Equal(t, ai.GoalNoAction, h.Reason)
	}
	assert.Equal(t, 0, f.store.Len())
	assert.Equal(t, 0, report.Passed())
	assert.True(t, report.BudgetExhausted)
	assert.Contains(t, report.String(), "Passed 0/1 steps")
	assert.Contains(t, report.String(), "Budget exhausted")
	assert.Empty(t, f.launcher.sessions[0].clicks, "executor never invoked")
}

func TestScenarioUnsafeScript(t *testing.T) {
	unsafe := `exec.Command("rm", "-rf", "/")`
	f := newFixture(t, propose("clean up", unsafe), propose("log in", loginScript))

	report, err := f.ctrl.Run(context.Background(), loginRequest(3))
	require.NoError(t, err)

	assertInvariants(t, report)
	require.Len(t, report.History, 2)
	first := report.History[0]
	assert.False(t, first.Success)
	assert.Equal(t, 1, first.Step)
	assert.Equal(t, string(executor.ReasonUnsafe), first.Reason)
	assert.Equal(t, unsafe, first.Script, "rejected script kept for audit")
	assert.True(t, report.History[1].Success)

	records, err := f.store.Recent(context.Background(), "www.saucedemo.com", "", 0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, loginScript, records[0].Script)
}

func TestMalformedResponseContinues(t *testing.T) {
	f := newFixture(t,
		genResponse{proposal: ai.ParseProposal("not json at all")},
		propose("log in", loginScript))

	report, err := f.ctrl.Run(context.Background(), loginRequest(3))
	require.NoError(t, err)

	require.Len(t, report.History, 2)
	assert.Equal(t, ai.GoalParseError, report.History[0].Reason)
	assert.Equal(t, "not json at all", report.History[0].Script)
	assert.True(t, report.Complete())
	assert.Equal(t, 1, f.store.Len())
}

func TestCachedFailureFallsThroughToGeneration(t *testing.T) {
	f := newFixture(t, propose("log in", loginScript))
	_, err := f.store.Store(context.Background(), cache.Record{
		BaseDomain: "www.saucedemo.com",
		PageURL:    startURL,
		Goal:       "Login",
		Script:     `[{"action": "click", "selector": "#old-login"}]`,
		Success:    true,
	})
	require.NoError(t, err)

	report, err := f.ctrl.Run(context.Background(), loginRequest(3))
	require.NoError(t, err)

	assert.Equal(t, 1, f.generator.Calls())
	require.Len(t, report.History, 1, "fallthrough happens within the same attempt")
	assert.True(t, report.History[0].Success)
	assert.False(t, report.History[0].Cached)
	assert.Equal(t, 2, f.store.Len(), "stale record is kept, newer one appended")

	rec, err := f.store.Lookup(context.Background(), cache.Key{BaseDomain: "www.saucedemo.com", PageURL: startURL, Goal: "Login"})
	require.NoError(t, err)
	assert.Equal(t, loginScript, rec.Script)
}

func TestMultiStepPlan(t *testing.T) {
	addToCart := `[{"action": "click", "selector": "#add-to-cart-sauce-labs-backpack"}]`
	f := newFixture(t,
		propose("log in", loginScript),
		propose("guess", `[{"action": "click", "selector": "#missing"}]`),
		propose("add backpack", addToCart))

	req := loginRequest(5)
	req.Steps = []string{"Login", "Add Sauce Labs Backpack to cart"}
	report, err := f.ctrl.Run(context.Background(), req)
	require.NoError(t, err)

	assertInvariants(t, report)
	require.Len(t, report.History, 3)
	assert.Equal(t, []int{1, 2, 2}, []int{report.History[0].Step, report.History[1].Step, report.History[2].Step})
	assert.Equal(t, string(executor.ReasonRuntime), report.History[1].Reason)
	assert.Equal(t, 2, report.Steps[1].Attempts)
	assert.True(t, report.Complete())

	// the generator sees the plan, the required step and the failed attempt
	last := f.generator.requests[2]
	assert.Equal(t, "Add Sauce Labs Backpack to cart", last.RequiredStep)
	assert.Equal(t, req.Steps, last.AllSteps)
	require.Len(t, last.History, 2)
	assert.False(t, last.History[1].Success)
	assert.Equal(t, inventoryURL, last.CurrentURL)
	assert.Equal(t, "standard_user", last.Credentials.Username)
	assert.NotEmpty(t, last.Snapshot.Buttons)
}

func TestMemoryPassedToGenerator(t *testing.T) {
	f := newFixture(t, genResponse{proposal: ai.Proposal{Goal: ai.GoalNoAction}})
	_, err := f.store.Store(context.Background(), cache.Record{
		BaseDomain: "www.saucedemo.com",
		PageURL:    startURL,
		Goal:       "Login as standard user",
		Script:     "remembered",
		Success:    true,
	})
	require.NoError(t, err)

	_, err = f.ctrl.Run(context.Background(), loginRequest(1))
	require.NoError(t, err)

	require.Equal(t, 1, f.generator.Calls())
	mem := f.generator.requests[0].Memory
	require.NotNil(t, mem)
	assert.Equal(t, "remembered", mem.Script)
}

func TestTransportFailureAbortsAndClosesOnce(t *testing.T) {
	boom := errors.New("connection reset")
	f := newFixture(t, genResponse{err: boom})

	report, err := f.ctrl.Run(context.Background(), loginRequest(3))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTransport)

	require.NotNil(t, report)
	assert.True(t, report.Aborted)
	assert.Empty(t, report.History)
	assert.Equal(t, 0, report.Attempts)
	assert.Equal(t, 2, f.generator.Calls(), "one try plus one retry")
	assert.Equal(t, 1, f.launcher.sessions[0].closed)
	assert.Contains(t, report.String(), "Run aborted")
}

func TestTransientGeneratorErrorRetried(t *testing.T) {
	f := newFixture(t, genResponse{err: errors.New("timeout")}, propose("log in", loginScript))

	report, err := f.ctrl.Run(context.Background(), loginRequest(3))
	require.NoError(t, err)
	assert.True(t, report.Complete())
	assert.Equal(t, 1, report.Attempts)
	assert.Equal(t, 2, f.generator.Calls())
}

func TestRenderFailureAborts(t *testing.T) {
	f := newFixture(t, propose("log in", loginScript))
	f.launcher = &fakeLauncher{}
	f.ctrl = New(Deps{
		Launcher:  renderFailLauncher{f.launcher},
		Generator: f.generator,
		Store:     f.store,
		Executor:  executor.New(nil, time.Second, zap.NewNop()),
	}, Options{})

	report, err := f.ctrl.Run(context.Background(), loginRequest(3))
	assert.ErrorIs(t, err, ErrTransport)
	assert.True(t, report.Aborted)
	assert.Equal(t, 0, f.generator.Calls())
	assert.Equal(t, 1, f.launcher.sessions[0].closed)
}

type renderFailLauncher struct{ *fakeLauncher }

func (l renderFailLauncher) Launch(ctx context.Context, url string) (Session, error) {
	s, err := l.fakeLauncher.Launch(ctx, url)
	if err != nil {
		return nil, err
	}
	s.(*fakeSession).renderErr = errors.New("target closed")
	return s, nil
}

func TestSessionStartFailure(t *testing.T) {
	f := newFixture(t, propose("log in", loginScript))
	f.launcher.err = errors.New("no chrome")

	report, err := f.ctrl.Run(context.Background(), loginRequest(3))
	assert.ErrorIs(t, err, ErrSessionStart)
	require.NotNil(t, report)
	assert.True(t, report.Aborted)
	assert.Equal(t, 0, f.generator.Calls())
}

func TestEmptyPlan(t *testing.T) {
	f := newFixture(t, propose("log in", loginScript))

	_, err := f.ctrl.Run(context.Background(), RunRequest{StartURL: startURL})
	assert.ErrorIs(t, err, ErrEmptyPlan)
	assert.Empty(t, f.launcher.sessions)
}

func TestPlanIsCopied(t *testing.T) {
	steps := []string{"Login"}
	plan := NewPlan(steps)
	steps[0] = "mutated"
	assert.Equal(t, "Login", plan.Step(0))

	out := plan.Steps()
	out[0] = "mutated"
	assert.Equal(t, "Login", plan.Step(0))
}

type recordingAuditor struct {
	dir      string
	attempts []int
}

func (a *recordingAuditor) Capture(attempt int, png []byte, success bool) (string, error) {
	a.attempts = append(a.attempts, attempt)
	path := filepath.Join(a.dir, fmt.Sprintf("attempt_%03d.png", attempt))
	return path, os.WriteFile(path, png, 0o644)
}

func (a *recordingAuditor) Finalize() (string, error) { return a.dir, nil }

func TestAuditScreenshotPerAttempt(t *testing.T) {
	f := newFixture(t, propose(ai.GoalNoAction, ""), propose("log in", loginScript))
	auditor := &recordingAuditor{dir: t.TempDir()}
	var budget int
	factory := func(_ string, maxAttempts int) (Auditor, error) {
		budget = maxAttempts
		return auditor, nil
	}
	logger := zaptest.NewLogger(t)
	ctrl := New(Deps{
		Launcher:  f.launcher,
		Generator: f.generator,
		Store:     f.store,
		Executor:  executor.New(nil, time.Second, logger),
		Audit:     factory,
		Logger:    logger,
	}, Options{})

	report, err := ctrl.Run(context.Background(), loginRequest(3))
	require.NoError(t, err)

	assert.Equal(t, 3, budget, "auditor sized to the request budget, not the controller default")
	assert.Equal(t, []int{1, 2}, auditor.attempts)
	assert.FileExists(t, filepath.Join(auditor.dir, "attempt_002.png"))
	assert.Equal(t, auditor.dir, report.AuditDir)
}

func TestConcurrentRunsShareController(t *testing.T) {
	f := newFixture(t, propose("log in", loginScript))

	var wg sync.WaitGroup
	reports := make([]*Report, 4)
	var mu sync.Mutex
	for i := range reports {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, err := f.ctrl.Run(context.Background(), loginRequest(3))
			assert.NoError(t, err)
			mu.Lock()
			reports[i] = r
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	for _, r := range reports {
		require.NotNil(t, r)
		assert.True(t, r.Complete())
	}
}
