package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeDriver records every call and fails on selectors listed in missing.
type fakeDriver struct {
	mu      sync.Mutex
	calls   []string
	missing map[string]bool
	texts   map[string]string
	url     string
	block   bool
	panics  bool
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{
		missing: map[string]bool{},
		texts:   map[string]string{},
		url:     "https://shop.example/",
	}
}

func (f *fakeDriver) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeDriver) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeDriver) lookup(selector string) error {
	if f.missing[selector] {
		return fmt.Errorf("element not found: %s", selector)
	}
	return nil
}

func (f *fakeDriver) Click(ctx context.Context, selector string) error {
	if f.panics {
		panic("driver exploded")
	}
	f.record("click " + selector)
	if f.block {
		<-ctx.Done()
		return ctx.Err()
	}
	return f.lookup(selector)
}

func (f *fakeDriver) Type(_ context.Context, selector, text string) error {
	f.record("type " + selector + " " + text)
	return f.lookup(selector)
}

func (f *fakeDriver) Hover(_ context.Context, selector string) error {
	f.record("hover " + selector)
	return f.lookup(selector)
}

func (f *fakeDriver) Scroll(_ context.Context, x, y int) error {
	f.record(fmt.Sprintf("scroll %d %d", x, y))
	return nil
}

func (f *fakeDriver) WaitFor(_ context.Context, selector string) error {
	f.record("waitfor " + selector)
	return f.lookup(selector)
}

func (f *fakeDriver) Text(_ context.Context, selector string) (string, error) {
	f.record("text " + selector)
	if err := f.lookup(selector); err != nil {
		return "", err
	}
	return f.texts[selector], nil
}

func (f *fakeDriver) Select(_ context.Context, selector, value string) error {
	f.record("select " + selector + " " + value)
	return f.lookup(selector)
}

func (f *fakeDriver) Navigate(_ context.Context, url string) error {
	f.record("navigate " + url)
	f.mu.Lock()
	f.url = url
	f.mu.Unlock()
	return nil
}

func (f *fakeDriver) Sleep(ctx context.Context, d time.Duration) error {
	f.record(fmt.Sprintf("sleep %s", d))
	return ctx.Err()
}

func (f *fakeDriver) CurrentURL() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.url
}

func newTestExecutor(t *testing.T, timeout time.Duration) *Executor {
	return New(NewPolicy(nil), timeout, zaptest.NewLogger(t))
}

func TestExecuteActionsDialect(t *testing.T) {
	d := newFakeDriver()
	e := newTestExecutor(t, time.Second)

	script := `[
		{"action": "type", "selector": "#user-name", "text": "standard_user"},
		{"action": "type", "selector": "#password", "text": "secret_sauce"},
		{"action": "click", "selector": "#login-button", "wait": 250}
	]`
	out := e.Execute(context.Background(), d, script)

	require.True(t, out.Success, "outcome: %+v", out)
	assert.Equal(t, DialectActions, out.Dialect)
	assert.Equal(t, ReasonNone, out.Reason)
	assert.Equal(t, []string{
		"type #user-name standard_user",
		"type #password secret_sauce",
		"click #login-button",
		"sleep 250ms",
	}, d.Calls())
}

func TestExecuteSingleActionObject(t *testing.T) {
	d := newFakeDriver()
	out := newTestExecutor(t, time.Second).Execute(context.Background(), d,
		`{"action": "navigate", "url": "https://shop.example/cart.html"}`)

	require.True(t, out.Success)
	assert.Equal(t, "https://shop.example/cart.html", d.CurrentURL())
}

func TestExecuteStopsAtFirstFailure(t *testing.T) {
	d := newFakeDriver()
	d.missing["#missing"] = true

	out := newTestExecutor(t, time.Second).Execute(context.Background(), d, `[
		{"action": "click", "selector": "#missing"},
		{"action": "click", "selector": "#never"}
	]`)

	assert.False(t, out.Success)
	assert.Equal(t, ReasonRuntime, out.Reason)
	assert.ErrorContains(t, out.Err, "#missing")
	assert.Equal(t, []string{"click #missing"}, d.Calls())
}

func TestExecuteUnsafeScriptTouchesNothing(t *testing.T) {
	scripts := map[string]string{
		"process": `exec.Command("rm", "-rf", "/").Run()`,
		"session": `browser := rod.New().MustConnect()`,
		"close":   `page.Click("#a"); browser.Close()`,
		"socket":  `import "net"` + "\n" + `net.Dial("tcp", "x:1")`,
		"file":    `import "os"` + "\n" + `os.Remove("/tmp/x")`,
		"eval":    `interp.New(interp.Options{}).Eval("1")`,
	}
	for name, script := range scripts {
		t.Run(name, func(t *testing.T) {
			d := newFakeDriver()
			out := newTestExecutor(t, time.Second).Execute(context.Background(), d, script)

			assert.False(t, out.Success)
			assert.Equal(t, ReasonUnsafe, out.Reason)
			assert.Empty(t, d.Calls())
		})
	}
}

func TestExecuteEmptyScript(t *testing.T) {
	for _, script := range []string{"", "   \n\t", "```\n```"} {
		out := newTestExecutor(t, time.Second).Execute(context.Background(), newFakeDriver(), script)
		assert.False(t, out.Success)
		assert.Equal(t, ReasonEmpty, out.Reason, "script %q", script)
	}
}

func TestExecuteInvalidActions(t *testing.T) {
	tests := []struct {
		name   string
		script string
	}{
		{"bad json", `[{"action": "click",`},
		{"unknown action", `[{"action": "teleport"}]`},
		{"missing selector", `[{"action": "click"}]`},
		{"navigate without url", `[{"action": "navigate"}]`},
		{"empty list", `[]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newFakeDriver()
			out := newTestExecutor(t, time.Second).Execute(context.Background(), d, tt.script)
			assert.Equal(t, ReasonCompile, out.Reason)
			assert.Empty(t, d.Calls())
		})
	}
}

func TestExecuteFencedScript(t *testing.T) {
	d := newFakeDriver()
	script := "```json\n    [{\"action\": \"hover\", \"selector\": \".menu\"}]\n```"

	out := newTestExecutor(t, time.Second).Execute(context.Background(), d, script)

	require.True(t, out.Success, "outcome: %+v", out)
	assert.Equal(t, []string{"hover .menu"}, d.Calls())
}

func TestExecuteTimeout(t *testing.T) {
	d := newFakeDriver()
	d.block = true

	out := newTestExecutor(t, 50*time.Millisecond).Execute(context.Background(), d,
		`[{"action": "click", "selector": "#slow"}]`)

	assert.False(t, out.Success)
	assert.Equal(t, ReasonTimeout, out.Reason)
	assert.True(t, errors.Is(out.Err, context.DeadlineExceeded))
}

func TestExecuteRecoversPanic(t *testing.T) {
	d := newFakeDriver()
	d.panics = true

	var out Outcome
	assert.NotPanics(t, func() {
		out = newTestExecutor(t, time.Second).Execute(context.Background(), d,
			`[{"action": "click", "selector": "#boom"}]`)
	})
	assert.False(t, out.Success)
	assert.Equal(t, ReasonRuntime, out.Reason)
	assert.ErrorContains(t, out.Err, "driver exploded")
}

func TestAssertTextAction(t *testing.T) {
	d := newFakeDriver()
	d.texts[".title"] = "  Products  "
	e := newTestExecutor(t, time.Second)

	ok := e.Execute(context.Background(), d, `[{"action": "assertText", "selector": ".title", "text": "Products"}]`)
	assert.True(t, ok.Success)

	bad := e.Execute(context.Background(), d, `[{"action": "assert_text", "selector": ".title", "text": "Cart"}]`)
	assert.False(t, bad.Success)
	assert.Equal(t, ReasonRuntime, bad.Reason)
}

func TestExecuteGoDialect(t *testing.T) {
	d := newFakeDriver()
	script := `
page.Type("#user-name", "standard_user")
page.Type("#password", "secret_sauce")
if err := page.Click("#login-button"); err != nil {
	return err
}
`
	out := newTestExecutor(t, 5*time.Second).Execute(context.Background(), d, script)

	require.True(t, out.Success, "outcome: %+v", out)
	assert.Equal(t, DialectGo, out.Dialect)
	assert.Equal(t, []string{
		"type #user-name standard_user",
		"type #password secret_sauce",
		"click #login-button",
	}, d.Calls())
}

func TestExecuteGoDialectIgnoredErrorStillFails(t *testing.T) {
	d := newFakeDriver()
	d.missing["#gone"] = true

	out := newTestExecutor(t, 5*time.Second).Execute(context.Background(), d, `page.Click("#gone")`)

	assert.False(t, out.Success)
	assert.Equal(t, ReasonRuntime, out.Reason)
	assert.ErrorContains(t, out.Err, "#gone")
}

func TestExecuteGoDialectCompileError(t *testing.T) {
	d := newFakeDriver()

	out := newTestExecutor(t, 5*time.Second).Execute(context.Background(), d, `page.Click("#a"`)

	assert.False(t, out.Success)
	assert.Equal(t, ReasonCompile, out.Reason)
	assert.Empty(t, d.Calls())
}

func TestExecuteGoDialectStdlib(t *testing.T) {
	d := newFakeDriver()
	script := `import "strings"
for _, id := range strings.Split("a,b", ",") {
	page.Click("#" + id)
}`
	out := newTestExecutor(t, 5*time.Second).Execute(context.Background(), d, script)

	require.True(t, out.Success, "outcome: %+v", out)
	assert.Equal(t, []string{"click #a", "click #b"}, d.Calls())
}

func TestExecuteGoDialectTimeoutStopsScript(t *testing.T) {
	d := newFakeDriver()

	out := newTestExecutor(t, 100*time.Millisecond).Execute(context.Background(), d, `for {
	page.Hover("#x")
}`)
	atReturn := len(d.Calls())

	assert.False(t, out.Success)
	assert.Equal(t, ReasonTimeout, out.Reason)
	assert.Positive(t, atReturn)

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, atReturn, len(d.Calls()), "script reached the driver after Execute returned")
}

func TestExecuteGoDialectRuntimePanic(t *testing.T) {
	d := newFakeDriver()
	d.panics = true

	var out Outcome
	assert.NotPanics(t, func() {
		out = newTestExecutor(t, time.Second).Execute(context.Background(), d, `page.Click("#boom")`)
	})
	assert.False(t, out.Success)
	assert.Equal(t, ReasonRuntime, out.Reason)
	assert.ErrorContains(t, out.Err, "driver exploded")
}

func TestExecuteGoDialectTimeSleepUnavailable(t *testing.T) {
	d := newFakeDriver()

	out := newTestExecutor(t, time.Second).Execute(context.Background(), d, `import "time"
time.Sleep(time.Hour)`)

	assert.False(t, out.Success)
	assert.Equal(t, ReasonCompile, out.Reason)
}

func TestExecuteGoDialectHelperFunc(t *testing.T) {
	d := newFakeDriver()
	script := `func login(user string) error {
	if err := page.Type("#user-name", user); err != nil {
		return err
	}
	return page.Click("#login-button")
}

return login("standard_user")`

	out := newTestExecutor(t, 5*time.Second).Execute(context.Background(), d, script)

	require.True(t, out.Success, "outcome: %+v", out)
	assert.Equal(t, []string{"type #user-name standard_user", "click #login-button"}, d.Calls())
}

func TestDetect(t *testing.T) {
	assert.Equal(t, DialectActions, Detect(`[{"action":"click"}]`))
	assert.Equal(t, DialectActions, Detect(`{"action":"click"}`))
	assert.Equal(t, DialectGo, Detect(`page.Click("#a")`))
}

func TestWrapGo(t *testing.T) {
	wrapped := wrapGo("import \"fmt\"\nfmt.Sprint(1)\npage.URL()")

	assert.True(t, strings.HasPrefix(wrapped, "package main\n"))
	assert.Contains(t, wrapped, `import "fmt"`)
	assert.Contains(t, wrapped, `import "page"`)
	assert.Contains(t, wrapped, "func Run() error {")
}

func TestWrapGoHoistsDeclarations(t *testing.T) {
	wrapped := wrapGo("type pair struct {\n\tsel string\n}\n\nfunc click(p pair) error {\n\treturn page.Click(p.sel + \"}\")\n}\n\nclick(pair{sel: \"#a\"})")

	run := strings.Index(wrapped, "func Run() error {")
	require.Positive(t, run)
	assert.Less(t, strings.Index(wrapped, "type pair struct {"), run)
	assert.Less(t, strings.Index(wrapped, "func click(p pair) error {"), run)
	assert.Greater(t, strings.Index(wrapped, `click(pair{sel: "#a"})`), run)
	assert.Contains(t, wrapped, `import "page"`)
}

func TestBraceDelta(t *testing.T) {
	assert.Equal(t, 1, braceDelta("func f() {"))
	assert.Equal(t, 0, braceDelta(`	page.Click("{")`))
	assert.Equal(t, -1, braceDelta("} // {"))
	assert.Equal(t, 0, braceDelta(`	r := '{'; _ = "\"{"`))
}
