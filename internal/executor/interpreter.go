package executor

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"
)

// pagePackage is the import path scripts use to reach the session.
const pagePackage = "page"

// allowedStdlib lists the pure-computation packages scripts may import.
// os, os/exec, net, syscall, unsafe and reflect are never loaded.
var allowedStdlib = map[string]bool{
	"strings/strings": true,
	"strconv/strconv": true,
	"fmt/fmt":         true,
	"time/time":       true,
	"regexp/regexp":   true,
	"math/math":       true,
}

// errCompile marks scripts the interpreter rejected before running anything.
var errCompile = errors.New("script does not compile")

// runGo interprets a Go script whose only bridge to the outside world is the
// page package bound to d.
func runGo(ctx context.Context, d Driver, src string) error {
	i := interp.New(interp.Options{})

	if err := i.Use(safeSymbols()); err != nil {
		return fmt.Errorf("load stdlib: %w", err)
	}
	b := &pageBindings{ctx: ctx, driver: d}
	defer b.detach()
	if err := i.Use(b.exports()); err != nil {
		return fmt.Errorf("load page bindings: %w", err)
	}

	if _, err := i.EvalWithContext(ctx, wrapGo(src)); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %v", errCompile, err)
	}

	v, err := i.EvalWithContext(ctx, "main.Run")
	if err != nil {
		return fmt.Errorf("%w: Run function not found: %v", errCompile, err)
	}
	if _, ok := v.Interface().(func() error); !ok {
		return fmt.Errorf("%w: Run has incorrect signature (expected: func() error)", errCompile)
	}

	// Calling Run through the interpreter lets a cancelled ctx halt the
	// script at its next statement instead of leaving it running.
	res, err := i.EvalWithContext(ctx, "main.Run()")
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("script execution timed out: %w", ctx.Err())
		}
		var p interp.Panic
		if errors.As(err, &p) {
			return fmt.Errorf("script panicked: %v", p.Value)
		}
		return err
	}
	if res.IsValid() && res.CanInterface() {
		if runErr, ok := res.Interface().(error); ok && runErr != nil {
			return runErr
		}
	}
	return b.err()
}

// blockedSymbols are native calls the interpreter cannot interrupt.
// Scripts wait with page.Sleep instead.
var blockedSymbols = map[string]map[string]bool{
	"time/time": {"Sleep": true},
}

func safeSymbols() interp.Exports {
	out := interp.Exports{}
	for pkg, symbols := range stdlib.Symbols {
		if !allowedStdlib[pkg] {
			continue
		}
		kept := make(map[string]reflect.Value, len(symbols))
		for name, v := range symbols {
			if !blockedSymbols[pkg][name] {
				kept[name] = v
			}
		}
		out[pkg] = kept
	}
	return out
}

// wrapGo turns a bare statement list into a program with func Run() error,
// hoisting imports plus top-level func and type declarations, and injecting
// the page import when the script uses it.
func wrapGo(src string) string {
	if strings.Contains(src, "package main") {
		if needsPageImport(src) {
			return strings.Replace(src, "package main", "package main\n\nimport \""+pagePackage+"\"", 1)
		}
		return src
	}

	var imports, decls, body []string
	inImportBlock := false
	declDepth := 0
	for _, line := range strings.Split(src, "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case declDepth > 0:
			decls = append(decls, line)
			declDepth += braceDelta(line)
		case strings.HasPrefix(line, "func ") || strings.HasPrefix(line, "type "):
			decls = append(decls, line)
			declDepth = braceDelta(line)
		case strings.HasPrefix(trimmed, "import ("):
			inImportBlock = true
		case inImportBlock && strings.HasPrefix(trimmed, ")"):
			inImportBlock = false
		case inImportBlock:
			if trimmed != "" {
				imports = append(imports, trimmed)
			}
		case strings.HasPrefix(trimmed, "import "):
			imports = append(imports, strings.TrimSpace(strings.TrimPrefix(trimmed, "import ")))
		default:
			body = append(body, line)
		}
	}

	joined := strings.Join(append(append([]string(nil), decls...), body...), "\n")
	if needsPageImport(joined) && !containsImport(imports, pagePackage) {
		imports = append(imports, `"`+pagePackage+`"`)
	}

	var sb strings.Builder
	sb.WriteString("package main\n\n")
	for _, imp := range imports {
		sb.WriteString("import " + imp + "\n")
	}
	for _, decl := range decls {
		sb.WriteString("\n" + decl)
	}
	sb.WriteString("\nfunc Run() error {\n")
	sb.WriteString(strings.Join(body, "\n"))
	sb.WriteString("\n\treturn nil\n}\n")
	return sb.String()
}

// braceDelta counts opening minus closing braces outside string and rune
// literals and line comments.
func braceDelta(line string) int {
	depth := 0
	var quote rune
	escaped := false
	for i, r := range line {
		switch {
		case quote != 0:
			switch {
			case escaped:
				escaped = false
			case r == '\\' && quote != '`':
				escaped = true
			case r == quote:
				quote = 0
			}
		case r == '"' || r == '\'' || r == '`':
			quote = r
		case r == '/' && strings.HasPrefix(line[i:], "//"):
			return depth
		case r == '{':
			depth++
		case r == '}':
			depth--
		}
	}
	return depth
}

func needsPageImport(src string) bool {
	return strings.Contains(src, pagePackage+".") && !strings.Contains(src, `"`+pagePackage+`"`)
}

func containsImport(imports []string, pkg string) bool {
	for _, imp := range imports {
		if strings.Trim(imp, `"`) == pkg {
			return true
		}
	}
	return false
}

// errDetached is returned to a script that outlives its execution.
var errDetached = errors.New("script is no longer attached to the page")

// pageBindings exposes Driver methods to the interpreter as plain functions.
// The first failure is remembered so a script that ignores returned errors
// still fails. Once ctx is done or detach has run, no call reaches the driver.
type pageBindings struct {
	ctx    context.Context
	driver Driver

	gate     sync.RWMutex
	detached bool

	mu    sync.Mutex
	first error
}

func (b *pageBindings) call(fn func() error) error {
	b.gate.RLock()
	defer b.gate.RUnlock()
	if b.detached {
		return b.record(errDetached)
	}
	if err := b.ctx.Err(); err != nil {
		return b.record(err)
	}
	return b.record(fn())
}

// detach waits for in-flight driver calls and blocks all later ones.
func (b *pageBindings) detach() {
	b.gate.Lock()
	b.detached = true
	b.gate.Unlock()
}

func (b *pageBindings) record(err error) error {
	if err != nil {
		b.mu.Lock()
		if b.first == nil {
			b.first = err
		}
		b.mu.Unlock()
	}
	return err
}

func (b *pageBindings) err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.first
}

func (b *pageBindings) exports() interp.Exports {
	return interp.Exports{
		pagePackage + "/" + pagePackage: {
			"Click": reflect.ValueOf(func(selector string) error {
				return b.call(func() error { return b.driver.Click(b.ctx, selector) })
			}),
			"Type": reflect.ValueOf(func(selector, text string) error {
				return b.call(func() error { return b.driver.Type(b.ctx, selector, text) })
			}),
			"Hover": reflect.ValueOf(func(selector string) error {
				return b.call(func() error { return b.driver.Hover(b.ctx, selector) })
			}),
			"Scroll": reflect.ValueOf(func(x, y int) error {
				return b.call(func() error { return b.driver.Scroll(b.ctx, x, y) })
			}),
			"WaitFor": reflect.ValueOf(func(selector string) error {
				return b.call(func() error { return b.driver.WaitFor(b.ctx, selector) })
			}),
			"Text": reflect.ValueOf(func(selector string) (string, error) {
				var text string
				err := b.call(func() error {
					var err error
					text, err = b.driver.Text(b.ctx, selector)
					return err
				})
				return text, err
			}),
			"AssertText": reflect.ValueOf(func(selector, want string) error {
				return b.call(func() error { return assertText(b.ctx, b.driver, selector, want) })
			}),
			"Select": reflect.ValueOf(func(selector, value string) error {
				return b.call(func() error { return b.driver.Select(b.ctx, selector, value) })
			}),
			"Navigate": reflect.ValueOf(func(url string) error {
				return b.call(func() error { return b.driver.Navigate(b.ctx, url) })
			}),
			"Sleep": reflect.ValueOf(func(ms int) error {
				return b.call(func() error { return b.driver.Sleep(b.ctx, time.Duration(ms)*time.Millisecond) })
			}),
			"URL": reflect.ValueOf(func() string {
				var url string
				_ = b.call(func() error {
					url = b.driver.CurrentURL()
					return nil
				})
				return url
			}),
		},
	}
}
