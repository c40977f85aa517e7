package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Dialect identifies how a script is interpreted.
type Dialect string

const (
	DialectActions Dialect = "actions" // JSON action list
	DialectGo      Dialect = "go"      // Go statements against the page package
)

// Reason explains a failed execution.
type Reason string

const (
	ReasonNone    Reason = ""
	ReasonUnsafe  Reason = "unsafe_script"
	ReasonEmpty   Reason = "empty_script"
	ReasonCompile Reason = "compile_error"
	ReasonRuntime Reason = "runtime_error"
	ReasonTimeout Reason = "timeout"
)

// Outcome is the result of one script execution.
type Outcome struct {
	Success  bool
	Reason   Reason
	Dialect  Dialect
	Err      error
	Duration time.Duration
}

// Executor runs generated scripts against a Driver. A failing script never
// escapes as a panic or error; it is reported through Outcome.
type Executor struct {
	policy  *Policy
	timeout time.Duration
	logger  *zap.Logger
}

// New creates an executor. A zero timeout means 20s.
func New(policy *Policy, timeout time.Duration, logger *zap.Logger) *Executor {
	if policy == nil {
		policy = NewPolicy(nil)
	}
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{policy: policy, timeout: timeout, logger: logger.Named("executor")}
}

// Execute validates script and runs it against d.
// Scripts rejected by the policy never touch the driver.
func (e *Executor) Execute(ctx context.Context, d Driver, script string) (out Outcome) {
	start := time.Now()
	defer func() {
		out.Duration = time.Since(start)
	}()

	if token, ok := e.policy.Check(script); !ok {
		e.logger.Warn("Script rejected by policy", zap.String("token", token))
		return Outcome{Reason: ReasonUnsafe, Err: fmt.Errorf("script contains forbidden token %q", token)}
	}

	src := Normalize(script)
	if src == "" {
		return Outcome{Reason: ReasonEmpty, Err: errors.New("script is empty")}
	}

	dialect := Detect(src)
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("Script panicked", zap.Any("panic", r), zap.String("dialect", string(dialect)))
			out = Outcome{Dialect: dialect, Reason: ReasonRuntime, Err: fmt.Errorf("script panicked: %v", r)}
		}
	}()

	var err error
	switch dialect {
	case DialectActions:
		var actions []Action
		actions, err = ParseActions(src)
		if err != nil {
			return e.fail(dialect, ReasonCompile, err)
		}
		err = runActions(ctx, d, actions)
	default:
		err = runGo(ctx, d, src)
	}

	switch {
	case err == nil:
		e.logger.Debug("Script succeeded", zap.String("dialect", string(dialect)))
		return Outcome{Success: true, Dialect: dialect}
	case errors.Is(err, errCompile):
		return e.fail(dialect, ReasonCompile, err)
	case errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil:
		return e.fail(dialect, ReasonTimeout, err)
	default:
		return e.fail(dialect, ReasonRuntime, err)
	}
}

func (e *Executor) fail(dialect Dialect, reason Reason, err error) Outcome {
	e.logger.Info("Script failed",
		zap.String("dialect", string(dialect)),
		zap.String("reason", string(reason)),
		zap.Error(err))
	return Outcome{Dialect: dialect, Reason: reason, Err: err}
}

// Detect picks the dialect of a normalized script.
func Detect(src string) Dialect {
	if strings.HasPrefix(src, "[") || strings.HasPrefix(src, "{") {
		return DialectActions
	}
	return DialectGo
}
