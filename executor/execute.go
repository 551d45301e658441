// Package executor compiles and runs guest scripts against the plugin registry.
//
// Each execution gets a fresh interpreter and a fresh host.Bridge; nothing is
// shared between runs except the registry itself. Failures of the script are
// reported in the result, never as a returned error or a panic. Only invalid
// requests, such as an unsupported language, produce an error.
package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/joncooperworks/testplatform/host"
	"github.com/joncooperworks/testplatform/metrics"
	"github.com/joncooperworks/testplatform/plugin"
)

const (
	msgEmptyScript       = "Script text cannot be empty."
	msgCompilationFailed = "Script compilation failed."
)

// DefaultCheckCacheSize is the number of CheckSyntax results kept by default.
const DefaultCheckCacheSize = 256

// DefaultCheckCacheTTL bounds how long a cached CheckSyntax result is reused.
const DefaultCheckCacheTTL = 10 * time.Minute

// ExecuteRequest contains everything needed to run one script.
type ExecuteRequest struct {
	// Script is the guest source text.
	Script string
	// Language selects the guest runtime.
	Language Language
	// Plugins is the registry the script reaches through Host.
	Plugins host.PluginSource
	// Log receives script output and Host.Log messages. It may be called
	// from the goroutine running the script.
	Log plugin.LogFunc
	// Namespaces are extra imports. Ignored for Lua.
	Namespaces []string
	// References are extra symbol sets or a source directory. Ignored for Lua.
	References []string
}

// ExecuteResult is the normalized outcome of a script run.
//
// Success implies ErrorMessage and CompilationErrors are empty; a failed run
// always sets ErrorMessage.
type ExecuteResult struct {
	Success bool
	// ReturnValue is the script's result; meaningful when HasReturnValue is set.
	ReturnValue    any
	HasReturnValue bool
	ErrorMessage   string
	// CompilationErrors lists every diagnostic when compilation failed.
	CompilationErrors []string
	// ExecutionID identifies the run in logs.
	ExecutionID string
	Duration    time.Duration
}

// CheckRequest contains everything needed to check a script without running it.
type CheckRequest struct {
	Script     string
	Language   Language
	Namespaces []string
	References []string
}

// CheckResult is the outcome of a syntax check. Diagnostics may be non-empty
// on success, e.g. for warnings.
type CheckResult struct {
	Success     bool
	Diagnostics []string
}

func (r *CheckResult) clone() *CheckResult {
	out := &CheckResult{Success: r.Success}
	if r.Diagnostics != nil {
		out.Diagnostics = append([]string(nil), r.Diagnostics...)
	}
	return out
}

// Engine runs and checks scripts.
type Engine struct {
	logger     *logrus.Logger
	hostLog    plugin.LogFunc
	metrics    *metrics.Metrics
	cacheSize  int
	cacheTTL   time.Duration
	cache      *checkCache
	bridgeOpts []host.Option
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the structured logger. The default is logrus's standard logger.
func WithLogger(logger *logrus.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithHostLog sets the sink for the engine's own progress messages.
func WithHostLog(log plugin.LogFunc) Option {
	return func(e *Engine) {
		e.hostLog = log
	}
}

// WithMetrics records execution, check and dispatch metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
		e.bridgeOpts = append(e.bridgeOpts, host.WithMetrics(m))
	}
}

// WithCheckCache sets the CheckSyntax cache size and entry lifetime. A size of
// zero disables caching.
func WithCheckCache(size int, ttl time.Duration) Option {
	return func(e *Engine) {
		e.cacheSize = size
		e.cacheTTL = ttl
	}
}

// New creates an engine.
func New(opts ...Option) *Engine {
	e := &Engine{
		logger:    logrus.StandardLogger(),
		hostLog:   plugin.Discard,
		cacheSize: DefaultCheckCacheSize,
		cacheTTL:  DefaultCheckCacheTTL,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.cache = newCheckCache(e.cacheSize, e.cacheTTL)
	return e
}

// Execute compiles and runs a script.
//
// The returned error is non-nil only for invalid requests. Every outcome of
// the script itself, including compile errors, runtime errors and panics, is
// described by the result.
func (e *Engine) Execute(ctx context.Context, req *ExecuteRequest) (*ExecuteResult, error) {
	if req == nil {
		return nil, errors.New("request cannot be nil")
	}
	rt, err := runtimeFor(req.Language)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	res := &ExecuteResult{ExecutionID: uuid.NewString()}
	logger := e.logger.WithFields(logrus.Fields{
		"execution_id": res.ExecutionID,
		"language":     req.Language.String(),
	})
	defer func() {
		res.Duration = time.Since(start)
		e.metrics.RecordScriptExecution(req.Language.String(), res.Success, res.Duration)
		logger.WithFields(logrus.Fields{
			"success":  res.Success,
			"duration": res.Duration,
		}).Debug("script finished")
	}()

	if strings.TrimSpace(req.Script) == "" {
		res.ErrorMessage = msgEmptyScript
		return res, nil
	}

	env := BuildEnvironment(req.Language, req.Namespaces, req.References)
	e.warnIgnored(logger, env)
	if hasErrors(env.Diagnostics) {
		e.compileFailure(logger, res, env.Diagnostics)
		return res, nil
	}

	bridge := host.New(ctx, req.Plugins, req.Log, e.bridgeOpts...)
	e.hostLog("ScriptEngine: Executing script...")

	value, err := runSafely(ctx, rt, req.Script, env, bridge)
	if err != nil {
		var compileErr *CompileError
		var syntaxErr *SyntaxError
		var runtimeErr *RuntimeError
		switch {
		case errors.As(err, &compileErr):
			e.compileFailure(logger, res, append(env.Diagnostics, compileErr.Diagnostics...))
		case errors.As(err, &syntaxErr):
			res.ErrorMessage = fmt.Sprintf("Script syntax error at line %d, column %d: %s", syntaxErr.Line, syntaxErr.Column, syntaxErr.Message)
			e.hostLog("ScriptEngine: " + res.ErrorMessage)
			logger.WithError(err).Info("script syntax error")
		case errors.As(err, &runtimeErr):
			res.ErrorMessage = "Script runtime error: " + runtimeErr.Error()
			e.hostLog("ScriptEngine: Runtime error: " + runtimeErr.Message)
			logger.WithError(err).Info("script runtime error")
		default:
			res.ErrorMessage = "Script runtime error: " + err.Error()
			e.hostLog("ScriptEngine: Runtime error: " + err.Error())
			logger.WithError(err).Info("script runtime error")
		}
		return res, nil
	}

	e.hostLog("ScriptEngine: Script execution completed.")
	res.Success = true
	if value.Present {
		res.ReturnValue = value.Data
		res.HasReturnValue = true
		e.hostLog(fmt.Sprintf("ScriptEngine: Script returned value: %v", value.Data))
	}
	return res, nil
}

func (e *Engine) compileFailure(logger *logrus.Entry, res *ExecuteResult, diags []Diagnostic) {
	res.ErrorMessage = msgCompilationFailed
	res.CompilationErrors = diagnosticStrings(diags)
	e.hostLog("ScriptEngine: Compilation error: " + msgCompilationFailed)
	e.hostLog("Diagnostics:\n" + strings.Join(res.CompilationErrors, "\n"))
	logger.WithField("diagnostics", len(diags)).Info("script compilation failed")
}

func (e *Engine) warnIgnored(logger *logrus.Entry, env *Environment) {
	if env.Ignored == 0 {
		return
	}
	msg := fmt.Sprintf("ScriptEngine: %d custom namespace(s)/reference(s) ignored for %s scripts.", env.Ignored, env.Language)
	e.hostLog(msg)
	logger.Warn(msg)
}

// runSafely converts a runtime panic into a RuntimeError.
func runSafely(ctx context.Context, rt Runtime, src string, env *Environment, bridge *host.Bridge) (v Value, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			v = Value{}
			err = &RuntimeError{Type: fmt.Sprintf("%T", rec), Message: fmt.Sprint(rec)}
		}
	}()
	return rt.Run(ctx, src, env, bridge)
}

// CheckSyntax compiles a script without running it and reports every
// diagnostic. It has no side effects on plugins or the log sink, so it is safe
// to call on every keystroke.
func (e *Engine) CheckSyntax(ctx context.Context, req *CheckRequest) (*CheckResult, error) {
	if req == nil {
		return nil, errors.New("request cannot be nil")
	}
	rt, err := runtimeFor(req.Language)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.Script) == "" {
		return &CheckResult{Success: true}, nil
	}

	env := BuildEnvironment(req.Language, req.Namespaces, req.References)
	// Source directories can change between calls, and a reference that fails
	// to resolve may be registered later, so neither result is cached.
	cacheable := env.SourcePath == "" && !hasErrors(env.Diagnostics)
	key := checkKey(req)
	if cacheable {
		if cached, ok := e.cache.get(key); ok {
			e.metrics.RecordCacheLookup(true)
			return cached, nil
		}
		e.metrics.RecordCacheLookup(false)
	}

	if env.Ignored > 0 {
		e.logger.WithField("language", req.Language.String()).Debugf("%d custom namespace(s)/reference(s) ignored", env.Ignored)
	}

	diags := append([]Diagnostic(nil), env.Diagnostics...)
	if !hasErrors(diags) {
		diags = append(diags, checkSafely(ctx, rt, req.Script, env)...)
	}
	res := &CheckResult{
		Success:     !hasErrors(diags),
		Diagnostics: diagnosticStrings(diags),
	}
	e.metrics.RecordSyntaxCheck(req.Language.String(), res.Success)

	if cacheable {
		e.cache.add(key, res)
	}
	return res, nil
}

func checkSafely(ctx context.Context, rt Runtime, src string, env *Environment) (diags []Diagnostic) {
	defer func() {
		if rec := recover(); rec != nil {
			diags = []Diagnostic{{Severity: SeverityError, Message: fmt.Sprintf("internal compiler error: %v", rec)}}
		}
	}()
	return rt.Check(ctx, src, env)
}

// ExecuteOutcome is delivered by ExecuteAsync.
type ExecuteOutcome struct {
	Result *ExecuteResult
	Err    error
}

// ExecuteAsync runs Execute on a new goroutine. The channel receives exactly one value.
func (e *Engine) ExecuteAsync(ctx context.Context, req *ExecuteRequest) <-chan ExecuteOutcome {
	ch := make(chan ExecuteOutcome, 1)
	go func() {
		res, err := e.Execute(ctx, req)
		ch <- ExecuteOutcome{Result: res, Err: err}
	}()
	return ch
}

// CheckOutcome is delivered by CheckSyntaxAsync.
type CheckOutcome struct {
	Result *CheckResult
	Err    error
}

// CheckSyntaxAsync runs CheckSyntax on a new goroutine. The channel receives exactly one value.
func (e *Engine) CheckSyntaxAsync(ctx context.Context, req *CheckRequest) <-chan CheckOutcome {
	ch := make(chan CheckOutcome, 1)
	go func() {
		res, err := e.CheckSyntax(ctx, req)
		ch <- CheckOutcome{Result: res, Err: err}
	}()
	return ch
}
