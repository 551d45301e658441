package executor

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/joncooperworks/testplatform/host"
)

// Value is a script's return value. Present is false when the script produced none.
type Value struct {
	Data    any
	Present bool
}

// Runtime compiles and runs scripts of one language.
//
// Run must report compile failures as *CompileError, syntax failures that
// carry only a position as *SyntaxError, and failures after the script
// started as *RuntimeError.
type Runtime interface {
	Language() Language
	Check(ctx context.Context, src string, env *Environment) []Diagnostic
	Run(ctx context.Context, src string, env *Environment, bridge *host.Bridge) (Value, error)
}

// CompileError carries the diagnostics of a script that did not compile.
type CompileError struct {
	Diagnostics []Diagnostic
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("compilation failed with %d diagnostic(s)", len(e.Diagnostics))
}

// SyntaxError is a parse failure at a known position.
type SyntaxError struct {
	Line    int
	Column  int
	Message string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("syntax error at line %d, column %d: %s", e.Line, e.Column, e.Message)
}

// RuntimeError is a failure raised while the script was running.
type RuntimeError struct {
	// Type names the kind of failure, e.g. the panic value's Go type or the
	// Lua error category.
	Type    string
	Message string
	// Stack is the guest stack trace, when the runtime provides one.
	Stack string
}

func (e *RuntimeError) Error() string {
	var b strings.Builder
	b.WriteString(e.Message)
	if e.Type != "" {
		fmt.Fprintf(&b, " (%s)", e.Type)
	}
	if e.Stack != "" {
		b.WriteString("\n")
		b.WriteString(strings.TrimRight(e.Stack, "\n"))
	}
	return b.String()
}

var (
	runtimesMu sync.RWMutex
	runtimes   = make(map[Language]Runtime)
)

// RegisterRuntime makes rt the runtime for its language. Runtimes register
// themselves from init().
func RegisterRuntime(rt Runtime) {
	runtimesMu.Lock()
	defer runtimesMu.Unlock()
	runtimes[rt.Language()] = rt
}

func runtimeFor(lang Language) (Runtime, error) {
	runtimesMu.RLock()
	defer runtimesMu.RUnlock()
	rt, ok := runtimes[lang]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedLanguage, lang)
	}
	return rt, nil
}
