package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"go/ast"
	"go/parser"
	"go/scanner"
	"io"
	"reflect"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"
	yaegisyscall "github.com/traefik/yaegi/stdlib/syscall"
	"github.com/traefik/yaegi/stdlib/unrestricted"
	yaegiunsafe "github.com/traefik/yaegi/stdlib/unsafe"

	"github.com/joncooperworks/testplatform/host"
	"github.com/joncooperworks/testplatform/plugin"
)

func init() {
	RegisterRuntime(goRuntime{})
}

var (
	symbolSetsMu sync.RWMutex
	symbolSets   = map[string]interp.Exports{
		"stdlib":       stdlib.Symbols,
		"unsafe":       yaegiunsafe.Symbols,
		"syscall":      yaegisyscall.Symbols,
		"unrestricted": unrestricted.Symbols,
	}
)

// RegisterSymbols makes a set of binary packages available to Go scripts that
// list name in their references. Symbols are keyed "importpath/pkgname" as
// produced by yaegi extract.
func RegisterSymbols(name string, exports interp.Exports) {
	symbolSetsMu.Lock()
	defer symbolSetsMu.Unlock()
	symbolSets[name] = exports
}

func hasSymbolSet(name string) bool {
	symbolSetsMu.RLock()
	defer symbolSetsMu.RUnlock()
	_, ok := symbolSets[name]
	return ok
}

func lookupSymbolSet(name string) interp.Exports {
	symbolSetsMu.RLock()
	defer symbolSetsMu.RUnlock()
	return symbolSets[name]
}

// Scripts are statement lists compiled as the body of main, the same way
// yaegi's REPL treats statements. Line 1 columns are shifted by the prefix.
const (
	goScriptName   = "script.go"
	goScriptPrefix = "package main; func main() {"
)

var (
	// goPosition matches yaegi's "file:line:col: message" compile errors.
	goPosition = regexp.MustCompile(`(?s)^(?:[^\n]*?:)?(\d+):(\d+): (.*)$`)
	// goScriptPos matches positions in panic traces and runtime errors.
	goScriptPos = regexp.MustCompile(regexp.QuoteMeta(goScriptName) + `:(\d+):(\d+)`)
)

type goRuntime struct{}

func (goRuntime) Language() Language { return LanguageGo }

func (r goRuntime) Check(ctx context.Context, src string, env *Environment) []Diagnostic {
	// A nil bridge gives Host its type for compilation; nothing runs.
	i, diags := r.interpreter(env, (*host.Bridge)(nil), io.Discard, io.Discard)
	if hasErrors(diags) {
		return diags
	}
	_, _, compileDiags := compileGo(i, src)
	return append(diags, compileDiags...)
}

func (r goRuntime) Run(ctx context.Context, src string, env *Environment, bridge *host.Bridge) (Value, error) {
	stdout := bridge.Writer()
	defer stdout.Flush()
	var stderr bytes.Buffer

	i, diags := r.interpreter(env, bridge, stdout, &stderr)
	if hasErrors(diags) {
		return Value{}, &CompileError{Diagnostics: diags}
	}
	prog, trailing, compileDiags := compileGo(i, src)
	if prog == nil {
		return Value{}, &CompileError{Diagnostics: append(diags, compileDiags...)}
	}

	res, err := i.Execute(prog)
	if err != nil {
		return Value{}, goRuntimeError(err, stderr.String(), strings.Count(src, "\n")+1)
	}
	if !trailing {
		return Value{}, nil
	}
	return goValue(res), nil
}

// interpreter creates a yaegi interpreter with the environment's symbol sets,
// the host package and the environment's imports.
func (goRuntime) interpreter(env *Environment, bridge *host.Bridge, stdout, stderr io.Writer) (*interp.Interpreter, []Diagnostic) {
	var diags []Diagnostic
	errorf := func(format string, args ...any) {
		diags = append(diags, Diagnostic{Severity: SeverityError, Message: fmt.Sprintf(format, args...)})
	}

	i := interp.New(interp.Options{
		GoPath: env.SourcePath,
		Stdout: stdout,
		Stderr: stderr,
	})
	for _, name := range env.SymbolSets {
		exports := lookupSymbolSet(name)
		if exports == nil {
			errorf("unknown symbol set %q", name)
			continue
		}
		if err := i.Use(exports); err != nil {
			errorf("load symbol set %q: %v", name, err)
		}
	}

	hostVar := bridge
	if err := i.Use(interp.Exports{
		HostPackage + "/" + HostPackage: {
			"Host":       reflect.ValueOf(&hostVar).Elem(),
			"Bridge":     reflect.ValueOf((*host.Bridge)(nil)),
			"Plugin":     reflect.ValueOf((*plugin.Plugin)(nil)),
			"Scriptable": reflect.ValueOf((*plugin.Scriptable)(nil)),
			"LogFunc":    reflect.ValueOf((*plugin.LogFunc)(nil)),
		},
	}); err != nil {
		errorf("load host package: %v", err)
		return i, diags
	}

	defaults := len(DefaultGoImports)
	specs := []string{". " + strconv.Quote(HostPackage)}
	for _, imp := range env.Imports[:min(defaults, len(env.Imports))] {
		specs = append(specs, strconv.Quote(imp))
	}
	if err := importGo(i, specs...); err != nil {
		errorf("default imports: %v", err)
		return i, diags
	}

	// Custom namespaces are imported one at a time so a bad one is reported by name.
	if len(env.Imports) > defaults {
		for _, imp := range env.Imports[defaults:] {
			if err := importGo(i, strconv.Quote(imp)); err != nil {
				errorf("namespace %q: %v", imp, err)
			}
		}
	}
	return i, diags
}

// importGo compiles an import declaration under the script's file name.
// yaegi scopes imports to the file that declares them.
func importGo(i *interp.Interpreter, specs ...string) error {
	src := "package main; import (" + strings.Join(specs, "; ") + ")"
	f, err := parser.ParseFile(i.FileSet(), goScriptName, src, 0)
	if err != nil {
		return err
	}
	prog, err := i.CompileAST(f)
	if err != nil {
		return err
	}
	_, err = i.Execute(prog)
	return err
}

// compileGo parses and compiles src without running it. A nil program means
// compilation failed and the diagnostics explain why. trailing reports whether
// the last statement is an expression, whose value the script returns.
func compileGo(i *interp.Interpreter, src string) (prog *interp.Program, trailing bool, diags []Diagnostic) {
	lines := strings.Count(src, "\n") + 1
	f, err := parser.ParseFile(i.FileSet(), goScriptName, goScriptPrefix+src+"\n}", parser.AllErrors)
	if err != nil {
		var list scanner.ErrorList
		if errors.As(err, &list) {
			for _, e := range list {
				diags = append(diags, goDiagnostic(e.Pos.Line, e.Pos.Column, e.Msg, lines))
			}
			return nil, false, diags
		}
		return nil, false, []Diagnostic{parseGoError(err, lines)}
	}

	body := f.Decls[0].(*ast.FuncDecl).Body
	prog, err = i.CompileAST(body)
	if err != nil {
		return nil, false, []Diagnostic{parseGoError(err, lines)}
	}
	if n := len(body.List); n > 0 {
		_, trailing = body.List[n-1].(*ast.ExprStmt)
	}
	return prog, trailing, nil
}

// goDiagnostic maps a position in the wrapped source back to the script.
func goDiagnostic(line, col int, msg string, lines int) Diagnostic {
	if line == 1 {
		col -= len(goScriptPrefix)
	}
	if line > lines {
		// Reported against the closing brace of the wrapper.
		line = lines
		col = 1
	}
	if col < 1 {
		col = 1
	}
	return Diagnostic{Severity: SeverityError, Line: line, Column: col, Message: msg}
}

func parseGoError(err error, lines int) Diagnostic {
	m := goPosition.FindStringSubmatch(err.Error())
	if m == nil {
		return Diagnostic{Severity: SeverityError, Message: err.Error()}
	}
	line, _ := strconv.Atoi(m[1])
	col, _ := strconv.Atoi(m[2])
	return goDiagnostic(line, col, strings.TrimSpace(m[3]), lines)
}

// goScriptPositions rewrites script positions in s from wrapped source
// coordinates to script coordinates.
func goScriptPositions(s string, lines int) string {
	return goScriptPos.ReplaceAllStringFunc(s, func(pos string) string {
		m := goScriptPos.FindStringSubmatch(pos)
		line, _ := strconv.Atoi(m[1])
		col, _ := strconv.Atoi(m[2])
		d := goDiagnostic(line, col, "", lines)
		return fmt.Sprintf("%s:%d:%d", goScriptName, d.Line, d.Column)
	})
}

func goRuntimeError(err error, stderr string, lines int) *RuntimeError {
	rt := &RuntimeError{
		Message: goScriptPositions(err.Error(), lines),
		Stack:   goScriptPositions(strings.TrimSpace(stderr), lines),
	}
	switch p := err.(type) {
	case interp.Panic:
		rt.Type = fmt.Sprintf("%T", p.Value)
		rt.Message = fmt.Sprint(p.Value)
	case *interp.Panic:
		rt.Type = fmt.Sprintf("%T", p.Value)
		rt.Message = fmt.Sprint(p.Value)
	default:
		rt.Type = fmt.Sprintf("%T", err)
	}
	return rt
}

// goValue converts the value of the script's last statement.
func goValue(v reflect.Value) Value {
	if !v.IsValid() || !v.CanInterface() {
		return Value{}
	}
	switch v.Kind() {
	case reflect.Func, reflect.Chan, reflect.UnsafePointer:
		return Value{}
	case reflect.Interface, reflect.Ptr, reflect.Map, reflect.Slice:
		if v.IsNil() {
			return Value{}
		}
	}
	return Value{Data: v.Interface(), Present: true}
}
