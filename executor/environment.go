package executor

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

// ErrUnsupportedLanguage is returned when a request names a language with no runtime.
var ErrUnsupportedLanguage = errors.New("unsupported script language")

// Language identifies a guest scripting language.
type Language int

const (
	// LanguageGo runs Go statements through the yaegi interpreter. Scripts are
	// compiled as a whole before any statement runs.
	LanguageGo Language = iota + 1
	// LanguageLua runs Lua 5.1 chunks through gopher-lua.
	LanguageLua
)

func (l Language) String() string {
	switch l {
	case LanguageGo:
		return "go"
	case LanguageLua:
		return "lua"
	default:
		return fmt.Sprintf("Language(%d)", int(l))
	}
}

// ParseLanguage maps a language name to a Language.
func ParseLanguage(name string) (Language, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "go", "golang":
		return LanguageGo, nil
	case "lua":
		return LanguageLua, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnsupportedLanguage, name)
	}
}

// Severity of a Diagnostic.
type Severity int

const (
	SeverityError Severity = iota
	SeverityWarning
	SeverityInfo
)

func (s Severity) String() string {
	switch s {
	case SeverityError:
		return "error"
	case SeverityWarning:
		return "warning"
	default:
		return "info"
	}
}

// Diagnostic is one issue reported while preparing or compiling a script.
// Line and Column are 1-based; zero means the position is unknown.
type Diagnostic struct {
	Severity Severity
	Line     int
	Column   int
	Message  string
}

func (d Diagnostic) String() string {
	if d.Line > 0 {
		return fmt.Sprintf("(%d,%d): %s: %s", d.Line, d.Column, d.Severity, d.Message)
	}
	return fmt.Sprintf("%s: %s", d.Severity, d.Message)
}

func hasErrors(diags []Diagnostic) bool {
	for _, d := range diags {
		if d.Severity == SeverityError {
			return true
		}
	}
	return false
}

func diagnosticStrings(diags []Diagnostic) []string {
	if len(diags) == 0 {
		return nil
	}
	out := make([]string, len(diags))
	for i, d := range diags {
		out[i] = d.String()
	}
	return out
}

// HostPackage is the import path under which Go scripts see the host API.
// It is dot-imported, so scripts refer to Host, Plugin, Scriptable and Bridge directly.
const HostPackage = "testplatform"

// DefaultGoImports are imported into every Go script.
var DefaultGoImports = []string{"errors", "fmt", "math", "sort", "strconv", "strings", "time"}

// DefaultSymbolSet is always made available to Go scripts.
const DefaultSymbolSet = "stdlib"

// Environment is the compilation environment for one script.
type Environment struct {
	Language Language
	// Imports are the Go import paths made available to the script, defaults first.
	Imports []string
	// SymbolSets name the binary package sets the interpreter loads.
	SymbolSets []string
	// SourcePath is a directory the interpreter resolves source imports from.
	SourcePath string
	// Ignored counts caller extensions the language does not consume.
	Ignored int
	// Diagnostics reported while building the environment.
	Diagnostics []Diagnostic
}

// BuildEnvironment assembles the environment for lang from the defaults plus
// caller-supplied namespaces and references.
//
// For LanguageGo a namespace is an import path and a reference is either the
// name of a registered symbol set or a directory to resolve source imports
// from. Duplicates are reported as warnings and unknown references as errors.
// LanguageLua consumes neither; they are only counted in Ignored.
func BuildEnvironment(lang Language, namespaces, references []string) *Environment {
	env := &Environment{Language: lang}
	if lang != LanguageGo {
		env.Ignored = len(namespaces) + len(references)
		return env
	}

	warn := func(format string, args ...any) {
		env.Diagnostics = append(env.Diagnostics, Diagnostic{Severity: SeverityWarning, Message: fmt.Sprintf(format, args...)})
	}

	seen := make(map[string]bool)
	for _, imp := range DefaultGoImports {
		seen[imp] = true
		env.Imports = append(env.Imports, imp)
	}
	for _, ns := range namespaces {
		ns = strings.TrimSpace(ns)
		switch {
		case ns == "":
			warn("ignoring empty namespace")
		case ns == HostPackage:
			warn("namespace %q is always imported", ns)
		case seen[ns]:
			warn("duplicate namespace %q ignored", ns)
		default:
			seen[ns] = true
			env.Imports = append(env.Imports, ns)
		}
	}

	env.SymbolSets = []string{DefaultSymbolSet}
	refs := map[string]bool{DefaultSymbolSet: true}
	for _, ref := range references {
		ref = strings.TrimSpace(ref)
		if ref == "" {
			warn("ignoring empty reference")
			continue
		}
		if refs[ref] {
			warn("duplicate reference %q ignored", ref)
			continue
		}
		refs[ref] = true

		if hasSymbolSet(ref) {
			env.SymbolSets = append(env.SymbolSets, ref)
			continue
		}
		if fi, err := os.Stat(ref); err == nil && fi.IsDir() {
			if env.SourcePath != "" {
				warn("only one source directory is supported; ignoring %q", ref)
				continue
			}
			env.SourcePath = ref
			continue
		}
		env.Diagnostics = append(env.Diagnostics, Diagnostic{
			Severity: SeverityError,
			Message:  fmt.Sprintf("reference %q is neither a registered symbol set nor a directory", ref),
		})
	}
	return env
}
