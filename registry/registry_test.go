package registry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/joncooperworks/testplatform/plugin"
	"github.com/joncooperworks/testplatform/plugin/wasmtest"
)

// fakeLoader builds modules from a line-oriented text format: each line names a
// plugin, "!ctor:<type>" is a factory that fails, "!loadfail:<name>" is a plugin
// whose Load hook fails. A module containing only "corrupt" or "panic" fails to load.
type fakeLoader struct {
	mu      sync.Mutex
	modules []*plugin.StaticModule
}

func (l *fakeLoader) Extension() string { return ".mod" }

func (l *fakeLoader) Load(ctx context.Context, name string, data []byte) (plugin.Module, error) {
	text := strings.TrimSpace(string(data))
	switch text {
	case "corrupt":
		return nil, errors.New("bad module format")
	case "panic":
		panic("loader exploded")
	}

	var factories []plugin.Factory
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case line == "":
		case strings.HasPrefix(line, "!ctor:"):
			factories = append(factories, plugin.Factory{
				TypeName: strings.TrimPrefix(line, "!ctor:"),
				New: func() (plugin.Plugin, error) {
					return nil, errors.New("constructor failed")
				},
			})
		case strings.HasPrefix(line, "!loadfail:"):
			p := plugin.NewMockPlugin(strings.TrimPrefix(line, "!loadfail:"), "")
			p.LoadFunc = func(context.Context) error { return errors.New("load hook failed") }
			factories = append(factories, plugin.Of(p))
		default:
			factories = append(factories, plugin.Of(plugin.NewMockPlugin(line, "from "+name)))
		}
	}

	m := plugin.NewStaticModule(name, factories...)
	l.mu.Lock()
	l.modules = append(l.modules, m)
	l.mu.Unlock()
	return m, nil
}

func writeModules(t testing.TB, dir string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		path := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
}

type logRecorder struct {
	mu    sync.Mutex
	lines []string
}

func (l *logRecorder) Log(msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, msg)
}

func (l *logRecorder) Lines() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.lines...)
}

func quietLogger() *logrus.Logger {
	logger, _ := test.NewNullLogger()
	return logger
}

func newTestRegistry(opts ...Option) (*Registry, *fakeLoader) {
	loader := &fakeLoader{}
	opts = append([]Option{WithLoader(loader), WithLogger(quietLogger())}, opts...)
	return New(opts...), loader
}

func TestDiscover_DirectoryNotFound(t *testing.T) {
	r, _ := newTestRegistry()
	rec := &logRecorder{}

	_, err := r.Discover(context.Background(), filepath.Join(t.TempDir(), "missing"), rec.Log)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDirectoryNotFound), "Discover() error = %v, want ErrDirectoryNotFound", err)
	assert.Zero(t, r.Len())
	require.NotEmpty(t, rec.Lines())
	assert.Contains(t, rec.Lines()[0], "Plugin directory not found")
}

func TestDiscover_PathIsFile(t *testing.T) {
	r, _ := newTestRegistry()
	dir := t.TempDir()
	writeModules(t, dir, map[string]string{"file.mod": "Alpha"})

	_, err := r.Discover(context.Background(), filepath.Join(dir, "file.mod"), nil)
	assert.ErrorIs(t, err, ErrDirectoryNotFound)
}

func TestDiscover_EmptyDirectory(t *testing.T) {
	r, _ := newTestRegistry()
	rec := &logRecorder{}

	report, err := r.Discover(context.Background(), t.TempDir(), rec.Log)
	require.NoError(t, err)
	assert.Empty(t, report.Modules)
	assert.Zero(t, r.Len())
	require.Len(t, report.Events, 1)
	assert.Equal(t, EventInfo, report.Events[0].Kind)
	assert.Contains(t, report.Events[0].Message, "No plugin modules (*.mod) found")
}

func TestDiscover_ScanResilience(t *testing.T) {
	r, _ := newTestRegistry()
	dir := t.TempDir()
	writeModules(t, dir, map[string]string{
		"a.mod":    "corrupt",
		"b.mod":    "Alpha",
		"c.mod":    "panic",
		"d.mod":    "!ctor:BrokenType\nBeta",
		"e.mod":    "!loadfail:Gamma",
		"notes.md": "Ignored",
	})

	report, err := r.Discover(context.Background(), dir, nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"Alpha", "Beta"}, r.Names())
	assert.Equal(t, []string{"Alpha", "Beta"}, report.Loaded)
	assert.Len(t, report.Modules, 5)

	var kinds []EventKind
	for _, ev := range report.Errors() {
		kinds = append(kinds, ev.Kind)
	}
	assert.Equal(t, []EventKind{
		EventModuleLoadError,
		EventModuleLoadError,
		EventInstantiationError,
		EventInstantiationError,
	}, kinds)

	errs := report.Errors()
	assert.Contains(t, errs[0].Message, "a.mod")
	assert.Contains(t, errs[1].Message, "loader exploded")
	assert.Equal(t, "BrokenType", errs[2].Plugin)
	assert.Equal(t, "Gamma", errs[3].Plugin)

	_, ok := r.Lookup("Gamma")
	assert.False(t, ok, "plugin with failing Load hook must not stay registered")
}

func TestDiscover_LogMatchesReport(t *testing.T) {
	r, _ := newTestRegistry()
	dir := t.TempDir()
	writeModules(t, dir, map[string]string{"a.mod": "corrupt", "b.mod": "Alpha\nalpha"})
	rec := &logRecorder{}

	report, err := r.Discover(context.Background(), dir, rec.Log)
	require.NoError(t, err)

	lines := rec.Lines()
	for _, ev := range report.Events {
		assert.Contains(t, lines, ev.Message)
	}
}

func TestDiscover_Deduplicates(t *testing.T) {
	r, _ := newTestRegistry()
	dir := t.TempDir()
	writeModules(t, dir, map[string]string{
		"a.mod": "Alpha",
		"b.mod": "ALPHA\nGamma",
	})

	report, err := r.Discover(context.Background(), dir, nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"Alpha", "Gamma"}, r.Names())
	var dups []Event
	for _, ev := range report.Events {
		if ev.Kind == EventDuplicateSkipped {
			dups = append(dups, ev)
		}
	}
	require.Len(t, dups, 1)
	assert.Equal(t, "ALPHA", dups[0].Plugin)
	assert.False(t, dups[0].Kind.IsError())

	p, ok := r.Lookup("alpha")
	require.True(t, ok)
	assert.Equal(t, "from a.mod", p.Description(), "first loaded plugin must win")

	// A second scan of the same directory only yields duplicates.
	report, err = r.Discover(context.Background(), dir, nil)
	require.NoError(t, err)
	assert.Empty(t, report.Loaded)
	assert.Equal(t, 2, r.Len())
}

func TestDiscover_NonRecursive(t *testing.T) {
	r, _ := newTestRegistry()
	dir := t.TempDir()
	writeModules(t, dir, map[string]string{
		"top.mod":        "Top",
		"nested/sub.mod": "Nested",
	})

	_, err := r.Discover(context.Background(), dir, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"Top"}, r.Names())
}

func TestDiscover_UnusedModuleClosed(t *testing.T) {
	r, loader := newTestRegistry()
	dir := t.TempDir()
	writeModules(t, dir, map[string]string{"a.mod": "Alpha", "b.mod": "alpha"})

	_, err := r.Discover(context.Background(), dir, nil)
	require.NoError(t, err)

	require.Len(t, loader.modules, 2)
	assert.False(t, loader.modules[0].Closed())
	assert.True(t, loader.modules[1].Closed(), "module contributing no plugins must be closed")
}

type rejectVerifier struct{ reject string }

func (v rejectVerifier) VerifyModule(path string, data []byte) error {
	if filepath.Base(path) == v.reject {
		return errors.New("signature mismatch")
	}
	return nil
}

func TestDiscover_Verifier(t *testing.T) {
	r, _ := newTestRegistry(WithVerifier(rejectVerifier{reject: "evil.mod"}))
	dir := t.TempDir()
	writeModules(t, dir, map[string]string{"evil.mod": "Evil", "good.mod": "Good"})

	report, err := r.Discover(context.Background(), dir, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"Good"}, r.Names())
	require.Len(t, report.Errors(), 1)
	assert.Equal(t, EventModuleLoadError, report.Errors()[0].Kind)
	assert.Contains(t, report.Errors()[0].Message, "signature mismatch")
}

func TestDiscover_Cancelled(t *testing.T) {
	r, _ := newTestRegistry()
	dir := t.TempDir()
	writeModules(t, dir, map[string]string{"a.mod": "Alpha"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := r.Discover(ctx, dir, nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, r.Len())
}

func TestDiscover_WASMModules(t *testing.T) {
	module := wasmtest.Module(map[string]wasmtest.Export{
		"plugin_manifest": wasmtest.Manifest(
			wasmtest.Plugin{ID: "strings", Name: "WASM Strings", Scriptable: true},
			wasmtest.Plugin{ID: "self", Name: "WASM Self Test"},
		),
		"plugin_run_test":        {Logs: []string{"self test ok"}},
		"plugin_commands":        wasmtest.Commands("upper"),
		"plugin_execute_command": wasmtest.Result("ABC", ""),
	})
	dir := t.TempDir()
	for _, name := range []string{"a.wasm", "b.wasm"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), module, 0o644))
	}

	ctx := context.Background()
	r := New(WithLogger(quietLogger()))
	t.Cleanup(func() { _ = r.UnloadAll(context.Background()) })
	rec := &logRecorder{}

	report, err := r.Discover(ctx, dir, rec.Log)
	require.NoError(t, err)
	assert.Equal(t, []string{"WASM Strings", "WASM Self Test"}, report.Loaded)
	assert.Empty(t, report.Errors())

	var skipped []string
	for _, ev := range report.Events {
		if ev.Kind == EventDuplicateSkipped {
			skipped = append(skipped, ev.Plugin)
			assert.Equal(t, filepath.Join(dir, "b.wasm"), ev.Module)
		}
	}
	assert.Equal(t, []string{"WASM Strings", "WASM Self Test"}, skipped)

	entries := r.Entries()
	require.Len(t, entries, 2)
	assert.True(t, entries[0].Scriptable)
	assert.Equal(t, []string{"upper"}, entries[0].Commands)
	assert.Equal(t, filepath.Join(dir, "a.wasm"), entries[0].Module)
	assert.Equal(t, StateLoaded, entries[0].State)
	assert.False(t, entries[1].Scriptable)
	assert.Nil(t, entries[1].Commands)

	p, ok := r.Lookup("wasm strings")
	require.True(t, ok)
	got, err := p.(plugin.Scriptable).ExecuteCommand(ctx, "upper", "abc")
	require.NoError(t, err)
	assert.Equal(t, "ABC", got)

	tests := r.RunPluginTests(ctx, rec.Log)
	assert.Equal(t, []string{"WASM Strings", "WASM Self Test"}, tests.Passed)
	assert.Contains(t, rec.Lines(), "self test ok")
}

func TestAddModule(t *testing.T) {
	ctx := context.Background()
	r := New(WithLogger(quietLogger()))
	require.NoError(t, r.Add(ctx, plugin.NewMockPlugin("Taken", ""), nil))

	m := plugin.NewStaticModule("builtin",
		plugin.Of(plugin.NewMockPlugin("Fresh", "")),
		plugin.Of(plugin.NewMockPlugin("taken", "")),
	)
	rec := &logRecorder{}
	report := r.AddModule(ctx, m, rec.Log)

	assert.Equal(t, []string{"Fresh"}, report.Loaded)
	assert.Empty(t, report.Errors())
	assert.Contains(t, rec.Lines(), "Plugin 'taken' from 'builtin' skipped: a plugin with the same name is already loaded.")
	assert.Equal(t, []string{"Taken", "Fresh"}, r.Names())
	assert.Equal(t, "builtin", r.Entries()[1].Module)
	assert.False(t, m.Closed())

	require.NoError(t, r.UnloadAll(ctx))
	assert.True(t, m.Closed())
}

func TestAddModule_NothingAddedClosesModule(t *testing.T) {
	ctx := context.Background()
	r := New(WithLogger(quietLogger()))
	m := plugin.NewStaticModule("broken", plugin.Factory{
		TypeName: "broken.Plugin",
		New:      func() (plugin.Plugin, error) { return nil, errors.New("constructor failed") },
	})

	report := r.AddModule(ctx, m, nil)
	require.Len(t, report.Errors(), 1)
	assert.Equal(t, EventInstantiationError, report.Errors()[0].Kind)
	assert.True(t, m.Closed())
	assert.Zero(t, r.Len())
}

func TestLookup(t *testing.T) {
	r, _ := newTestRegistry()
	require.NoError(t, r.Add(context.Background(), plugin.NewMockPlugin("Sample Test Plugin", ""), nil))

	tests := []struct {
		name  string
		query string
		found bool
	}{
		{name: "exact", query: "Sample Test Plugin", found: true},
		{name: "lower", query: "sample test plugin", found: true},
		{name: "upper", query: "SAMPLE TEST PLUGIN", found: true},
		{name: "prefix", query: "Sample", found: false},
		{name: "empty", query: "", found: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ok := r.Lookup(tt.query)
			assert.Equal(t, tt.found, ok)
		})
	}
}

func TestPlugins_ReturnsCopy(t *testing.T) {
	r, _ := newTestRegistry()
	require.NoError(t, r.Add(context.Background(), plugin.NewMockPlugin("A", ""), nil))

	snapshot := r.Plugins()
	snapshot[0] = plugin.NewMockPlugin("B", "")
	assert.Equal(t, []string{"A"}, r.Names())
}

func TestAdd(t *testing.T) {
	r, _ := newTestRegistry()
	rec := &logRecorder{}
	p := plugin.NewMockPlugin("Alpha", "")

	require.NoError(t, r.Add(context.Background(), p, rec.Log))
	loads, _, _ := p.Calls()
	assert.Equal(t, 1, loads)
	assert.Equal(t, []string{"Manually added plugin: Alpha"}, rec.Lines())

	err := r.Add(context.Background(), plugin.NewMockPlugin("alpha", ""), nil)
	assert.ErrorIs(t, err, ErrDuplicatePlugin)

	entries := r.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, StateLoaded, entries[0].State)
	assert.Equal(t, "builtin", entries[0].Module)

	assert.Error(t, r.Add(context.Background(), plugin.NewMockPlugin("", ""), nil))
}

func TestEntries_Scriptable(t *testing.T) {
	r, _ := newTestRegistry()
	s := plugin.NewMockScriptable("Cmd", "", map[string]func(context.Context, string) (string, error){
		"ping": func(context.Context, string) (string, error) { return "pong", nil },
	})
	require.NoError(t, r.Add(context.Background(), s, nil))

	entries := r.Entries()
	require.Len(t, entries, 1)
	assert.True(t, entries[0].Scriptable)
	assert.Equal(t, []string{"ping"}, entries[0].Commands)
}

func TestRunPluginTests_Empty(t *testing.T) {
	r, _ := newTestRegistry()
	rec := &logRecorder{}

	report := r.RunPluginTests(context.Background(), rec.Log)
	assert.Empty(t, report.Passed)
	assert.Equal(t, []string{"No plugins loaded to run tests."}, rec.Lines())
}

func TestRunPluginTests_ContinuesAfterFailure(t *testing.T) {
	r, _ := newTestRegistry()
	ctx := context.Background()

	failing := plugin.NewMockPlugin("Failing", "")
	failing.RunTestFunc = func(context.Context, plugin.LogFunc) error { return errors.New("assertion failed") }
	panicking := plugin.NewMockPlugin("Panicking", "")
	panicking.RunTestFunc = func(context.Context, plugin.LogFunc) error { panic("kaboom") }

	require.NoError(t, r.Add(ctx, plugin.NewMockPlugin("First", ""), nil))
	require.NoError(t, r.Add(ctx, failing, nil))
	require.NoError(t, r.Add(ctx, panicking, nil))
	require.NoError(t, r.Add(ctx, plugin.NewMockPlugin("Last", ""), nil))

	rec := &logRecorder{}
	report := r.RunPluginTests(ctx, rec.Log)

	assert.Equal(t, []string{"First", "Last"}, report.Passed)
	require.Len(t, report.Failed, 2)
	assert.Equal(t, "Failing", report.Failed[0].Plugin)
	assert.Equal(t, EventPluginTestFailed, report.Failed[0].Kind)
	assert.Contains(t, report.Failed[1].Message, "kaboom")

	lines := rec.Lines()
	assert.Equal(t, "--- Running Test for Plugin: First ---", lines[0])
	assert.Equal(t, "--- Test Finished for Plugin: Last ---", lines[len(lines)-1])
	assert.Contains(t, lines, "--- Test Finished for Plugin: Panicking ---")
}

func TestUnloadAll(t *testing.T) {
	r, loader := newTestRegistry()
	ctx := context.Background()
	dir := t.TempDir()
	writeModules(t, dir, map[string]string{"a.mod": "Alpha\nBeta"})
	_, err := r.Discover(ctx, dir, nil)
	require.NoError(t, err)

	var order []string
	var mu sync.Mutex
	for _, p := range r.Plugins() {
		mp := p.(*plugin.MockPlugin)
		mp.UnloadFunc = func(context.Context) error {
			mu.Lock()
			defer mu.Unlock()
			order = append(order, mp.Name())
			if mp.Name() == "Beta" {
				return errors.New("unload failed")
			}
			return nil
		}
	}

	err = r.UnloadAll(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Beta")
	assert.Equal(t, []string{"Beta", "Alpha"}, order)
	assert.Zero(t, r.Len())
	assert.True(t, loader.modules[0].Closed())
}

func TestUnload_Unknown(t *testing.T) {
	r, _ := newTestRegistry()
	assert.ErrorIs(t, r.Unload(context.Background(), "ghost"), ErrPluginNotFound)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "discovered", StateDiscovered.String())
	assert.Equal(t, "loaded", StateLoaded.String())
	assert.Equal(t, "unloaded", StateUnloaded.String())
	assert.Equal(t, "ModuleLoadError", EventModuleLoadError.String())
}

// Registered names are unique ignoring case and are the first occurrence of
// each name in scan order.
func TestDiscover_DedupProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		base := rapid.SampledFrom([]string{"alpha", "beta", "gamma", "delta"})
		nameGen := rapid.Custom(func(t *rapid.T) string {
			n := base.Draw(t, "base")
			if rapid.Bool().Draw(t, "upper") {
				return strings.ToUpper(n)
			}
			return n
		})
		modules := rapid.SliceOfN(rapid.SliceOfN(nameGen, 1, 3), 1, 5).Draw(t, "modules")

		dir, err := os.MkdirTemp("", "dedup")
		if err != nil {
			t.Fatal(err)
		}
		defer os.RemoveAll(dir)

		var want []string
		seen := map[string]bool{}
		for i, names := range modules {
			path := filepath.Join(dir, fmt.Sprintf("m%02d.mod", i))
			if err := os.WriteFile(path, []byte(strings.Join(names, "\n")), 0o644); err != nil {
				t.Fatal(err)
			}
			for _, n := range names {
				if !seen[strings.ToLower(n)] {
					seen[strings.ToLower(n)] = true
					want = append(want, n)
				}
			}
		}

		r := New(WithLoader(&fakeLoader{}), WithLogger(quietLogger()))
		if _, err := r.Discover(context.Background(), dir, nil); err != nil {
			t.Fatal(err)
		}

		got := r.Names()
		if strings.Join(got, ",") != strings.Join(want, ",") {
			t.Fatalf("Names() = %v, want %v", got, want)
		}
	})
}
