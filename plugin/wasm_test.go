package plugin

import (
	"context"
	"reflect"
	"strings"
	"testing"

	"github.com/joncooperworks/testplatform/plugin/wasmtest"
)

func TestNewWASMLoader(t *testing.T) {
	loader, err := NewWASMLoader()
	if err != nil {
		t.Fatalf("NewWASMLoader() error = %v", err)
	}
	if loader == nil {
		t.Fatal("NewWASMLoader() returned nil loader")
	}

	var _ Loader = loader
	if loader.Extension() != ".wasm" {
		t.Errorf("Extension() = %q, want %q", loader.Extension(), ".wasm")
	}
}

func TestWASMLoader_Load_InvalidWASM(t *testing.T) {
	loader, err := NewWASMLoader()
	if err != nil {
		t.Fatalf("NewWASMLoader() error = %v", err)
	}

	// Extism fails to compile non-WASM bytes; the exact error is Extism's.
	_, err = loader.Load(context.Background(), "bad.wasm", []byte("this is not valid WASM data"))
	if err == nil {
		t.Error("WASMLoader.Load() with invalid WASM error = nil, want error")
	}
}

func TestWASMLoader_EmptyData(t *testing.T) {
	loader, err := NewWASMLoader()
	if err != nil {
		t.Fatalf("NewWASMLoader() error = %v", err)
	}

	if _, err := loader.Load(context.Background(), "empty.wasm", nil); err == nil {
		t.Error("WASMLoader.Load() with empty data error = nil, want error")
	}
}

func TestWASMModule_InstantiateValidation(t *testing.T) {
	m := &WASMModule{name: "manual.wasm"}

	tests := []struct {
		name string
		info wasmPluginInfo
	}{
		{name: "missing id", info: wasmPluginInfo{Name: "x"}},
		{name: "blank name", info: wasmPluginInfo{ID: "x", Name: "  "}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := m.instantiate(tt.info); err == nil {
				t.Error("instantiate() error = nil, want error")
			}
		})
	}
}

func TestWASMModule_ClosedModule(t *testing.T) {
	m := &WASMModule{name: "closed.wasm", infos: []wasmPluginInfo{{ID: "a", Name: "A"}}}

	if err := m.Close(context.Background()); err != nil {
		t.Errorf("Close() on never-opened module error = %v", err)
	}

	_, err := m.Factories()[0].New()
	if err != errModuleClosed {
		t.Errorf("Factory.New() on closed module error = %v, want %v", err, errModuleClosed)
	}
}

func sampleModule() []byte {
	return wasmtest.Module(map[string]wasmtest.Export{
		exportManifest: wasmtest.Manifest(
			wasmtest.Plugin{ID: "strings", Name: "WASM Strings", Description: "string commands", Scriptable: true},
			wasmtest.Plugin{ID: "self", Name: "WASM Self Test"},
		),
		exportLoad:           {},
		exportRunTest:        {Logs: []string{"checking module state", "self test ok"}},
		exportCommands:       wasmtest.Commands("upper", "reverse"),
		exportExecuteCommand: wasmtest.Result("ABC", ""),
	})
}

func loadModule(t *testing.T, data []byte) Module {
	t.Helper()
	loader, err := NewWASMLoader()
	if err != nil {
		t.Fatalf("NewWASMLoader() error = %v", err)
	}
	m, err := loader.Load(context.Background(), "sample.wasm", data)
	if err != nil {
		t.Fatalf("WASMLoader.Load() error = %v", err)
	}
	t.Cleanup(func() { _ = m.Close(context.Background()) })
	return m
}

func TestWASMLoader_LoadsManifest(t *testing.T) {
	ctx := context.Background()
	m := loadModule(t, sampleModule())

	if m.Name() != "sample.wasm" {
		t.Errorf("Name() = %q, want %q", m.Name(), "sample.wasm")
	}
	factories := m.Factories()
	if len(factories) != 2 {
		t.Fatalf("Factories() returned %d factories, want 2", len(factories))
	}
	if factories[0].TypeName != "strings" || factories[1].TypeName != "self" {
		t.Errorf("factory types = %q, %q, want strings, self", factories[0].TypeName, factories[1].TypeName)
	}

	p, err := factories[0].New()
	if err != nil {
		t.Fatalf("Factory.New() error = %v", err)
	}
	if p.Name() != "WASM Strings" || p.Description() != "string commands" {
		t.Errorf("plugin = %q (%q), want WASM Strings (string commands)", p.Name(), p.Description())
	}
	if err := p.Load(ctx); err != nil {
		t.Errorf("Load() error = %v", err)
	}

	s, ok := p.(Scriptable)
	if !ok {
		t.Fatal("scriptable manifest entry did not produce a Scriptable plugin")
	}
	if got := s.Commands(); !reflect.DeepEqual(got, []string{"upper", "reverse"}) {
		t.Errorf("Commands() = %v, want [upper reverse]", got)
	}
	got, err := s.ExecuteCommand(ctx, "upper", "abc")
	if err != nil {
		t.Fatalf("ExecuteCommand() error = %v", err)
	}
	if got != "ABC" {
		t.Errorf("ExecuteCommand() = %q, want %q", got, "ABC")
	}

	plain, err := factories[1].New()
	if err != nil {
		t.Fatalf("Factory.New() error = %v", err)
	}
	if IsScriptable(plain) {
		t.Error("plain manifest entry produced a Scriptable plugin")
	}
}

func TestWASMPlugin_RunTestRoutesHostLog(t *testing.T) {
	m := loadModule(t, sampleModule())
	p, err := m.Factories()[1].New()
	if err != nil {
		t.Fatalf("Factory.New() error = %v", err)
	}

	var lines []string
	if err := p.RunTest(context.Background(), func(msg string) { lines = append(lines, msg) }); err != nil {
		t.Fatalf("RunTest() error = %v", err)
	}
	want := []string{"checking module state", "self test ok"}
	if !reflect.DeepEqual(lines, want) {
		t.Errorf("RunTest() logged %q, want %q", lines, want)
	}
}

func TestWASMPlugin_GuestErrors(t *testing.T) {
	ctx := context.Background()
	m := loadModule(t, wasmtest.Module(map[string]wasmtest.Export{
		exportManifest:       wasmtest.Manifest(wasmtest.Plugin{ID: "broken", Name: "Broken", Scriptable: true}),
		exportRunTest:        {Logs: []string{"starting"}, Error: "selftest broke"},
		exportExecuteCommand: wasmtest.Result("", "bad params"),
	}))
	p, err := m.Factories()[0].New()
	if err != nil {
		t.Fatalf("Factory.New() error = %v", err)
	}

	// Without plugin_load the hook is a no-op.
	if err := p.Load(ctx); err != nil {
		t.Errorf("Load() without export error = %v, want nil", err)
	}

	var lines []string
	err = p.RunTest(ctx, func(msg string) { lines = append(lines, msg) })
	if err == nil || !strings.Contains(err.Error(), "selftest broke") {
		t.Errorf("RunTest() error = %v, want error containing 'selftest broke'", err)
	}
	if len(lines) != 1 || lines[0] != "starting" {
		t.Errorf("RunTest() logged %q, want [starting]", lines)
	}

	s := p.(Scriptable)
	if _, err := s.ExecuteCommand(ctx, "upper", ""); err == nil || err.Error() != "bad params" {
		t.Errorf("ExecuteCommand() error = %v, want 'bad params'", err)
	}
	if cmds := s.Commands(); cmds != nil {
		t.Errorf("Commands() without export = %v, want nil", cmds)
	}
}

func TestWASMLoader_ManifestErrors(t *testing.T) {
	tests := []struct {
		name    string
		exports map[string]wasmtest.Export
		want    string
	}{
		{
			name:    "missing manifest",
			exports: map[string]wasmtest.Export{exportLoad: {}},
			want:    "does not export plugin_manifest",
		},
		{
			name:    "invalid manifest",
			exports: map[string]wasmtest.Export{exportManifest: {Output: "not json"}},
			want:    "failed to parse plugin_manifest output",
		},
		{
			name:    "manifest error",
			exports: map[string]wasmtest.Export{exportManifest: {Error: "no manifest today"}},
			want:    "no manifest today",
		},
	}

	loader, err := NewWASMLoader()
	if err != nil {
		t.Fatalf("NewWASMLoader() error = %v", err)
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := loader.Load(context.Background(), "bad.wasm", wasmtest.Module(tt.exports))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("WASMLoader.Load() error = %v, want error containing %q", err, tt.want)
			}
		})
	}
}

func TestWASMModule_CloseStopsCalls(t *testing.T) {
	ctx := context.Background()
	m := loadModule(t, sampleModule())
	p, err := m.Factories()[0].New()
	if err != nil {
		t.Fatalf("Factory.New() error = %v", err)
	}
	if err := m.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if _, err := p.(Scriptable).ExecuteCommand(ctx, "upper", "x"); err != errModuleClosed {
		t.Errorf("ExecuteCommand() after Close error = %v, want %v", err, errModuleClosed)
	}
}
