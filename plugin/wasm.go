package plugin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	extism "github.com/extism/go-sdk"
	"github.com/sirupsen/logrus"
)

func init() {
	RegisterLoader("wasm", func() (Loader, error) {
		return NewWASMLoader()
	})
}

// Exports a WASM plugin module may provide. Only plugin_manifest is required.
const (
	exportManifest       = "plugin_manifest"
	exportInstantiate    = "plugin_instantiate"
	exportLoad           = "plugin_load"
	exportRunTest        = "plugin_run_test"
	exportUnload         = "plugin_unload"
	exportCommands       = "plugin_commands"
	exportExecuteCommand = "plugin_execute_command"
)

var errModuleClosed = errors.New("module is closed")

// wasmManifest is the JSON document returned by plugin_manifest.
type wasmManifest struct {
	Plugins []wasmPluginInfo `json:"plugins"`
}

type wasmPluginInfo struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Scriptable  bool   `json:"scriptable"`
}

// wasmCall is the JSON input passed to every per-plugin export.
type wasmCall struct {
	Plugin  string `json:"plugin"`
	Command string `json:"command,omitempty"`
	Params  string `json:"params,omitempty"`
}

type wasmCommandResult struct {
	Result string `json:"result"`
	Error  string `json:"error"`
}

// WASMLoader loads Extism WASM modules.
type WASMLoader struct {
	logger *logrus.Logger
}

// WASMOption configures a WASMLoader.
type WASMOption func(*WASMLoader)

// WithWASMLogger routes guest and host-function diagnostics to logger.
func WithWASMLogger(logger *logrus.Logger) WASMOption {
	return func(wl *WASMLoader) {
		wl.logger = logger
	}
}

// NewWASMLoader creates a new WASM loader.
func NewWASMLoader(opts ...WASMOption) (*WASMLoader, error) {
	wl := &WASMLoader{logger: logrus.StandardLogger()}
	for _, opt := range opts {
		opt(wl)
	}
	return wl, nil
}

// Extension returns ".wasm".
func (wl *WASMLoader) Extension() string {
	return ".wasm"
}

// Load compiles and instantiates a WASM module and reads its plugin manifest.
func (wl *WASMLoader) Load(ctx context.Context, name string, data []byte) (Module, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("module %s is empty", name)
	}

	m := &WASMModule{
		name:   name,
		logger: wl.logger.WithField("module", name),
	}

	manifest := extism.Manifest{
		Wasm: []extism.Wasm{
			extism.WasmData{Data: data, Name: name},
		},
	}
	config := extism.PluginConfig{
		EnableWasi: true,
	}

	instance, err := extism.NewPlugin(ctx, manifest, config, []extism.HostFunction{m.hostLogFunction()})
	if err != nil {
		return nil, fmt.Errorf("failed to create Extism plugin: %w", err)
	}
	instance.SetLogger(m.guestLog)
	m.plugin = instance

	if !instance.FunctionExists(exportManifest) {
		_ = instance.Close(ctx)
		return nil, fmt.Errorf("module %s does not export %s", name, exportManifest)
	}
	out, err := m.call(ctx, exportManifest, nil, nil)
	if err != nil {
		_ = instance.Close(ctx)
		return nil, err
	}
	var mf wasmManifest
	if err := json.Unmarshal(out, &mf); err != nil {
		_ = instance.Close(ctx)
		return nil, fmt.Errorf("failed to parse %s output: %w", exportManifest, err)
	}
	m.infos = mf.Plugins
	return m, nil
}

// WASMModule is a loaded WASM module hosting one or more plugins.
//
// An Extism plugin instance is not safe for concurrent calls, so every call
// into the module is serialized by mu.
type WASMModule struct {
	name   string
	logger *logrus.Entry
	infos  []wasmPluginInfo

	mu     sync.Mutex
	plugin *extism.Plugin
	// sink receives host_log output for the call in progress. Guarded by mu.
	sink LogFunc
}

// Name returns the module file name.
func (m *WASMModule) Name() string {
	return m.name
}

// Factories returns one factory per manifest entry.
func (m *WASMModule) Factories() []Factory {
	factories := make([]Factory, 0, len(m.infos))
	for _, info := range m.infos {
		info := info
		factories = append(factories, Factory{
			TypeName: info.ID,
			New: func() (Plugin, error) {
				return m.instantiate(info)
			},
		})
	}
	return factories
}

// Close shuts down the module instance and releases its resources.
func (m *WASMModule) Close(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.plugin == nil {
		return nil
	}
	err := m.plugin.Close(ctx)
	m.plugin = nil
	return err
}

func (m *WASMModule) instantiate(info wasmPluginInfo) (Plugin, error) {
	if info.ID == "" {
		return nil, errors.New("manifest entry has no id")
	}
	if strings.TrimSpace(info.Name) == "" {
		return nil, fmt.Errorf("plugin %s has an empty name", info.ID)
	}
	if _, err := m.callOptional(context.Background(), exportInstantiate, wasmCall{Plugin: info.ID}, nil); err != nil {
		return nil, err
	}

	p := &wasmPlugin{module: m, info: info}
	if info.Scriptable {
		return &wasmScriptable{wasmPlugin: p}, nil
	}
	return p, nil
}

// call invokes an export. in is marshaled as JSON unless nil; sink receives host_log output.
func (m *WASMModule) call(ctx context.Context, fn string, in any, sink LogFunc) ([]byte, error) {
	var input []byte
	if in != nil {
		var err error
		input, err = json.Marshal(in)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s input: %w", fn, err)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.plugin == nil {
		return nil, errModuleClosed
	}
	m.sink = sink
	defer func() { m.sink = nil }()

	exitCode, out, err := m.plugin.CallWithContext(ctx, fn, input)
	if err != nil {
		return nil, fmt.Errorf("failed to call %s: %w", fn, err)
	}
	if exitCode != 0 {
		return nil, fmt.Errorf("%s returned non-zero exit code: %d", fn, exitCode)
	}
	return out, nil
}

// callOptional is call for exports a module may omit. A missing export is a no-op.
func (m *WASMModule) callOptional(ctx context.Context, fn string, in any, sink LogFunc) ([]byte, error) {
	m.mu.Lock()
	closed := m.plugin == nil
	exists := !closed && m.plugin.FunctionExists(fn)
	m.mu.Unlock()
	if closed {
		return nil, errModuleClosed
	}
	if !exists {
		return nil, nil
	}
	return m.call(ctx, fn, in, sink)
}

// hostLogFunction creates the host_log import.
// WASM signature: (param i64) - offset of the message in plugin memory.
func (m *WASMModule) hostLogFunction() extism.HostFunction {
	fn := extism.NewHostFunctionWithStack(
		"host_log",
		func(ctx context.Context, p *extism.CurrentPlugin, stack []uint64) {
			msg, err := p.ReadString(stack[0])
			if err != nil {
				m.logger.WithError(err).Warn("host_log: failed to read message")
				return
			}
			// Called from inside m.call, which holds m.mu.
			if m.sink != nil {
				m.sink(msg)
				return
			}
			m.logger.Info(msg)
		},
		[]extism.ValueType{extism.ValueTypeI64},
		[]extism.ValueType{},
	)
	fn.SetNamespace("env")
	return fn
}

func (m *WASMModule) guestLog(level extism.LogLevel, message string) {
	switch level {
	case extism.LogLevelError:
		m.logger.Error(message)
	case extism.LogLevelWarn:
		m.logger.Warn(message)
	case extism.LogLevelInfo:
		m.logger.Info(message)
	default:
		m.logger.Debug(message)
	}
}

// wasmPlugin implements Plugin for one manifest entry of a WASM module.
type wasmPlugin struct {
	module *WASMModule
	info   wasmPluginInfo
}

func (wp *wasmPlugin) Name() string        { return wp.info.Name }
func (wp *wasmPlugin) Description() string { return wp.info.Description }

func (wp *wasmPlugin) Load(ctx context.Context) error {
	_, err := wp.module.callOptional(ctx, exportLoad, wasmCall{Plugin: wp.info.ID}, nil)
	return err
}

func (wp *wasmPlugin) RunTest(ctx context.Context, log LogFunc) error {
	_, err := wp.module.callOptional(ctx, exportRunTest, wasmCall{Plugin: wp.info.ID}, log)
	return err
}

func (wp *wasmPlugin) Unload(ctx context.Context) error {
	_, err := wp.module.callOptional(ctx, exportUnload, wasmCall{Plugin: wp.info.ID}, nil)
	return err
}

// wasmScriptable adds command dispatch for manifest entries marked scriptable.
type wasmScriptable struct {
	*wasmPlugin
}

func (ws *wasmScriptable) ExecuteCommand(ctx context.Context, command, params string) (string, error) {
	out, err := ws.module.call(ctx, exportExecuteCommand, wasmCall{
		Plugin:  ws.info.ID,
		Command: command,
		Params:  params,
	}, nil)
	if err != nil {
		return "", err
	}
	if len(out) == 0 {
		return "", nil
	}
	var res wasmCommandResult
	if err := json.Unmarshal(out, &res); err != nil {
		return "", fmt.Errorf("failed to parse %s output: %w", exportExecuteCommand, err)
	}
	if res.Error != "" {
		return "", errors.New(res.Error)
	}
	return res.Result, nil
}

func (ws *wasmScriptable) Commands() []string {
	out, err := ws.module.callOptional(context.Background(), exportCommands, wasmCall{Plugin: ws.info.ID}, nil)
	if err != nil || len(out) == 0 {
		return nil
	}
	var cmds []string
	if err := json.Unmarshal(out, &cmds); err != nil {
		ws.module.logger.WithError(err).Warnf("%s returned invalid JSON", exportCommands)
		return nil
	}
	return cmds
}
