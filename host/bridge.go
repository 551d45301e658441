// Package host provides the API surface that guest scripts use to reach plugins.
package host

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/joncooperworks/testplatform/metrics"
	"github.com/joncooperworks/testplatform/plugin"
)

// LogPrefix marks lines that originate from a script.
const LogPrefix = "Script> "

var (
	ErrPluginNameEmpty     = errors.New("plugin name cannot be null or empty")
	ErrPluginNotFound      = errors.New("plugin not found")
	ErrPluginNotScriptable = errors.New("plugin is not scriptable")
	ErrCommandFailed       = errors.New("plugin command failed")
)

// PluginSource is the read-only view of the plugin registry the bridge needs.
type PluginSource interface {
	Plugins() []plugin.Plugin
	Lookup(name string) (plugin.Plugin, bool)
}

// Bridge is the object scripts see as Host.
//
// A Bridge is created for a single script execution and carries that
// execution's context, since guest code has no way to pass one.
type Bridge struct {
	ctx     context.Context
	plugins PluginSource
	log     plugin.LogFunc
	metrics *metrics.Metrics
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithMetrics records command dispatch outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Bridge) {
		b.metrics = m
	}
}

// New creates a bridge over plugins that writes to log.
func New(ctx context.Context, plugins PluginSource, log plugin.LogFunc, opts ...Option) *Bridge {
	if log == nil {
		log = plugin.Discard
	}
	b := &Bridge{ctx: ctx, plugins: plugins, log: log}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// ListPluginNames returns the names of all registered plugins in registry order.
func (b *Bridge) ListPluginNames() []string {
	if b == nil || b.plugins == nil {
		return []string{}
	}
	plugins := b.plugins.Plugins()
	names := make([]string, 0, len(plugins))
	for _, p := range plugins {
		names = append(names, p.Name())
	}
	return names
}

// ExecutePluginCommand runs a command on the named plugin and returns its
// result. Failures never propagate to the script: they are logged and
// returned as a string starting with "Error:". An empty string means the
// command produced no result.
func (b *Bridge) ExecutePluginCommand(pluginName, commandName, parameters string) string {
	result, err := b.Dispatch(pluginName, commandName, parameters)
	if err == nil {
		return result
	}

	switch {
	case errors.Is(err, ErrPluginNameEmpty):
		return "Error: Plugin name cannot be null or empty."
	case errors.Is(err, ErrPluginNotFound):
		return fmt.Sprintf("Error: Plugin '%s' not found.", pluginName)
	case errors.Is(err, ErrPluginNotScriptable):
		return fmt.Sprintf("Error: Plugin '%s' is not scriptable.", pluginName)
	default:
		return fmt.Sprintf("Error: Exception on plugin '%s': %s", pluginName, innermost(err).Error())
	}
}

// CommandError is returned by Dispatch when the plugin's command fails or panics.
type CommandError struct {
	Plugin  string
	Command string
	Err     error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("command '%s' on plugin '%s': %v", e.Command, e.Plugin, e.Err)
}

func (e *CommandError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrCommandFailed) match any CommandError.
func (e *CommandError) Is(target error) bool { return target == ErrCommandFailed }

// Dispatch is ExecutePluginCommand with a typed error. The error matches one of
// ErrPluginNameEmpty, ErrPluginNotFound, ErrPluginNotScriptable or ErrCommandFailed.
func (b *Bridge) Dispatch(pluginName, commandName, parameters string) (result string, err error) {
	defer func() {
		b.metrics.RecordBridgeCommand(err == nil)
	}()

	if pluginName == "" {
		b.Log("Script Error: Plugin name cannot be null or empty for ExecutePluginCommand.")
		return "", ErrPluginNameEmpty
	}

	var p plugin.Plugin
	var ok bool
	if b.plugins != nil {
		p, ok = b.plugins.Lookup(pluginName)
	}
	if !ok {
		b.Log(fmt.Sprintf("Script Error: Plugin '%s' not found.", pluginName))
		return "", fmt.Errorf("%w: %s", ErrPluginNotFound, pluginName)
	}

	s, ok := p.(plugin.Scriptable)
	if !ok {
		b.Log(fmt.Sprintf("Script Error: Plugin '%s' does not support script commands.", pluginName))
		return "", fmt.Errorf("%w: %s", ErrPluginNotScriptable, pluginName)
	}

	b.Log(fmt.Sprintf("Script: Executing command '%s' on plugin '%s' with params: '%s'", commandName, pluginName, parameters))
	result, err = b.execute(s, commandName, parameters)
	if err != nil {
		b.Log(fmt.Sprintf("Script Error: Exception executing command '%s' on plugin '%s': %s", commandName, pluginName, innermost(err).Error()))
		return "", &CommandError{Plugin: pluginName, Command: commandName, Err: err}
	}

	shown := result
	if shown == "" {
		shown = "null"
	}
	b.Log(fmt.Sprintf("Script: Command '%s' on plugin '%s' executed. Result: %s", commandName, pluginName, shown))
	return result, nil
}

func (b *Bridge) execute(s plugin.Scriptable, command, params string) (result string, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%v", rec)
		}
	}()
	ctx := b.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	return s.ExecuteCommand(ctx, command, params)
}

// Log writes a script-originated message to the log sink.
func (b *Bridge) Log(message string) {
	if b == nil {
		return
	}
	b.log(LogPrefix + message)
}

// innermost follows the wrap chain to the root cause.
func innermost(err error) error {
	for {
		next := errors.Unwrap(err)
		if next == nil {
			return err
		}
		err = next
	}
}

// Writer returns an io.Writer that sends each complete line written to it
// through Log. Call Flush on the returned writer to emit a trailing partial line.
func (b *Bridge) Writer() *LineWriter {
	return &LineWriter{emit: b.Log}
}

// LineWriter buffers output and emits it line by line.
type LineWriter struct {
	mu   sync.Mutex
	buf  bytes.Buffer
	emit func(string)
}

var _ io.Writer = (*LineWriter)(nil)

func (w *LineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf.Write(p)
	for {
		line, err := w.buf.ReadString('\n')
		if err != nil {
			// Incomplete line: put it back.
			w.buf.Reset()
			w.buf.WriteString(line)
			break
		}
		w.emit(strings.TrimRight(line, "\r\n"))
	}
	return len(p), nil
}

// Flush emits any buffered partial line.
func (w *LineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.buf.Len() > 0 {
		w.emit(w.buf.String())
		w.buf.Reset()
	}
}
