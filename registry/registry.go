// Package registry discovers plugin modules in a directory and tracks the
// lifecycle of the plugins they contain.
//
// Discovery never aborts on a bad module: each failure is recorded as an Event,
// written to the caller's log sink, and the scan moves on. Plugin names are
// unique case-insensitively and the first plugin loaded under a name wins.
package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/joncooperworks/testplatform/metrics"
	"github.com/joncooperworks/testplatform/plugin"
)

var (
	// ErrDirectoryNotFound is returned by Discover when the plugin directory
	// does not exist or is not a directory.
	ErrDirectoryNotFound = errors.New("plugin directory not found")
	// ErrDuplicatePlugin is returned by Add when a plugin with the same name is registered.
	ErrDuplicatePlugin = errors.New("a plugin with the same name is already registered")
	// ErrPluginNotFound is returned by Unload for unknown names.
	ErrPluginNotFound = errors.New("plugin not found")
)

// State is a plugin's lifecycle state.
type State int

const (
	StateDiscovered State = iota
	StateLoaded
	StateUnloaded
)

func (s State) String() string {
	switch s {
	case StateDiscovered:
		return "discovered"
	case StateLoaded:
		return "loaded"
	case StateUnloaded:
		return "unloaded"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// ModuleVerifier checks a module file before it is loaded.
type ModuleVerifier interface {
	VerifyModule(path string, data []byte) error
}

// Entry describes a registered plugin.
type Entry struct {
	Name        string
	Description string
	State       State
	// Module is the path of the module file the plugin came from, or the
	// static module name for plugins added in-process.
	Module     string
	Scriptable bool
	Commands   []string
}

type entry struct {
	plugin plugin.Plugin
	state  State
	module string
}

// Registry holds the plugins discovered or added at runtime.
type Registry struct {
	loader   plugin.Loader
	verifier ModuleVerifier
	logger   *logrus.Logger
	metrics  *metrics.Metrics

	// discoverMu allows one discovery at a time.
	discoverMu sync.Mutex

	mu      sync.RWMutex
	entries []*entry
	byName  map[string]*entry
	modules []plugin.Module
}

// Option configures a Registry.
type Option func(*Registry)

// WithLoader sets the module loader used by Discover. The default is the
// loader registered for "wasm".
func WithLoader(loader plugin.Loader) Option {
	return func(r *Registry) {
		r.loader = loader
	}
}

// WithVerifier makes Discover verify every module file before loading it.
func WithVerifier(v ModuleVerifier) Option {
	return func(r *Registry) {
		r.verifier = v
	}
}

// WithLogger sets the structured logger. The default is logrus's standard logger.
func WithLogger(logger *logrus.Logger) Option {
	return func(r *Registry) {
		r.logger = logger
	}
}

// WithMetrics records discovery and test metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Registry) {
		r.metrics = m
	}
}

// New creates an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		logger: logrus.StandardLogger(),
		byName: make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func nameKey(name string) string {
	return strings.ToLower(name)
}

// Plugins returns the registered plugins in registration order.
//
// The returned slice is a copy; changing it does not affect the registry.
func (r *Registry) Plugins() []plugin.Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]plugin.Plugin, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.plugin)
	}
	return out
}

// Names returns the registered plugin names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.plugin.Name())
	}
	return out
}

// Entries returns a description of every registered plugin in registration order.
func (r *Registry) Entries() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		info := Entry{
			Name:        e.plugin.Name(),
			Description: e.plugin.Description(),
			State:       e.state,
			Module:      e.module,
		}
		info.Scriptable = plugin.IsScriptable(e.plugin)
		if info.Scriptable {
			info.Commands = e.plugin.(plugin.Scriptable).Commands()
		}
		out = append(out, info)
	}
	return out
}

// Lookup finds a plugin by name, ignoring case.
func (r *Registry) Lookup(name string) (plugin.Plugin, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byName[nameKey(name)]
	if !ok {
		return nil, false
	}
	return e.plugin, true
}

// Len returns the number of registered plugins.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Add registers a plugin built in-process and calls its Load hook.
func (r *Registry) Add(ctx context.Context, p plugin.Plugin, log plugin.LogFunc) error {
	if p == nil {
		return errors.New("plugin cannot be nil")
	}
	if log == nil {
		log = plugin.Discard
	}
	if strings.TrimSpace(p.Name()) == "" {
		return errors.New("plugin name cannot be empty")
	}

	e, err := r.insert(p, "builtin")
	if err != nil {
		return fmt.Errorf("add plugin %q: %w", p.Name(), err)
	}
	if err := r.load(ctx, e); err != nil {
		return fmt.Errorf("load plugin %q: %w", p.Name(), err)
	}
	log(fmt.Sprintf("Manually added plugin: %s", p.Name()))
	return nil
}

// insert appends p in state Discovered, enforcing unique names.
func (r *Registry) insert(p plugin.Plugin, module string) (*entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := nameKey(p.Name())
	if _, exists := r.byName[key]; exists {
		return nil, ErrDuplicatePlugin
	}
	e := &entry{plugin: p, state: StateDiscovered, module: module}
	r.entries = append(r.entries, e)
	r.byName[key] = e
	r.metrics.SetPluginsLoaded(len(r.entries))
	return e, nil
}

// load runs the Load hook. On failure the entry is removed again.
func (r *Registry) load(ctx context.Context, e *entry) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic in Load: %v", rec)
		}
		if err != nil {
			r.remove(e)
		}
	}()

	if err := e.plugin.Load(ctx); err != nil {
		return err
	}
	r.mu.Lock()
	e.state = StateLoaded
	r.mu.Unlock()
	return nil
}

func (r *Registry) remove(e *entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, cur := range r.entries {
		if cur == e {
			r.entries = append(r.entries[:i], r.entries[i+1:]...)
			break
		}
	}
	if r.byName[nameKey(e.plugin.Name())] == e {
		delete(r.byName, nameKey(e.plugin.Name()))
	}
	r.metrics.SetPluginsLoaded(len(r.entries))
}

// Unload calls the named plugin's Unload hook and removes it from the registry.
func (r *Registry) Unload(ctx context.Context, name string) error {
	r.mu.RLock()
	e, ok := r.byName[nameKey(name)]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrPluginNotFound, name)
	}
	return r.unload(ctx, e)
}

func (r *Registry) unload(ctx context.Context, e *entry) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic in Unload: %v", rec)
		}
		r.mu.Lock()
		e.state = StateUnloaded
		r.mu.Unlock()
		r.remove(e)
	}()
	return e.plugin.Unload(ctx)
}

// UnloadAll unloads every plugin in reverse registration order and closes all
// loaded modules. Errors are joined; every plugin is attempted.
func (r *Registry) UnloadAll(ctx context.Context) error {
	r.mu.RLock()
	entries := make([]*entry, len(r.entries))
	copy(entries, r.entries)
	r.mu.RUnlock()

	var errs []error
	for i := len(entries) - 1; i >= 0; i-- {
		if err := r.unload(ctx, entries[i]); err != nil {
			errs = append(errs, fmt.Errorf("unload %q: %w", entries[i].plugin.Name(), err))
		}
	}

	r.mu.Lock()
	modules := r.modules
	r.modules = nil
	r.mu.Unlock()
	for _, m := range modules {
		if err := m.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close module %s: %w", m.Name(), err))
		}
	}
	return errors.Join(errs...)
}
