package registry

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/joncooperworks/testplatform/plugin"
)

// EventKind classifies what happened to a module or plugin during discovery or testing.
type EventKind int

const (
	EventInfo EventKind = iota
	EventModuleLoadError
	EventInstantiationError
	EventDuplicateSkipped
	EventPluginTestFailed
)

func (k EventKind) String() string {
	switch k {
	case EventInfo:
		return "Info"
	case EventModuleLoadError:
		return "ModuleLoadError"
	case EventInstantiationError:
		return "InstantiationError"
	case EventDuplicateSkipped:
		return "DuplicateSkipped"
	case EventPluginTestFailed:
		return "PluginTestFailed"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// IsError reports whether the event represents a failure.
func (k EventKind) IsError() bool {
	return k == EventModuleLoadError || k == EventInstantiationError || k == EventPluginTestFailed
}

// Event is one recorded outcome. Message is exactly the line written to the log sink.
type Event struct {
	Kind    EventKind
	Module  string
	Plugin  string
	Err     error
	Message string
}

func (e Event) String() string {
	return e.Message
}

// Report summarizes one call to Discover.
type Report struct {
	Directory string
	// Modules lists the module files found, in scan order.
	Modules []string
	// Loaded lists the names of plugins registered by this call.
	Loaded []string
	Events []Event
}

// Errors returns the failure events.
func (r *Report) Errors() []Event {
	var out []Event
	for _, e := range r.Events {
		if e.Kind.IsError() {
			out = append(out, e)
		}
	}
	return out
}

// discovery carries the state of one Discover call.
type discovery struct {
	r      *Registry
	log    plugin.LogFunc
	report *Report
}

func (d *discovery) record(ev Event) {
	d.report.Events = append(d.report.Events, ev)
	d.log(ev.Message)
	d.r.metrics.RecordPluginEvent(ev.Kind.String())

	fields := logrus.Fields{"event": ev.Kind.String()}
	if ev.Module != "" {
		fields["module"] = ev.Module
	}
	if ev.Plugin != "" {
		fields["plugin"] = ev.Plugin
	}
	entry := d.r.logger.WithFields(fields)
	if ev.Err != nil {
		entry = entry.WithError(ev.Err)
	}
	if ev.Kind.IsError() {
		entry.Warn(ev.Message)
	} else {
		entry.Debug(ev.Message)
	}
}

// Discover scans dir for module files, loads each one and registers every
// plugin it exposes.
//
// Only module files directly inside dir are considered, in lexical order.
// A missing directory is the only condition returned as an error; every other
// failure is recorded in the report and logged, and the scan continues. If ctx
// is cancelled the scan stops before the next module and ctx.Err() is returned
// along with the partial report.
func (r *Registry) Discover(ctx context.Context, dir string, log plugin.LogFunc) (*Report, error) {
	if log == nil {
		log = plugin.Discard
	}
	r.discoverMu.Lock()
	defer r.discoverMu.Unlock()

	report := &Report{Directory: dir}
	d := &discovery{r: r, log: log, report: report}

	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		log(fmt.Sprintf("Error: Plugin directory not found: %s", dir))
		r.metrics.RecordDiscovery(false)
		return report, fmt.Errorf("%w: %s", ErrDirectoryNotFound, dir)
	}

	loader, err := r.moduleLoader()
	if err != nil {
		r.metrics.RecordDiscovery(false)
		return report, err
	}

	log(fmt.Sprintf("Discovering plugins in %s...", dir))
	pattern := "*" + loader.Extension()
	files, err := filepath.Glob(filepath.Join(dir, pattern))
	if err != nil {
		r.metrics.RecordDiscovery(false)
		return report, fmt.Errorf("scan %s: %w", dir, err)
	}
	sort.Strings(files)

	for _, path := range files {
		if fi, err := os.Stat(path); err == nil && fi.IsDir() {
			continue
		}
		report.Modules = append(report.Modules, path)
	}

	if len(report.Modules) == 0 {
		d.record(Event{Kind: EventInfo, Message: fmt.Sprintf("No plugin modules (%s) found in %s.", pattern, dir)})
	}

	for _, path := range report.Modules {
		if err := ctx.Err(); err != nil {
			r.metrics.RecordDiscovery(false)
			return report, err
		}
		d.scanModule(ctx, loader, path)
	}

	if len(report.Modules) > 0 && len(report.Loaded) == 0 {
		d.record(Event{Kind: EventInfo, Message: fmt.Sprintf("No plugins were loaded from %s.", dir)})
	}
	r.metrics.RecordDiscovery(true)
	return report, nil
}

func (r *Registry) moduleLoader() (plugin.Loader, error) {
	if r.loader != nil {
		return r.loader, nil
	}
	factory, err := plugin.GetLoaderFactory("wasm")
	if err != nil {
		return nil, err
	}
	loader, err := factory()
	if err != nil {
		return nil, fmt.Errorf("failed to create module loader: %w", err)
	}
	r.loader = loader
	return loader, nil
}

// scanModule loads one module file and registers its plugins. Failures are
// scoped to the file or to the individual factory.
func (d *discovery) scanModule(ctx context.Context, loader plugin.Loader, path string) {
	base := filepath.Base(path)
	moduleErr := func(err error) {
		d.r.metrics.RecordModule(false)
		d.record(Event{
			Kind:    EventModuleLoadError,
			Module:  path,
			Err:     err,
			Message: fmt.Sprintf("Error loading module '%s': %v", base, err),
		})
	}

	data, err := os.ReadFile(path)
	if err != nil {
		moduleErr(err)
		return
	}
	if d.r.verifier != nil {
		if err := d.r.verifier.VerifyModule(path, data); err != nil {
			moduleErr(fmt.Errorf("verification failed: %w", err))
			return
		}
	}
	module, err := loadModule(ctx, loader, base, data)
	if err != nil {
		moduleErr(err)
		return
	}
	d.r.metrics.RecordModule(true)
	d.register(ctx, path, module)
}

// register instantiates every factory of module. The registry keeps the
// module until UnloadAll if at least one plugin was added; otherwise it is
// closed right away.
func (d *discovery) register(ctx context.Context, path string, module plugin.Module) {
	added := 0
	for _, factory := range module.Factories() {
		if d.instantiate(ctx, path, factory) {
			added++
		}
	}

	if added == 0 {
		if err := module.Close(ctx); err != nil {
			d.r.logger.WithError(err).WithField("module", path).Warn("failed to close unused module")
		}
		return
	}
	d.r.mu.Lock()
	d.r.modules = append(d.r.modules, module)
	d.r.mu.Unlock()
}

// AddModule registers the plugins of an already loaded module, such as one
// compiled into the binary. The module name stands in for a file path in the
// report and in Entries. Failures are recorded in the report as Discover does.
func (r *Registry) AddModule(ctx context.Context, m plugin.Module, log plugin.LogFunc) *Report {
	if log == nil {
		log = plugin.Discard
	}
	r.discoverMu.Lock()
	defer r.discoverMu.Unlock()

	report := &Report{Modules: []string{m.Name()}}
	d := &discovery{r: r, log: log, report: report}
	d.register(ctx, m.Name(), m)
	return report
}

// loadModule runs loader.Load, converting a panic into an error.
func loadModule(ctx context.Context, loader plugin.Loader, name string, data []byte) (m plugin.Module, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic while loading module: %v", rec)
		}
	}()
	m, err = loader.Load(ctx, name, data)
	if err == nil && m == nil {
		err = fmt.Errorf("loader returned no module")
	}
	return m, err
}

// newPlugin runs factory.New, converting a panic into an error.
func newPlugin(factory plugin.Factory) (p plugin.Plugin, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic during instantiation: %v", rec)
		}
	}()
	if factory.New == nil {
		return nil, fmt.Errorf("factory has no constructor")
	}
	p, err = factory.New()
	if err == nil && p == nil {
		err = fmt.Errorf("factory returned no plugin")
	}
	return p, err
}

// instantiate creates, deduplicates and loads one plugin. It reports whether
// the plugin was registered.
func (d *discovery) instantiate(ctx context.Context, path string, factory plugin.Factory) bool {
	base := filepath.Base(path)
	instErr := func(name string, err error) {
		d.record(Event{
			Kind:    EventInstantiationError,
			Module:  path,
			Plugin:  name,
			Err:     err,
			Message: fmt.Sprintf("Error instantiating plugin '%s' from '%s': %v", name, base, err),
		})
	}

	p, err := newPlugin(factory)
	if err != nil {
		instErr(factory.TypeName, err)
		return false
	}
	name := p.Name()
	if name == "" {
		instErr(factory.TypeName, fmt.Errorf("plugin has an empty name"))
		return false
	}

	e, err := d.r.insert(p, path)
	if err != nil {
		d.record(Event{
			Kind:    EventDuplicateSkipped,
			Module:  path,
			Plugin:  name,
			Message: fmt.Sprintf("Plugin '%s' from '%s' skipped: a plugin with the same name is already loaded.", name, base),
		})
		return false
	}

	if err := d.r.load(ctx, e); err != nil {
		instErr(name, fmt.Errorf("load failed: %w", err))
		return false
	}

	d.report.Loaded = append(d.report.Loaded, name)
	d.record(Event{
		Kind:    EventInfo,
		Module:  path,
		Plugin:  name,
		Message: fmt.Sprintf("Found plugin: %s", name),
	})
	return true
}
