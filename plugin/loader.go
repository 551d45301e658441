package plugin

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Factory creates one plugin instance from a loaded module.
//
// A module exposes one factory per plugin type it contains. Instantiation
// failures are scoped to the factory that produced them.
type Factory struct {
	// TypeName identifies the plugin type inside its module, for reporting.
	TypeName string
	// New instantiates the plugin.
	New func() (Plugin, error)
}

// Module is a loaded plugin module.
type Module interface {
	// Name returns the module's file name.
	Name() string
	// Factories returns the plugin types the module exposes, in module order.
	Factories() []Factory
	// Close releases the module. Plugins created from it must not be used afterwards.
	Close(ctx context.Context) error
}

// Loader loads modules of one file type.
type Loader interface {
	// Extension returns the file extension, including the dot, that this loader handles.
	Extension() string
	// Load instantiates a module from its raw bytes.
	Load(ctx context.Context, name string, data []byte) (Module, error)
}

// LoadModuleFile reads path and loads it with the loader registered for its extension.
func LoadModuleFile(ctx context.Context, path string) (Module, error) {
	typeIdentifier := strings.TrimPrefix(filepath.Ext(path), ".")
	factory, err := GetLoaderFactory(typeIdentifier)
	if err != nil {
		return nil, err
	}
	loader, err := factory()
	if err != nil {
		return nil, fmt.Errorf("failed to create %s loader: %w", typeIdentifier, err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read module %s: %w", path, err)
	}
	return loader.Load(ctx, filepath.Base(path), data)
}

// StaticModule is a Module assembled in-process from factories.
//
// It is used for plugins compiled into the host binary and by tests.
type StaticModule struct {
	name      string
	factories []Factory
	closed    bool
}

// NewStaticModule returns a module exposing the given factories.
func NewStaticModule(name string, factories ...Factory) *StaticModule {
	return &StaticModule{name: name, factories: factories}
}

// Name returns the module name.
func (m *StaticModule) Name() string { return m.name }

// Factories returns the module's factories.
func (m *StaticModule) Factories() []Factory {
	out := make([]Factory, len(m.factories))
	copy(out, m.factories)
	return out
}

// Close marks the module closed.
func (m *StaticModule) Close(context.Context) error {
	m.closed = true
	return nil
}

// Closed reports whether Close has been called.
func (m *StaticModule) Closed() bool { return m.closed }

// Of returns a factory that always yields p.
func Of(p Plugin) Factory {
	return Factory{
		TypeName: fmt.Sprintf("%T", p),
		New:      func() (Plugin, error) { return p, nil },
	}
}
