// Package plugin defines the contract between the host and externally built plugins.
// It also provides the module loaders that turn files on disk into plugin instances.
package plugin

import "context"

// LogFunc receives human-readable log lines from plugins, the registry and scripts.
//
// Implementations must be safe for concurrent use when plugins or scripts run on
// multiple goroutines; the host never serializes calls on the caller's behalf.
type LogFunc func(message string)

// Discard is a LogFunc that drops every message.
func Discard(string) {}

// Plugin defines the interface that all plugins must implement.
//
// Plugins are discovered from module files by the registry, loaded once, driven
// through RunTest, and unloaded when the host shuts down. Name is the identity
// used for deduplication and lookup and is compared case-insensitively.
type Plugin interface {
	// Name returns the plugin's display name. It must be stable for the
	// plugin's lifetime.
	Name() string

	// Description returns a short human-readable description.
	Description() string

	// Load is called once, right after the registry accepts the plugin.
	Load(ctx context.Context) error

	// RunTest runs the plugin's self test, reporting progress through log.
	RunTest(ctx context.Context, log LogFunc) error

	// Unload releases anything acquired in Load.
	Unload(ctx context.Context) error
}

// Scriptable is implemented by plugins that accept named commands from scripts.
type Scriptable interface {
	Plugin

	// ExecuteCommand runs command with an opaque parameter string. An empty
	// result means the command produced no direct result. Command names are
	// matched case-insensitively by convention.
	ExecuteCommand(ctx context.Context, command, params string) (string, error)

	// Commands lists the command names the plugin accepts.
	Commands() []string
}

// IsScriptable reports whether p accepts script commands.
func IsScriptable(p Plugin) bool {
	_, ok := p.(Scriptable)
	return ok
}
