package plugin

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// MockPlugin is a configurable Plugin for tests.
//
// Hooks left nil succeed. Calls are counted so tests can assert on lifecycle order.
type MockPlugin struct {
	name        string
	description string

	LoadFunc    func(ctx context.Context) error
	RunTestFunc func(ctx context.Context, log LogFunc) error
	UnloadFunc  func(ctx context.Context) error

	mu      sync.Mutex
	loads   int
	tests   int
	unloads int
}

// NewMockPlugin creates a mock plugin with the given identity.
func NewMockPlugin(name, description string) *MockPlugin {
	return &MockPlugin{name: name, description: description}
}

// Name returns the plugin name.
func (m *MockPlugin) Name() string { return m.name }

// Description returns the plugin description.
func (m *MockPlugin) Description() string { return m.description }

// Load records the call and runs LoadFunc.
func (m *MockPlugin) Load(ctx context.Context) error {
	m.mu.Lock()
	m.loads++
	m.mu.Unlock()
	if m.LoadFunc != nil {
		return m.LoadFunc(ctx)
	}
	return nil
}

// RunTest records the call and runs RunTestFunc.
func (m *MockPlugin) RunTest(ctx context.Context, log LogFunc) error {
	m.mu.Lock()
	m.tests++
	m.mu.Unlock()
	if m.RunTestFunc != nil {
		return m.RunTestFunc(ctx, log)
	}
	log("mock test for " + m.name)
	return nil
}

// Unload records the call and runs UnloadFunc.
func (m *MockPlugin) Unload(ctx context.Context) error {
	m.mu.Lock()
	m.unloads++
	m.mu.Unlock()
	if m.UnloadFunc != nil {
		return m.UnloadFunc(ctx)
	}
	return nil
}

// Calls returns how many times Load, RunTest and Unload were called.
func (m *MockPlugin) Calls() (loads, tests, unloads int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loads, m.tests, m.unloads
}

// MockScriptable is a MockPlugin that also accepts script commands.
type MockScriptable struct {
	*MockPlugin

	// Handlers maps lower-cased command names to their implementation.
	Handlers map[string]func(ctx context.Context, params string) (string, error)
}

// NewMockScriptable creates a scriptable mock with the given command handlers.
func NewMockScriptable(name, description string, handlers map[string]func(ctx context.Context, params string) (string, error)) *MockScriptable {
	normalized := make(map[string]func(ctx context.Context, params string) (string, error), len(handlers))
	for cmd, h := range handlers {
		normalized[strings.ToLower(cmd)] = h
	}
	return &MockScriptable{MockPlugin: NewMockPlugin(name, description), Handlers: normalized}
}

// ExecuteCommand dispatches to the matching handler. Unknown commands yield an empty result.
func (m *MockScriptable) ExecuteCommand(ctx context.Context, command, params string) (string, error) {
	h, ok := m.Handlers[strings.ToLower(command)]
	if !ok {
		return "", nil
	}
	return h(ctx, params)
}

// Commands returns the registered command names, sorted.
func (m *MockScriptable) Commands() []string {
	cmds := make([]string, 0, len(m.Handlers))
	for cmd := range m.Handlers {
		cmds = append(cmds, cmd)
	}
	sort.Strings(cmds)
	return cmds
}
