// Package sample provides the built-in "Sample Test Plugin".
//
// It performs a mock self test and accepts a few script commands, which makes
// it useful for exercising the registry and script host without any module files.
package sample

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joncooperworks/testplatform/plugin"
)

const (
	// Name is the plugin's display name.
	Name = "Sample Test Plugin"
	// Description is the plugin's description.
	Description = "A simple plugin that performs a mock test."
)

// DefaultStepDelay is the simulated duration of the first test step.
const DefaultStepDelay = 500 * time.Millisecond

var (
	_ plugin.Plugin     = (*Plugin)(nil)
	_ plugin.Scriptable = (*Plugin)(nil)
)

// Plugin is the sample plugin.
type Plugin struct {
	stepDelay time.Duration

	mu     sync.Mutex
	loaded bool
	log    plugin.LogFunc
}

// Option configures the sample plugin.
type Option func(*Plugin)

// WithStepDelay sets the simulated duration of the first test step. The second
// step takes twice as long. Zero disables the delays.
func WithStepDelay(d time.Duration) Option {
	return func(p *Plugin) {
		p.stepDelay = d
	}
}

// New creates the sample plugin.
func New(opts ...Option) *Plugin {
	p := &Plugin{stepDelay: DefaultStepDelay}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Module wraps a new sample plugin in a static module named "builtin".
func Module(opts ...Option) *plugin.StaticModule {
	return plugin.NewStaticModule("builtin", plugin.Factory{
		TypeName: "sample.Plugin",
		New: func() (plugin.Plugin, error) {
			return New(opts...), nil
		},
	})
}

func (p *Plugin) Name() string        { return Name }
func (p *Plugin) Description() string { return Description }

func (p *Plugin) Load(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.loaded = true
	return nil
}

// RunTest simulates a two-step test, honoring ctx cancellation between steps.
func (p *Plugin) RunTest(ctx context.Context, log plugin.LogFunc) error {
	p.mu.Lock()
	p.log = log
	p.mu.Unlock()

	log(fmt.Sprintf("Plugin '%s': Starting test...", Name))
	if err := p.wait(ctx, p.stepDelay); err != nil {
		return err
	}
	log(fmt.Sprintf("Plugin '%s': Step 1 completed.", Name))
	if err := p.wait(ctx, 2*p.stepDelay); err != nil {
		return err
	}
	log(fmt.Sprintf("Plugin '%s': Step 2 completed.", Name))
	log(fmt.Sprintf("Plugin '%s': Test finished successfully.", Name))
	return nil
}

func (p *Plugin) Unload(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.loaded = false
	if p.log != nil {
		p.log(Name + " unloaded.")
	}
	return nil
}

func (p *Plugin) wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

var commands = map[string]func(p *Plugin, params string) (string, error){
	"add":    (*Plugin).add,
	"echo":   func(_ *Plugin, params string) (string, error) { return params, nil },
	"greet":  (*Plugin).greet,
	"status": (*Plugin).status,
}

// Commands returns the supported command names.
func (p *Plugin) Commands() []string {
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ExecuteCommand runs a command. Names are case-insensitive.
func (p *Plugin) ExecuteCommand(ctx context.Context, command, params string) (string, error) {
	fn, ok := commands[strings.ToLower(strings.TrimSpace(command))]
	if !ok {
		return "", fmt.Errorf("unknown command %q (available: %s)", command, strings.Join(p.Commands(), ", "))
	}
	return fn(p, params)
}

// add parses "a,b" and returns their sum.
func (p *Plugin) add(params string) (string, error) {
	parts := strings.Split(params, ",")
	if len(parts) != 2 {
		return "", fmt.Errorf("add expects two comma-separated integers, got %q", params)
	}
	a, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return "", fmt.Errorf("add: invalid first operand %q", strings.TrimSpace(parts[0]))
	}
	b, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return "", fmt.Errorf("add: invalid second operand %q", strings.TrimSpace(parts[1]))
	}
	return fmt.Sprintf("Result: %d + %d = %d", a, b, a+b), nil
}

func (p *Plugin) greet(params string) (string, error) {
	who := strings.TrimSpace(params)
	if who == "" {
		who = "world"
	}
	return fmt.Sprintf("Hello, %s!", who), nil
}

func (p *Plugin) status(string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.loaded {
		return "loaded", nil
	}
	return "not loaded", nil
}
