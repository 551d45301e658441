package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/joncooperworks/testplatform/config"
	"github.com/joncooperworks/testplatform/executor"
	"github.com/joncooperworks/testplatform/metrics"
	"github.com/joncooperworks/testplatform/plugin"
	"github.com/joncooperworks/testplatform/plugin/sample"
	"github.com/joncooperworks/testplatform/registry"
	"github.com/joncooperworks/testplatform/trust"
)

// app carries the state shared by all commands of one invocation.
type app struct {
	stdout io.Writer
	stderr io.Writer
	// mu serializes writes to stdout; plugins and scripts log from any goroutine.
	mu sync.Mutex

	cfg     *config.Config
	logger  *logrus.Logger
	prom    *prometheus.Registry
	metrics *metrics.Metrics

	// openStore opens the key store named by the trust settings.
	openStore func(service string) (trust.KeyStore, error)
}

func newApp(stdout, stderr io.Writer) *app {
	return &app{
		stdout: stdout,
		stderr: stderr,
		cfg:    config.DefaultConfig(),
		logger: logrus.New(),
		openStore: func(service string) (trust.KeyStore, error) {
			return trust.NewKeyringStore(service)
		},
	}
}

// setup loads configuration, applies flag overrides and prepares logging and metrics.
func (a *app) setup(cmd *cobra.Command, flags *rootFlags) error {
	if flags.configPath != "" {
		cfg, err := config.Load(flags.configPath)
		if err != nil {
			return err
		}
		a.cfg = cfg
	}

	fs := cmd.Flags()
	if fs.Changed("plugin-dir") {
		a.cfg.PluginDir = flags.pluginDir
	}
	if fs.Changed("log-level") {
		a.cfg.Log.Level = flags.logLevel
	}
	if fs.Changed("builtin") {
		a.cfg.Builtin = flags.builtin
	}
	if fs.Changed("metrics-file") {
		a.cfg.MetricsFile = flags.metricsFile
	}
	if err := a.cfg.Validate(); err != nil {
		return err
	}

	logger, err := a.cfg.Logger()
	if err != nil {
		return err
	}
	logger.SetOutput(a.stderr)
	a.logger = logger

	a.prom = prometheus.NewRegistry()
	a.metrics = metrics.NewMetrics(a.prom)
	return nil
}

// finish writes metrics when a metrics file is configured.
func (a *app) finish() error {
	if a.cfg.MetricsFile == "" || a.prom == nil {
		return nil
	}
	if err := prometheus.WriteToTextfile(a.cfg.MetricsFile, a.prom); err != nil {
		return fmt.Errorf("write metrics: %w", err)
	}
	a.logger.WithField("file", a.cfg.MetricsFile).Debug("metrics written")
	return nil
}

// log is the sink handed to the registry, plugins and scripts.
func (a *app) log(msg string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	fmt.Fprintln(a.stdout, styleLogLine(msg))
}

// printf writes command output under the same lock as log.
func (a *app) printf(format string, args ...any) {
	a.mu.Lock()
	defer a.mu.Unlock()
	fmt.Fprintf(a.stdout, format, args...)
}

// loadRegistry builds a registry, registers the built-in plugin if configured and
// discovers the plugin directory.
func (a *app) loadRegistry(ctx context.Context) (*registry.Registry, *registry.Report, error) {
	loader, err := plugin.NewWASMLoader(plugin.WithWASMLogger(a.logger))
	if err != nil {
		return nil, nil, err
	}
	opts := []registry.Option{
		registry.WithLoader(loader),
		registry.WithLogger(a.logger),
		registry.WithMetrics(a.metrics),
	}
	if a.cfg.Trust.Enabled {
		store, err := a.openStore(a.cfg.Trust.Service)
		if err != nil {
			return nil, nil, err
		}
		opts = append(opts, registry.WithVerifier(trust.NewVerifier(store, a.cfg.Trust.TrustedKeys...)))
	}
	r := registry.New(opts...)

	if a.cfg.Builtin {
		if errs := r.AddModule(ctx, sample.Module(), a.log).Errors(); len(errs) > 0 {
			return nil, nil, fmt.Errorf("built-in plugins: %w", errs[0].Err)
		}
	}

	if err := os.MkdirAll(a.cfg.PluginDir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("create plugin directory: %w", err)
	}
	report, err := r.Discover(ctx, a.cfg.PluginDir, a.log)
	if err != nil {
		return nil, nil, err
	}
	return r, report, nil
}

// unload releases every plugin, logging rather than failing the command.
func (a *app) unload(r *registry.Registry) {
	if err := r.UnloadAll(context.Background()); err != nil {
		a.logger.WithError(err).Warn("unloading plugins")
	}
}

func (a *app) engine() *executor.Engine {
	return executor.New(
		executor.WithLogger(a.logger),
		executor.WithHostLog(a.log),
		executor.WithMetrics(a.metrics),
		executor.WithCheckCache(a.cfg.Script.CheckCacheSize, a.cfg.Script.CheckCacheTTL),
	)
}

var errCommandFailed = errors.New("one or more items failed")
