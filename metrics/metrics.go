// Package metrics holds the Prometheus collectors for plugin discovery, plugin
// tests, script execution and script-to-plugin command dispatch.
//
// All recording methods are safe to call on a nil *Metrics, so components can be
// constructed without metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// Discovery metrics
	DiscoveriesTotal *prometheus.CounterVec
	ModulesTotal     *prometheus.CounterVec
	PluginEvents     *prometheus.CounterVec
	PluginsLoaded    prometheus.Gauge

	// Plugin test metrics
	PluginTestsTotal   *prometheus.CounterVec
	PluginTestDuration *prometheus.HistogramVec

	// Script metrics
	ScriptExecutionsTotal   *prometheus.CounterVec
	ScriptExecutionDuration *prometheus.HistogramVec
	SyntaxChecksTotal       *prometheus.CounterVec
	SyntaxCheckCacheTotal   *prometheus.CounterVec

	// Bridge metrics
	BridgeCommandsTotal *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		DiscoveriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "testplatform_discoveries_total",
				Help: "Total number of plugin directory scans",
			},
			[]string{"status"},
		),
		ModulesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "testplatform_modules_total",
				Help: "Total number of module files processed during discovery",
			},
			[]string{"status"},
		),
		PluginEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "testplatform_plugin_events_total",
				Help: "Discovery events by kind",
			},
			[]string{"kind"},
		),
		PluginsLoaded: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "testplatform_plugins_loaded",
				Help: "Number of plugins currently registered",
			},
		),
		PluginTestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "testplatform_plugin_tests_total",
				Help: "Total number of plugin test runs",
			},
			[]string{"status"},
		),
		PluginTestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "testplatform_plugin_test_duration_seconds",
				Help:    "Plugin test duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"plugin"},
		),
		ScriptExecutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "testplatform_script_executions_total",
				Help: "Total number of script executions",
			},
			[]string{"language", "status"},
		),
		ScriptExecutionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "testplatform_script_execution_duration_seconds",
				Help:    "Script execution duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"language"},
		),
		SyntaxChecksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "testplatform_syntax_checks_total",
				Help: "Total number of script syntax checks",
			},
			[]string{"language", "status"},
		),
		SyntaxCheckCacheTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "testplatform_syntax_check_cache_total",
				Help: "Syntax check cache lookups",
			},
			[]string{"result"},
		),
		BridgeCommandsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "testplatform_bridge_commands_total",
				Help: "Plugin commands dispatched from scripts",
			},
			[]string{"status"},
		),
	}

	registry.MustRegister(
		m.DiscoveriesTotal,
		m.ModulesTotal,
		m.PluginEvents,
		m.PluginsLoaded,
		m.PluginTestsTotal,
		m.PluginTestDuration,
		m.ScriptExecutionsTotal,
		m.ScriptExecutionDuration,
		m.SyntaxChecksTotal,
		m.SyntaxCheckCacheTotal,
		m.BridgeCommandsTotal,
	)

	return m
}

func status(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}

// RecordDiscovery records one directory scan.
func (m *Metrics) RecordDiscovery(ok bool) {
	if m == nil {
		return
	}
	m.DiscoveriesTotal.WithLabelValues(status(ok)).Inc()
}

// RecordModule records one processed module file.
func (m *Metrics) RecordModule(ok bool) {
	if m == nil {
		return
	}
	m.ModulesTotal.WithLabelValues(status(ok)).Inc()
}

// RecordPluginEvent counts a discovery event of the given kind.
func (m *Metrics) RecordPluginEvent(kind string) {
	if m == nil {
		return
	}
	m.PluginEvents.WithLabelValues(kind).Inc()
}

// SetPluginsLoaded sets the registered plugin count.
func (m *Metrics) SetPluginsLoaded(n int) {
	if m == nil {
		return
	}
	m.PluginsLoaded.Set(float64(n))
}

// RecordPluginTest records one plugin's test run.
func (m *Metrics) RecordPluginTest(plugin string, ok bool, d time.Duration) {
	if m == nil {
		return
	}
	m.PluginTestsTotal.WithLabelValues(status(ok)).Inc()
	m.PluginTestDuration.WithLabelValues(plugin).Observe(d.Seconds())
}

// RecordScriptExecution records one Execute call.
func (m *Metrics) RecordScriptExecution(language string, ok bool, d time.Duration) {
	if m == nil {
		return
	}
	m.ScriptExecutionsTotal.WithLabelValues(language, status(ok)).Inc()
	m.ScriptExecutionDuration.WithLabelValues(language).Observe(d.Seconds())
}

// RecordSyntaxCheck records one CheckSyntax call.
func (m *Metrics) RecordSyntaxCheck(language string, ok bool) {
	if m == nil {
		return
	}
	m.SyntaxChecksTotal.WithLabelValues(language, status(ok)).Inc()
}

// RecordCacheLookup records a syntax check cache hit or miss.
func (m *Metrics) RecordCacheLookup(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.SyntaxCheckCacheTotal.WithLabelValues(result).Inc()
}

// RecordBridgeCommand records one script-to-plugin command dispatch.
func (m *Metrics) RecordBridgeCommand(ok bool) {
	if m == nil {
		return
	}
	m.BridgeCommandsTotal.WithLabelValues(status(ok)).Inc()
}
