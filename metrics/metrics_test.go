package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.RecordDiscovery(true)
	m.RecordModule(false)
	m.RecordPluginEvent("ModuleLoadError")
	m.SetPluginsLoaded(3)
	m.RecordPluginTest("p", true, time.Second)
	m.RecordScriptExecution("go", false, time.Millisecond)
	m.RecordSyntaxCheck("lua", true)
	m.RecordCacheLookup(true)
	m.RecordBridgeCommand(false)
}

func TestMetricsRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.RecordModule(true)
	m.RecordModule(true)
	m.RecordModule(false)
	m.SetPluginsLoaded(2)
	m.RecordScriptExecution("lua", true, 10*time.Millisecond)
	m.RecordCacheLookup(false)
	m.RecordCacheLookup(true)
	m.RecordCacheLookup(true)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.ModulesTotal.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ModulesTotal.WithLabelValues("failure")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.PluginsLoaded))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ScriptExecutionsTotal.WithLabelValues("lua", "success")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.SyntaxCheckCacheTotal.WithLabelValues("hit")))

	families, err := reg.Gather()
	assert.NoError(t, err)
	assert.NotEmpty(t, families)
}
