package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/joncooperworks/testplatform/plugin"
)

// TestReport summarizes a RunPluginTests batch.
type TestReport struct {
	Passed []string
	Failed []Event
}

// RunPluginTests runs every registered plugin's self test in registration order.
//
// Each test is bracketed by start and finish markers on log. A plugin whose
// test returns an error or panics is reported as PluginTestFailed and the batch
// continues with the next plugin.
func (r *Registry) RunPluginTests(ctx context.Context, log plugin.LogFunc) *TestReport {
	if log == nil {
		log = plugin.Discard
	}
	report := &TestReport{}

	plugins := r.Plugins()
	if len(plugins) == 0 {
		log("No plugins loaded to run tests.")
		return report
	}

	for _, p := range plugins {
		name := p.Name()
		log(fmt.Sprintf("--- Running Test for Plugin: %s ---", name))

		start := time.Now()
		err := runTest(ctx, p, log)
		r.metrics.RecordPluginTest(name, err == nil, time.Since(start))

		if err != nil {
			ev := Event{
				Kind:    EventPluginTestFailed,
				Plugin:  name,
				Err:     err,
				Message: fmt.Sprintf("Error: Test for plugin '%s' failed: %v", name, err),
			}
			report.Failed = append(report.Failed, ev)
			log(ev.Message)
			r.logger.WithField("plugin", name).WithError(err).Warn("plugin test failed")
		} else {
			report.Passed = append(report.Passed, name)
		}

		log(fmt.Sprintf("--- Test Finished for Plugin: %s ---", name))
	}
	return report
}

func runTest(ctx context.Context, p plugin.Plugin, log plugin.LogFunc) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	return p.RunTest(ctx, log)
}
