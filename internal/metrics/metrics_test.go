package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Record(t *testing.T) {
	m := New()

	m.Transition("Ready", "Running")
	m.JobRun("ctrl", 2*time.Millisecond)
	m.JobRun("ctrl", time.Millisecond)
	m.Violation("ctrl", KindRuntime)
	m.MissedCycles("ctrl", 3)
	m.MissedCycles("ctrl", 0)
	m.MasterCycle(500)
	m.AckTimeout("sensor")
	m.SyncFailure()

	assert.Equal(t, 1.0, testutil.ToFloat64(m.transitions.WithLabelValues("Ready", "Running")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.jobRuns.WithLabelValues("ctrl")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.violations.WithLabelValues("ctrl", KindRuntime)))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.missedCycles.WithLabelValues("ctrl")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.masterCycles))
	assert.Equal(t, 500.0, testutil.ToFloat64(m.simTime))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ackTimeouts.WithLabelValues("sensor")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.syncFailures))

	families, err := m.Registry.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Transition("a", "b")
		m.JobRun("j", time.Millisecond)
		m.Violation("j", KindInput)
		m.MasterCycle(1)
		m.Cycle(1)
		m.AckTimeout("c")
		m.SyncRoundTrip(time.Millisecond)
		m.SyncFailure()
	})
}
