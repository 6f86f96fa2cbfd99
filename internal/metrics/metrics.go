// Package metrics exposes Prometheus collectors for the timing runtime.
//
// Labels are bounded: job and client names come from configuration, never
// from per-cycle values. A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups every collector of one participant.
type Metrics struct {
	Registry *prometheus.Registry

	transitions   *prometheus.CounterVec
	jobRuns       *prometheus.CounterVec
	jobRuntime    *prometheus.HistogramVec
	violations    *prometheus.CounterVec
	missedCycles  *prometheus.CounterVec
	masterCycles  prometheus.Counter
	ackTimeouts   *prometheus.CounterVec
	syncRoundTrip prometheus.Histogram
	syncFailures  prometheus.Counter
	simTime       prometheus.Gauge
}

// New registers all collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		transitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lockstep_state_transitions_total",
			Help: "State machine transitions, by source and target state.",
		}, []string{"from", "to"}),
		jobRuns: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lockstep_job_invocations_total",
			Help: "Job invocations, by job.",
		}, []string{"job"}),
		jobRuntime: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "lockstep_job_runtime_seconds",
			Help:    "Wall-clock duration of job callbacks, by job.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 8),
		}, []string{"job"}),
		violations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lockstep_job_violations_total",
			Help: "Runtime and input violations, by job and kind.",
		}, []string{"job", "kind"}),
		missedCycles: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lockstep_job_missed_cycles_total",
			Help: "Due times skipped because the clock moved past them, by job.",
		}, []string{"job"}),
		masterCycles: f.NewCounter(prometheus.CounterOpts{
			Name: "lockstep_master_cycles_total",
			Help: "Global cycles completed by the timing master.",
		}),
		ackTimeouts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lockstep_master_ack_timeouts_total",
			Help: "Clients dropped from a cycle's ack wait, by client.",
		}, []string{"client"}),
		syncRoundTrip: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "lockstep_clock_sync_round_trip_seconds",
			Help:    "Round-trip time of slave clock time requests.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 12),
		}),
		syncFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "lockstep_clock_sync_failures_total",
			Help: "Slave clock time requests that failed or timed out.",
		}),
		simTime: f.NewGauge(prometheus.GaugeOpts{
			Name: "lockstep_sim_time_microseconds",
			Help: "Simulation time of the last executed cycle.",
		}),
	}
}

func (m *Metrics) Transition(from, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) JobRun(job string, d time.Duration) {
	if m == nil {
		return
	}
	m.jobRuns.WithLabelValues(job).Inc()
	m.jobRuntime.WithLabelValues(job).Observe(d.Seconds())
}

// Violation kinds.
const (
	KindRuntime = "runtime"
	KindInput   = "input"
	KindFailed  = "failed"
)

func (m *Metrics) Violation(job, kind string) {
	if m == nil {
		return
	}
	m.violations.WithLabelValues(job, kind).Inc()
}

func (m *Metrics) MissedCycles(job string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.missedCycles.WithLabelValues(job).Add(float64(n))
}

func (m *Metrics) MasterCycle(simTime int64) {
	if m == nil {
		return
	}
	m.masterCycles.Inc()
	m.simTime.Set(float64(simTime))
}

func (m *Metrics) Cycle(simTime int64) {
	if m == nil {
		return
	}
	m.simTime.Set(float64(simTime))
}

func (m *Metrics) AckTimeout(client string) {
	if m == nil {
		return
	}
	m.ackTimeouts.WithLabelValues(client).Inc()
}

func (m *Metrics) SyncRoundTrip(d time.Duration) {
	if m == nil {
		return
	}
	m.syncRoundTrip.Observe(d.Seconds())
}

func (m *Metrics) SyncFailure() {
	if m == nil {
		return
	}
	m.syncFailures.Inc()
}
