package participant

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/roach88/lockstep/internal/clock"
	"github.com/roach88/lockstep/internal/config"
	"github.com/roach88/lockstep/internal/core"
	"github.com/roach88/lockstep/internal/master"
	"github.com/roach88/lockstep/internal/scheduler"
	"github.com/roach88/lockstep/internal/statemachine"
	"github.com/roach88/lockstep/internal/store"
	"github.com/roach88/lockstep/internal/transport"
	"github.com/roach88/lockstep/internal/wire"
)

func newBus(t *testing.T) *transport.Bus {
	t.Helper()
	bus := transport.NewBus()
	t.Cleanup(bus.Close)
	return bus
}

// run starts p.Run and returns a func that cancels it and returns its error.
func run(t *testing.T, p *Participant) func() error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- p.Run(ctx) }()

	var once sync.Once
	var err error
	stop := func() error {
		once.Do(func() {
			cancel()
			select {
			case err = <-errCh:
			case <-time.After(10 * time.Second):
				t.Error("participant did not stop")
			}
		})
		return err
	}
	t.Cleanup(func() { _ = stop() })
	return stop
}

func localConfig(name string) map[string]string {
	return map[string]string{
		config.KeyParticipantName:  name,
		config.KeyMainClock:        clock.NameSimtime,
		config.KeyClockCycleTimeMS: "10",
		config.KeyClockTimeFactor:  "0",
	}
}

type counter struct {
	mu    sync.Mutex
	times []core.SimTime
}

func (c *counter) job(_ context.Context, now core.SimTime) error {
	c.mu.Lock()
	c.times = append(c.times, now)
	c.mu.Unlock()
	return nil
}

func (c *counter) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.times)
}

func (c *counter) get() []core.SimTime {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]core.SimTime(nil), c.times...)
}

func TestParticipant_LocalLifecycle(t *testing.T) {
	opt := goleak.IgnoreCurrent()
	t.Cleanup(func() { goleak.VerifyNone(t, opt) })

	bus := newBus(t)
	p, err := New(config.NewTree(localConfig("sim")), bus.Endpoint("sim"), WithAutoStart())
	require.NoError(t, err)
	assert.Equal(t, RoleLocal, p.Role())

	var c counter
	require.NoError(t, p.RegisterJob("count", scheduler.StepConfig{CycleTime: 10000}, c.job))

	stop := run(t, p)
	require.NoError(t, p.WaitForState(context.Background(), statemachine.StateRunning, 5*time.Second, true))
	assert.Equal(t, clock.NameSimtime, p.Clocks().GetActiveClockName())

	require.Eventually(t, func() bool { return c.len() >= 5 }, 5*time.Second, time.Millisecond)
	times := c.get()
	for i := 0; i < 5; i++ {
		assert.Equal(t, core.SimTime(i*10000), times[i])
	}

	require.NoError(t, stop())
	assert.Equal(t, statemachine.StateShutdown, p.State())
	assert.False(t, p.Clocks().Started())
	assert.False(t, p.Scheduler().Active())
}

func TestParticipant_RuntimeViolationReachesError(t *testing.T) {
	cfg := localConfig("sim")
	prefix := config.KeyJobsPrefix + ".slow."
	cfg[prefix+config.JobCycleTimeUS] = "10000"
	cfg[prefix+config.JobMaxRuntimeUS] = "3000"
	cfg[prefix+config.JobRuntimeViolation] = "set_error_state"
	cfg[prefix+config.JobWorkUS] = "5000"

	bus := newBus(t)
	p, err := New(config.NewTree(cfg), bus.Endpoint("sim"), WithAutoStart())
	require.NoError(t, err)
	run(t, p)

	require.NoError(t, p.WaitForState(context.Background(), statemachine.StateError, 5*time.Second, false))
	assert.Equal(t, 1, p.IncidentRecorder().Count(core.IncidentRuntimeViolation))
	assert.Contains(t, p.LastError(), "slow")

	require.Eventually(t, func() bool { return !p.Scheduler().Active() }, 2*time.Second, time.Millisecond)
	info, ok := p.Scheduler().Job("slow")
	require.True(t, ok)
	assert.Equal(t, uint64(1), info.Invocations, "error state reached within one cycle")
	assert.False(t, p.Clocks().Started())
}

func TestParticipant_StaleInputReachesError(t *testing.T) {
	cfg := localConfig("sim")
	sensor := config.KeyJobsPrefix + ".sensor."
	sink := config.KeyJobsPrefix + ".sink."
	cfg[sensor+config.JobCycleTimeUS] = "50000"
	cfg[sink+config.JobCycleTimeUS] = "10000"
	cfg[sink+config.JobMaxInputWaitUS] = "20000"
	cfg[sink+config.JobInputViolation] = "set_error_state"
	cfg[sink+config.JobInput] = "sensor"

	bus := newBus(t)
	p, err := New(config.NewTree(cfg), bus.Endpoint("sim"), WithAutoStart())
	require.NoError(t, err)
	run(t, p)

	require.NoError(t, p.WaitForState(context.Background(), statemachine.StateError, 5*time.Second, false))
	assert.Equal(t, 1, p.IncidentRecorder().Count(core.IncidentInputViolation))
	assert.Contains(t, p.LastError(), "sink")

	require.Eventually(t, func() bool { return !p.Scheduler().Active() }, 2*time.Second, time.Millisecond)
	info, ok := p.Scheduler().Job("sink")
	require.True(t, ok)
	assert.Equal(t, uint64(3), info.Invocations, "callback skipped once input is 30ms old")
	assert.Equal(t, core.SimTime(20000), info.LastInvoked)

	info, ok = p.Scheduler().Job("sensor")
	require.True(t, ok)
	assert.Equal(t, uint64(1), info.Invocations)
}

func TestParticipant_RestartAfterError(t *testing.T) {
	bus := newBus(t)
	p, err := New(config.NewTree(localConfig("sim")), bus.Endpoint("sim"), WithAutoStart())
	require.NoError(t, err)

	var fail atomic.Bool
	fail.Store(true)
	require.NoError(t, p.RegisterJob("flaky", scheduler.StepConfig{
		CycleTime:        10000,
		MaxRuntime:       time.Millisecond,
		RuntimeViolation: scheduler.SetErrorState,
	}, func(context.Context, core.SimTime) error {
		if fail.Load() {
			time.Sleep(3 * time.Millisecond)
		}
		return nil
	}))
	run(t, p)

	require.NoError(t, p.WaitForState(context.Background(), statemachine.StateError, 5*time.Second, false))
	fail.Store(false)

	assert.Equal(t, statemachine.Accepted, p.Machine().RaiseEvent(statemachine.EventRestart))
	require.NoError(t, p.WaitForState(context.Background(), statemachine.StateRunning, 5*time.Second, true))

	_, ok := p.Scheduler().Job("flaky")
	assert.True(t, ok, "jobs survive a restart")
}

type cycleLog struct {
	mu   sync.Mutex
	recs []master.CycleRecord
}

func (l *cycleLog) MasterCycle(rec master.CycleRecord) {
	l.mu.Lock()
	l.recs = append(l.recs, rec)
	l.mu.Unlock()
}

func (l *cycleLog) last() master.CycleRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.recs[len(l.recs)-1]
}

func TestParticipant_MasterAndClient(t *testing.T) {
	bus := newBus(t)

	masterCfg := map[string]string{
		config.KeyParticipantName:  "master",
		config.KeyMainClock:        master.ClockName,
		config.KeyClockCycleTimeMS: "10",
		config.KeyTriggerMode:      "afap",
		config.KeyTimingCycles:     "100",
	}
	var cycles cycleLog
	mp, err := New(config.NewTree(masterCfg), bus.Endpoint("master"), WithAutoStart(), WithCycleObserver(&cycles))
	require.NoError(t, err)
	assert.Equal(t, RoleMaster, mp.Role())

	clientCfg := map[string]string{
		config.KeyParticipantName: "sim",
		config.KeyTimingMaster:    "master",
	}
	cp, err := New(config.NewTree(clientCfg), bus.Endpoint("sim"), WithAutoStart())
	require.NoError(t, err)
	assert.Equal(t, RoleClient, cp.Role())

	var c counter
	require.NoError(t, cp.RegisterJob("step", scheduler.StepConfig{CycleTime: 10000}, c.job))

	run(t, cp)
	require.NoError(t, cp.WaitForState(context.Background(), statemachine.StateRunning, 5*time.Second, true))
	assert.Contains(t, mp.Master().Clients(), "sim")

	run(t, mp)
	require.Eventually(t, func() bool {
		return mp.Master().Cycles() == 100
	}, 10*time.Second, time.Millisecond)
	require.Eventually(t, func() bool {
		return mp.State() == statemachine.StateIdle
	}, 5*time.Second, time.Millisecond, "master stops after its cycles")

	assert.Equal(t, int64(100), mp.Master().Cycles())
	assert.Equal(t, core.SimTime(100*10000), cycles.last().Time)
	assert.Equal(t, core.SimTime(100*10000), cp.Clocks().GetTime())
	assert.Equal(t, NameTimingClient, cp.Clocks().GetActiveClockName())
	assert.Equal(t, 101, c.len())
}

func TestParticipant_ExternalClockMaster(t *testing.T) {
	bus := newBus(t)

	mp, err := New(config.NewTree(map[string]string{
		config.KeyParticipantName:  "master",
		config.KeyMainClock:        master.ClockName,
		config.KeyClockCycleTimeMS: "10",
		config.KeyTriggerMode:      "external_clock",
	}), bus.Endpoint("master"), WithAutoStart())
	require.NoError(t, err)

	cp, err := New(config.NewTree(map[string]string{
		config.KeyParticipantName: "sim",
		config.KeyTimingMaster:    "master",
	}), bus.Endpoint("sim"), WithAutoStart())
	require.NoError(t, err)
	var c counter
	require.NoError(t, cp.RegisterJob("step", scheduler.StepConfig{CycleTime: 10000}, c.job))

	run(t, cp)
	require.NoError(t, cp.WaitForState(context.Background(), statemachine.StateRunning, 5*time.Second, true))
	run(t, mp)
	require.NoError(t, mp.WaitForState(context.Background(), statemachine.StateRunning, 5*time.Second, true))

	require.Eventually(t, func() bool { return c.len() == 1 }, 5*time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int64(0), mp.Master().Cycles(), "no cycles without an external sample")

	source := bus.Endpoint("wallclock")
	feed := func(at, validity int64) {
		data, err := wire.Encode(wire.KindExternalTime, "", wire.ExternalTime{Time: at, Validity: validity})
		require.NoError(t, err)
		require.NoError(t, source.Transmit(context.Background(), data, "master"))
	}

	feed(0, 35000)
	require.Eventually(t, func() bool {
		return cp.Clocks().GetTime() == 30000
	}, 5*time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int64(3), mp.Master().Cycles(), "cycles stop short of the validity horizon")

	feed(30000, 25000)
	require.Eventually(t, func() bool { return c.len() == 6 }, 5*time.Second, time.Millisecond)
	assert.Equal(t, []core.SimTime{0, 10000, 20000, 30000, 40000, 50000}, c.get())
}

func TestParticipant_ClientWithoutMasterFails(t *testing.T) {
	bus := newBus(t)
	cp, err := New(config.NewTree(map[string]string{
		config.KeyParticipantName: "sim",
		config.KeyTimingMaster:    "nobody",
	}), bus.Endpoint("sim"), WithAutoStart())
	require.NoError(t, err)
	require.NoError(t, cp.RegisterJob("step", scheduler.StepConfig{CycleTime: 10000}, func(context.Context, core.SimTime) error { return nil }))

	run(t, cp)
	err = cp.WaitForState(context.Background(), statemachine.StateRunning, 15*time.Second, true)
	assert.Equal(t, core.CodeFailed, core.CodeOf(err))
	assert.Contains(t, cp.LastError(), "register with timing master")
}

func TestNew_SlaveClockNeedsMaster(t *testing.T) {
	bus := newBus(t)
	_, err := New(config.NewTree(map[string]string{
		config.KeyParticipantName: "sim",
		config.KeyMainClock:       NameSlaveContinuous,
	}), bus.Endpoint("sim"))
	assert.Equal(t, core.CodeInvalidArgument, core.CodeOf(err))
}

func TestParticipant_StandaloneFollowsConfig(t *testing.T) {
	cfg := localConfig("sim")
	cfg[config.KeyStandalone] = "true"
	tree := config.NewTree(cfg)

	bus := newBus(t)
	p, err := New(tree, bus.Endpoint("sim"))
	require.NoError(t, err)
	run(t, p)
	require.NoError(t, p.WaitForState(context.Background(), statemachine.StateIdle, 5*time.Second, true))
	assert.True(t, p.Machine().Standalone())

	operator := bus.Endpoint("operator")
	ce := statemachine.ControlEvent{Event: statemachine.EventInitialize, Target: "sim", Sender: "operator", Seq: 1}
	require.NoError(t, statemachine.SendControl(context.Background(), operator, ce))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, statemachine.StateIdle, p.State(), "remote events dropped while standalone")

	require.NoError(t, tree.SetValue(config.KeyStandalone, "false"))
	assert.False(t, p.Machine().Standalone())

	ce.Seq = 2
	require.NoError(t, statemachine.SendControl(context.Background(), operator, ce))
	require.NoError(t, p.WaitForState(context.Background(), statemachine.StateReady, 5*time.Second, true))
}

func TestParticipant_RecordsToStore(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "run.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	bus := newBus(t)
	p, err := New(config.NewTree(localConfig("sim")), bus.Endpoint("sim"), WithAutoStart(), WithStore(st))
	require.NoError(t, err)

	var c counter
	require.NoError(t, p.RegisterJob("count", scheduler.StepConfig{CycleTime: 10000}, c.job))
	stop := run(t, p)
	require.Eventually(t, func() bool { return c.len() >= 3 }, 5*time.Second, time.Millisecond)
	require.NoError(t, stop())

	invs, err := st.ReadInvocations(context.Background(), "sim", "count")
	require.NoError(t, err)
	assert.Equal(t, c.len(), len(invs))

	incidents, err := st.ReadIncidents(context.Background(), store.IncidentFilter{Participant: "sim"})
	require.NoError(t, err)
	assert.Empty(t, incidents)
}
