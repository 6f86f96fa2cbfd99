package master

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/roach88/lockstep/internal/clock"
	"github.com/roach88/lockstep/internal/clocksync"
	"github.com/roach88/lockstep/internal/config"
	"github.com/roach88/lockstep/internal/core"
	"github.com/roach88/lockstep/internal/incident"
	"github.com/roach88/lockstep/internal/metrics"
	"github.com/roach88/lockstep/internal/scheduler"
	"github.com/roach88/lockstep/internal/transport"
	"github.com/roach88/lockstep/internal/wire"
)

const cycle = core.SimTime(10_000)

type firings struct {
	mu    sync.Mutex
	times []core.SimTime
}

func (f *firings) job(_ context.Context, now core.SimTime) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.times = append(f.times, now)
	return nil
}

func (f *firings) get() []core.SimTime {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]core.SimTime(nil), f.times...)
}

type cycleLog struct {
	mu   sync.Mutex
	recs []CycleRecord
}

func (l *cycleLog) MasterCycle(rec CycleRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.recs = append(l.recs, rec)
}

func (l *cycleLog) all() []CycleRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]CycleRecord(nil), l.recs...)
}

type testClient struct {
	client   *Client
	follower *clock.Discrete
	fired    *firings
}

func newClient(t *testing.T, bus *transport.Bus, name string, jobCycle core.SimTime, opts ...ClientOption) *testClient {
	t.Helper()
	ep := bus.Endpoint(name)
	caller := clocksync.NewCaller(ep, core.NewFixedGenerator(name))
	t.Cleanup(caller.Close)

	fired := &firings{}
	sched := scheduler.New()
	require.NoError(t, sched.RegisterJob(name+"_job", scheduler.StepConfig{CycleTime: jobCycle}, fired.job))

	follower := clock.NewFollower(name + "_clock")
	require.NoError(t, follower.Start(nil))

	opts = append([]ClientOption{WithCallTimeout(time.Second)}, opts...)
	c := NewClient(ep, caller, "master", sched, follower, opts...)
	t.Cleanup(c.Stop)
	return &testClient{client: c, follower: follower, fired: fired}
}

func testConfig(mode TriggerMode) Config {
	cfg := DefaultConfig()
	cfg.Mode = mode
	cfg.AckTimeout = 2 * time.Second
	cfg.DefaultCycle = cycle
	return cfg
}

func waitDone(t *testing.T, m *Master) {
	t.Helper()
	select {
	case <-m.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("master did not finish, at %s after %d cycles", m.Time(), m.Cycles())
	}
}

func TestMaster_AFAPHundredCycles(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	bus := transport.NewBus()
	defer bus.Close()

	cfg := testConfig(ModeAFAP)
	cfg.Cycles = 100
	log := &cycleLog{}
	m := New(bus.Endpoint("master"), scheduler.New(), cfg, WithObserver(log), WithMetrics(metrics.New()))
	defer m.Close()

	c := newClient(t, bus, "client", cycle)
	m.Collect()
	assert.Equal(t, PhaseCollecting, m.Phase())
	require.NoError(t, c.client.Register(context.Background()))
	require.Contains(t, m.Clients(), "client")

	require.NoError(t, c.client.Start(context.Background()))
	require.NoError(t, m.Start(context.Background()))
	waitDone(t, m)

	want := 100 * cycle
	assert.Equal(t, want, m.Time())
	assert.Equal(t, want, c.follower.Time())
	assert.Equal(t, want, c.client.LastTick())
	assert.Equal(t, int64(100), m.Cycles())

	fired := c.fired.get()
	require.Len(t, fired, 101)
	for i, now := range fired {
		assert.Equal(t, core.SimTime(i)*cycle, now)
	}

	recs := log.all()
	require.Len(t, recs, 101)
	assert.Equal(t, []string{"client"}, recs[100].Participants)
	assert.Empty(t, recs[100].TimedOut)

	c.client.Stop()
	m.Stop()
	assert.Equal(t, PhaseIdle, m.Phase())
}

func TestMaster_MultiRateSchedule(t *testing.T) {
	bus := transport.NewBus()
	defer bus.Close()

	cfg := testConfig(ModeAFAP)
	cfg.Cycles = 6
	log := &cycleLog{}
	m := New(bus.Endpoint("master"), nil, cfg, WithObserver(log))
	defer m.Close()

	fast := newClient(t, bus, "fast", cycle)
	slow := newClient(t, bus, "slow", 2*cycle)
	for _, c := range []*testClient{fast, slow} {
		require.NoError(t, c.client.Register(context.Background()))
		require.NoError(t, c.client.Start(context.Background()))
	}
	require.NoError(t, m.Start(context.Background()))
	waitDone(t, m)

	assert.Equal(t, cycle, m.Schedule().Cycle)
	assert.Equal(t, 2, m.Schedule().Length())
	assert.Len(t, fast.fired.get(), 7)
	assert.Equal(t, []core.SimTime{0, 20_000, 40_000, 60_000}, slow.fired.get())

	recs := log.all()
	assert.Equal(t, []string{"fast", "slow"}, recs[0].Participants)
	assert.Equal(t, []string{"fast"}, recs[1].Participants)

	// the slow client never runs ahead of the master
	assert.LessOrEqual(t, slow.follower.Time(), m.Time())
}

func TestMaster_AckTimeoutDropsClientForCycle(t *testing.T) {
	bus := transport.NewBus()
	defer bus.Close()

	rec := incident.NewRecorder()
	cfg := testConfig(ModeAFAP)
	cfg.AckTimeout = 30 * time.Millisecond
	cfg.Cycles = 2
	log := &cycleLog{}
	m := New(bus.Endpoint("master"), nil, cfg, WithIncidentSink(rec), WithObserver(log))
	defer m.Close()

	// registered but never started: ticks are never acked
	dead := newClient(t, bus, "dead", cycle)
	require.NoError(t, dead.client.Register(context.Background()))

	began := time.Now()
	require.NoError(t, m.Start(context.Background()))
	waitDone(t, m)

	assert.GreaterOrEqual(t, time.Since(began), 90*time.Millisecond)
	assert.Equal(t, 3, rec.Count(core.IncidentAckTimeout))
	assert.Equal(t, 2*cycle, m.Time())
	for _, r := range log.all() {
		assert.Equal(t, []string{"dead"}, r.TimedOut)
	}
}

func TestMaster_ManualTrigger(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	bus := transport.NewBus()
	defer bus.Close()

	m := New(bus.Endpoint("master"), nil, testConfig(ModeManual))
	defer m.Close()

	_, err := m.Trigger(context.Background())
	assert.ErrorIs(t, err, core.ErrFailed)

	c := newClient(t, bus, "client", cycle)
	require.NoError(t, c.client.Register(context.Background()))
	require.NoError(t, c.client.Start(context.Background()))
	require.NoError(t, m.Start(context.Background()))

	for i := 1; i <= 5; i++ {
		now, err := m.Trigger(context.Background())
		require.NoError(t, err)
		assert.Equal(t, core.SimTime(i)*cycle, now)
		// the ack gate is satisfied before Trigger returns
		assert.Equal(t, now, c.follower.Time())
	}
	assert.Len(t, c.fired.get(), 6)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 5*cycle, m.Time())

	c.client.Stop()
	m.Stop()
}

func TestMaster_TriggerRequiresManualMode(t *testing.T) {
	bus := transport.NewBus()
	defer bus.Close()
	m := New(bus.Endpoint("master"), nil, testConfig(ModeAFAP))
	defer m.Close()

	_, err := m.Trigger(context.Background())
	assert.ErrorIs(t, err, core.ErrInvalidArgument)
}

func TestMaster_ExternalClockHorizon(t *testing.T) {
	bus := transport.NewBus()
	defer bus.Close()

	m := New(bus.Endpoint("master"), nil, testConfig(ModeExternalClock))
	defer m.Close()
	require.NoError(t, m.Start(context.Background()))

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, core.SimTime(0), m.Time())

	m.Feed(ExternalSample{Time: 0, Validity: 35_000})
	require.Eventually(t, func() bool { return m.Time() == 30_000 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, core.SimTime(30_000), m.Time())

	m.Feed(ExternalSample{Time: 30_000, Validity: 25_000})
	require.Eventually(t, func() bool { return m.Time() == 50_000 }, time.Second, time.Millisecond)
}

func TestMaster_SystemTimePacing(t *testing.T) {
	bus := transport.NewBus()
	defer bus.Close()

	cfg := testConfig(ModeSystemTime)
	cfg.TimeFactor = 2 // 10ms cycle every 5ms
	cfg.Cycles = 4
	m := New(bus.Endpoint("master"), nil, cfg)
	defer m.Close()

	began := time.Now()
	require.NoError(t, m.Start(context.Background()))
	waitDone(t, m)
	assert.GreaterOrEqual(t, time.Since(began), 20*time.Millisecond)
	assert.Equal(t, 4*cycle, m.Time())
}

func TestMaster_OwnJobsRunEachCycle(t *testing.T) {
	bus := transport.NewBus()
	defer bus.Close()

	fired := &firings{}
	own := scheduler.New()
	require.NoError(t, own.RegisterJob("local", scheduler.StepConfig{CycleTime: 2 * cycle}, fired.job))

	cfg := testConfig(ModeAFAP)
	cfg.Cycles = 4
	cfg.DefaultCycle = 0
	cfg.MinTriggerTime = cycle
	m := New(bus.Endpoint("master"), own, cfg)
	defer m.Close()

	require.NoError(t, m.Start(context.Background()))
	waitDone(t, m)
	assert.Equal(t, cycle, m.Schedule().Cycle)
	assert.Equal(t, []core.SimTime{0, 20_000, 40_000}, fired.get())
}

func TestMaster_RegisterWhileRunning(t *testing.T) {
	bus := transport.NewBus()
	defer bus.Close()

	m := New(bus.Endpoint("master"), nil, testConfig(ModeManual))
	defer m.Close()
	require.NoError(t, m.Start(context.Background()))
	require.Eventually(t, func() bool { return m.Phase() == PhaseTriggering }, time.Second, time.Millisecond)

	err := m.Register("late", []wire.Step{{Name: "j", CycleTime: int64(cycle)}})
	assert.ErrorIs(t, err, core.ErrResourceInUse)

	c := newClient(t, bus, "late", cycle)
	err = c.client.Register(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrFailed)
	assert.Contains(t, err.Error(), "RESOURCE_IN_USE")

	assert.ErrorIs(t, m.Start(context.Background()), core.ErrResourceInUse)
}

func TestMaster_UnregisterClient(t *testing.T) {
	bus := transport.NewBus()
	defer bus.Close()

	m := New(bus.Endpoint("master"), nil, testConfig(ModeAFAP))
	defer m.Close()

	c := newClient(t, bus, "client", cycle)
	require.NoError(t, c.client.Register(context.Background()))
	require.NoError(t, c.client.Unregister(context.Background()))
	assert.Empty(t, m.Clients())
	assert.ErrorIs(t, m.Unregister("client"), core.ErrNotFound)
}

func TestMaster_BadScheduleReportsIncident(t *testing.T) {
	bus := transport.NewBus()
	defer bus.Close()

	rec := incident.NewRecorder()
	cfg := testConfig(ModeAFAP)
	cfg.MaxScheduleLength = 10
	m := New(bus.Endpoint("master"), nil, cfg, WithIncidentSink(rec))
	defer m.Close()

	require.NoError(t, m.Register("a", []wire.Step{{Name: "a", CycleTime: 1000}}))
	require.NoError(t, m.Register("b", []wire.Step{{Name: "b", CycleTime: 999}}))

	assert.ErrorIs(t, m.Start(context.Background()), core.ErrInvalidArgument)
	assert.Equal(t, 1, rec.Count(core.IncidentMasterConfiguration))
	assert.Nil(t, m.Done())
}

func TestClient_TickWhileBusy(t *testing.T) {
	bus := transport.NewBus()
	defer bus.Close()

	rec := incident.NewRecorder()
	ep := bus.Endpoint("client")
	caller := clocksync.NewCaller(ep, nil)
	defer caller.Close()

	started := make(chan struct{}, 1)
	release := make(chan struct{})
	sched := scheduler.New()
	require.NoError(t, sched.RegisterJob("slow", scheduler.StepConfig{CycleTime: cycle}, func(context.Context, core.SimTime) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		return nil
	}))
	follower := clock.NewFollower("f")
	require.NoError(t, follower.Start(nil))

	c := NewClient(ep, caller, "master", sched, follower, WithClientIncidents(rec))
	require.NoError(t, c.Start(context.Background()))
	defer c.Stop()

	acks := make(chan wire.TriggerAck, 4)
	master := bus.Endpoint("master")
	master.OnReceive(func(msg transport.Message) {
		env, err := wire.Decode(msg.Data)
		if err != nil || env.Kind != wire.KindTriggerAck {
			return
		}
		var a wire.TriggerAck
		if env.Unmarshal(&a) == nil {
			acks <- a
		}
	})

	send := func(at core.SimTime) {
		data, err := wire.Encode(wire.KindTriggerTick, "", wire.TriggerTick{Time: int64(at)})
		require.NoError(t, err)
		require.NoError(t, master.Transmit(context.Background(), data, "client"))
	}
	send(0)
	<-started
	send(cycle)
	require.True(t, rec.WaitFor(core.IncidentTriggerWhileBusy, time.Second))

	close(release)
	for _, want := range []core.SimTime{0, cycle} {
		select {
		case a := <-acks:
			assert.Equal(t, int64(want), a.Time)
			assert.Equal(t, "client", a.Participant)
		case <-time.After(time.Second):
			t.Fatal("missing ack")
		}
	}
	assert.Equal(t, cycle, follower.Time())
}

func TestBuildSchedule(t *testing.T) {
	steps := map[string][]wire.Step{
		"a": {{Name: "a10", CycleTime: 10_000}},
		"b": {{Name: "b20", CycleTime: 20_000}, {Name: "b30", CycleTime: 30_000}},
	}
	s, err := BuildSchedule(steps, Config{})
	require.NoError(t, err)
	assert.Equal(t, core.SimTime(10_000), s.Cycle)
	require.Equal(t, 6, s.Length())

	assert.Equal(t, map[string][]string{"a": {"a10"}, "b": {"b20", "b30"}}, s.Slots[0].Due)
	assert.Equal(t, map[string][]string{"a": {"a10"}}, s.Slots[1].Due)
	assert.Equal(t, map[string][]string{"a": {"a10"}, "b": {"b20"}}, s.Slots[2].Due)
	assert.Equal(t, map[string][]string{"a": {"a10"}, "b": {"b30"}}, s.Slots[3].Due)
	assert.Equal(t, []string{"a", "b"}, s.At(60_000).Participants())
	assert.Equal(t, []string{"a"}, s.At(70_000).Participants())

	s, err = BuildSchedule(steps, Config{MinTriggerTime: 5_000})
	require.NoError(t, err)
	assert.Equal(t, core.SimTime(5_000), s.Cycle)
	assert.Equal(t, 12, s.Length())
	assert.Empty(t, s.Slots[1].Due)

	_, err = BuildSchedule(steps, Config{MaxScheduleLength: 5})
	assert.ErrorIs(t, err, core.ErrInvalidArgument)

	_, err = BuildSchedule(map[string][]wire.Step{"x": {{Name: "bad"}}}, Config{})
	assert.ErrorIs(t, err, core.ErrInvalidArgument)

	s, err = BuildSchedule(nil, Config{DefaultCycle: 7})
	require.NoError(t, err)
	assert.Equal(t, core.SimTime(7), s.Cycle)
}

func TestLoadConfig(t *testing.T) {
	cfg, err := LoadConfig(config.NewTree(nil))
	require.NoError(t, err)
	assert.Equal(t, ModeAFAP, cfg.Mode)
	assert.Equal(t, 10*time.Second, cfg.AckTimeout)
	assert.Equal(t, core.SimTime(100_000), cfg.DefaultCycle)

	cfg, err = LoadConfig(config.NewTree(map[string]string{
		config.KeyTriggerMode:      "manual",
		config.KeyAckTimeoutMS:     "250",
		config.KeyMinTriggerTimeUS: "5000",
		config.KeyTimingTimeFactor: "2.5",
		config.KeyClockCycleTimeMS: "10",
		config.KeyTimingCycles:     "7",
	}))
	require.NoError(t, err)
	assert.Equal(t, ModeManual, cfg.Mode)
	assert.Equal(t, int64(7), cfg.Cycles)
	assert.Equal(t, 250*time.Millisecond, cfg.AckTimeout)
	assert.Equal(t, core.SimTime(5000), cfg.MinTriggerTime)
	assert.Equal(t, 2.5, cfg.TimeFactor)
	assert.Equal(t, core.SimTime(10_000), cfg.DefaultCycle)

	_, err = LoadConfig(config.NewTree(map[string]string{config.KeyAckTimeoutMS: "0"}))
	assert.ErrorIs(t, err, core.ErrInvalidArgument)
	_, err = LoadConfig(config.NewTree(map[string]string{config.KeyTriggerMode: "warp"}))
	assert.ErrorIs(t, err, core.ErrInvalidArgument)
	_, err = LoadConfig(config.NewTree(map[string]string{config.KeyTimingCycles: "-1"}))
	assert.ErrorIs(t, err, core.ErrInvalidArgument)
}
