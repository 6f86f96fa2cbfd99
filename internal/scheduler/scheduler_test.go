package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/roach88/lockstep/internal/clock"
	"github.com/roach88/lockstep/internal/config"
	"github.com/roach88/lockstep/internal/core"
	"github.com/roach88/lockstep/internal/incident"
	"github.com/roach88/lockstep/internal/metrics"
)

// firings records the now of every callback.
type firings struct {
	mu    sync.Mutex
	times map[string][]core.SimTime
	order []string
}

func newFirings() *firings {
	return &firings{times: make(map[string][]core.SimTime)}
}

func (f *firings) job(name string) JobFunc {
	return func(_ context.Context, now core.SimTime) error {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.times[name] = append(f.times[name], now)
		f.order = append(f.order, name)
		return nil
	}
}

func (f *firings) get(name string) []core.SimTime {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]core.SimTime(nil), f.times[name]...)
}

type raiser struct {
	mu      sync.Mutex
	reasons []string
}

func (r *raiser) RaiseError(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reasons = append(r.reasons, reason)
}

func (r *raiser) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.reasons)
}

type observer struct {
	mu   sync.Mutex
	invs []Invocation
}

func (o *observer) JobInvoked(inv Invocation) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.invs = append(o.invs, inv)
}

func (o *observer) last() Invocation {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.invs[len(o.invs)-1]
}

func cfg(cycle core.SimTime) StepConfig {
	return StepConfig{CycleTime: cycle}
}

// drive runs k cycles of a discrete clock: the first at its start time,
// then one step per cycle.
func drive(t *testing.T, s *Scheduler, c *clock.Discrete, k int) {
	t.Helper()
	require.NoError(t, c.Start(clock.NopSink{}))
	now := c.Time()
	for i := 0; i < k; i++ {
		if i > 0 {
			now = c.Step()
		}
		s.RunCycle(context.Background(), now)
	}
}

func TestJobFiresOnCycleGrid(t *testing.T) {
	f := newFirings()
	s := New(WithMetrics(metrics.New()))
	require.NoError(t, s.RegisterJob("fast", cfg(100), f.job("fast")))
	require.NoError(t, s.RegisterJob("slow", cfg(200), f.job("slow")))
	s.Activate()

	drive(t, s, clock.NewDiscrete("d", 100, 0), 5)

	assert.Equal(t, []core.SimTime{0, 100, 200, 300, 400}, f.get("fast"))
	assert.Equal(t, []core.SimTime{0, 200, 400}, f.get("slow"))

	info, ok := s.Job("fast")
	require.True(t, ok)
	assert.Equal(t, uint64(5), info.Invocations)
	assert.Equal(t, core.SimTime(400), info.LastInvoked)
	assert.Equal(t, core.SimTime(500), info.NextDue)
}

func TestSameCycleRunsInRegistrationOrder(t *testing.T) {
	f := newFirings()
	s := New()
	require.NoError(t, s.RegisterJob("b", cfg(100), f.job("b")))
	require.NoError(t, s.RegisterJob("a", cfg(100), f.job("a")))
	require.NoError(t, s.RegisterJob("c", cfg(100), f.job("c")))
	s.Activate()

	assert.Equal(t, 3, s.RunCycle(context.Background(), 0))
	assert.Equal(t, []string{"b", "a", "c"}, f.order)
}

func TestEarlierDueTimeRunsFirst(t *testing.T) {
	f := newFirings()
	s := New()
	require.NoError(t, s.RegisterJob("first", cfg(300), f.job("first")))
	require.NoError(t, s.RegisterJob("second", cfg(100), f.job("second")))
	s.Activate()

	s.RunCycle(context.Background(), 0)
	f.order = nil

	// first is due at 300, second at 100: second goes first.
	s.RunCycle(context.Background(), 300)
	assert.Equal(t, []string{"second", "first"}, f.order)
}

func TestMissedCyclesAreSkipped(t *testing.T) {
	f := newFirings()
	s := New(WithMetrics(metrics.New()))
	require.NoError(t, s.RegisterJob("j", cfg(100), f.job("j")))
	s.Activate()

	s.RunCycle(context.Background(), 0)
	s.RunCycle(context.Background(), 350)
	s.RunCycle(context.Background(), 399)
	s.RunCycle(context.Background(), 400)

	assert.Equal(t, []core.SimTime{0, 350, 400}, f.get("j"))
	info, _ := s.Job("j")
	assert.Equal(t, uint64(2), info.Missed)
}

func TestRunCycleInactiveOrUnavailable(t *testing.T) {
	f := newFirings()
	s := New()
	require.NoError(t, s.RegisterJob("j", cfg(100), f.job("j")))

	assert.Zero(t, s.RunCycle(context.Background(), 0))
	s.Activate()
	assert.Zero(t, s.RunCycle(context.Background(), core.NotAvailable))
	assert.Equal(t, 1, s.RunCycle(context.Background(), 0))
	s.Deactivate()
	assert.Zero(t, s.RunCycle(context.Background(), 100))
	assert.Len(t, f.get("j"), 1)
}

func TestActivateResetsDueTimes(t *testing.T) {
	f := newFirings()
	s := New()
	require.NoError(t, s.RegisterJob("j", cfg(100), f.job("j")))
	s.Activate()
	s.RunCycle(context.Background(), 0)
	s.RunCycle(context.Background(), 100)
	s.Deactivate()

	s.Activate()
	s.RunCycle(context.Background(), 0)
	assert.Equal(t, []core.SimTime{0, 100, 0}, f.get("j"))
}

func TestRegisterJobErrors(t *testing.T) {
	noop := func(context.Context, core.SimTime) error { return nil }

	t.Run("duplicate keeps original", func(t *testing.T) {
		s := New()
		require.NoError(t, s.RegisterJob("j", cfg(100), noop))
		err := s.RegisterJob("j", cfg(200), noop)
		require.Error(t, err)
		assert.ErrorIs(t, err, core.ErrAlreadyExists)

		info, ok := s.Job("j")
		require.True(t, ok)
		assert.Equal(t, core.SimTime(100), info.Config.CycleTime)
	})

	t.Run("while active", func(t *testing.T) {
		s := New()
		s.Activate()
		assert.ErrorIs(t, s.RegisterJob("j", cfg(100), noop), core.ErrResourceInUse)
	})

	t.Run("invalid config", func(t *testing.T) {
		s := New()
		assert.ErrorIs(t, s.RegisterJob("j", cfg(0), noop), core.ErrInvalidArgument)
		assert.ErrorIs(t, s.RegisterJob("", cfg(100), noop), core.ErrInvalidArgument)
		assert.ErrorIs(t, s.RegisterJob("j", cfg(100), nil), core.ErrInvalidArgument)
		bad := cfg(100)
		bad.RuntimeViolation = Strategy(9)
		assert.ErrorIs(t, s.RegisterJob("j", bad, noop), core.ErrInvalidArgument)
		assert.Empty(t, s.Jobs())
	})
}

func TestUnregisterJob(t *testing.T) {
	f := newFirings()
	s := New()
	require.NoError(t, s.RegisterJob("a", cfg(100), f.job("a")))
	require.NoError(t, s.RegisterJob("b", cfg(100), f.job("b")))

	assert.ErrorIs(t, s.UnregisterJob("missing"), core.ErrNotFound)
	require.NoError(t, s.UnregisterJob("a"))
	assert.ErrorIs(t, s.UnregisterJob("a"), core.ErrNotFound)

	s.Activate()
	s.RunCycle(context.Background(), 0)
	assert.Empty(t, f.get("a"))
	assert.Len(t, f.get("b"), 1)

	jobs := s.Jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, "b", jobs[0].Name)
}

func TestUnregisterWaitsForInFlightInvocation(t *testing.T) {
	defer goleak.VerifyNone(t)

	started := make(chan struct{})
	release := make(chan struct{})
	var runs int
	s := New()
	require.NoError(t, s.RegisterJob("slow", cfg(100), func(context.Context, core.SimTime) error {
		runs++
		close(started)
		<-release
		return nil
	}))
	s.Activate()

	cycleDone := make(chan struct{})
	go func() {
		defer close(cycleDone)
		s.RunCycle(context.Background(), 0)
	}()
	<-started

	unregistered := make(chan error, 1)
	go func() { unregistered <- s.UnregisterJob("slow") }()

	select {
	case <-unregistered:
		t.Fatal("UnregisterJob returned while the job was running")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	require.NoError(t, <-unregistered)
	<-cycleDone

	s.RunCycle(context.Background(), 100)
	assert.Equal(t, 1, runs)
}

func TestUnregisterTimesOut(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	s := New(WithUnregisterTimeout(20 * time.Millisecond))
	require.NoError(t, s.RegisterJob("stuck", cfg(100), func(context.Context, core.SimTime) error {
		close(started)
		<-release
		return nil
	}))
	s.Activate()

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.RunCycle(context.Background(), 0)
	}()
	<-started

	err := s.UnregisterJob("stuck")
	assert.ErrorIs(t, err, core.ErrTimeout)
	_, ok := s.Job("stuck")
	assert.True(t, ok, "job stays registered after a timed out unregister")
	assert.ErrorIs(t, s.RegisterJob("stuck", cfg(100), func(context.Context, core.SimTime) error { return nil }), core.ErrAlreadyExists)

	close(release)
	<-done
	require.NoError(t, s.UnregisterJob("stuck"))
	_, ok = s.Job("stuck")
	assert.False(t, ok)
}

func TestRuntimeViolationStrategies(t *testing.T) {
	tests := []struct {
		name         string
		strategy     Strategy
		wantIncident bool
		wantSeverity core.Severity
		wantOutput   bool
		wantRaised   bool
	}{
		{name: "ignore", strategy: Ignore, wantOutput: true},
		{name: "warn", strategy: Warn, wantIncident: true, wantSeverity: core.SeverityWarning, wantOutput: true},
		{name: "skip output", strategy: SkipOutput, wantIncident: true, wantSeverity: core.SeverityWarning},
		{name: "set error state", strategy: SetErrorState, wantIncident: true, wantSeverity: core.SeverityCritical, wantRaised: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := incident.NewRecorder()
			r := &raiser{}
			obs := &observer{}
			s := New(WithIncidentSink(rec), WithErrorRaiser(r), WithObserver(obs))

			outputs := 0
			c := StepConfig{
				CycleTime:        100,
				MaxRuntime:       3 * time.Millisecond,
				RuntimeViolation: tt.strategy,
			}
			require.NoError(t, s.RegisterJob("sleepy", c, func(context.Context, core.SimTime) error {
				time.Sleep(5 * time.Millisecond)
				return nil
			}, WithOutput(func(context.Context, core.SimTime) error {
				outputs++
				return nil
			})))
			s.Activate()
			s.RunCycle(context.Background(), 0)

			inv := obs.last()
			assert.True(t, inv.RuntimeViolation)
			assert.GreaterOrEqual(t, inv.Runtime, 5*time.Millisecond)

			if tt.wantIncident {
				require.Equal(t, 1, rec.Count(core.IncidentRuntimeViolation))
				assert.Equal(t, tt.wantSeverity, rec.Incidents()[0].Severity)
			} else {
				assert.Zero(t, rec.Count(core.IncidentRuntimeViolation))
			}
			assert.Equal(t, tt.wantOutput, outputs == 1)
			assert.Equal(t, tt.wantRaised, r.count() == 1)

			if tt.wantRaised {
				assert.False(t, s.Active())
				assert.Zero(t, s.RunCycle(context.Background(), 100))
				return
			}
			assert.Equal(t, 1, s.RunCycle(context.Background(), 100))
		})
	}
}

func TestInputViolation(t *testing.T) {
	newest := core.SimTime(0)
	newestInput := func(core.SimTime) core.SimTime { return newest }

	t.Run("warn runs callback", func(t *testing.T) {
		rec := incident.NewRecorder()
		f := newFirings()
		s := New(WithIncidentSink(rec))
		c := StepConfig{CycleTime: 100, MaxInputWait: 50, InputViolation: Warn}
		require.NoError(t, s.RegisterJob("j", c, f.job("j"), WithInputs(newestInput)))
		s.Activate()

		s.RunCycle(context.Background(), 0)
		assert.Zero(t, rec.Count(core.IncidentInputViolation))
		s.RunCycle(context.Background(), 100)
		assert.Equal(t, 1, rec.Count(core.IncidentInputViolation))
		assert.Equal(t, []core.SimTime{0, 100}, f.get("j"))
	})

	t.Run("set error state skips callback", func(t *testing.T) {
		rec := incident.NewRecorder()
		r := &raiser{}
		f := newFirings()
		s := New(WithIncidentSink(rec), WithErrorRaiser(r))
		c := StepConfig{CycleTime: 100, MaxInputWait: 50, InputViolation: SetErrorState}
		missing := func(core.SimTime) core.SimTime { return core.NotAvailable }
		require.NoError(t, s.RegisterJob("j", c, f.job("j"), WithInputs(missing)))
		s.Activate()

		assert.Zero(t, s.RunCycle(context.Background(), 0))
		assert.Empty(t, f.get("j"))
		assert.Equal(t, 1, r.count())
		assert.Equal(t, 1, rec.Count(core.IncidentInputViolation))
	})
}

func TestFailingJobsAreIsolated(t *testing.T) {
	rec := incident.NewRecorder()
	f := newFirings()
	obs := &observer{}
	s := New(WithIncidentSink(rec), WithObserver(obs))

	outputs := 0
	require.NoError(t, s.RegisterJob("err", cfg(100), func(context.Context, core.SimTime) error {
		return errors.New("boom")
	}, WithOutput(func(context.Context, core.SimTime) error {
		outputs++
		return nil
	})))
	require.NoError(t, s.RegisterJob("panic", cfg(100), func(context.Context, core.SimTime) error {
		panic("kaboom")
	}))
	require.NoError(t, s.RegisterJob("ok", cfg(100), f.job("ok")))
	s.Activate()

	assert.Equal(t, 3, s.RunCycle(context.Background(), 0))
	assert.Equal(t, 2, rec.Count(core.IncidentJobFailed))
	assert.Zero(t, outputs)
	assert.Equal(t, []core.SimTime{0}, f.get("ok"))
	assert.Contains(t, obs.invs[1].Err, "kaboom")
}

func TestRegisterPublishesConfig(t *testing.T) {
	tree := config.NewTree(nil)
	s := New(WithConfigStore(tree))
	c := StepConfig{CycleTime: 250, MaxRuntime: 3 * time.Millisecond, RuntimeViolation: SetErrorState}
	require.NoError(t, s.RegisterJob("ctl", c, func(context.Context, core.SimTime) error { return nil }))

	snap := tree.Snapshot("scheduler.jobs.ctl")
	assert.Equal(t, "250", snap["scheduler.jobs.ctl.cycle_time_us"])
	assert.Equal(t, "3000", snap["scheduler.jobs.ctl.max_runtime_us"])
	assert.Equal(t, "set_error_state", snap["scheduler.jobs.ctl.runtime_violation"])
	assert.Equal(t, "true", snap["scheduler.jobs.ctl.registered"])

	require.NoError(t, s.UnregisterJob("ctl"))
	v, _ := tree.GetValue("scheduler.jobs.ctl.registered")
	assert.Equal(t, "false", v)
}

// discreteSource adapts a discrete clock to StepSource.
type discreteSource struct {
	c *clock.Discrete
}

func (d discreteSource) GetTime() core.SimTime { return d.c.Time() }

func (d discreteSource) Step() (core.SimTime, error) { return d.c.Step(), nil }

func TestStartStopWithStepDriver(t *testing.T) {
	defer goleak.VerifyNone(t)

	c := clock.NewDiscrete("d", 100, 0)
	require.NoError(t, c.Start(clock.NopSink{}))

	f := newFirings()
	s := New()
	require.NoError(t, s.RegisterJob("j", cfg(100), f.job("j")))
	s.Activate()

	require.NoError(t, s.Start(context.Background(), NewStepDriver(discreteSource{c}, 0)))
	assert.ErrorIs(t, s.Start(context.Background(), NewStepDriver(discreteSource{c}, 0)), core.ErrResourceInUse)

	require.Eventually(t, func() bool { return len(f.get("j")) >= 10 }, time.Second, time.Millisecond)
	s.Stop()
	s.Stop()

	got := f.get("j")
	for i, now := range got {
		assert.Equal(t, core.SimTime(i*100), now)
	}
}

func TestPollDriverSkipsUnavailableTime(t *testing.T) {
	var mu sync.Mutex
	now := core.NotAvailable
	src := timeFunc(func() core.SimTime {
		mu.Lock()
		defer mu.Unlock()
		return now
	})

	d := NewPollDriver(src, time.Millisecond)
	go func() {
		time.Sleep(10 * time.Millisecond)
		mu.Lock()
		now = 42
		mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got, err := d.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, core.SimTime(42), got)

	cancel()
	_, err = d.Next(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

type timeFunc func() core.SimTime

func (f timeFunc) GetTime() core.SimTime { return f() }

func TestPacedPeriod(t *testing.T) {
	assert.Equal(t, 100*time.Millisecond, PacedPeriod(100_000, 1))
	assert.Equal(t, 50*time.Millisecond, PacedPeriod(100_000, 2))
	assert.Zero(t, PacedPeriod(100_000, 0))
}

func TestGCDAndLCM(t *testing.T) {
	assert.Equal(t, core.SimTime(50), GCD(100, 150, 250))
	assert.Equal(t, core.SimTime(0), GCD())
	assert.Equal(t, core.SimTime(100), GCD(0, 100))

	l, ok := LCM(100, 150, 250)
	require.True(t, ok)
	assert.Equal(t, core.SimTime(1500), l)

	_, ok = LCM(1<<40, 1<<40-1)
	assert.False(t, ok)
}

func TestParseStrategy(t *testing.T) {
	s, err := ParseStrategy("SKIP_OUTPUT")
	require.NoError(t, err)
	assert.Equal(t, SkipOutput, s)
	assert.Equal(t, "set_error_state", SetErrorState.String())

	_, err = ParseStrategy("explode")
	assert.Error(t, err)
}
