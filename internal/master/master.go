package master

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/roach88/lockstep/internal/clock"
	"github.com/roach88/lockstep/internal/core"
	"github.com/roach88/lockstep/internal/metrics"
	"github.com/roach88/lockstep/internal/scheduler"
	"github.com/roach88/lockstep/internal/transport"
	"github.com/roach88/lockstep/internal/wire"
)

// Phase is the master's position in the cycle protocol.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseCollecting
	PhaseTriggering
	PhaseAwaitingAcks
)

var phaseNames = [...]string{"idle", "collecting", "triggering", "awaiting_acks"}

func (p Phase) String() string {
	if p >= 0 && int(p) < len(phaseNames) {
		return phaseNames[p]
	}
	return fmt.Sprintf("Phase(%d)", int(p))
}

// ClockName is the name of the master's clock.
const ClockName = "timing_master"

// CycleRecord describes one completed master cycle.
type CycleRecord struct {
	Cycle        int64
	Time         core.SimTime
	Participants []string
	TimedOut     []string
	Duration     time.Duration
}

// CycleObserver is told about every completed cycle.
type CycleObserver interface {
	MasterCycle(rec CycleRecord)
}

// ExternalSample is one reading of an external time source. The master may
// run cycles up to, but not including, Time + Validity.
type ExternalSample struct {
	Time     core.SimTime
	Validity core.SimTime
}

// Option configures a Master.
type Option func(*Master)

// WithIncidentSink reports ack timeouts and configuration errors to s.
func WithIncidentSink(s core.IncidentSink) Option {
	return func(m *Master) { m.incidents = s }
}

// WithMetrics records master cycles and ack timeouts.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Master) { m.metrics = mt }
}

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(m *Master) { m.logger = l }
}

// WithObserver is told about every completed cycle.
func WithObserver(o CycleObserver) Option {
	return func(m *Master) { m.observer = o }
}

// WithClockSink receives the events of the master clock when the master
// starts the clock itself.
func WithClockSink(s clock.EventSink) Option {
	return func(m *Master) { m.sink = s }
}

type manualReq struct {
	ctx   context.Context
	reply chan manualResult
}

type manualResult struct {
	now core.SimTime
	err error
}

// Master drives global cycles for a session. It owns a Scheduler for its
// own participant's jobs and shares its discrete clock with the
// participant's clock service.
type Master struct {
	name      string
	t         transport.Transport
	cfg       Config
	sched     *scheduler.Scheduler
	clock     *clock.Discrete
	incidents core.IncidentSink
	metrics   *metrics.Metrics
	logger    *slog.Logger
	observer  CycleObserver
	sink      clock.EventSink

	mu        sync.Mutex
	phase     Phase
	clients   map[string][]wire.Step
	schedule  *Schedule
	cycles    int64
	pending   map[string]bool
	cycleTime core.SimTime
	acked     chan struct{}
	horizon   core.SimTime

	external chan struct{}
	manual   chan manualReq
	cancel   context.CancelFunc
	done     chan struct{}
	stopRecv func()
}

// New creates an idle master attached to t. sched holds the master
// participant's own jobs.
func New(t transport.Transport, sched *scheduler.Scheduler, cfg Config, opts ...Option) *Master {
	m := &Master{
		name:      transport.Normalize(t.Name()),
		t:         t,
		cfg:       cfg,
		sched:     sched,
		clock:     clock.NewDiscrete(ClockName, 0, 0),
		incidents: core.NopSink{},
		logger:    slog.Default(),
		sink:      clock.NopSink{},
		clients:   make(map[string][]wire.Step),
		horizon:   core.NotAvailable,
		external:  make(chan struct{}, 1),
		manual:    make(chan manualReq),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.stopRecv = t.OnReceive(m.receive)
	return m
}

// Clock returns the master clock. Register it with the participant's clock
// service to expose master time.
func (m *Master) Clock() *clock.Discrete { return m.clock }

// Scheduler returns the master participant's own scheduler.
func (m *Master) Scheduler() *scheduler.Scheduler { return m.sched }

// Config returns the master configuration.
func (m *Master) Config() Config { return m.cfg }

// Phase returns the current phase.
func (m *Master) Phase() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

// Cycles returns how many times the master advanced its clock since Start.
func (m *Master) Cycles() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cycles
}

// Time returns the master clock time.
func (m *Master) Time() core.SimTime { return m.clock.Time() }

// Clients returns the registered steps per participant.
func (m *Master) Clients() map[string][]wire.Step {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string][]wire.Step, len(m.clients))
	for p, steps := range m.clients {
		out[p] = append([]wire.Step(nil), steps...)
	}
	return out
}

// Schedule returns the schedule computed by the last Start, or nil.
func (m *Master) Schedule() *Schedule {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.schedule
}

// Collect opens registration. Called when the participant initializes.
func (m *Master) Collect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.phase == PhaseIdle {
		m.phase = PhaseCollecting
	}
}

// Register adds steps for a participant. Fails with RESOURCE_IN_USE while
// cycles are running.
func (m *Master) Register(participant string, steps []wire.Step) error {
	const op = "master.Register"
	if participant == "" {
		return core.Errorf(core.CodeInvalidArgument, op, "empty participant name")
	}
	for _, st := range steps {
		if st.CycleTime <= 0 {
			return core.Errorf(core.CodeInvalidArgument, op, "step %s of %s: cycle time %d", st.Name, participant, st.CycleTime)
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.phase == PhaseTriggering || m.phase == PhaseAwaitingAcks {
		return core.Errorf(core.CodeResourceInUse, op, "master is running")
	}
	m.clients[transport.Normalize(participant)] = append([]wire.Step(nil), steps...)
	m.logger.Info("timing client registered", "participant", participant, "steps", len(steps))
	return nil
}

// Unregister removes a participant. A running master stops ticking it from
// the next cycle.
func (m *Master) Unregister(participant string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	name := transport.Normalize(participant)
	if _, ok := m.clients[name]; !ok {
		return core.Errorf(core.CodeNotFound, "master.Unregister", "participant %q", participant)
	}
	delete(m.clients, name)
	delete(m.pending, name)
	m.signalAckedLocked()
	return nil
}

// ownSteps describes the master participant's scheduler jobs.
func (m *Master) ownSteps() []wire.Step {
	if m.sched == nil {
		return nil
	}
	var out []wire.Step
	for _, j := range m.sched.Jobs() {
		out = append(out, wire.Step{ID: j.Name, Name: j.Name, CycleTime: int64(j.Config.CycleTime)})
	}
	return out
}

// Start builds the schedule and begins cycling from the current clock time.
func (m *Master) Start(ctx context.Context) error {
	const op = "master.Start"

	m.mu.Lock()
	if m.done != nil {
		m.mu.Unlock()
		return core.Errorf(core.CodeResourceInUse, op, "master already running")
	}
	steps := make(map[string][]wire.Step, len(m.clients)+1)
	for p, list := range m.clients {
		steps[p] = list
	}
	if own := m.ownSteps(); len(own) > 0 {
		steps[m.name] = own
	}
	sched, err := BuildSchedule(steps, m.cfg)
	if err != nil {
		m.mu.Unlock()
		m.incidents.Report(core.IncidentMasterConfiguration, core.SeverityCritical, err.Error(), core.NotAvailable)
		return err
	}
	m.schedule = sched
	m.cycles = 0
	m.horizon = core.NotAvailable
	m.phase = PhaseTriggering
	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	done := m.done
	m.mu.Unlock()

	if !m.clock.Time().Valid() {
		if err := m.clock.Start(m.sink); err != nil {
			cancel()
			return err
		}
	}
	if m.sched != nil {
		m.sched.Activate()
	}

	m.logger.Info("timing master started",
		"mode", m.cfg.Mode, "cycle", int64(sched.Cycle), "schedule_length", sched.Length(), "clients", len(steps))

	go m.loop(loopCtx, done)
	return nil
}

// Stop ends cycling and returns to Idle.
func (m *Master) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}

	m.mu.Lock()
	m.cancel, m.done = nil, nil
	m.phase = PhaseIdle
	m.pending = nil
	m.mu.Unlock()
	if m.sched != nil {
		m.sched.Deactivate()
	}
}

// Close stops the master and detaches it from the transport.
func (m *Master) Close() {
	m.Stop()
	m.stopRecv()
}

// Done is closed when the cycle loop ends, either through Stop or after
// Config.Cycles advances. Nil before the first Start.
func (m *Master) Done() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.done
}

// Trigger runs one cycle in ModeManual: it advances master time and waits
// for that cycle's acks. Returns the new master time.
func (m *Master) Trigger(ctx context.Context) (core.SimTime, error) {
	const op = "master.Trigger"
	if m.cfg.Mode != ModeManual {
		return core.NotAvailable, core.Errorf(core.CodeInvalidArgument, op, "trigger mode is %s", m.cfg.Mode)
	}
	done := m.Done()
	if done == nil {
		return core.NotAvailable, core.Errorf(core.CodeFailed, op, "master not running")
	}
	req := manualReq{ctx: ctx, reply: make(chan manualResult, 1)}
	select {
	case m.manual <- req:
	case <-done:
		return core.NotAvailable, core.Errorf(core.CodeFailed, op, "master stopped")
	case <-ctx.Done():
		return core.NotAvailable, core.Wrap(core.CodeTimeout, op, ctx.Err(), "waiting for master")
	}
	res := <-req.reply
	return res.now, res.err
}

// Feed supplies an external time sample in ModeExternalClock.
func (m *Master) Feed(s ExternalSample) {
	m.mu.Lock()
	if h := s.Time + s.Validity; h > m.horizon {
		m.horizon = h
	}
	m.mu.Unlock()
	select {
	case m.external <- struct{}{}:
	default:
	}
}

func (m *Master) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	if err := m.cycle(ctx, false); err != nil {
		return
	}
	start := time.Now()
	for {
		if m.cfg.Cycles > 0 && m.Cycles() >= m.cfg.Cycles {
			m.logger.Info("timing master finished", "cycles", m.cfg.Cycles, "time", int64(m.Time()))
			return
		}

		var req *manualReq
		switch m.mode() {
		case ModeSystemTime:
			period := scheduler.PacedPeriod(m.schedule.Cycle, m.cfg.TimeFactor)
			if err := sleepUntil(ctx, start.Add(time.Duration(m.Cycles()+1)*period)); err != nil {
				return
			}
		case ModeExternalClock:
			if err := m.awaitHorizon(ctx); err != nil {
				return
			}
		case ModeManual:
			select {
			case <-ctx.Done():
				return
			case r := <-m.manual:
				req = &r
			}
		default:
			if ctx.Err() != nil {
				return
			}
		}

		cycleCtx := ctx
		if req != nil {
			cycleCtx = req.ctx
		}
		err := m.cycle(cycleCtx, true)
		if req != nil {
			req.reply <- manualResult{now: m.Time(), err: err}
		}
		if ctx.Err() != nil {
			return
		}
	}
}

func (m *Master) mode() TriggerMode {
	if m.cfg.Mode == ModeSystemTime && m.cfg.TimeFactor == 0 {
		return ModeAFAP
	}
	return m.cfg.Mode
}

func (m *Master) awaitHorizon(ctx context.Context) error {
	for {
		m.mu.Lock()
		next := m.clock.Time() + m.schedule.Cycle
		ok := m.horizon.Valid() && next < m.horizon
		m.mu.Unlock()
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.external:
		}
	}
}

// cycle optionally advances the clock by one master cycle, ticks the due
// participants, runs the master's own jobs and waits for acks.
func (m *Master) cycle(ctx context.Context, advance bool) error {
	began := time.Now()
	if advance {
		m.clock.SetTime(m.clock.Time() + m.schedule.Cycle)
		m.mu.Lock()
		m.cycles++
		m.mu.Unlock()
	}
	now := m.clock.Time()
	slot := m.schedule.At(now)

	m.mu.Lock()
	m.phase = PhaseTriggering
	m.cycleTime = now
	m.pending = make(map[string]bool)
	m.acked = make(chan struct{})
	var targets []string
	for _, p := range slot.Participants() {
		if p == m.name {
			continue
		}
		if _, ok := m.clients[p]; !ok {
			continue
		}
		m.pending[p] = true
		targets = append(targets, p)
	}
	cycleNo := m.cycles
	m.mu.Unlock()

	for _, p := range targets {
		tick := wire.TriggerTick{Time: int64(now), Step: cycleNo, Steps: slot.Due[p]}
		if err := m.send(ctx, wire.KindTriggerTick, "", tick, p); err != nil {
			m.logger.Warn("trigger tick not delivered", "participant", p, "error", err)
			m.ack(p, now)
		}
	}

	if m.sched != nil {
		m.sched.RunCycle(ctx, now)
	}

	timedOut, err := m.awaitAcks(ctx)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.phase = PhaseTriggering
	m.mu.Unlock()

	m.metrics.MasterCycle(int64(now))
	if m.observer != nil {
		m.observer.MasterCycle(CycleRecord{
			Cycle:        cycleNo,
			Time:         now,
			Participants: targets,
			TimedOut:     timedOut,
			Duration:     time.Since(began),
		})
	}
	return nil
}

func (m *Master) awaitAcks(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	m.phase = PhaseAwaitingAcks
	acked := m.acked
	m.signalAckedLocked()
	m.mu.Unlock()

	timer := time.NewTimer(m.cfg.AckTimeout)
	defer timer.Stop()

	select {
	case <-acked:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
	}

	m.mu.Lock()
	var late []string
	for p := range m.pending {
		late = append(late, p)
	}
	m.pending = make(map[string]bool)
	now := m.cycleTime
	m.mu.Unlock()
	sort.Strings(late)

	for _, p := range late {
		m.metrics.AckTimeout(p)
		m.incidents.Report(core.IncidentAckTimeout, core.SeverityWarning,
			fmt.Sprintf("no ack from %s within %s", p, m.cfg.AckTimeout), now)
	}
	return late, nil
}

// signalAckedLocked closes the ack channel once nothing is pending.
func (m *Master) signalAckedLocked() {
	if m.acked == nil || len(m.pending) > 0 {
		return
	}
	select {
	case <-m.acked:
	default:
		close(m.acked)
	}
}

func (m *Master) ack(participant string, t core.SimTime) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t != m.cycleTime || !m.pending[participant] {
		return
	}
	delete(m.pending, participant)
	m.signalAckedLocked()
}

func (m *Master) receive(msg transport.Message) {
	env, err := wire.Decode(msg.Data)
	if err != nil {
		return
	}
	from := transport.Normalize(msg.Source)

	switch env.Kind {
	case wire.KindTriggerAck:
		var a wire.TriggerAck
		if err := env.Unmarshal(&a); err != nil {
			return
		}
		m.ack(from, core.SimTime(a.Time))

	case wire.KindStepRegister:
		var req wire.StepRegister
		if err := env.Unmarshal(&req); err != nil {
			m.replyError(env, from, err)
			return
		}
		if err := m.Register(from, req.Steps); err != nil {
			m.replyError(env, from, err)
			return
		}
		_ = m.send(context.Background(), env.Kind.Reply(), env.ID, nil, from)

	case wire.KindStepUnregister:
		if err := m.Unregister(from); err != nil {
			m.replyError(env, from, err)
			return
		}
		_ = m.send(context.Background(), env.Kind.Reply(), env.ID, nil, from)

	case wire.KindExternalTime:
		var s wire.ExternalTime
		if err := env.Unmarshal(&s); err != nil || s.Validity < 0 {
			m.logger.Warn("external time sample dropped", "from", from, "error", err)
			return
		}
		m.Feed(ExternalSample{Time: core.SimTime(s.Time), Validity: core.SimTime(s.Validity)})
	}
}

func (m *Master) send(ctx context.Context, kind wire.Kind, id string, payload any, to string) error {
	data, err := wire.Encode(kind, id, payload)
	if err != nil {
		return err
	}
	return m.t.Transmit(ctx, data, to)
}

func (m *Master) replyError(req wire.Envelope, to string, cause error) {
	data, err := wire.EncodeError(req.Kind.Reply(), req.ID, cause)
	if err != nil {
		return
	}
	_ = m.t.Transmit(context.Background(), data, to)
}

func sleepUntil(ctx context.Context, deadline time.Time) error {
	d := time.Until(deadline)
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
