package participant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/roach88/lockstep/internal/clock"
	"github.com/roach88/lockstep/internal/clocksync"
	"github.com/roach88/lockstep/internal/config"
	"github.com/roach88/lockstep/internal/core"
	"github.com/roach88/lockstep/internal/incident"
	"github.com/roach88/lockstep/internal/introspect"
	"github.com/roach88/lockstep/internal/master"
	"github.com/roach88/lockstep/internal/metrics"
	"github.com/roach88/lockstep/internal/scheduler"
	"github.com/roach88/lockstep/internal/statemachine"
	"github.com/roach88/lockstep/internal/store"
	"github.com/roach88/lockstep/internal/transport"
)

// Names of the clocks a participant registers besides the built-ins.
const (
	NameSlaveContinuous = "slave_master_on_demand"
	NameSlaveDiscrete   = "slave_master_on_demand_discrete"
	NameTimingClient    = "timing_client"
)

// Role is what a participant does in a timing session.
type Role int

const (
	// RoleLocal drives its own scheduler from its active clock.
	RoleLocal Role = iota
	// RoleMaster is the session's timing master.
	RoleMaster
	// RoleClient executes ticks sent by the timing master.
	RoleClient
)

func (r Role) String() string {
	switch r {
	case RoleMaster:
		return "master"
	case RoleClient:
		return "client"
	default:
		return "local"
	}
}

// Option configures a Participant.
type Option func(*Participant)

// WithLogger sets the logger shared by every component of the participant.
func WithLogger(l *slog.Logger) Option {
	return func(p *Participant) { p.logger = l }
}

// WithMetrics records scheduler, clock and master metrics in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Participant) { p.metrics = m }
}

// WithIncidentSink adds a sink next to the log and the in-memory recorder.
func WithIncidentSink(s core.IncidentSink) Option {
	return func(p *Participant) { p.extraSinks = append(p.extraSinks, s) }
}

// WithJobObserver adds an observer of every job invocation.
func WithJobObserver(o scheduler.Observer) Option {
	return func(p *Participant) { p.jobObservers = append(p.jobObservers, o) }
}

// WithCycleObserver adds an observer of master cycles. Ignored unless the
// participant is the timing master.
func WithCycleObserver(o master.CycleObserver) Option {
	return func(p *Participant) { p.cycleObservers = append(p.cycleObservers, o) }
}

// WithStore records incidents, invocations and master cycles in s.
func WithStore(s *store.Store) Option {
	return func(p *Participant) { p.store = s }
}

// WithWall sets the wall clock of the local clocks and slave clocks.
func WithWall(w clock.WallClock) Option {
	return func(p *Participant) { p.wall = w }
}

// WithIDs sets the generator for request IDs.
func WithIDs(g core.IDGenerator) Option {
	return func(p *Participant) { p.ids = g }
}

// WithAutoStart makes the participant walk Idle -> Initializing -> Ready ->
// Running on its own.
func WithAutoStart() Option {
	return func(p *Participant) { p.autoStart = true }
}

// WithListenAddr serves the introspection API on addr during Run. Overrides
// introspect.listen.
func WithListenAddr(addr string) Option {
	return func(p *Participant) { p.listen = addr }
}

// Participant is one process taking part in a timing session.
type Participant struct {
	name string
	role Role
	cfg  core.ConfigStore
	t    transport.Transport

	logger         *slog.Logger
	metrics        *metrics.Metrics
	extraSinks     []core.IncidentSink
	jobObservers   []scheduler.Observer
	cycleObservers []master.CycleObserver
	store          *store.Store
	recorder       *store.Recorder
	wall           clock.WallClock
	ids            core.IDGenerator
	autoStart      bool
	listen         string

	incidents *incident.Recorder
	sink      core.IncidentSink
	machine   *statemachine.Machine
	clocks    *clock.Service
	caller    *clocksync.Caller
	server    *clocksync.Server
	sched     *scheduler.Scheduler
	master    *master.Master
	client    *master.Client

	ctx        context.Context
	cancel     context.CancelFunc
	stopListen func()
	wg         sync.WaitGroup

	mu         sync.Mutex
	gen        uint64
	registered bool
	running    bool
	lastError  string
	torn       bool
	bootOnce   sync.Once
}

// New builds a participant from cfg. t carries its name.
func New(cfg core.ConfigStore, t transport.Transport, opts ...Option) (*Participant, error) {
	const op = "participant.New"
	if cfg == nil || t == nil {
		return nil, core.Errorf(core.CodeInvalidArgument, op, "config store and transport are required")
	}

	p := &Participant{
		name:   transport.Normalize(t.Name()),
		cfg:    cfg,
		t:      t,
		logger: slog.Default(),
		wall:   clock.SystemWall{},
		ids:    core.UUIDv7Generator{},
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.listen == "" {
		p.listen = config.String(cfg, config.KeyIntrospectListen, "")
	}
	p.logger = p.logger.With("participant", p.name)
	p.ctx, p.cancel = context.WithCancel(context.Background())

	p.role = roleOf(p.name, cfg)
	p.buildIncidents()

	p.clocks = clock.NewService(
		clock.WithWallClock(p.wall),
		clock.WithServiceLogger(p.logger),
		clock.WithConfigStore(cfg),
	)
	p.machine = statemachine.New(p.name,
		statemachine.WithIncidentSink(p.sink),
		statemachine.WithLogger(p.logger),
		statemachine.WithMetrics(p.metrics),
		statemachine.WithTimeSource(p.clocks.GetTime),
	)
	p.caller = clocksync.NewCaller(t, p.ids)
	p.server = clocksync.NewServer(t, p.clocks,
		clocksync.WithServerIncidents(p.sink),
		clocksync.WithServerLogger(p.logger),
	)
	p.server.Start()
	p.clocks.AddSink(p.server)

	schedOpts := []scheduler.Option{
		scheduler.WithIncidentSink(p.sink),
		scheduler.WithErrorRaiser(scheduler.ErrorRaiserFunc(p.raiseError)),
		scheduler.WithMetrics(p.metrics),
		scheduler.WithLogger(p.logger),
		scheduler.WithConfigStore(cfg),
	}
	if obs := p.allJobObservers(); len(obs) > 0 {
		schedOpts = append(schedOpts, scheduler.WithObserver(obs))
	}
	p.sched = scheduler.New(schedOpts...)

	if err := p.buildRole(); err != nil {
		p.release()
		return nil, err
	}

	p.machine.AddListener(p)
	p.machine.OnCleanup(p.cleanup)
	p.stopListen = p.machine.Listen(t)
	if sub, ok := cfg.(interface {
		Subscribe(path string, fn config.ChangeFunc)
	}); ok {
		sub.Subscribe(config.KeyStandalone, p.standaloneChanged)
	}

	p.logger.Info("participant created", "role", p.role, "clocks", p.clocks.Clocks())
	return p, nil
}

func roleOf(name string, cfg core.ConfigStore) Role {
	mainClock := config.String(cfg, config.KeyMainClock, clock.NameRealtime)
	timingMaster := transport.Normalize(config.String(cfg, config.KeyTimingMaster, ""))
	switch {
	case mainClock == master.ClockName || (timingMaster != "" && timingMaster == name):
		return RoleMaster
	case timingMaster != "":
		return RoleClient
	default:
		return RoleLocal
	}
}

func (p *Participant) buildIncidents() {
	p.incidents = incident.NewRecorder()
	sinks := incident.Fanout{incident.NewLogger(p.logger), p.incidents}
	if p.store != nil {
		p.recorder = store.NewRecorder(p.store, p.name, p.logger)
		sinks = append(sinks, p.recorder)
	}
	sinks = append(sinks, p.extraSinks...)

	p.sink = sinks
	if perSec := config.Float(p.cfg, config.KeyIncidentRatePerSec, 0); perSec > 0 {
		burst := int(perSec)
		if burst < 1 {
			burst = 1
		}
		p.sink = incident.NewLimited(sinks, rate.Limit(perSec), burst)
	}
}

func (p *Participant) allJobObservers() jobObservers {
	obs := jobObservers(p.jobObservers)
	if p.recorder != nil {
		obs = append(obs, p.recorder)
	}
	return obs
}

func (p *Participant) allCycleObservers() cycleObservers {
	obs := cycleObservers(p.cycleObservers)
	if p.recorder != nil {
		obs = append(obs, p.recorder)
	}
	return obs
}

// buildRole registers the clocks and the master or client the role needs.
func (p *Participant) buildRole() error {
	switch p.role {
	case RoleMaster:
		mcfg, err := master.LoadConfig(p.cfg)
		if err != nil {
			return err
		}
		opts := []master.Option{
			master.WithIncidentSink(p.sink),
			master.WithMetrics(p.metrics),
			master.WithLogger(p.logger),
		}
		if obs := p.allCycleObservers(); len(obs) > 0 {
			opts = append(opts, master.WithObserver(obs))
		}
		p.master = master.New(p.t, p.sched, mcfg, opts...)
		if err := p.clocks.RegisterClock(p.master.Clock()); err != nil {
			return err
		}

	case RoleClient:
		follower := clock.NewFollower(NameTimingClient)
		if err := p.clocks.RegisterClock(follower); err != nil {
			return err
		}
		p.client = master.NewClient(p.t, p.caller, config.String(p.cfg, config.KeyTimingMaster, ""), p.sched, follower,
			master.WithClientIncidents(p.sink),
			master.WithClientLogger(p.logger),
			master.WithIDs(p.ids),
		)
	}
	return p.buildSlaves()
}

func (p *Participant) buildSlaves() error {
	mainClock := config.String(p.cfg, config.KeyMainClock, clock.NameRealtime)
	masterName := config.String(p.cfg, config.KeySyncMaster, "")
	wantSlave := mainClock == NameSlaveContinuous || mainClock == NameSlaveDiscrete
	if masterName == "" && !wantSlave {
		return nil
	}

	scfg := clocksync.SlaveConfig{
		Master:     masterName,
		Poll:       config.Millis(p.cfg, config.KeySyncCycleTimeMS, config.DefaultSyncCycleTimeMS*time.Millisecond),
		Timeout:    config.Millis(p.cfg, config.KeySyncTimeoutMS, config.DefaultSyncTimeoutMS*time.Millisecond),
		DriftBound: core.SimTime(config.Int(p.cfg, config.KeySyncDriftBound, config.DefaultSyncDriftBoundUS)),
	}
	slaveOpts := []clocksync.SlaveOption{
		clocksync.WithWall(p.wall),
		clocksync.WithIncidents(p.sink),
		clocksync.WithMetrics(p.metrics),
		clocksync.WithLogger(p.logger),
	}
	cont, err := clocksync.NewContinuousSlave(NameSlaveContinuous, p.caller, scfg, slaveOpts...)
	if err != nil {
		return err
	}
	disc, err := clocksync.NewDiscreteSlave(NameSlaveDiscrete, p.t, p.caller, scfg, slaveOpts...)
	if err != nil {
		return err
	}
	for _, c := range []clock.Clock{cont, disc} {
		if err := p.clocks.RegisterClock(c); err != nil {
			return err
		}
	}
	return nil
}

// Name returns the participant name.
func (p *Participant) Name() string { return p.name }

// Role returns the participant's role in the timing session.
func (p *Participant) Role() Role { return p.role }

func (p *Participant) Machine() *statemachine.Machine       { return p.machine }
func (p *Participant) Clocks() *clock.Service               { return p.clocks }
func (p *Participant) Scheduler() *scheduler.Scheduler      { return p.sched }
func (p *Participant) Incidents() []incident.Incident       { return p.incidents.Incidents() }
func (p *Participant) IncidentRecorder() *incident.Recorder { return p.incidents }

// Master returns the timing master, or nil unless Role is RoleMaster.
func (p *Participant) Master() *master.Master { return p.master }

// Client returns the timing client, or nil unless Role is RoleClient.
func (p *Participant) Client() *master.Client { return p.client }

// State returns the current lifecycle state.
func (p *Participant) State() statemachine.State { return p.machine.GetState() }

// LastError returns the reason of the last Error raised by a job.
func (p *Participant) LastError() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastError
}

// RegisterJob registers a job on the participant's scheduler.
func (p *Participant) RegisterJob(name string, cfg scheduler.StepConfig, fn scheduler.JobFunc, opts ...scheduler.JobOption) error {
	return p.sched.RegisterJob(name, cfg, fn, opts...)
}

// UnregisterJob removes a job from the participant's scheduler.
func (p *Participant) UnregisterJob(name string) error {
	return p.sched.UnregisterJob(name)
}

// Trigger runs one manual master cycle.
func (p *Participant) Trigger(ctx context.Context) (core.SimTime, error) {
	if p.master == nil {
		return core.NotAvailable, core.Errorf(core.CodeInvalidArgument, "participant.Trigger", "%s is not the timing master", p.name)
	}
	return p.master.Trigger(ctx)
}

// WaitForState waits for the state machine to reach state.
func (p *Participant) WaitForState(ctx context.Context, state statemachine.State, timeout time.Duration, failOnError bool) error {
	return p.machine.WaitForState(ctx, state, timeout, failOnError)
}

// Introspection returns the components served by the introspection API.
func (p *Participant) Introspection() introspect.Source {
	src := introspect.Source{
		Name:      p.name,
		Machine:   p.machine,
		Clocks:    p.clocks,
		Scheduler: p.sched,
		Incidents: p.incidents,
		Metrics:   p.metrics,
		Logger:    p.logger,
	}
	if p.master != nil && p.master.Config().Mode == master.ModeManual {
		src.Trigger = p.Trigger
	}
	return src
}

// Run runs the event thread, and the introspection server when an address
// is configured, until the participant shuts down or ctx is done. On ctx
// cancellation the participant is stopped and shut down.
func (p *Participant) Run(ctx context.Context) error {
	p.mu.Lock()
	if p.running || p.torn {
		p.mu.Unlock()
		return core.Errorf(core.CodeResourceInUse, "participant.Run", "%s already ran", p.name)
	}
	p.running = true
	p.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	srvCtx, stopSrv := context.WithCancel(gctx)
	defer stopSrv()

	p.bootOnce.Do(p.startup)

	g.Go(func() error {
		defer stopSrv()
		err := p.machine.Run(gctx)
		p.shutdown()
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	if p.listen != "" {
		g.Go(func() error {
			return introspect.Serve(srvCtx, p.listen, introspect.NewRouter(p.Introspection()), p.logger)
		})
	}
	return g.Wait()
}

// Close releases a participant that never ran. Run releases everything on
// its own; Close after Run is a no-op.
func (p *Participant) Close() {
	p.release()
}

// shutdown walks the machine to Shutdown after the event thread exited.
func (p *Participant) shutdown() {
	if p.machine.GetState() != statemachine.StateShutdown {
		p.machine.RaiseEvent(statemachine.EventStop)
		p.machine.RaiseEvent(statemachine.EventShutdown)
	}
	p.release()
}

// OnEnter binds lifecycle states to component actions.
func (p *Participant) OnEnter(state, previous statemachine.State) error {
	switch state {
	case statemachine.StateStartup:
		p.startup()
	case statemachine.StateIdle:
		if p.autoStart && previous == statemachine.StateStartup {
			p.machine.Post(statemachine.EventInitialize)
		}
	case statemachine.StateInitializing:
		p.initialize()
	case statemachine.StateReady:
		if p.autoStart {
			p.machine.Post(statemachine.EventStart)
		}
	case statemachine.StateRunning:
		return p.start()
	case statemachine.StateShutdown:
		p.release()
	}
	return nil
}

// OnExit stops the cycle machinery when leaving Running.
func (p *Participant) OnExit(state, next statemachine.State) error {
	if state == statemachine.StateRunning {
		p.stop()
	}
	return nil
}

func (p *Participant) startup() {
	if err := p.bringUp(); err != nil {
		p.fail("startup", err)
		return
	}
	p.machine.Post(statemachine.EventStartupDone)
}

func (p *Participant) bringUp() error {
	if err := p.clocks.Configure(p.cfg); err != nil {
		return err
	}
	switch p.role {
	case RoleMaster:
		if err := p.clocks.SelectClock(master.ClockName); err != nil {
			return err
		}
	case RoleClient:
		if err := p.clocks.SelectClock(NameTimingClient); err != nil {
			return err
		}
	}
	p.machine.SetStandalone(config.Bool(p.cfg, config.KeyStandalone, false))

	specs, err := ConfiguredJobs(p.cfg)
	if err != nil {
		return err
	}
	for _, spec := range specs {
		var opts []scheduler.JobOption
		if spec.Input != "" {
			opts = append(opts, scheduler.WithInputs(p.upstream(spec.Input)))
		}
		err := p.sched.RegisterJob(spec.Name, spec.Config, Workload(spec.Work), opts...)
		if err != nil && core.CodeOf(err) != core.CodeAlreadyExists {
			return err
		}
	}
	return nil
}

// upstream reports the last invocation time of job as the newest input.
func (p *Participant) upstream(job string) scheduler.InputSource {
	return func(core.SimTime) core.SimTime {
		info, ok := p.sched.Job(job)
		if !ok {
			return core.NotAvailable
		}
		return info.LastInvoked
	}
}

func (p *Participant) initialize() {
	switch p.role {
	case RoleMaster:
		p.master.Collect()
		p.machine.Post(statemachine.EventInitDone)
	case RoleClient:
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			if err := p.client.Register(p.ctx); err != nil {
				p.fail("register with timing master", err)
				return
			}
			p.mu.Lock()
			p.registered = true
			p.mu.Unlock()
			p.machine.Post(statemachine.EventInitDone)
		}()
	default:
		p.machine.Post(statemachine.EventInitDone)
	}
}

func (p *Participant) start() error {
	if err := p.clocks.Start(); err != nil {
		return p.fail("start clock", err)
	}

	p.mu.Lock()
	p.gen++
	gen := p.gen
	p.mu.Unlock()

	switch p.role {
	case RoleMaster:
		if err := p.master.Start(p.ctx); err != nil {
			return p.fail("start timing master", err)
		}
		if p.master.Config().Cycles > 0 {
			done := p.master.Done()
			p.wg.Add(1)
			go p.watchMaster(done, gen)
		}
	case RoleClient:
		if err := p.client.Start(p.ctx); err != nil {
			return p.fail("start timing client", err)
		}
	default:
		p.sched.Activate()
		if err := p.sched.Start(p.ctx, p.driver()); err != nil {
			return p.fail("start scheduler", err)
		}
	}
	return nil
}

// watchMaster stops the participant once the master ran its configured
// number of cycles.
func (p *Participant) watchMaster(done <-chan struct{}, gen uint64) {
	defer p.wg.Done()
	select {
	case <-done:
	case <-p.ctx.Done():
		return
	}
	p.mu.Lock()
	current := p.gen == gen
	p.mu.Unlock()
	if current {
		p.logger.Info("timing master finished its cycles", "cycles", p.master.Cycles())
		p.machine.Post(statemachine.EventStop)
	}
}

func (p *Participant) stop() {
	p.mu.Lock()
	p.gen++
	p.mu.Unlock()

	switch p.role {
	case RoleMaster:
		p.master.Stop()
	case RoleClient:
		p.client.Stop()
	default:
		p.sched.Stop()
		p.sched.Deactivate()
	}
	if err := p.clocks.Stop(); err != nil {
		p.logger.Warn("stop clock", "error", err)
	}
}

// driver picks how the local scheduler follows the active clock.
func (p *Participant) driver() scheduler.Driver {
	active := p.clocks.Active()
	if st, ok := active.(clock.Stepper); ok && steppable(active) {
		factor := 1.0
		if f, ok := active.(interface{ TimeFactor() float64 }); ok {
			factor = f.TimeFactor()
		}
		return scheduler.NewStepDriver(p.clocks, scheduler.PacedPeriod(st.CycleTime(), factor))
	}

	period := config.DefaultClockCycleTimeMS * time.Millisecond
	var cycles []core.SimTime
	for _, j := range p.sched.Jobs() {
		cycles = append(cycles, j.Config.CycleTime)
	}
	if g := scheduler.GCD(cycles...); g > 0 {
		period = g.Duration()
	}
	return scheduler.NewPollDriver(p.clocks, period)
}

func steppable(c clock.Clock) bool {
	switch c := c.(type) {
	case *clock.Continuous:
		return c.AFAP()
	default:
		return c.Kind() == clock.KindLocalDiscrete
	}
}

// cleanup withdraws from the timing master on restart and shutdown.
func (p *Participant) cleanup(from, to statemachine.State) error {
	p.mu.Lock()
	registered := p.registered
	p.registered = false
	p.mu.Unlock()
	if !registered || p.client == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(p.ctx, time.Second)
	defer cancel()
	if err := p.client.Unregister(ctx); err != nil {
		p.logger.Debug("unregister from timing master", "error", err)
	}
	return nil
}

// raiseError is the scheduler's route to the Error state.
func (p *Participant) raiseError(reason string) {
	p.mu.Lock()
	p.lastError = reason
	p.mu.Unlock()
	p.logger.Error("job raised error state", "reason", reason)
	p.machine.Post(statemachine.EventError)
}

// fail reports err and posts Error. Returns the wrapped error for listeners.
func (p *Participant) fail(what string, err error) error {
	err = fmt.Errorf("%s: %w", what, err)
	p.mu.Lock()
	p.lastError = err.Error()
	p.mu.Unlock()
	p.logger.Error("participant failure", "error", err)
	p.machine.Post(statemachine.EventError)
	return err
}

func (p *Participant) standaloneChanged(_, value string) {
	b, err := strconv.ParseBool(value)
	if err != nil {
		p.logger.Warn("invalid standalone value", "value", value)
		return
	}
	p.machine.SetStandalone(b)
}

// release frees transport handlers and background work. Safe to call more
// than once.
func (p *Participant) release() {
	p.mu.Lock()
	if p.torn {
		p.mu.Unlock()
		return
	}
	p.torn = true
	p.mu.Unlock()

	p.cancel()
	if p.master != nil {
		p.master.Close()
	}
	if p.client != nil {
		p.client.Stop()
	}
	p.sched.Stop()
	_ = p.clocks.Stop()
	if p.stopListen != nil {
		p.stopListen()
	}
	p.server.Stop()
	p.caller.Close()
	p.wg.Wait()
	if p.recorder != nil {
		p.recorder.Close()
	}
}

type jobObservers []scheduler.Observer

func (o jobObservers) JobInvoked(inv scheduler.Invocation) {
	for _, obs := range o {
		obs.JobInvoked(inv)
	}
}

type cycleObservers []master.CycleObserver

func (o cycleObservers) MasterCycle(rec master.CycleRecord) {
	for _, obs := range o {
		obs.MasterCycle(rec)
	}
}
