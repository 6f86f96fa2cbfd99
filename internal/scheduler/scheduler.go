package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/roach88/lockstep/internal/config"
	"github.com/roach88/lockstep/internal/core"
	"github.com/roach88/lockstep/internal/metrics"
)

// JobFunc is a job callback. now is the simulation time of the cycle.
type JobFunc func(ctx context.Context, now core.SimTime) error

// InputSource reports the simulation time of the newest upstream data
// available for a job due at due, or core.NotAvailable if there is none.
type InputSource func(due core.SimTime) core.SimTime

// ErrorRaiser moves the owning participant into Error.
type ErrorRaiser interface {
	RaiseError(reason string)
}

// ErrorRaiserFunc adapts a function to ErrorRaiser.
type ErrorRaiserFunc func(reason string)

func (f ErrorRaiserFunc) RaiseError(reason string) { f(reason) }

// Observer receives one record per invocation attempt.
type Observer interface {
	JobInvoked(inv Invocation)
}

// Invocation describes one scheduled run of a job.
type Invocation struct {
	Job     string
	Due     core.SimTime
	Now     core.SimTime
	Runtime time.Duration

	RuntimeViolation bool
	InputViolation   bool
	Skipped          bool // callback not run
	OutputSkipped    bool
	Err              string
}

// JobInfo is a snapshot of a registered job.
type JobInfo struct {
	Name        string
	Config      StepConfig
	NextDue     core.SimTime
	LastInvoked core.SimTime
	Invocations uint64
	Missed      uint64
}

// JobOption configures optional job phases.
type JobOption func(*job)

// WithOutput sets a phase run after the callback unless a violation strategy
// skips it.
func WithOutput(fn JobFunc) JobOption {
	return func(j *job) { j.output = fn }
}

// WithInputs sets the source used for the input-wait check.
func WithInputs(src InputSource) JobOption {
	return func(j *job) { j.inputs = src }
}

type job struct {
	name   string
	cfg    StepConfig
	run    JobFunc
	output JobFunc
	inputs InputSource
	order  uint64

	// guarded by Scheduler.mu
	nextDue     core.SimTime
	lastInvoked core.SimTime
	count       uint64
	missed      uint64
	removed     bool

	busy chan struct{}
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithIncidentSink reports violations and job failures to s.
func WithIncidentSink(s core.IncidentSink) Option {
	return func(sc *Scheduler) { sc.incidents = s }
}

// WithErrorRaiser is called when a SetErrorState violation occurs.
func WithErrorRaiser(r ErrorRaiser) Option {
	return func(sc *Scheduler) { sc.raiser = r }
}

// WithObserver is told about every invocation.
func WithObserver(o Observer) Option {
	return func(sc *Scheduler) { sc.observer = o }
}

// WithMetrics records job runtimes and violations.
func WithMetrics(m *metrics.Metrics) Option {
	return func(sc *Scheduler) { sc.metrics = m }
}

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(sc *Scheduler) { sc.logger = l }
}

// WithConfigStore publishes registered job configs under scheduler.jobs.
func WithConfigStore(c core.ConfigStore) Option {
	return func(sc *Scheduler) { sc.config = c }
}

// WithUnregisterTimeout bounds how long UnregisterJob waits for an
// in-flight invocation.
func WithUnregisterTimeout(d time.Duration) Option {
	return func(sc *Scheduler) { sc.unregisterTimeout = d }
}

// Scheduler is the job registry and cycle executor of one participant.
type Scheduler struct {
	mu     sync.Mutex
	jobs   []*job
	byName map[string]*job
	order  uint64
	active bool

	incidents         core.IncidentSink
	raiser            ErrorRaiser
	observer          Observer
	metrics           *metrics.Metrics
	logger            *slog.Logger
	config            core.ConfigStore
	unregisterTimeout time.Duration

	loopMu sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates an inactive scheduler.
func New(opts ...Option) *Scheduler {
	s := &Scheduler{
		byName:            make(map[string]*job),
		incidents:         core.NopSink{},
		logger:            slog.Default(),
		unregisterTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RegisterJob adds a job. Fails with ALREADY_EXISTS for a duplicate name,
// RESOURCE_IN_USE while the scheduler is active.
func (s *Scheduler) RegisterJob(name string, cfg StepConfig, fn JobFunc, opts ...JobOption) error {
	const op = "scheduler.RegisterJob"
	if name == "" {
		return core.Errorf(core.CodeInvalidArgument, op, "empty job name")
	}
	if fn == nil {
		return core.Errorf(core.CodeInvalidArgument, op, "job %q has no callback", name)
	}
	if err := cfg.Validate(); err != nil {
		return core.Wrap(core.CodeInvalidArgument, op, err, fmt.Sprintf("job %q", name))
	}

	j := &job{
		name:        name,
		cfg:         cfg,
		run:         fn,
		lastInvoked: core.NotAvailable,
		busy:        make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(j)
	}

	s.mu.Lock()
	if s.active {
		s.mu.Unlock()
		return core.Errorf(core.CodeResourceInUse, op, "scheduler is active")
	}
	if _, ok := s.byName[name]; ok {
		s.mu.Unlock()
		return core.Errorf(core.CodeAlreadyExists, op, "job %q", name)
	}
	s.order++
	j.order = s.order
	s.jobs = append(s.jobs, j)
	s.byName[name] = j
	s.mu.Unlock()

	s.publish(j)
	s.logger.Debug("job registered", "job", name, "cycle_time", int64(cfg.CycleTime))
	return nil
}

func (s *Scheduler) publish(j *job) {
	if s.config == nil {
		return
	}
	prefix := config.KeyJobsPrefix + "." + j.name + "."
	values := map[string]string{
		config.JobCycleTimeUS:      strconv.FormatInt(int64(j.cfg.CycleTime), 10),
		config.JobMaxRuntimeUS:     strconv.FormatInt(j.cfg.MaxRuntime.Microseconds(), 10),
		config.JobMaxInputWaitUS:   strconv.FormatInt(int64(j.cfg.MaxInputWait), 10),
		config.JobRuntimeViolation: j.cfg.RuntimeViolation.String(),
		config.JobInputViolation:   j.cfg.InputViolation.String(),
		config.JobRegistered:       "true",
	}
	for k, v := range values {
		if err := s.config.SetValue(prefix+k, v); err != nil {
			s.logger.Warn("publish job config", "job", j.name, "key", k, "error", err)
		}
	}
}

// UnregisterJob removes a job. If the job is mid-invocation it waits for
// the invocation to finish, up to the unregister timeout. On TIMEOUT the job
// stays registered, so a job that unregisters itself from its own callback
// keeps running.
func (s *Scheduler) UnregisterJob(name string) error {
	const op = "scheduler.UnregisterJob"

	s.mu.Lock()
	j, ok := s.byName[name]
	s.mu.Unlock()
	if !ok {
		return core.Errorf(core.CodeNotFound, op, "job %q", name)
	}

	timer := time.NewTimer(s.unregisterTimeout)
	defer timer.Stop()
	select {
	case j.busy <- struct{}{}:
	case <-timer.C:
		return core.Errorf(core.CodeTimeout, op, "job %q still running after %s", name, s.unregisterTimeout)
	}
	defer func() { <-j.busy }()

	s.mu.Lock()
	if s.byName[name] != j {
		s.mu.Unlock()
		return core.Errorf(core.CodeNotFound, op, "job %q", name)
	}
	delete(s.byName, name)
	for i, other := range s.jobs {
		if other == j {
			s.jobs = append(s.jobs[:i], s.jobs[i+1:]...)
			break
		}
	}
	j.removed = true
	s.mu.Unlock()

	if s.config != nil {
		_ = s.config.SetValue(config.KeyJobsPrefix+"."+name+"."+config.JobRegistered, "false")
	}
	return nil
}

// Jobs returns the registered jobs in registration order.
func (s *Scheduler) Jobs() []JobInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobInfo, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j.info())
	}
	return out
}

// Job returns one job by name.
func (s *Scheduler) Job(name string) (JobInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.byName[name]
	if !ok {
		return JobInfo{}, false
	}
	return j.info(), true
}

func (j *job) info() JobInfo {
	return JobInfo{
		Name:        j.name,
		Config:      j.cfg,
		NextDue:     j.nextDue,
		LastInvoked: j.lastInvoked,
		Invocations: j.count,
		Missed:      j.missed,
	}
}

// Activate resets every job's due time to 0 and enables RunCycle.
func (s *Scheduler) Activate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		j.nextDue = 0
		j.lastInvoked = core.NotAvailable
		j.count = 0
		j.missed = 0
	}
	s.active = true
}

// Deactivate disables RunCycle. It does not stop a running loop.
func (s *Scheduler) Deactivate() {
	s.mu.Lock()
	s.active = false
	s.mu.Unlock()
}

// Active reports whether jobs are being scheduled.
func (s *Scheduler) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

type dueJob struct {
	j   *job
	due core.SimTime
}

// RunCycle invokes every job due at or before now and returns how many
// callbacks ran. A no-op while inactive or when now is not available.
func (s *Scheduler) RunCycle(ctx context.Context, now core.SimTime) int {
	if !now.Valid() {
		return 0
	}

	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return 0
	}
	var due []dueJob
	for _, j := range s.jobs {
		if j.nextDue <= now {
			due = append(due, dueJob{j: j, due: j.nextDue})
			next, missed := nextDue(j.nextDue, j.cfg.CycleTime, now)
			j.nextDue = next
			j.missed += uint64(missed)
			if missed > 0 {
				s.metrics.MissedCycles(j.name, missed)
			}
		}
	}
	s.mu.Unlock()

	sort.SliceStable(due, func(a, b int) bool {
		if due[a].due != due[b].due {
			return due[a].due < due[b].due
		}
		return due[a].j.order < due[b].j.order
	})

	ran := 0
	for _, d := range due {
		if ctx.Err() != nil {
			break
		}
		if s.invoke(ctx, d.j, d.due, now) {
			ran++
		}
	}
	s.metrics.Cycle(int64(now))
	return ran
}

func (s *Scheduler) invoke(ctx context.Context, j *job, due, now core.SimTime) bool {
	j.busy <- struct{}{}
	defer func() { <-j.busy }()

	s.mu.Lock()
	removed := j.removed
	s.mu.Unlock()
	if removed {
		return false
	}

	inv := Invocation{Job: j.name, Due: due, Now: now}
	defer func() {
		if s.observer != nil {
			s.observer.JobInvoked(inv)
		}
	}()

	if j.inputs != nil && j.cfg.MaxInputWait > 0 {
		newest := j.inputs(due)
		if !newest.Valid() || due-newest > j.cfg.MaxInputWait {
			inv.InputViolation = true
			msg := fmt.Sprintf("job %s: input at %s older than %s for due time %s", j.name, newest, j.cfg.MaxInputWait, due)
			if s.violation(j, metrics.KindInput, core.IncidentInputViolation, j.cfg.InputViolation, msg, now) {
				inv.OutputSkipped = true
			}
			if j.cfg.InputViolation == SetErrorState {
				inv.Skipped = true
				return false
			}
		}
	}

	start := time.Now()
	err := safeRun(ctx, j.run, now)
	inv.Runtime = time.Since(start)
	s.metrics.JobRun(j.name, inv.Runtime)

	s.mu.Lock()
	j.lastInvoked = now
	j.count++
	s.mu.Unlock()

	if err != nil {
		inv.Err = err.Error()
		inv.OutputSkipped = true
		s.metrics.Violation(j.name, metrics.KindFailed)
		s.incidents.Report(core.IncidentJobFailed, core.SeverityWarning,
			fmt.Sprintf("job %s: %v", j.name, err), now)
	}

	if j.cfg.MaxRuntime > 0 && inv.Runtime > j.cfg.MaxRuntime {
		inv.RuntimeViolation = true
		msg := fmt.Sprintf("job %s: runtime %s exceeds %s", j.name, inv.Runtime, j.cfg.MaxRuntime)
		if s.violation(j, metrics.KindRuntime, core.IncidentRuntimeViolation, j.cfg.RuntimeViolation, msg, now) {
			inv.OutputSkipped = true
		}
	}

	if j.output != nil && !inv.OutputSkipped {
		if err := safeRun(ctx, j.output, now); err != nil {
			inv.Err = err.Error()
			s.incidents.Report(core.IncidentJobFailed, core.SeverityWarning,
				fmt.Sprintf("job %s output: %v", j.name, err), now)
		}
	}
	return true
}

// violation applies a strategy and reports whether output must be skipped.
func (s *Scheduler) violation(j *job, kind string, code core.IncidentCode, strategy Strategy, msg string, now core.SimTime) bool {
	s.metrics.Violation(j.name, kind)
	switch strategy {
	case Ignore:
		s.logger.Debug("violation ignored", "job", j.name, "kind", kind)
		return false
	case Warn:
		s.incidents.Report(code, core.SeverityWarning, msg, now)
		return false
	case SkipOutput:
		s.incidents.Report(code, core.SeverityWarning, msg, now)
		return true
	default:
		s.incidents.Report(code, core.SeverityCritical, msg, now)
		s.Deactivate()
		if s.raiser != nil {
			s.raiser.RaiseError(msg)
		}
		return true
	}
}

func safeRun(ctx context.Context, fn JobFunc, now core.SimTime) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx, now)
}

// Start runs RunCycle in a goroutine for each time the driver yields.
func (s *Scheduler) Start(ctx context.Context, d Driver) error {
	s.loopMu.Lock()
	defer s.loopMu.Unlock()
	if s.done != nil {
		return core.Errorf(core.CodeResourceInUse, "scheduler.Start", "loop already running")
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.cancel, s.done = cancel, done

	go func() {
		defer close(done)
		for {
			now, err := d.Next(ctx)
			if err != nil {
				return
			}
			s.RunCycle(ctx, now)
		}
	}()
	return nil
}

// Stop ends the loop started by Start and waits for the current cycle.
func (s *Scheduler) Stop() {
	s.loopMu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.loopMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}
