package statemachine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/roach88/lockstep/internal/core"
	"github.com/roach88/lockstep/internal/metrics"
	"github.com/roach88/lockstep/internal/queue"
)

// StateListener observes transitions.
type StateListener interface {
	OnEnter(state, previous State) error
	OnExit(state, next State) error
}

// ListenerFuncs adapts plain functions to StateListener. Nil fields are skipped.
type ListenerFuncs struct {
	Enter func(state, previous State) error
	Exit  func(state, next State) error
}

func (l ListenerFuncs) OnEnter(state, previous State) error {
	if l.Enter == nil {
		return nil
	}
	return l.Enter(state, previous)
}

func (l ListenerFuncs) OnExit(state, next State) error {
	if l.Exit == nil {
		return nil
	}
	return l.Exit(state, next)
}

// TransitionGuard may veto a transition by returning an error.
type TransitionGuard interface {
	AllowTransition(from, to State, ev Event) error
}

// GuardFunc adapts a function to TransitionGuard.
type GuardFunc func(from, to State, ev Event) error

func (f GuardFunc) AllowTransition(from, to State, ev Event) error { return f(from, to, ev) }

// CleanupFunc runs on transitions from Idle or Error to Startup or Shutdown.
type CleanupFunc func(from, to State) error

type queued struct {
	ev      Event
	remote  bool
	control ControlEvent
}

// Machine is one participant's state machine.
type Machine struct {
	name string

	// transitionMu serializes transitions; mu guards the fields below it and
	// is never held across a listener call.
	transitionMu sync.Mutex
	mu           sync.RWMutex
	current      State
	beforeError  State
	reached      chan struct{}
	listeners    []StateListener
	guards       []TransitionGuard
	cleanups     []CleanupFunc
	lastSeq      map[string]uint64

	standalone atomic.Bool
	seq        core.Sequence
	events     *queue.Queue[queued]

	incidents core.IncidentSink
	logger    *slog.Logger
	metrics   *metrics.Metrics
	now       func() core.SimTime
}

// Option configures a Machine.
type Option func(*Machine)

// WithIncidentSink sets where listener failures and vetoes are reported.
func WithIncidentSink(s core.IncidentSink) Option {
	return func(m *Machine) { m.incidents = s }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Machine) { m.logger = l }
}

// WithMetrics records transitions.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Machine) { m.metrics = mt }
}

// WithTimeSource stamps incidents with simulation time.
func WithTimeSource(now func() core.SimTime) Option {
	return func(m *Machine) { m.now = now }
}

// New creates a Machine for participant name in Startup.
func New(name string, opts ...Option) *Machine {
	m := &Machine{
		name:      name,
		current:   StateStartup,
		reached:   make(chan struct{}),
		lastSeq:   make(map[string]uint64),
		events:    queue.New[queued](),
		incidents: core.NopSink{},
		logger:    slog.Default(),
		now:       func() core.SimTime { return core.NotAvailable },
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("participant", name)
	return m
}

// Name returns the participant name.
func (m *Machine) Name() string { return m.name }

// AddListener appends l to the ordered listener list.
func (m *Machine) AddListener(l StateListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

// AddGuard appends a transition guard.
func (m *Machine) AddGuard(g TransitionGuard) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.guards = append(m.guards, g)
}

// OnCleanup appends a cleanup hook.
func (m *Machine) OnCleanup(fn CleanupFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cleanups = append(m.cleanups, fn)
}

// GetState returns the last fully reached state.
func (m *Machine) GetState() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// SetStandalone enables or disables standalone mode. While enabled, remote
// control events are dropped.
func (m *Machine) SetStandalone(enabled bool) {
	if m.standalone.Swap(enabled) == enabled {
		return
	}
	msg := "standalone mode disabled, remote control events honored"
	if enabled {
		msg = "standalone mode enabled, remote control events dropped"
	}
	m.incidents.Report(core.IncidentStandaloneChanged, core.SeverityInfo, msg, m.now())
}

// Standalone reports whether standalone mode is enabled.
func (m *Machine) Standalone() bool {
	return m.standalone.Load()
}

// RaiseEvent runs the transition for a locally raised event.
func (m *Machine) RaiseEvent(ev Event) Outcome {
	m.transitionMu.Lock()
	defer m.transitionMu.Unlock()
	return m.fire(ev)
}

// Post queues a local event for the event thread. Returns false after
// Shutdown.
func (m *Machine) Post(ev Event) bool {
	return m.events.Enqueue(queued{ev: ev})
}

// Run processes queued events until ctx is done or the machine shuts down.
func (m *Machine) Run(ctx context.Context) error {
	for {
		for q, ok := m.events.TryDequeue(); ok; q, ok = m.events.TryDequeue() {
			if q.remote {
				m.HandleControl(q.control)
			} else {
				m.RaiseEvent(q.ev)
			}
		}
		if m.events.Closed() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.events.Wait():
		}
	}
}

// HandleControl applies a remote control event. It is dropped (Ignored) when
// standalone mode is on, when the target does not address this participant,
// or when its sequence id is not newer than the last one from the sender.
func (m *Machine) HandleControl(ce ControlEvent) Outcome {
	if m.standalone.Load() {
		m.logger.Debug("dropping remote event in standalone mode", "event", ce.Event, "sender", ce.Sender)
		return Ignored
	}
	if !ce.Addresses(m.name) {
		return Ignored
	}
	if !m.acceptSeq(ce) {
		m.logger.Debug("dropping stale remote event", "event", ce.Event, "sender", ce.Sender, "seq", ce.Seq)
		return Ignored
	}
	return m.RaiseEvent(ce.Event)
}

func (m *Machine) acceptSeq(ce ControlEvent) bool {
	if ce.Seq == 0 {
		return true
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if ce.Seq <= m.lastSeq[ce.Sender] {
		return false
	}
	m.lastSeq[ce.Sender] = ce.Seq
	return true
}

func (m *Machine) fire(ev Event) Outcome {
	m.mu.RLock()
	from, beforeError := m.current, m.beforeError
	listeners, guards, cleanups := m.listeners, m.guards, m.cleanups
	m.mu.RUnlock()

	to, ok := Next(from, ev, beforeError)
	if !ok {
		m.logger.Debug("event ignored", "state", from, "event", ev)
		return Ignored
	}

	for _, g := range guards {
		if err := m.safe(func() error { return g.AllowTransition(from, to, ev) }); err != nil {
			m.incidents.Report(core.IncidentTransitionVetoed, core.SeverityWarning,
				fmt.Sprintf("transition %s -> %s vetoed: %v", from, to, err), m.now())
			return Ignored
		}
	}

	for _, l := range listeners {
		if err := m.safe(func() error { return l.OnExit(from, to) }); err != nil {
			m.reportListener("exit", from, err)
		}
	}
	if isCleanup(from, to) {
		for _, fn := range cleanups {
			if err := m.safe(func() error { return fn(from, to) }); err != nil {
				m.reportListener("cleanup", from, err)
			}
		}
	}
	for _, l := range listeners {
		if err := m.safe(func() error { return l.OnEnter(to, from) }); err != nil {
			m.reportListener("entry", to, err)
		}
	}

	m.mu.Lock()
	if to == StateError {
		m.beforeError = from
	}
	m.current = to
	close(m.reached)
	m.reached = make(chan struct{})
	if to == StateShutdown {
		m.listeners, m.guards, m.cleanups = nil, nil, nil
	}
	m.mu.Unlock()

	m.metrics.Transition(from.String(), to.String())
	m.logger.Info("state changed", "from", from, "to", to, "event", ev)

	if to == StateShutdown {
		m.events.Close()
	}
	return Accepted
}

func (m *Machine) reportListener(phase string, state State, err error) {
	m.incidents.Report(core.IncidentListenerFailed, core.SeverityWarning,
		fmt.Sprintf("%s listener for %s failed: %v", phase, state, err), m.now())
}

// safe converts a listener panic into an error.
func (m *Machine) safe(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}
