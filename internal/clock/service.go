package clock

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/lockstep/internal/config"
	"github.com/roach88/lockstep/internal/core"
)

// Names of the built-in clocks.
const (
	NameRealtime = "local_system_realtime"
	NameSimtime  = "local_system_simtime"
)

// Service owns the registered clocks of a participant and the active one.
//
// The clock set and the active selection can only change while the service
// is stopped. The mutex is never held while a clock emits events.
type Service struct {
	mu       sync.RWMutex
	clocks   map[string]Clock
	order    []string
	builtin  map[string]bool
	active   Clock
	started  bool
	sinks    []sinkEntry
	nextSink int

	wall   WallClock
	config core.ConfigStore
	logger *slog.Logger
}

type sinkEntry struct {
	id   int
	sink EventSink
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithWallClock sets the wall-time source of the built-in continuous clock.
func WithWallClock(w WallClock) ServiceOption {
	return func(s *Service) { s.wall = w }
}

// WithServiceLogger sets the logger.
func WithServiceLogger(l *slog.Logger) ServiceOption {
	return func(s *Service) { s.logger = l }
}

// WithConfigStore makes the service publish the active clock name.
func WithConfigStore(c core.ConfigStore) ServiceOption {
	return func(s *Service) { s.config = c }
}

// NewService creates a service with both built-in clocks at default
// settings and the realtime clock selected.
func NewService(opts ...ServiceOption) *Service {
	s := &Service{
		clocks:  make(map[string]Clock),
		builtin: make(map[string]bool),
		wall:    SystemWall{},
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.installBuiltins(cycleFromMillis(config.DefaultClockCycleTimeMS), config.DefaultTimeFactor)
	s.active = s.clocks[NameRealtime]
	return s
}

func cycleFromMillis(ms int64) core.SimTime {
	return core.FromDuration(time.Duration(ms) * time.Millisecond)
}

func (s *Service) installBuiltins(cycle core.SimTime, factor float64) {
	rt := NewContinuous(NameRealtime, factor, cycle, s.wall)
	st := NewDiscrete(NameSimtime, cycle, factor)
	for _, c := range []Clock{rt, st} {
		if _, ok := s.clocks[c.Name()]; !ok {
			s.order = append(s.order, c.Name())
		}
		s.clocks[c.Name()] = c
		s.builtin[c.Name()] = true
	}
}

// Configure rebuilds the built-in clocks from cfg and selects the main
// clock. Out-of-range values fall back to their defaults.
func (s *Service) Configure(cfg core.ConfigStore) error {
	const op = "clock.Configure"

	cycleMS := config.Int(cfg, config.KeyClockCycleTimeMS, config.DefaultClockCycleTimeMS)
	if cycleMS <= 0 {
		s.logger.Warn("invalid clock cycle time, using default", "cycle_time_ms", cycleMS)
		cycleMS = config.DefaultClockCycleTimeMS
	}
	factor := config.Float(cfg, config.KeyClockTimeFactor, config.DefaultTimeFactor)
	if factor < 0.1 && factor != 0 {
		s.logger.Warn("invalid time factor, using default", "time_factor", factor)
		factor = config.DefaultTimeFactor
	}
	main := config.String(cfg, config.KeyMainClock, NameRealtime)

	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return core.Errorf(core.CodeResourceInUse, op, "clock service is running")
	}
	activeName := ""
	if s.active != nil {
		activeName = s.active.Name()
	}
	s.installBuiltins(cycleFromMillis(cycleMS), factor)
	if s.builtin[activeName] {
		s.active = s.clocks[activeName]
	}
	s.mu.Unlock()

	return s.SelectClock(main)
}

// RegisterClock adds c.
func (s *Service) RegisterClock(c Clock) error {
	const op = "clock.RegisterClock"
	if c == nil || c.Name() == "" {
		return core.Errorf(core.CodeInvalidArgument, op, "clock without name")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return core.Errorf(core.CodeResourceInUse, op, "clock service is running")
	}
	if _, ok := s.clocks[c.Name()]; ok {
		return core.Errorf(core.CodeAlreadyExists, op, "clock %q", c.Name())
	}
	s.clocks[c.Name()] = c
	s.order = append(s.order, c.Name())
	return nil
}

// UnregisterClock removes a registered clock. Built-ins cannot be removed.
// Removing the active clock reselects the realtime clock.
func (s *Service) UnregisterClock(name string) error {
	const op = "clock.UnregisterClock"

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return core.Errorf(core.CodeResourceInUse, op, "clock service is running")
	}
	c, ok := s.clocks[name]
	if !ok {
		return core.Errorf(core.CodeNotFound, op, "clock %q", name)
	}
	if s.builtin[name] {
		return core.Errorf(core.CodeInvalidArgument, op, "built-in clock %q", name)
	}
	delete(s.clocks, name)
	for i, n := range s.order {
		if n == name {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	if s.active == c {
		s.active = s.clocks[NameRealtime]
	}
	return nil
}

// SelectClock makes name the active clock.
func (s *Service) SelectClock(name string) error {
	const op = "clock.SelectClock"

	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return core.Errorf(core.CodeResourceInUse, op, "clock service is running")
	}
	c, ok := s.clocks[name]
	if !ok {
		s.mu.Unlock()
		return core.Errorf(core.CodeNotFound, op, "clock %q", name)
	}
	s.active = c
	s.mu.Unlock()

	s.publish(name)
	return nil
}

func (s *Service) publish(name string) {
	if s.config == nil {
		return
	}
	if err := s.config.SetValue(config.KeyActiveClock, name); err != nil {
		s.logger.Debug("publishing active clock failed", "error", err)
	}
}

// Start starts the active clock.
func (s *Service) Start() error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	active := s.active
	s.mu.Unlock()

	if err := active.Start(s); err != nil {
		s.mu.Lock()
		s.started = false
		s.mu.Unlock()
		return fmt.Errorf("start clock %s: %w", active.Name(), err)
	}
	s.logger.Debug("clock started", "clock", active.Name(), "kind", active.Kind())
	return nil
}

// Stop stops the active clock.
func (s *Service) Stop() error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	active := s.active
	s.mu.Unlock()

	if err := active.Stop(); err != nil {
		return fmt.Errorf("stop clock %s: %w", active.Name(), err)
	}
	return nil
}

// Started reports whether the service is running.
func (s *Service) Started() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.started
}

// GetTime returns the active clock's time, or core.NotAvailable while the
// service is stopped.
func (s *Service) GetTime() core.SimTime {
	s.mu.RLock()
	started, active := s.started, s.active
	s.mu.RUnlock()
	if !started {
		return core.NotAvailable
	}
	return active.Time()
}

// GetActiveClockName returns the name of the active clock.
func (s *Service) GetActiveClockName() string {
	return s.Active().Name()
}

// Active returns the active clock.
func (s *Service) Active() Clock {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

// Clocks returns the registered clock names in registration order.
func (s *Service) Clocks() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.order...)
}

// Step advances a steppable active clock by one cycle.
func (s *Service) Step() (core.SimTime, error) {
	const op = "clock.Step"
	s.mu.RLock()
	started, active := s.started, s.active
	s.mu.RUnlock()

	if !started {
		return core.NotAvailable, core.Errorf(core.CodeResourceInUse, op, "clock service is stopped")
	}
	st, ok := active.(Stepper)
	if !ok {
		return core.NotAvailable, core.Errorf(core.CodeInvalidArgument, op, "clock %q cannot be stepped", active.Name())
	}
	return st.Step(), nil
}

// AddSink subscribes to events of whichever clock is active. The returned
// func unsubscribes.
func (s *Service) AddSink(sink EventSink) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSink++
	id := s.nextSink
	s.sinks = append(s.sinks, sinkEntry{id: id, sink: sink})
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, e := range s.sinks {
			if e.id == id {
				s.sinks = append(s.sinks[:i:i], s.sinks[i+1:]...)
				return
			}
		}
	}
}

func (s *Service) each(fn func(EventSink)) {
	s.mu.RLock()
	sinks := append([]sinkEntry(nil), s.sinks...)
	s.mu.RUnlock()
	for _, e := range sinks {
		fn(e.sink)
	}
}

func (s *Service) TimeUpdateBegin(old, new core.SimTime) {
	s.each(func(k EventSink) { k.TimeUpdateBegin(old, new) })
}

func (s *Service) TimeUpdating(new core.SimTime) {
	s.each(func(k EventSink) { k.TimeUpdating(new) })
}

func (s *Service) TimeUpdateEnd(new core.SimTime) {
	s.each(func(k EventSink) { k.TimeUpdateEnd(new) })
}

func (s *Service) TimeResetBegin(old, new core.SimTime) {
	s.each(func(k EventSink) { k.TimeResetBegin(old, new) })
}

func (s *Service) TimeResetEnd(new core.SimTime) {
	s.each(func(k EventSink) { k.TimeResetEnd(new) })
}
