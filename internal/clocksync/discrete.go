package clocksync

import (
	"context"
	"sync"
	"time"

	"github.com/roach88/lockstep/internal/clock"
	"github.com/roach88/lockstep/internal/core"
	"github.com/roach88/lockstep/internal/transport"
	"github.com/roach88/lockstep/internal/wire"
)

const followedEvents = wire.EventUpdating | wire.EventResetEnd

// DiscreteSlave is a discrete clock that follows the master's clock events.
// It moves only when the master moves, so it never reads ahead of the
// master.
type DiscreteSlave struct {
	cfg    SlaveConfig
	t      transport.Transport
	caller *Caller
	deps   slaveDeps
	clock  *clock.Discrete

	mu     sync.Mutex
	cancel func()

	// early is the newest event time seen before the clock started.
	// receive must not take mu: Start holds it while awaiting replies.
	evMu    sync.Mutex
	started bool
	early   core.SimTime
}

// NewDiscreteSlave creates a stopped slave clock.
func NewDiscreteSlave(name string, t transport.Transport, caller *Caller, cfg SlaveConfig, opts ...SlaveOption) (*DiscreteSlave, error) {
	if cfg.Master == "" {
		return nil, core.Errorf(core.CodeInvalidArgument, "clocksync.NewDiscreteSlave", "no master configured for %s", name)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 500 * time.Millisecond
	}
	return &DiscreteSlave{
		cfg:    cfg,
		t:      t,
		caller: caller,
		deps:   buildDeps(opts),
		clock:  clock.NewFollower(name),
		early:  core.NotAvailable,
	}, nil
}

func (s *DiscreteSlave) Name() string       { return s.clock.Name() }
func (s *DiscreteSlave) Kind() clock.Kind   { return clock.KindSyncSlaveDiscrete }
func (s *DiscreteSlave) Time() core.SimTime { return s.clock.Time() }

// Start registers with the master and adopts its current time, or the
// newest event forwarded while registering if that is later. Fails with
// NOT_FOUND when the master does not answer.
func (s *DiscreteSlave) Start(sink clock.EventSink) error {
	const op = "clocksync.DiscreteSlave.Start"
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return core.Errorf(core.CodeResourceInUse, op, "%s already started", s.Name())
	}

	s.evMu.Lock()
	s.started = false
	s.early = core.NotAvailable
	s.evMu.Unlock()
	cancel := s.t.OnReceive(s.receive)

	ctx := context.Background()
	reg := wire.SlaveRegister{Slave: s.t.Name(), Events: followedEvents}
	if err := s.caller.Call(ctx, s.cfg.Master, wire.KindSlaveRegister, reg, nil, s.cfg.Timeout); err != nil {
		cancel()
		return core.Wrap(core.CodeNotFound, op, err, "master "+s.cfg.Master)
	}
	var resp wire.TimeResponse
	if err := s.caller.Call(ctx, s.cfg.Master, wire.KindTimeRequest, nil, &resp, s.cfg.Timeout); err != nil {
		cancel()
		s.unregister()
		return core.Wrap(core.CodeNotFound, op, err, "master "+s.cfg.Master)
	}

	if err := s.clock.Start(sink); err != nil {
		cancel()
		s.unregister()
		return err
	}
	s.evMu.Lock()
	next := core.SimTime(resp.Time)
	if s.early > next {
		next = s.early
	}
	s.started = true
	s.evMu.Unlock()
	if next > s.clock.Time() {
		s.clock.SetTime(next)
	}
	s.cancel = cancel
	return nil
}

// Stop unregisters from the master and stops the clock.
func (s *DiscreteSlave) Stop() error {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	s.evMu.Lock()
	s.started = false
	s.evMu.Unlock()
	s.unregister()
	return s.clock.Stop()
}

func (s *DiscreteSlave) unregister() {
	reg := wire.SlaveRegister{Slave: s.t.Name()}
	if err := s.caller.Call(context.Background(), s.cfg.Master, wire.KindSlaveUnregister, reg, nil, s.cfg.Timeout); err != nil {
		s.deps.logger.Debug("slave unregister", "clock", s.Name(), "error", err)
	}
}

func (s *DiscreteSlave) receive(msg transport.Message) {
	if transport.Normalize(msg.Source) != transport.Normalize(s.cfg.Master) {
		return
	}
	env, err := wire.Decode(msg.Data)
	if err != nil || env.Kind != wire.KindTimeEvent {
		return
	}
	var ev wire.TimeEvent
	if err := env.Unmarshal(&ev); err != nil {
		return
	}

	s.evMu.Lock()
	started := s.started
	if !started && ev.Event&followedEvents != 0 && core.SimTime(ev.New) > s.early {
		s.early = core.SimTime(ev.New)
	}
	s.evMu.Unlock()
	if started {
		s.apply(ev)
	}
}

func (s *DiscreteSlave) apply(ev wire.TimeEvent) {
	next := core.SimTime(ev.New)
	switch {
	case ev.Event&wire.EventResetEnd != 0:
		s.clock.SetTime(next)
	case ev.Event&(wire.EventUpdating|wire.EventUpdateEnd) != 0:
		if next > s.clock.Time() {
			s.clock.SetTime(next)
		}
	}
}

var _ clock.Clock = (*DiscreteSlave)(nil)
