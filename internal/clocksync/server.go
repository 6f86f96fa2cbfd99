package clocksync

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/roach88/lockstep/internal/clock"
	"github.com/roach88/lockstep/internal/core"
	"github.com/roach88/lockstep/internal/transport"
	"github.com/roach88/lockstep/internal/wire"
)

// TimeProvider is the master's clock, usually a *clock.Service.
type TimeProvider interface {
	GetTime() core.SimTime
	Active() clock.Clock
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithServerIncidents reports dropped slaves to s.
func WithServerIncidents(s core.IncidentSink) ServerOption {
	return func(sv *Server) { sv.incidents = s }
}

// WithServerLogger sets the logger. The default is slog.Default().
func WithServerLogger(l *slog.Logger) ServerOption {
	return func(sv *Server) { sv.logger = l }
}

// WithSendTimeout bounds one forwarded clock event.
func WithSendTimeout(d time.Duration) ServerOption {
	return func(sv *Server) { sv.sendTimeout = d }
}

// Server answers time requests and forwards clock events to registered
// slaves. It implements clock.EventSink; add it to the master's clock
// service with AddSink.
type Server struct {
	t           transport.Transport
	src         TimeProvider
	incidents   core.IncidentSink
	logger      *slog.Logger
	sendTimeout time.Duration

	mu     sync.Mutex
	slaves map[string]uint32
	cancel func()
}

// NewServer creates a stopped server.
func NewServer(t transport.Transport, src TimeProvider, opts ...ServerOption) *Server {
	s := &Server{
		t:           t,
		src:         src,
		incidents:   core.NopSink{},
		logger:      slog.Default(),
		sendTimeout: time.Second,
		slaves:      make(map[string]uint32),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start begins answering requests.
func (s *Server) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel == nil {
		s.cancel = s.t.OnReceive(s.receive)
	}
}

// Stop stops answering and forgets all slaves.
func (s *Server) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.slaves = make(map[string]uint32)
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Slaves returns the registered slave names, sorted.
func (s *Server) Slaves() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.slaves))
	for name := range s.slaves {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (s *Server) receive(msg transport.Message) {
	env, err := wire.Decode(msg.Data)
	if err != nil {
		return
	}
	switch env.Kind {
	case wire.KindTimeRequest:
		s.answerTime(msg.Source, env)
	case wire.KindSlaveRegister:
		s.register(msg.Source, env)
	case wire.KindSlaveUnregister:
		s.unregister(msg.Source, env)
	}
}

func (s *Server) answerTime(from string, env wire.Envelope) {
	now := s.src.GetTime()
	if !now.Valid() {
		s.replyError(from, env, fmt.Errorf("master clock not running"))
		return
	}
	kind := ""
	if c := s.src.Active(); c != nil {
		kind = c.Kind().String()
	}
	s.reply(from, env, wire.TimeResponse{Time: int64(now), ClockKind: kind})
}

func (s *Server) register(from string, env wire.Envelope) {
	var req wire.SlaveRegister
	if err := env.Unmarshal(&req); err != nil {
		s.replyError(from, env, err)
		return
	}
	name := req.Slave
	if name == "" {
		name = from
	}
	s.mu.Lock()
	s.slaves[transport.Normalize(name)] = req.Events
	s.mu.Unlock()
	s.logger.Debug("slave registered", "slave", name, "events", req.Events)
	s.reply(from, env, nil)
}

func (s *Server) unregister(from string, env wire.Envelope) {
	var req wire.SlaveRegister
	name := from
	if err := env.Unmarshal(&req); err == nil && req.Slave != "" {
		name = req.Slave
	}
	s.mu.Lock()
	delete(s.slaves, transport.Normalize(name))
	s.mu.Unlock()
	s.reply(from, env, nil)
}

func (s *Server) reply(to string, req wire.Envelope, payload any) {
	data, err := wire.Encode(req.Kind.Reply(), req.ID, payload)
	if err != nil {
		s.logger.Error("encode reply", "kind", req.Kind, "error", err)
		return
	}
	s.send(to, data)
}

func (s *Server) replyError(to string, req wire.Envelope, cause error) {
	data, err := wire.EncodeError(req.Kind.Reply(), req.ID, cause)
	if err != nil {
		return
	}
	s.send(to, data)
}

func (s *Server) send(to string, data []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.sendTimeout)
	defer cancel()
	return s.t.Transmit(ctx, data, to)
}

func (s *Server) forward(flag uint32, old, new core.SimTime) {
	s.mu.Lock()
	var targets []string
	for name, mask := range s.slaves {
		if mask&flag != 0 {
			targets = append(targets, name)
		}
	}
	s.mu.Unlock()
	if len(targets) == 0 {
		return
	}

	data, err := wire.Encode(wire.KindTimeEvent, "", wire.TimeEvent{Event: flag, Old: int64(old), New: int64(new)})
	if err != nil {
		return
	}
	for _, name := range targets {
		if err := s.send(name, data); err != nil {
			s.drop(name, err, new)
		}
	}
}

func (s *Server) drop(name string, cause error, now core.SimTime) {
	s.mu.Lock()
	delete(s.slaves, name)
	s.mu.Unlock()
	s.incidents.Report(core.IncidentClockSlaveDropped, core.SeverityWarning,
		fmt.Sprintf("slave %s deactivated: %v", name, cause), now)
}

func (s *Server) TimeUpdateBegin(old, new core.SimTime) { s.forward(wire.EventUpdateBegin, old, new) }
func (s *Server) TimeUpdating(new core.SimTime)         { s.forward(wire.EventUpdating, new, new) }
func (s *Server) TimeUpdateEnd(new core.SimTime)        { s.forward(wire.EventUpdateEnd, new, new) }
func (s *Server) TimeResetBegin(old, new core.SimTime)  { s.forward(wire.EventResetBegin, old, new) }
func (s *Server) TimeResetEnd(new core.SimTime)         { s.forward(wire.EventResetEnd, new, new) }

var _ clock.EventSink = (*Server)(nil)
