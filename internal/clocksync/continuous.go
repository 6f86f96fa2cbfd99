package clocksync

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roach88/lockstep/internal/clock"
	"github.com/roach88/lockstep/internal/core"
	"github.com/roach88/lockstep/internal/metrics"
	"github.com/roach88/lockstep/internal/wire"
)

// line is simulation time as a linear function of wall time.
type line struct {
	at   time.Time
	base float64 // µs at at
	rate float64 // sim µs per wall µs
}

func (l line) eval(w time.Time) float64 {
	return l.base + l.rate*float64(w.Sub(l.at))/float64(time.Microsecond)
}

// model is the published estimate of the master's time. While blending it
// moves linearly from one line to the other between start and end.
type model struct {
	from, to   line
	start, end time.Time
}

func (m *model) eval(w time.Time) float64 {
	if !w.Before(m.end) || !m.end.After(m.start) {
		return m.to.eval(w)
	}
	if w.Before(m.start) {
		return m.from.eval(w)
	}
	alpha := float64(w.Sub(m.start)) / float64(m.end.Sub(m.start))
	return (1-alpha)*m.from.eval(w) + alpha*m.to.eval(w)
}

func still(at time.Time, value float64) *model {
	l := line{at: at, base: value}
	return &model{from: l, to: l, start: at, end: at}
}

type sample struct {
	at    time.Time
	value float64
}

// SlaveConfig holds the tunables of a slave clock.
type SlaveConfig struct {
	Master     string
	Poll       time.Duration
	Timeout    time.Duration
	DriftBound core.SimTime
}

// SlaveOption configures a slave clock.
type SlaveOption func(*slaveDeps)

type slaveDeps struct {
	wall      clock.WallClock
	incidents core.IncidentSink
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// WithWall sets the wall clock used to pace polling and extrapolation.
func WithWall(w clock.WallClock) SlaveOption {
	return func(d *slaveDeps) { d.wall = w }
}

// WithIncidents reports failed sync rounds to s.
func WithIncidents(s core.IncidentSink) SlaveOption {
	return func(d *slaveDeps) { d.incidents = s }
}

// WithMetrics records sync round trips and failures.
func WithMetrics(m *metrics.Metrics) SlaveOption {
	return func(d *slaveDeps) { d.metrics = m }
}

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) SlaveOption {
	return func(d *slaveDeps) { d.logger = l }
}

func buildDeps(opts []SlaveOption) slaveDeps {
	d := slaveDeps{wall: clock.SystemWall{}, incidents: core.NopSink{}, logger: slog.Default()}
	for _, opt := range opts {
		opt(&d)
	}
	return d
}

// ContinuousSlave is a continuous clock that tracks a master by polling.
//
// Time reads the published model and never touches the network. Reported
// values never decrease while the clock runs. When the master cannot be
// reached the clock holds its last reported value until polling succeeds.
type ContinuousSlave struct {
	name   string
	cfg    SlaveConfig
	caller *Caller
	deps   slaveDeps

	model   atomic.Pointer[model]
	last    atomic.Int64
	running atomic.Bool

	// poll goroutine only
	prev    *sample
	rate    float64
	healthy bool

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewContinuousSlave creates a stopped slave clock.
func NewContinuousSlave(name string, caller *Caller, cfg SlaveConfig, opts ...SlaveOption) (*ContinuousSlave, error) {
	if cfg.Master == "" {
		return nil, core.Errorf(core.CodeInvalidArgument, "clocksync.NewContinuousSlave", "no master configured for %s", name)
	}
	if cfg.Poll <= 0 {
		cfg.Poll = 100 * time.Millisecond
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 500 * time.Millisecond
	}
	if cfg.DriftBound <= 0 {
		cfg.DriftBound = 1000
	}
	s := &ContinuousSlave{name: name, cfg: cfg, caller: caller, deps: buildDeps(opts)}
	s.last.Store(int64(core.NotAvailable))
	return s, nil
}

func (s *ContinuousSlave) Name() string     { return s.name }
func (s *ContinuousSlave) Kind() clock.Kind { return clock.KindSyncSlaveContinuous }

// Start takes a first sample synchronously and starts polling. Fails with
// NOT_FOUND when the master does not answer.
func (s *ContinuousSlave) Start(sink clock.EventSink) error {
	if sink == nil {
		sink = clock.NopSink{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return core.Errorf(core.CodeResourceInUse, "clocksync.Start", "%s already started", s.name)
	}

	s.prev, s.rate, s.healthy = nil, 1, false
	s.model.Store(nil)
	old := core.SimTime(s.last.Swap(int64(core.NotAvailable)))

	ctx, cancel := context.WithCancel(context.Background())
	if err := s.sync(ctx); err != nil {
		cancel()
		return core.Wrap(core.CodeNotFound, "clocksync.Start", err, "master "+s.cfg.Master)
	}
	s.running.Store(true)

	now := s.Time()
	sink.TimeResetBegin(old, now)
	sink.TimeResetEnd(now)

	s.cancel = cancel
	s.done = make(chan struct{})
	go s.poll(ctx, s.done)
	return nil
}

// Stop ends polling. Time returns core.NotAvailable afterwards.
func (s *ContinuousSlave) Stop() error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	s.running.Store(false)
	if cancel != nil {
		cancel()
		<-done
	}
	return nil
}

func (s *ContinuousSlave) poll(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.cfg.Poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = s.sync(ctx)
		}
	}
}

// Time returns the estimated master time.
func (s *ContinuousSlave) Time() core.SimTime {
	if !s.running.Load() {
		return core.NotAvailable
	}
	return s.read(s.deps.wall.Now())
}

func (s *ContinuousSlave) read(w time.Time) core.SimTime {
	m := s.model.Load()
	if m == nil {
		return core.SimTime(s.last.Load())
	}
	v := int64(math.Floor(m.eval(w)))
	for {
		old := s.last.Load()
		if v <= old {
			return core.SimTime(old)
		}
		if s.last.CompareAndSwap(old, v) {
			return core.SimTime(v)
		}
	}
}

// sync performs one round trip and publishes a new model.
func (s *ContinuousSlave) sync(ctx context.Context) error {
	sent := s.deps.wall.Now()
	var resp wire.TimeResponse
	err := s.caller.Call(ctx, s.cfg.Master, wire.KindTimeRequest, nil, &resp, s.cfg.Timeout)
	recv := s.deps.wall.Now()
	if err == nil && resp.Time < 0 {
		err = fmt.Errorf("master reported no time")
	}
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		s.fail(recv, err)
		return err
	}

	rtt := recv.Sub(sent)
	s.deps.metrics.SyncRoundTrip(rtt)

	est := float64(resp.Time) + s.rate*float64(rtt/2)/float64(time.Microsecond)
	if s.prev != nil {
		if dt := float64(recv.Sub(s.prev.at)) / float64(time.Microsecond); dt > 0 {
			if r := (est - s.prev.value) / dt; r >= 0 {
				s.rate = r
			}
		}
	}
	s.prev = &sample{at: recv, value: est}
	target := line{at: recv, base: est, rate: s.rate}

	cur := s.model.Load()
	if cur == nil || !s.healthy || math.Abs(cur.eval(recv)-est) > float64(s.cfg.DriftBound) {
		s.model.Store(&model{from: target, to: target, start: recv, end: recv})
	} else {
		from := line{at: recv, base: cur.eval(recv), rate: cur.to.rate}
		s.model.Store(&model{from: from, to: target, start: recv, end: recv.Add(s.cfg.Poll)})
	}

	if !s.healthy && cur != nil {
		s.deps.logger.Info("clock sync recovered", "clock", s.name, "master", s.cfg.Master)
	}
	s.healthy = true
	return nil
}

// fail freezes the clock at the last reported value.
func (s *ContinuousSlave) fail(at time.Time, err error) {
	s.deps.metrics.SyncFailure()
	held := s.read(at)
	if held.Valid() {
		s.model.Store(still(at, float64(held)))
	}
	if s.healthy {
		s.deps.incidents.Report(core.IncidentClockSyncFailed, core.SeverityWarning,
			fmt.Sprintf("clock %s: master %s unreachable: %v", s.name, s.cfg.Master, err), held)
	}
	s.healthy = false
}

var _ clock.Clock = (*ContinuousSlave)(nil)
