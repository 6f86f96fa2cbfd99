package clock

import (
	"sync"
	"time"

	"github.com/roach88/lockstep/internal/core"
)

// Continuous derives simulation time from wall time scaled by a time factor.
// With factor 0 it is decoupled from wall time and advances by one cycle per
// Step (as fast as possible).
type Continuous struct {
	name   string
	factor float64
	cycle  core.SimTime
	wall   WallClock

	mu      sync.Mutex
	started bool
	origin  time.Time
	last    core.SimTime
	sink    EventSink
}

// NewContinuous creates a local continuous clock.
func NewContinuous(name string, factor float64, cycle core.SimTime, wall WallClock) *Continuous {
	if wall == nil {
		wall = SystemWall{}
	}
	return &Continuous{name: name, factor: factor, cycle: cycle, wall: wall, last: core.NotAvailable, sink: NopSink{}}
}

func (c *Continuous) Name() string            { return c.name }
func (c *Continuous) Kind() Kind              { return KindLocalContinuous }
func (c *Continuous) CycleTime() core.SimTime { return c.cycle }
func (c *Continuous) TimeFactor() float64     { return c.factor }

// AFAP reports whether the clock is decoupled from wall time.
func (c *Continuous) AFAP() bool { return c.factor == 0 }

func (c *Continuous) Start(sink EventSink) error {
	if sink == nil {
		sink = NopSink{}
	}
	c.mu.Lock()
	old := c.last
	c.sink = sink
	c.mu.Unlock()

	sink.TimeResetBegin(old, 0)
	c.mu.Lock()
	c.started = true
	c.origin = c.wall.Now()
	c.last = 0
	c.mu.Unlock()
	sink.TimeResetEnd(0)
	return nil
}

func (c *Continuous) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.started = false
	return nil
}

func (c *Continuous) Time() core.SimTime {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started {
		return core.NotAvailable
	}
	if c.factor == 0 {
		return c.last
	}
	elapsed := c.wall.Now().Sub(c.origin)
	t := core.SimTime(float64(elapsed/time.Microsecond) * c.factor)
	if t < c.last {
		t = c.last
	}
	c.last = t
	return t
}

// Step advances an AFAP clock by one cycle. On a wall-coupled clock it only
// reads the current time.
func (c *Continuous) Step() core.SimTime {
	if c.factor != 0 {
		return c.Time()
	}
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return core.NotAvailable
	}
	old := c.last
	next := old + c.cycle
	sink := c.sink
	c.mu.Unlock()

	sink.TimeUpdateBegin(old, next)
	c.mu.Lock()
	c.last = next
	c.mu.Unlock()
	sink.TimeUpdating(next)
	sink.TimeUpdateEnd(next)
	return next
}
