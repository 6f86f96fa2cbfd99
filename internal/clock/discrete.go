package clock

import (
	"sync"

	"github.com/roach88/lockstep/internal/core"
)

// Discrete is a clock that only moves when stepped or set. Repeated reads
// between steps return the same value.
type Discrete struct {
	name   string
	kind   Kind
	cycle  core.SimTime
	factor float64

	mu      sync.RWMutex
	now     core.SimTime
	started bool
	sink    EventSink
}

// NewDiscrete creates a local discrete clock. factor paces stepping drivers
// (0 = as fast as possible); the clock itself never reads wall time.
func NewDiscrete(name string, cycle core.SimTime, factor float64) *Discrete {
	return &Discrete{name: name, kind: KindLocalDiscrete, cycle: cycle, factor: factor, now: core.NotAvailable, sink: NopSink{}}
}

// NewFollower creates a discrete clock of kind KindSyncSlaveDiscrete that is
// set from outside rather than stepped.
func NewFollower(name string) *Discrete {
	return &Discrete{name: name, kind: KindSyncSlaveDiscrete, now: core.NotAvailable, sink: NopSink{}}
}

func (c *Discrete) Name() string            { return c.name }
func (c *Discrete) Kind() Kind              { return c.kind }
func (c *Discrete) CycleTime() core.SimTime { return c.cycle }
func (c *Discrete) TimeFactor() float64     { return c.factor }

func (c *Discrete) Start(sink EventSink) error {
	if sink == nil {
		sink = NopSink{}
	}
	c.mu.Lock()
	old := c.now
	c.sink = sink
	c.started = true
	c.mu.Unlock()

	sink.TimeResetBegin(old, 0)
	c.mu.Lock()
	c.now = 0
	c.mu.Unlock()
	sink.TimeResetEnd(0)
	return nil
}

func (c *Discrete) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.started = false
	return nil
}

func (c *Discrete) Time() core.SimTime {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.started {
		return core.NotAvailable
	}
	return c.now
}

// Step advances by one cycle and returns the new time.
func (c *Discrete) Step() core.SimTime {
	c.mu.RLock()
	next := c.now + c.cycle
	c.mu.RUnlock()
	return c.SetTime(next)
}

// SetTime moves the clock to t. Moving backwards emits a reset instead of an
// update. A stopped clock ignores the call and returns core.NotAvailable.
func (c *Discrete) SetTime(t core.SimTime) core.SimTime {
	c.mu.RLock()
	old, started, sink := c.now, c.started, c.sink
	c.mu.RUnlock()
	if !started {
		return core.NotAvailable
	}

	if t < old {
		sink.TimeResetBegin(old, t)
		c.set(t)
		sink.TimeResetEnd(t)
		return t
	}
	sink.TimeUpdateBegin(old, t)
	c.set(t)
	sink.TimeUpdating(t)
	sink.TimeUpdateEnd(t)
	return t
}

func (c *Discrete) set(t core.SimTime) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}
