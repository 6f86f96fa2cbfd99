// Package clock provides the simulation time sources of a participant and
// the Service that selects which one is active.
package clock

import (
	"fmt"
	"time"

	"github.com/roach88/lockstep/internal/core"
)

// Kind classifies a clock.
type Kind int

const (
	KindLocalContinuous Kind = iota
	KindLocalDiscrete
	KindSyncSlaveContinuous
	KindSyncSlaveDiscrete
)

var kindNames = [...]string{
	KindLocalContinuous:     "local_continuous",
	KindLocalDiscrete:       "local_discrete",
	KindSyncSlaveContinuous: "sync_slave_continuous",
	KindSyncSlaveDiscrete:   "sync_slave_discrete",
}

func (k Kind) String() string {
	if k >= 0 && int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Continuous reports whether time advances with wall-clock time.
func (k Kind) Continuous() bool {
	return k == KindLocalContinuous || k == KindSyncSlaveContinuous
}

// Clock is a simulation time source.
type Clock interface {
	Name() string
	Kind() Kind

	// Start resets the clock and begins reporting time. Events go to sink.
	Start(sink EventSink) error
	Stop() error

	// Time returns the current simulation time, or core.NotAvailable while
	// stopped. Never decreases between Start and Stop except through a
	// reset event.
	Time() core.SimTime
}

// Stepper is a clock advanced explicitly by one cycle at a time.
type Stepper interface {
	Clock
	Step() core.SimTime
	CycleTime() core.SimTime
}

// EventSink observes time changes of a clock.
type EventSink interface {
	TimeUpdateBegin(old, new core.SimTime)
	TimeUpdating(new core.SimTime)
	TimeUpdateEnd(new core.SimTime)
	TimeResetBegin(old, new core.SimTime)
	TimeResetEnd(new core.SimTime)
}

// NopSink ignores clock events.
type NopSink struct{}

func (NopSink) TimeUpdateBegin(core.SimTime, core.SimTime) {}
func (NopSink) TimeUpdating(core.SimTime)                  {}
func (NopSink) TimeUpdateEnd(core.SimTime)                 {}
func (NopSink) TimeResetBegin(core.SimTime, core.SimTime)  {}
func (NopSink) TimeResetEnd(core.SimTime)                  {}

// WallClock is the real-time source of continuous clocks.
type WallClock interface {
	Now() time.Time
}

// SystemWall reads the host's monotonic clock.
type SystemWall struct{}

func (SystemWall) Now() time.Time { return time.Now() }
