package scheduler

import (
	"context"
	"time"

	"github.com/roach88/lockstep/internal/core"
)

// Driver yields the simulation time of each cycle. Next blocks until the
// next cycle is due and returns ctx.Err() once ctx is done.
type Driver interface {
	Next(ctx context.Context) (core.SimTime, error)
}

// StepSource is a clock that can be stepped, such as clock.Service.
type StepSource interface {
	GetTime() core.SimTime
	Step() (core.SimTime, error)
}

// TimeSource is a readable clock.
type TimeSource interface {
	GetTime() core.SimTime
}

// StepDriver steps a discrete clock once per cycle. The first Next returns
// the current time without stepping so jobs due at 0 fire. A zero period
// steps as fast as possible.
type StepDriver struct {
	src    StepSource
	period time.Duration
	last   time.Time
	first  bool
}

func NewStepDriver(src StepSource, period time.Duration) *StepDriver {
	return &StepDriver{src: src, period: period, first: true}
}

func (d *StepDriver) Next(ctx context.Context) (core.SimTime, error) {
	if err := ctx.Err(); err != nil {
		return core.NotAvailable, err
	}
	if d.first {
		d.first = false
		d.last = time.Now()
		return d.src.GetTime(), nil
	}
	if d.period > 0 {
		if err := sleepUntil(ctx, d.last.Add(d.period)); err != nil {
			return core.NotAvailable, err
		}
		d.last = d.last.Add(d.period)
	}
	return d.src.Step()
}

// PollDriver samples a continuous clock every period.
type PollDriver struct {
	src    TimeSource
	period time.Duration
	first  bool
}

func NewPollDriver(src TimeSource, period time.Duration) *PollDriver {
	if period <= 0 {
		period = time.Millisecond
	}
	return &PollDriver{src: src, period: period, first: true}
}

func (d *PollDriver) Next(ctx context.Context) (core.SimTime, error) {
	for {
		if d.first {
			d.first = false
		} else if err := sleepUntil(ctx, time.Now().Add(d.period)); err != nil {
			return core.NotAvailable, err
		}
		if err := ctx.Err(); err != nil {
			return core.NotAvailable, err
		}
		if now := d.src.GetTime(); now.Valid() {
			return now, nil
		}
	}
}

// PacedPeriod is the wall-clock period between steps of a discrete clock
// with the given cycle time and time factor. Factor 0 means as fast as
// possible.
func PacedPeriod(cycle core.SimTime, factor float64) time.Duration {
	if factor <= 0 || cycle <= 0 {
		return 0
	}
	return time.Duration(float64(cycle.Duration()) / factor)
}

func sleepUntil(ctx context.Context, deadline time.Time) error {
	d := time.Until(deadline)
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
