package statemachine

import (
	"context"
	"time"

	"github.com/roach88/lockstep/internal/core"
)

// WaitForever disables the WaitForState deadline.
const WaitForever time.Duration = -1

// WaitForState blocks until target is reached.
//
// timeout must be WaitForever or >= 0. With failOnError, reaching Error
// while waiting for another state returns core.ErrFailed. Reaching Shutdown
// while waiting for another state also fails, since no further transition
// can happen.
func (m *Machine) WaitForState(ctx context.Context, target State, timeout time.Duration, failOnError bool) error {
	const op = "statemachine.WaitForState"
	if timeout < WaitForever {
		return core.Errorf(core.CodeInvalidArgument, op, "timeout %s", timeout)
	}
	if !target.valid() {
		return core.Errorf(core.CodeInvalidArgument, op, "target %s", target)
	}

	var deadline <-chan time.Time
	if timeout != WaitForever {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		m.mu.RLock()
		current, reached := m.current, m.reached
		m.mu.RUnlock()

		switch {
		case current == target:
			return nil
		case failOnError && current == StateError:
			return core.Errorf(core.CodeFailed, op, "reached Error while waiting for %s", target)
		case current == StateShutdown:
			return core.Errorf(core.CodeFailed, op, "shut down while waiting for %s", target)
		}

		select {
		case <-reached:
		case <-deadline:
			return core.Errorf(core.CodeTimeout, op, "%s not reached within %s (state %s)", target, timeout, current)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
