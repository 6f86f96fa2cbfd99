package scheduler

import (
	"fmt"
	"strings"
	"time"

	"github.com/roach88/lockstep/internal/core"
)

// Strategy is the reaction to a runtime or input violation.
type Strategy int

const (
	// Ignore records the violation only.
	Ignore Strategy = iota
	// Warn reports an incident and keeps scheduling normally.
	Warn
	// SkipOutput reports an incident and skips the job's output phase.
	SkipOutput
	// SetErrorState reports an incident, deactivates the scheduler and raises
	// the participant's Error event.
	SetErrorState
)

var strategyNames = [...]string{
	Ignore:        "ignore",
	Warn:          "warn",
	SkipOutput:    "skip_output",
	SetErrorState: "set_error_state",
}

func (s Strategy) String() string {
	if s.valid() {
		return strategyNames[s]
	}
	return fmt.Sprintf("Strategy(%d)", int(s))
}

func (s Strategy) valid() bool {
	return s >= Ignore && s <= SetErrorState
}

// ParseStrategy parses a strategy name such as "set_error_state".
func ParseStrategy(name string) (Strategy, error) {
	for i, n := range strategyNames {
		if strings.EqualFold(n, name) {
			return Strategy(i), nil
		}
	}
	return 0, fmt.Errorf("unknown violation strategy %q", name)
}

// StepConfig is the timing contract of one job.
type StepConfig struct {
	// CycleTime is the simulated period. Must be > 0.
	CycleTime core.SimTime

	// MaxRuntime bounds the wall-clock duration of one invocation. 0 disables
	// the check.
	MaxRuntime time.Duration

	// MaxInputWait bounds how much older than the due time upstream data may
	// be. 0 disables the check.
	MaxInputWait core.SimTime

	RuntimeViolation Strategy
	InputViolation   Strategy
}

// Validate checks the config.
func (c StepConfig) Validate() error {
	const op = "scheduler.StepConfig"
	switch {
	case c.CycleTime <= 0:
		return core.Errorf(core.CodeInvalidArgument, op, "cycle time %d must be > 0", c.CycleTime)
	case c.MaxRuntime < 0:
		return core.Errorf(core.CodeInvalidArgument, op, "negative max runtime %s", c.MaxRuntime)
	case c.MaxInputWait < 0:
		return core.Errorf(core.CodeInvalidArgument, op, "negative max input wait %d", c.MaxInputWait)
	case !c.RuntimeViolation.valid():
		return core.Errorf(core.CodeInvalidArgument, op, "runtime violation strategy %d", c.RuntimeViolation)
	case !c.InputViolation.valid():
		return core.Errorf(core.CodeInvalidArgument, op, "input violation strategy %d", c.InputViolation)
	}
	return nil
}
