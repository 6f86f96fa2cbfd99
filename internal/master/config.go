package master

import (
	"fmt"
	"strings"
	"time"

	"github.com/roach88/lockstep/internal/config"
	"github.com/roach88/lockstep/internal/core"
)

// TriggerMode selects how the master advances between cycles.
type TriggerMode int

const (
	ModeAFAP TriggerMode = iota
	ModeSystemTime
	ModeExternalClock
	ModeManual
)

var modeNames = [...]string{
	ModeAFAP:          "afap",
	ModeSystemTime:    "system_time",
	ModeExternalClock: "external_clock",
	ModeManual:        "manual",
}

func (m TriggerMode) String() string {
	if m >= 0 && int(m) < len(modeNames) {
		return modeNames[m]
	}
	return fmt.Sprintf("TriggerMode(%d)", int(m))
}

// ParseTriggerMode parses a mode name such as "system_time".
func ParseTriggerMode(name string) (TriggerMode, error) {
	for i, n := range modeNames {
		if strings.EqualFold(n, name) {
			return TriggerMode(i), nil
		}
	}
	return 0, fmt.Errorf("unknown trigger mode %q", name)
}

// Config holds the master's tunables.
type Config struct {
	Mode TriggerMode

	// TimeFactor paces ModeSystemTime. 0 behaves like ModeAFAP.
	TimeFactor float64

	AckTimeout time.Duration

	// MinTriggerTime, when > 0, caps the master cycle.
	MinTriggerTime core.SimTime

	MaxScheduleLength int

	// DefaultCycle is the master cycle when no steps are registered.
	DefaultCycle core.SimTime

	// Cycles stops the master after that many cycles. 0 runs until Stop.
	Cycles int64
}

// DefaultConfig returns the configuration used when nothing is set.
func DefaultConfig() Config {
	return Config{
		Mode:              ModeAFAP,
		TimeFactor:        config.DefaultTimeFactor,
		AckTimeout:        config.DefaultAckTimeoutMS * time.Millisecond,
		MaxScheduleLength: config.DefaultMaxSchedule,
		DefaultCycle:      core.FromDuration(config.DefaultClockCycleTimeMS * time.Millisecond),
	}
}

// LoadConfig reads the timing.* keys.
func LoadConfig(store core.ConfigStore) (Config, error) {
	const op = "master.LoadConfig"
	cfg := DefaultConfig()

	mode, err := ParseTriggerMode(config.String(store, config.KeyTriggerMode, ModeAFAP.String()))
	if err != nil {
		return Config{}, core.Wrap(core.CodeInvalidArgument, op, err, config.KeyTriggerMode)
	}
	cfg.Mode = mode

	cfg.TimeFactor = config.Float(store, config.KeyTimingTimeFactor, config.DefaultTimeFactor)
	if cfg.TimeFactor < 0 {
		return Config{}, core.Errorf(core.CodeInvalidArgument, op, "%s: negative time factor %v", config.KeyTimingTimeFactor, cfg.TimeFactor)
	}

	cfg.AckTimeout = config.Millis(store, config.KeyAckTimeoutMS, cfg.AckTimeout)
	if cfg.AckTimeout <= 0 {
		return Config{}, core.Errorf(core.CodeInvalidArgument, op, "%s must be > 0", config.KeyAckTimeoutMS)
	}

	cfg.MinTriggerTime = core.SimTime(config.Int(store, config.KeyMinTriggerTimeUS, 0))
	if cfg.MinTriggerTime < 0 {
		cfg.MinTriggerTime = 0
	}
	cfg.MaxScheduleLength = int(config.Int(store, config.KeyMaxScheduleLength, config.DefaultMaxSchedule))

	cfg.Cycles = config.Int(store, config.KeyTimingCycles, 0)
	if cfg.Cycles < 0 {
		return Config{}, core.Errorf(core.CodeInvalidArgument, op, "%s: negative cycle count %d", config.KeyTimingCycles, cfg.Cycles)
	}

	if ms := config.Int(store, config.KeyClockCycleTimeMS, config.DefaultClockCycleTimeMS); ms > 0 {
		cfg.DefaultCycle = core.FromDuration(time.Duration(ms) * time.Millisecond)
	}
	return cfg, nil
}
