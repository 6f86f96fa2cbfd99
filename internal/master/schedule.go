package master

import (
	"sort"

	"github.com/roach88/lockstep/internal/core"
	"github.com/roach88/lockstep/internal/scheduler"
	"github.com/roach88/lockstep/internal/wire"
)

// Slot lists the steps due at one master cycle, by participant.
type Slot struct {
	Due map[string][]string
}

// Participants returns the participants due in the slot, sorted.
func (s Slot) Participants() []string {
	out := make([]string, 0, len(s.Due))
	for p := range s.Due {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Schedule is the repeating trigger pattern of the master.
type Schedule struct {
	Cycle core.SimTime
	Slots []Slot
}

// Length is the number of master cycles before the pattern repeats.
func (s *Schedule) Length() int { return len(s.Slots) }

// At returns the slot for simulation time t.
func (s *Schedule) At(t core.SimTime) Slot {
	if len(s.Slots) == 0 || s.Cycle <= 0 {
		return Slot{}
	}
	return s.Slots[int((t/s.Cycle)%core.SimTime(len(s.Slots)))]
}

// BuildSchedule computes the schedule for the given steps per participant.
func BuildSchedule(steps map[string][]wire.Step, cfg Config) (*Schedule, error) {
	const op = "master.BuildSchedule"

	var cycles []core.SimTime
	for p, list := range steps {
		for _, st := range list {
			if st.CycleTime <= 0 {
				return nil, core.Errorf(core.CodeInvalidArgument, op, "step %s of %s: cycle time %d", st.Name, p, st.CycleTime)
			}
			cycles = append(cycles, core.SimTime(st.CycleTime))
		}
	}
	if cfg.MinTriggerTime > 0 {
		cycles = append(cycles, cfg.MinTriggerTime)
	}
	if len(cycles) == 0 {
		if cfg.DefaultCycle <= 0 {
			return nil, core.Errorf(core.CodeInvalidArgument, op, "no steps and no default cycle")
		}
		cycles = append(cycles, cfg.DefaultCycle)
	}

	gcd := scheduler.GCD(cycles...)
	lcm, ok := scheduler.LCM(cycles...)
	if !ok {
		return nil, core.Errorf(core.CodeInvalidArgument, op, "schedule period overflows")
	}
	length := lcm / gcd
	if cfg.MaxScheduleLength > 0 && length > core.SimTime(cfg.MaxScheduleLength) {
		return nil, core.Errorf(core.CodeInvalidArgument, op, "schedule length %d exceeds %d", length, cfg.MaxScheduleLength)
	}

	s := &Schedule{Cycle: gcd, Slots: make([]Slot, length)}
	for i := range s.Slots {
		t := core.SimTime(i) * gcd
		slot := Slot{Due: make(map[string][]string)}
		for p, list := range steps {
			for _, st := range list {
				if t%core.SimTime(st.CycleTime) == 0 {
					slot.Due[p] = append(slot.Due[p], st.Name)
				}
			}
		}
		s.Slots[i] = slot
	}
	return s, nil
}
