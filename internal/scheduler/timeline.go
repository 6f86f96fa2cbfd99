package scheduler

import "github.com/roach88/lockstep/internal/core"

// GCD returns the greatest common divisor of the positive values, or 0 for
// none.
func GCD(values ...core.SimTime) core.SimTime {
	var g core.SimTime
	for _, v := range values {
		if v <= 0 {
			continue
		}
		a, b := g, v
		for b != 0 {
			a, b = b, a%b
		}
		g = a
	}
	return g
}

// LCM returns the least common multiple of the positive values, or 0 for
// none. The second result is false on overflow.
func LCM(values ...core.SimTime) (core.SimTime, bool) {
	var l core.SimTime
	for _, v := range values {
		if v <= 0 {
			continue
		}
		if l == 0 {
			l = v
			continue
		}
		g := GCD(l, v)
		step := v / g
		if l > (1<<62)/step {
			return 0, false
		}
		l *= step
	}
	return l, true
}

// nextDue returns the first due time after now on the grid due + k*cycle,
// and how many grid points at or before now were skipped.
func nextDue(due, cycle, now core.SimTime) (core.SimTime, int) {
	next := due + cycle
	if next > now {
		return next, 0
	}
	k := (now-next)/cycle + 1
	return next + k*cycle, int(k)
}
