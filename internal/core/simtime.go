package core

import (
	"strconv"
	"time"
)

// SimTime is simulation time in microseconds.
type SimTime int64

// NotAvailable is reported by clocks that have no time yet.
const NotAvailable SimTime = -1

// FromDuration converts a wall-clock duration to simulation microseconds.
func FromDuration(d time.Duration) SimTime {
	return SimTime(d / time.Microsecond)
}

// Duration converts t to a time.Duration.
func (t SimTime) Duration() time.Duration {
	return time.Duration(t) * time.Microsecond
}

// Valid reports whether t is a real time value.
func (t SimTime) Valid() bool {
	return t >= 0
}

func (t SimTime) String() string {
	if t == NotAvailable {
		return "n/a"
	}
	return strconv.FormatInt(int64(t), 10) + "us"
}
