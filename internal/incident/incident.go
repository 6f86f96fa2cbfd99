// Package incident provides IncidentSink implementations: a slog-backed
// logger, an in-memory recorder, a fan-out, and a per-code rate limiter that
// keeps a misbehaving job from flooding the other sinks.
package incident

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/roach88/lockstep/internal/core"
)

// Incident is one reported event.
type Incident struct {
	Code     core.IncidentCode `json:"code"`
	Severity core.Severity     `json:"-"`
	Level    string            `json:"severity"`
	Message  string            `json:"message"`
	SimTime  core.SimTime      `json:"sim_time"`
	At       time.Time         `json:"at"`
}

// Logger writes incidents to a slog.Logger.
type Logger struct {
	logger *slog.Logger
}

// NewLogger creates a Logger. A nil logger uses slog.Default().
func NewLogger(logger *slog.Logger) *Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Logger{logger: logger}
}

func (l *Logger) Report(code core.IncidentCode, severity core.Severity, message string, simTime core.SimTime) {
	level := slog.LevelInfo
	switch severity {
	case core.SeverityWarning:
		level = slog.LevelWarn
	case core.SeverityCritical:
		level = slog.LevelError
	}
	l.logger.Log(context.Background(), level, message,
		"incident", code.String(),
		"code", int(code),
		"sim_time", int64(simTime),
	)
}

// Recorder keeps incidents in memory.
//
// Thread-safety: safe for concurrent use.
type Recorder struct {
	mu        sync.Mutex
	incidents []Incident
	notify    chan struct{}
	now       func() time.Time
}

// NewRecorder creates an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{notify: make(chan struct{}), now: time.Now}
}

func (r *Recorder) Report(code core.IncidentCode, severity core.Severity, message string, simTime core.SimTime) {
	r.mu.Lock()
	r.incidents = append(r.incidents, Incident{
		Code:     code,
		Severity: severity,
		Level:    severity.String(),
		Message:  message,
		SimTime:  simTime,
		At:       r.now(),
	})
	close(r.notify)
	r.notify = make(chan struct{})
	r.mu.Unlock()
}

// Incidents returns a copy of everything recorded.
func (r *Recorder) Incidents() []Incident {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Incident(nil), r.incidents...)
}

// Count returns how many incidents with code were recorded.
func (r *Recorder) Count(code core.IncidentCode) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, inc := range r.incidents {
		if inc.Code == code {
			n++
		}
	}
	return n
}

// WaitFor blocks until an incident with code has been recorded or timeout
// elapses. Returns whether it was seen.
func (r *Recorder) WaitFor(code core.IncidentCode, timeout time.Duration) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		r.mu.Lock()
		for _, inc := range r.incidents {
			if inc.Code == code {
				r.mu.Unlock()
				return true
			}
		}
		ch := r.notify
		r.mu.Unlock()

		select {
		case <-ch:
		case <-deadline.C:
			return false
		}
	}
}

// Reset discards everything recorded.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.incidents = nil
}

// Fanout forwards every incident to each sink in order.
type Fanout []core.IncidentSink

func (f Fanout) Report(code core.IncidentCode, severity core.Severity, message string, simTime core.SimTime) {
	for _, s := range f {
		s.Report(code, severity, message, simTime)
	}
}

// Limited forwards at most a bounded rate of non-critical incidents per code.
// Critical incidents always pass.
type Limited struct {
	next  core.IncidentSink
	limit rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[core.IncidentCode]*rate.Limiter
	dropped  map[core.IncidentCode]int
}

// NewLimited wraps next with a token bucket of the given rate and burst per
// incident code.
func NewLimited(next core.IncidentSink, limit rate.Limit, burst int) *Limited {
	return &Limited{
		next:     next,
		limit:    limit,
		burst:    burst,
		limiters: make(map[core.IncidentCode]*rate.Limiter),
		dropped:  make(map[core.IncidentCode]int),
	}
}

func (l *Limited) Report(code core.IncidentCode, severity core.Severity, message string, simTime core.SimTime) {
	if severity < core.SeverityCritical && !l.allow(code) {
		return
	}
	l.next.Report(code, severity, message, simTime)
}

func (l *Limited) allow(code core.IncidentCode) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	lim, ok := l.limiters[code]
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.limiters[code] = lim
	}
	if lim.Allow() {
		return true
	}
	l.dropped[code]++
	return false
}

// Dropped returns how many incidents with code were suppressed.
func (l *Limited) Dropped(code core.IncidentCode) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dropped[code]
}
