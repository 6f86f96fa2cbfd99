package harness

import (
	"sort"

	"github.com/roach88/lockstep/internal/core"
	"github.com/roach88/lockstep/internal/master"
	"github.com/roach88/lockstep/internal/scheduler"
)

// Trace event types.
const (
	EventJob   = "job"
	EventCycle = "cycle"
)

// TraceEvent is one job invocation or one master cycle.
type TraceEvent struct {
	Seq         int      `json:"seq"`
	Type        string   `json:"type"`
	Participant string   `json:"participant"`
	Time        int64    `json:"time"`
	Job         string   `json:"job,omitempty"`
	Clients     []string `json:"clients,omitempty"`
	TimedOut    []string `json:"timed_out,omitempty"`
	Skipped     bool     `json:"skipped,omitempty"`
}

// Snapshot is what a participant looked like when the flow ended.
type Snapshot struct {
	State       string            `json:"state"`
	Time        int64             `json:"time"`
	Clock       string            `json:"clock"`
	Cycles      int64             `json:"cycles,omitempty"`
	Invocations map[string]uint64 `json:"invocations,omitempty"`
	Incidents   map[string]int    `json:"incidents,omitempty"`
	LastError   string            `json:"last_error,omitempty"`
}

// Result is the outcome of a scenario.
type Result struct {
	// Pass is true when the flow ran through and every assertion held.
	Pass bool `json:"pass"`

	// Trace holds job invocations and master cycles sorted by simulation time.
	Trace []TraceEvent `json:"trace"`

	// Errors is empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// Participants holds the final snapshot per participant name.
	Participants map[string]Snapshot `json:"participants"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:         true,
		Trace:        []TraceEvent{},
		Errors:       []string{},
		Participants: make(map[string]Snapshot),
	}
}

// AddError adds a failure message and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// tracer collects trace events from every participant of a run. Its
// per-participant views are the job and cycle observers.
type tracer struct {
	events chan TraceEvent
	all    []TraceEvent
	done   chan struct{}
}

func newTracer() *tracer {
	t := &tracer{events: make(chan TraceEvent, 1024), done: make(chan struct{})}
	go func() {
		defer close(t.done)
		for ev := range t.events {
			t.all = append(t.all, ev)
		}
	}()
	return t
}

func (t *tracer) observer(participant string) *participantTracer {
	return &participantTracer{name: participant, events: t.events}
}

// finish must only be called once every participant stopped.
func (t *tracer) finish() []TraceEvent {
	close(t.events)
	<-t.done
	return sortTrace(t.all)
}

type participantTracer struct {
	name   string
	events chan<- TraceEvent
}

func (p *participantTracer) JobInvoked(inv scheduler.Invocation) {
	p.events <- TraceEvent{
		Type:        EventJob,
		Participant: p.name,
		Time:        int64(inv.Now),
		Job:         inv.Job,
		Skipped:     inv.Skipped,
	}
}

func (p *participantTracer) MasterCycle(rec master.CycleRecord) {
	p.events <- TraceEvent{
		Type:        EventCycle,
		Participant: p.name,
		Time:        int64(rec.Time),
		Clients:     rec.Participants,
		TimedOut:    rec.TimedOut,
	}
}

// sortTrace orders events by time. At equal times jobs come before the
// master cycle that ticked them, then by participant and job name.
func sortTrace(events []TraceEvent) []TraceEvent {
	rank := func(typ string) int {
		if typ == EventCycle {
			return 1
		}
		return 0
	}
	sort.SliceStable(events, func(i, j int) bool {
		a, b := events[i], events[j]
		switch {
		case a.Time != b.Time:
			return a.Time < b.Time
		case rank(a.Type) != rank(b.Type):
			return rank(a.Type) < rank(b.Type)
		case a.Participant != b.Participant:
			return a.Participant < b.Participant
		default:
			return a.Job < b.Job
		}
	})
	out := make([]TraceEvent, len(events))
	for i, ev := range events {
		ev.Seq = i + 1
		out[i] = ev
	}
	return out
}

func incidentCounts(incidents map[core.IncidentCode]int) map[string]int {
	if len(incidents) == 0 {
		return nil
	}
	out := make(map[string]int, len(incidents))
	for code, n := range incidents {
		out[code.String()] = n
	}
	return out
}
