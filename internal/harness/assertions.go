package harness

import (
	"context"
	"fmt"
	"strings"

	"github.com/roach88/lockstep/internal/store"
)

// AssertionError is returned when an assertion fails.
type AssertionError struct {
	Type        string
	Participant string
	Expected    string
	Actual      string
	Trace       []TraceEvent // attached for trace assertions only
}

func (e *AssertionError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "Assertion failed: %s on %s\n", e.Type, e.Participant)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nTrace of %s:\n", e.Participant)
		for _, ev := range e.Trace {
			if ev.Participant != e.Participant {
				continue
			}
			if ev.Type == EventJob {
				fmt.Fprintf(&buf, "  [%d] %d job %s\n", ev.Seq, ev.Time, ev.Job)
			} else {
				fmt.Fprintf(&buf, "  [%d] %d cycle %v\n", ev.Seq, ev.Time, ev.Clients)
			}
		}
	}
	return buf.String()
}

// AssertionContext provides access to the run's store.
type AssertionContext struct {
	Store *store.Store
	Ctx   context.Context
}

// EvaluateAssertions evaluates all assertions against the result and returns
// one message per failed assertion.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var errors []string

	for i, a := range assertions {
		snap, ok := result.Participants[a.Participant]
		if !ok {
			errors = append(errors, fmt.Sprintf("assertion[%d]: no snapshot of %q", i, a.Participant))
			continue
		}

		var err error
		switch a.Type {
		case AssertState:
			err = assertState(snap, a)
		case AssertClockTime:
			err = assertClockTime(snap, a)
		case AssertCycles:
			err = assertCycles(snap, a)
		case AssertInvocations:
			err = assertInvocations(result.Trace, a)
		case AssertTraceContains:
			err = assertTraceContains(result.Trace, a)
		case AssertIncidentCount:
			err = assertIncidentCount(snap, a)
		case AssertStoredInvocations:
			if actx == nil || actx.Store == nil {
				err = fmt.Errorf("assertion[%d]: stored_invocations requires a store", i)
			} else {
				err = assertStoredInvocations(actx, a)
			}
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, a.Type)
		}

		if err != nil {
			errors = append(errors, err.Error())
		}
	}
	return errors
}

func assertState(snap Snapshot, a Assertion) error {
	if strings.EqualFold(snap.State, a.State) {
		return nil
	}
	return &AssertionError{Type: a.Type, Participant: a.Participant, Expected: a.State, Actual: snap.State}
}

func assertClockTime(snap Snapshot, a Assertion) error {
	if snap.Time == a.Time {
		return nil
	}
	return &AssertionError{
		Type:        a.Type,
		Participant: a.Participant,
		Expected:    fmt.Sprintf("time %d", a.Time),
		Actual:      fmt.Sprintf("time %d on clock %s", snap.Time, snap.Clock),
	}
}

func assertCycles(snap Snapshot, a Assertion) error {
	if snap.Cycles == int64(a.Count) {
		return nil
	}
	return &AssertionError{
		Type:        a.Type,
		Participant: a.Participant,
		Expected:    fmt.Sprintf("%d cycles", a.Count),
		Actual:      fmt.Sprintf("%d cycles", snap.Cycles),
	}
}

// assertInvocations counts traced invocations of a job.
func assertInvocations(trace []TraceEvent, a Assertion) error {
	count := 0
	for _, ev := range trace {
		if ev.Type == EventJob && ev.Participant == a.Participant && ev.Job == a.Job {
			count++
		}
	}
	if count == a.Count {
		return nil
	}
	return &AssertionError{
		Type:        a.Type,
		Participant: a.Participant,
		Expected:    fmt.Sprintf("job %s invoked %d times", a.Job, a.Count),
		Actual:      fmt.Sprintf("invoked %d times", count),
		Trace:       trace,
	}
}

// assertTraceContains looks for an invocation of a.Job at a.Time, or for a
// master cycle at a.Time when no job is named.
func assertTraceContains(trace []TraceEvent, a Assertion) error {
	typ := EventJob
	if a.Job == "" {
		typ = EventCycle
	}
	for _, ev := range trace {
		if ev.Type == typ && ev.Participant == a.Participant && ev.Job == a.Job && ev.Time == a.Time {
			return nil
		}
	}

	what := fmt.Sprintf("cycle at %d", a.Time)
	if a.Job != "" {
		what = fmt.Sprintf("job %s at %d", a.Job, a.Time)
	}
	return &AssertionError{
		Type:        a.Type,
		Participant: a.Participant,
		Expected:    what,
		Actual:      "not found in trace",
		Trace:       trace,
	}
}

func assertIncidentCount(snap Snapshot, a Assertion) error {
	if got := snap.Incidents[a.Incident]; got != a.Count {
		return &AssertionError{
			Type:        a.Type,
			Participant: a.Participant,
			Expected:    fmt.Sprintf("%d %s incidents", a.Count, a.Incident),
			Actual:      fmt.Sprintf("%d (all: %v)", got, snap.Incidents),
		}
	}
	return nil
}

func assertStoredInvocations(actx *AssertionContext, a Assertion) error {
	ctx := actx.Ctx
	if ctx == nil {
		ctx = context.Background()
	}
	invs, err := actx.Store.ReadInvocations(ctx, a.Participant, a.Job)
	if err != nil {
		return fmt.Errorf("read invocations of %s/%s: %w", a.Participant, a.Job, err)
	}
	if len(invs) == a.Count {
		return nil
	}
	return &AssertionError{
		Type:        a.Type,
		Participant: a.Participant,
		Expected:    fmt.Sprintf("%d stored invocations of %s", a.Count, a.Job),
		Actual:      fmt.Sprintf("%d", len(invs)),
	}
}
