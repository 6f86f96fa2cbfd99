package harness

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/roach88/lockstep/internal/config"
	"github.com/roach88/lockstep/internal/core"
	"github.com/roach88/lockstep/internal/participant"
	"github.com/roach88/lockstep/internal/statemachine"
	"github.com/roach88/lockstep/internal/store"
	"github.com/roach88/lockstep/internal/transport"
)

// Option configures a run.
type Option func(*Harness)

// WithLogger routes participant logs to l. Runs are silent by default.
func WithLogger(l *slog.Logger) Option {
	return func(h *Harness) { h.logger = l }
}

// Harness executes one scenario.
type Harness struct {
	scenario *Scenario
	bus      *transport.Bus
	store    *store.Store
	trace    *tracer
	logger   *slog.Logger
	members  map[string]*member
	order    []string
}

type member struct {
	spec   ParticipantSpec
	tree   *config.Tree
	p      *participant.Participant
	cancel context.CancelFunc
	errCh  chan error
}

// Run executes a scenario and returns the result.
//
// Each scenario runs on a fresh bus with a fresh in-memory store.
// Execution flow:
// 1. Create every participant
// 2. Execute flow steps until one fails
// 3. Snapshot every participant, then stop them all
// 4. Evaluate assertions against the snapshots, the trace and the store
//
// The returned error covers setup failures only. Failing steps and
// assertions are reported in Result.Errors.
func Run(ctx context.Context, scenario *Scenario, opts ...Option) (*Result, error) {
	st, err := store.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()

	bus := transport.NewBus()
	defer bus.Close()

	h := &Harness{
		scenario: scenario,
		bus:      bus,
		store:    st,
		trace:    newTracer(),
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		members:  make(map[string]*member),
	}
	for _, opt := range opts {
		opt(h)
	}

	for _, spec := range scenario.Participants {
		if err := h.add(spec); err != nil {
			h.stopAll(NewResult())
			h.trace.finish()
			return nil, fmt.Errorf("participant %s: %w", spec.Name, err)
		}
	}

	result := NewResult()
	for i, step := range scenario.Flow {
		if err := h.execute(ctx, step); err != nil {
			result.AddError(fmt.Sprintf("flow[%d] %s: %v", i, step.kind(), err))
			break
		}
	}

	for _, name := range h.order {
		result.Participants[name] = h.members[name].snapshot()
	}
	h.stopAll(result)
	result.Trace = h.trace.finish()

	actx := &AssertionContext{Store: st, Ctx: ctx}
	for _, msg := range EvaluateAssertions(result, scenario.Assertions, actx) {
		result.AddError(msg)
	}
	return result, nil
}

func (h *Harness) add(spec ParticipantSpec) error {
	values := make(map[string]string, len(spec.Config)+1)
	for k, v := range spec.Config {
		values[k] = v
	}
	values[config.KeyParticipantName] = spec.Name
	tree := config.NewTree(values)

	obs := h.trace.observer(spec.Name)
	opts := []participant.Option{
		participant.WithLogger(h.logger),
		participant.WithStore(h.store),
		participant.WithJobObserver(obs),
		participant.WithCycleObserver(obs),
		participant.WithIDs(core.NewFixedGenerator(spec.Name)),
	}
	if spec.autoStart() {
		opts = append(opts, participant.WithAutoStart())
	}
	p, err := participant.New(tree, h.bus.Endpoint(spec.Name), opts...)
	if err != nil {
		return err
	}
	h.members[spec.Name] = &member{spec: spec, tree: tree, p: p}
	h.order = append(h.order, spec.Name)
	h.logger.Info("scenario participant created", "participant", spec.Name, "role", p.Role())
	return nil
}

func (h *Harness) execute(ctx context.Context, step FlowStep) error {
	switch {
	case step.Start != "":
		return h.start(h.members[step.Start])

	case step.Wait != nil:
		target, err := statemachine.ParseState(step.Wait.State)
		if err != nil {
			return err
		}
		timeout := h.scenario.timeout()
		if d, err := time.ParseDuration(step.Wait.Timeout); err == nil && d > 0 {
			timeout = d
		}
		return h.members[step.Wait.Participant].p.WaitForState(ctx, target, timeout, target != statemachine.StateError)

	case step.Done != "":
		return h.awaitMaster(ctx, h.members[step.Done].p)

	case step.Raise != nil:
		ev, err := statemachine.ParseEvent(step.Raise.Event)
		if err != nil {
			return err
		}
		if h.members[step.Raise.Participant].p.Machine().RaiseEvent(ev) != statemachine.Accepted {
			return fmt.Errorf("%s ignored %s in state %s", step.Raise.Participant, ev, h.members[step.Raise.Participant].p.State())
		}
		return nil

	case step.Control != nil:
		ev, err := statemachine.ParseEvent(step.Control.Event)
		if err != nil {
			return err
		}
		from := h.members[step.Control.From].p
		return statemachine.SendControl(ctx, h.bus.Endpoint(step.Control.From), from.Machine().NewControl(ev, step.Control.Target))

	case step.Trigger != "":
		tctx, cancel := context.WithTimeout(ctx, h.scenario.timeout())
		defer cancel()
		_, err := h.members[step.Trigger].p.Trigger(tctx)
		return err

	case step.Set != nil:
		return h.members[step.Set.Participant].tree.SetValue(step.Set.Key, step.Set.Value)
	}
	return fmt.Errorf("empty step")
}

func (h *Harness) start(m *member) error {
	if m.errCh != nil {
		return fmt.Errorf("%s already started", m.spec.Name)
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.errCh = make(chan error, 1)
	go func() { m.errCh <- m.p.Run(ctx) }()
	return nil
}

// awaitMaster waits until the master advanced its configured cycles and its
// cycle loop ended. Done is nil again once the participant stopped the master.
func (h *Harness) awaitMaster(ctx context.Context, p *participant.Participant) error {
	mst := p.Master()
	if mst == nil {
		return fmt.Errorf("%s is not a timing master", p.Name())
	}
	limit := mst.Config().Cycles
	if limit == 0 {
		return fmt.Errorf("%s runs without a cycle limit", p.Name())
	}

	deadline := time.Now().Add(h.scenario.timeout())
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()

	for mst.Cycles() < limit {
		if time.Now().After(deadline) {
			return fmt.Errorf("%s did not finish %d cycles (at %d)", p.Name(), limit, mst.Cycles())
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}

	done := mst.Done()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(time.Until(deadline)):
		return fmt.Errorf("%s did not end its last cycle", p.Name())
	}
}

func (m *member) snapshot() Snapshot {
	p := m.p
	s := Snapshot{
		State:     p.State().String(),
		Time:      int64(p.Clocks().GetTime()),
		Clock:     p.Clocks().GetActiveClockName(),
		LastError: p.LastError(),
	}
	if mst := p.Master(); mst != nil {
		s.Cycles = mst.Cycles()
	}
	if jobs := p.Scheduler().Jobs(); len(jobs) > 0 {
		s.Invocations = make(map[string]uint64, len(jobs))
		for _, j := range jobs {
			s.Invocations[j.Name] = j.Invocations
		}
	}
	counts := make(map[core.IncidentCode]int)
	for _, inc := range p.Incidents() {
		counts[inc.Code]++
	}
	s.Incidents = incidentCounts(counts)
	return s
}

// stopAll stops started participants in reverse order and releases the rest.
func (h *Harness) stopAll(result *Result) {
	for i := len(h.order) - 1; i >= 0; i-- {
		m := h.members[h.order[i]]
		if m.errCh == nil {
			m.p.Close()
			continue
		}
		m.cancel()
		select {
		case err := <-m.errCh:
			if err != nil {
				result.AddError(fmt.Sprintf("%s: %v", m.spec.Name, err))
			}
		case <-time.After(h.scenario.timeout()):
			result.AddError(fmt.Sprintf("%s did not stop", m.spec.Name))
		}
	}
}
