package master

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roach88/lockstep/internal/clocksync"
	"github.com/roach88/lockstep/internal/core"
	"github.com/roach88/lockstep/internal/queue"
	"github.com/roach88/lockstep/internal/scheduler"
	"github.com/roach88/lockstep/internal/transport"
	"github.com/roach88/lockstep/internal/wire"
)

// Follower is a clock set from outside, such as clock.NewFollower or a
// clocksync.DiscreteSlave's underlying clock.
type Follower interface {
	SetTime(t core.SimTime) core.SimTime
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithClientIncidents reports ticks that arrive while a cycle is still running.
func WithClientIncidents(s core.IncidentSink) ClientOption {
	return func(c *Client) { c.incidents = s }
}

// WithClientLogger sets the logger. The default is slog.Default().
func WithClientLogger(l *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

// WithIDs sets the request ID generator.
func WithIDs(g core.IDGenerator) ClientOption {
	return func(c *Client) { c.ids = g }
}

// WithCallTimeout bounds registration round trips.
func WithCallTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.timeout = d }
}

// Client executes the master's ticks on a slave participant.
type Client struct {
	master    string
	t         transport.Transport
	caller    *clocksync.Caller
	sched     *scheduler.Scheduler
	clock     Follower
	incidents core.IncidentSink
	logger    *slog.Logger
	ids       core.IDGenerator
	timeout   time.Duration

	busy    atomic.Bool
	last    atomic.Int64
	mu      sync.Mutex
	work    *queue.Queue[wire.TriggerTick]
	cancel  context.CancelFunc
	done    chan struct{}
	stopRcv func()
}

// NewClient creates a stopped client for the named master.
func NewClient(t transport.Transport, caller *clocksync.Caller, masterName string, sched *scheduler.Scheduler, clk Follower, opts ...ClientOption) *Client {
	c := &Client{
		master:    transport.Normalize(masterName),
		t:         t,
		caller:    caller,
		sched:     sched,
		clock:     clk,
		incidents: core.NopSink{},
		logger:    slog.Default(),
		ids:       core.UUIDv7Generator{},
		timeout:   5 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.last.Store(int64(core.NotAvailable))
	return c
}

// Steps describes the scheduler's jobs as master steps.
func (c *Client) Steps() []wire.Step {
	jobs := c.sched.Jobs()
	out := make([]wire.Step, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, wire.Step{ID: c.ids.NewID(), Name: j.Name, CycleTime: int64(j.Config.CycleTime)})
	}
	return out
}

// Register announces the scheduler's jobs to the master. Fails with
// NOT_FOUND when the master does not answer.
func (c *Client) Register(ctx context.Context) error {
	req := wire.StepRegister{Participant: c.t.Name(), Steps: c.Steps()}
	err := c.caller.Call(ctx, c.master, wire.KindStepRegister, req, nil, c.timeout)
	if core.CodeOf(err) == core.CodeTimeout {
		return core.Wrap(core.CodeNotFound, "master.Client.Register", err, "timing master "+c.master)
	}
	return err
}

// Unregister withdraws from the master.
func (c *Client) Unregister(ctx context.Context) error {
	return c.caller.Call(ctx, c.master, wire.KindStepUnregister, wire.StepRegister{Participant: c.t.Name()}, nil, c.timeout)
}

// Start activates the scheduler and begins executing ticks.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done != nil {
		return core.Errorf(core.CodeResourceInUse, "master.Client.Start", "client already running")
	}
	c.sched.Activate()
	ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})
	c.work = queue.New[wire.TriggerTick]()
	c.stopRcv = c.t.OnReceive(c.receive)
	go c.run(ctx, c.work, c.done)
	return nil
}

// Stop ends tick execution and deactivates the scheduler.
func (c *Client) Stop() {
	c.mu.Lock()
	cancel, done, work, stop := c.cancel, c.done, c.work, c.stopRcv
	c.cancel, c.done, c.stopRcv, c.work = nil, nil, nil, nil
	c.mu.Unlock()
	if cancel == nil {
		return
	}
	stop()
	cancel()
	work.Close()
	<-done
	c.sched.Deactivate()
}

// LastTick returns the time of the last executed tick.
func (c *Client) LastTick() core.SimTime {
	return core.SimTime(c.last.Load())
}

func (c *Client) receive(msg transport.Message) {
	if transport.Normalize(msg.Source) != c.master {
		return
	}
	env, err := wire.Decode(msg.Data)
	if err != nil || env.Kind != wire.KindTriggerTick {
		return
	}
	var tick wire.TriggerTick
	if err := env.Unmarshal(&tick); err != nil {
		c.logger.Warn("bad trigger tick", "error", err)
		return
	}

	c.mu.Lock()
	work := c.work
	c.mu.Unlock()
	if work == nil {
		return
	}
	if c.busy.Load() || work.Len() > 0 {
		c.incidents.Report(core.IncidentTriggerWhileBusy, core.SeverityWarning,
			fmt.Sprintf("tick %d arrived while the previous cycle is still running", tick.Time), core.SimTime(tick.Time))
	}
	work.Enqueue(tick)
}

func (c *Client) run(ctx context.Context, work *queue.Queue[wire.TriggerTick], done chan struct{}) {
	defer close(done)
	for {
		for tick, ok := work.TryDequeue(); ok; tick, ok = work.TryDequeue() {
			c.execute(ctx, tick)
		}
		if work.Closed() {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-work.Wait():
		}
	}
}

func (c *Client) execute(ctx context.Context, tick wire.TriggerTick) {
	c.busy.Store(true)
	defer c.busy.Store(false)

	now := core.SimTime(tick.Time)
	began := time.Now()
	if c.clock != nil {
		c.clock.SetTime(now)
	}
	c.sched.RunCycle(ctx, now)
	c.last.Store(int64(now))

	ack := wire.TriggerAck{
		Participant:     c.t.Name(),
		Time:            tick.Time,
		Steps:           tick.Steps,
		OperationalTime: time.Since(began).Microseconds(),
	}
	data, err := wire.Encode(wire.KindTriggerAck, "", ack)
	if err != nil {
		return
	}
	if err := c.t.Transmit(ctx, data, c.master); err != nil {
		c.logger.Warn("trigger ack not delivered", "master", c.master, "time", tick.Time, "error", err)
	}
}
