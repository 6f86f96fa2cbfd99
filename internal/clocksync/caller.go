package clocksync

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/roach88/lockstep/internal/core"
	"github.com/roach88/lockstep/internal/transport"
	"github.com/roach88/lockstep/internal/wire"
)

// Caller correlates requests and replies over a transport.
type Caller struct {
	t   transport.Transport
	ids core.IDGenerator

	mu      sync.Mutex
	pending map[string]chan wire.Envelope
	cancel  func()
}

// NewCaller attaches a caller to t. ids defaults to UUIDv7.
func NewCaller(t transport.Transport, ids core.IDGenerator) *Caller {
	if ids == nil {
		ids = core.UUIDv7Generator{}
	}
	c := &Caller{t: t, ids: ids, pending: make(map[string]chan wire.Envelope)}
	c.cancel = t.OnReceive(c.receive)
	return c
}

// Call sends one request to dest and decodes the reply into reply, which
// may be nil. Fails with TIMEOUT when no reply arrives within timeout and
// with FAILED when the peer answers with an error.
func (c *Caller) Call(ctx context.Context, dest string, kind wire.Kind, payload, reply any, timeout time.Duration) error {
	const op = "clocksync.Call"

	id := c.ids.NewID()
	data, err := wire.Encode(kind, id, payload)
	if err != nil {
		return core.Wrap(core.CodeInvalidArgument, op, err, "encode request")
	}

	ch := make(chan wire.Envelope, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := c.t.Transmit(ctx, data, dest); err != nil {
		return core.Wrap(core.CodeFailed, op, err, "transmit "+string(kind))
	}

	select {
	case env := <-ch:
		if env.Error != "" {
			return core.Errorf(core.CodeFailed, op, "%s from %s: %s", kind, dest, env.Error)
		}
		if reply == nil {
			return nil
		}
		return env.Unmarshal(reply)
	case <-ctx.Done():
		return core.Wrap(core.CodeTimeout, op, ctx.Err(), string(kind)+" to "+dest)
	}
}

func (c *Caller) receive(msg transport.Message) {
	env, err := wire.Decode(msg.Data)
	if err != nil || env.ID == "" || !strings.HasSuffix(string(env.Kind), "_reply") {
		return
	}
	c.mu.Lock()
	ch, ok := c.pending[env.ID]
	c.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- env:
	default:
	}
}

// Close detaches the caller from its transport.
func (c *Caller) Close() {
	c.cancel()
}
