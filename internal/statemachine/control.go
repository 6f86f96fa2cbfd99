package statemachine

import (
	"context"
	"fmt"

	"github.com/roach88/lockstep/internal/transport"
	"github.com/roach88/lockstep/internal/wire"
)

// ControlEvent is an event sent to remote participants.
type ControlEvent struct {
	Event  Event
	Target string // destination pattern
	Sender string
	Seq    uint64
}

// Addresses reports whether the event targets participant name.
func (ce ControlEvent) Addresses(name string) bool {
	return transport.Match(ce.Target, name)
}

// NewControl stamps a control event from this participant.
func (m *Machine) NewControl(ev Event, target string) ControlEvent {
	return ControlEvent{Event: ev, Target: target, Sender: m.name, Seq: m.seq.Next()}
}

// SendControl transmits ce to the participants matching its target.
func SendControl(ctx context.Context, t transport.Transport, ce ControlEvent) error {
	data, err := wire.Encode(wire.KindControl, "", wire.Control{
		Event:  ce.Event.String(),
		Target: ce.Target,
		Sender: ce.Sender,
		Seq:    ce.Seq,
	})
	if err != nil {
		return err
	}
	if err := t.Transmit(ctx, data, ce.Target); err != nil {
		return fmt.Errorf("send %s to %s: %w", ce.Event, ce.Target, err)
	}
	return nil
}

// Listen feeds control events received on t into the event queue. The
// returned func stops listening.
func (m *Machine) Listen(t transport.Transport) (cancel func()) {
	return t.OnReceive(func(msg transport.Message) {
		env, err := wire.Decode(msg.Data)
		if err != nil || env.Kind != wire.KindControl {
			return
		}
		var c wire.Control
		if err := env.Unmarshal(&c); err != nil {
			m.logger.Debug("malformed control event", "source", msg.Source, "error", err)
			return
		}
		ev, err := ParseEvent(c.Event)
		if err != nil {
			m.logger.Debug("unknown control event", "source", msg.Source, "event", c.Event)
			return
		}
		m.events.Enqueue(queued{remote: true, control: ControlEvent{
			Event:  ev,
			Target: c.Target,
			Sender: c.Sender,
			Seq:    c.Seq,
		}})
	})
}
