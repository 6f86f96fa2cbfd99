package transport

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nats-io/nats.go"
)

const (
	headerSource      = "Lockstep-Source"
	headerDestination = "Lockstep-Destination"
)

// NATS is a Transport over one NATS subject per session. Every participant
// of a session subscribes to the same subject and filters on the destination
// header, so glob destinations need no subject mapping.
type NATS struct {
	name     string
	subject  string
	conn     *nats.Conn
	sub      *nats.Subscription
	handlers handlerSet
	logger   *slog.Logger
}

// DialNATS connects participant name to the session subject on url.
func DialNATS(url, name, session string, opts ...nats.Option) (*NATS, error) {
	if session == "" || strings.ContainsAny(session, " .*>") {
		return nil, fmt.Errorf("dial nats: invalid session %q", session)
	}
	conn, err := nats.Connect(url, append([]nats.Option{nats.Name(name)}, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("dial nats: %w", err)
	}

	t := &NATS{
		name:    Normalize(name),
		subject: "lockstep." + session,
		conn:    conn,
		logger:  slog.Default().With("transport", "nats", "participant", name),
	}
	t.sub, err = conn.Subscribe(t.subject, t.receive)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("subscribe %s: %w", t.subject, err)
	}
	if err := conn.Flush(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("flush subscription: %w", err)
	}
	return t, nil
}

func (t *NATS) Name() string { return t.name }

func (t *NATS) Transmit(ctx context.Context, data []byte, destination string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := nats.NewMsg(t.subject)
	msg.Header.Set(headerSource, t.name)
	msg.Header.Set(headerDestination, Normalize(destination))
	msg.Data = data
	if err := t.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("transmit to %s: %w", destination, err)
	}
	return nil
}

func (t *NATS) OnReceive(h Handler) func() {
	return t.handlers.add(h)
}

// Close unsubscribes and closes the connection.
func (t *NATS) Close() error {
	if err := t.sub.Unsubscribe(); err != nil {
		t.logger.Debug("unsubscribe failed", "error", err)
	}
	t.conn.Close()
	return nil
}

func (t *NATS) receive(m *nats.Msg) {
	src := m.Header.Get(headerSource)
	dst := m.Header.Get(headerDestination)
	if src == t.name || !Match(dst, t.name) {
		return
	}
	t.handlers.dispatch(Message{Source: src, Destination: dst, Data: m.Data})
}
