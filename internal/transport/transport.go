// Package transport carries opaque byte buffers between participants.
//
// Delivery is at-most-once per Transmit. Loss is handled by the timeouts of
// the protocols built on top (clock sync round trips, trigger acks), never by
// the transport itself.
package transport

import (
	"context"
	"path"

	"golang.org/x/text/unicode/norm"
)

// Message is one received buffer.
type Message struct {
	Source      string
	Destination string
	Data        []byte
}

// Handler is invoked for every received message. Handlers run on the
// transport's delivery goroutine and must not block for long.
type Handler func(Message)

// Transport is the collaborator contract consumed by the timing components.
type Transport interface {
	// Name is the participant name this endpoint transmits as.
	Name() string

	// Transmit sends data to every participant matching destination.
	Transmit(ctx context.Context, data []byte, destination string) error

	// OnReceive registers a handler. The returned func removes it.
	OnReceive(h Handler) (cancel func())
}

// Broadcast addresses every participant.
const Broadcast = "*"

// Normalize returns the canonical (NFC) form of a participant name or pattern
// so that visually identical names compare equal.
func Normalize(name string) string {
	return norm.NFC.String(name)
}

// Match reports whether name matches the destination pattern. Patterns use
// shell glob syntax; a malformed pattern matches only itself.
func Match(pattern, name string) bool {
	pattern, name = Normalize(pattern), Normalize(name)
	if pattern == name || pattern == Broadcast {
		return true
	}
	ok, err := path.Match(pattern, name)
	return err == nil && ok
}
