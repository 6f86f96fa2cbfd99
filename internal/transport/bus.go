package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/roach88/lockstep/internal/queue"
)

// ErrNoRoute is returned when a message addressed to a single participant
// has no endpoint to go to.
var ErrNoRoute = errors.New("no route to destination")

// Bus is an in-process transport hub. Each participant gets an Endpoint with
// its own inbox and delivery goroutine, so a slow handler on one participant
// never stalls another.
type Bus struct {
	mu        sync.RWMutex
	endpoints map[string]*Endpoint
	logger    *slog.Logger
}

// NewBus creates an empty hub.
func NewBus() *Bus {
	return &Bus{
		endpoints: make(map[string]*Endpoint),
		logger:    slog.Default(),
	}
}

// Endpoint returns the endpoint for name, creating it on first use.
func (b *Bus) Endpoint(name string) *Endpoint {
	name = Normalize(name)

	b.mu.Lock()
	defer b.mu.Unlock()

	if ep, ok := b.endpoints[name]; ok {
		return ep
	}
	ep := &Endpoint{
		bus:   b,
		name:  name,
		inbox: queue.New[Message](),
		done:  make(chan struct{}),
	}
	b.endpoints[name] = ep
	go ep.deliver()
	return ep
}

// Disconnect makes name unreachable: its transmissions and everything
// addressed to it are dropped until Reconnect.
func (b *Bus) Disconnect(name string) {
	b.setDown(name, true)
}

// Reconnect reverses Disconnect.
func (b *Bus) Reconnect(name string) {
	b.setDown(name, false)
}

func (b *Bus) setDown(name string, down bool) {
	b.mu.RLock()
	ep, ok := b.endpoints[Normalize(name)]
	b.mu.RUnlock()
	if ok {
		ep.down.Store(down)
	}
}

// Close stops every endpoint.
func (b *Bus) Close() {
	b.mu.Lock()
	eps := make([]*Endpoint, 0, len(b.endpoints))
	for _, ep := range b.endpoints {
		eps = append(eps, ep)
	}
	b.endpoints = make(map[string]*Endpoint)
	b.mu.Unlock()

	for _, ep := range eps {
		ep.close()
	}
}

// route returns how many endpoints the destination matched, reachable or
// not.
func (b *Bus) route(msg Message) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	matched := 0
	for name, ep := range b.endpoints {
		if name == msg.Source || !Match(msg.Destination, name) {
			continue
		}
		matched++
		if ep.down.Load() {
			continue
		}
		data := make([]byte, len(msg.Data))
		copy(data, msg.Data)
		if !ep.inbox.Enqueue(Message{Source: msg.Source, Destination: msg.Destination, Data: data}) {
			b.logger.Debug("dropping message for closed endpoint", "endpoint", name)
		}
	}
	return matched
}

// Endpoint is one participant's view of a Bus.
type Endpoint struct {
	bus      *Bus
	name     string
	inbox    *queue.Queue[Message]
	handlers handlerSet
	down     atomic.Bool
	done     chan struct{}
	once     sync.Once
}

func (e *Endpoint) Name() string { return e.name }

func (e *Endpoint) Transmit(ctx context.Context, data []byte, destination string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if e.inbox.Closed() {
		return fmt.Errorf("transmit from %s: endpoint closed", e.name)
	}
	if e.down.Load() {
		return nil
	}
	destination = Normalize(destination)
	matched := e.bus.route(Message{Source: e.name, Destination: destination, Data: data})
	if matched == 0 && !strings.ContainsAny(destination, "*?[") {
		return fmt.Errorf("transmit from %s to %s: %w", e.name, destination, ErrNoRoute)
	}
	return nil
}

func (e *Endpoint) OnReceive(h Handler) func() {
	return e.handlers.add(h)
}

// Close detaches the endpoint and stops its delivery goroutine.
func (e *Endpoint) Close() {
	e.bus.mu.Lock()
	if e.bus.endpoints[e.name] == e {
		delete(e.bus.endpoints, e.name)
	}
	e.bus.mu.Unlock()
	e.close()
}

func (e *Endpoint) close() {
	e.once.Do(func() {
		e.inbox.Close()
		<-e.done
	})
}

func (e *Endpoint) deliver() {
	defer close(e.done)
	for {
		for msg, ok := e.inbox.TryDequeue(); ok; msg, ok = e.inbox.TryDequeue() {
			e.handlers.dispatch(msg)
		}
		if e.inbox.Closed() {
			return
		}
		<-e.inbox.Wait()
	}
}
