package transport

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

// collector records received messages for assertions.
type collector struct {
	mu   sync.Mutex
	msgs []Message
	got  chan struct{}
}

func newCollector() *collector {
	return &collector{got: make(chan struct{}, 64)}
}

func (c *collector) handle(m Message) {
	c.mu.Lock()
	c.msgs = append(c.msgs, m)
	c.mu.Unlock()
	c.got <- struct{}{}
}

func (c *collector) wait(t *testing.T, n int) []Message {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-c.got:
		case <-time.After(time.Second):
			t.Fatalf("received %d of %d messages", i, n)
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Message(nil), c.msgs...)
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msgs)
}

func TestMatch(t *testing.T) {
	tests := []struct {
		pattern, name string
		want          bool
	}{
		{"*", "sensor_front", true},
		{"sensor_front", "sensor_front", true},
		{"sensor_*", "sensor_front", true},
		{"sensor_*", "driver", false},
		{"[", "[", true},
		{"[", "x", false},
		// NFC and NFD spellings of the same name.
		{"Bremse\u0301", "Brems\u00e9", true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Match(tt.pattern, tt.name), "Match(%q, %q)", tt.pattern, tt.name)
	}
}

func TestBus_RoutesByPattern(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	bus := NewBus()
	defer bus.Close()

	master := bus.Endpoint("master")
	front, rear, driver := newCollector(), newCollector(), newCollector()
	bus.Endpoint("sensor_front").OnReceive(front.handle)
	bus.Endpoint("sensor_rear").OnReceive(rear.handle)
	bus.Endpoint("driver").OnReceive(driver.handle)

	require.NoError(t, master.Transmit(context.Background(), []byte("tick"), "sensor_*"))

	got := front.wait(t, 1)
	assert.Equal(t, "master", got[0].Source)
	assert.Equal(t, []byte("tick"), got[0].Data)
	rear.wait(t, 1)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, driver.count())
}

func TestBus_SenderDoesNotReceiveBroadcast(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	self, other := newCollector(), newCollector()
	a := bus.Endpoint("a")
	a.OnReceive(self.handle)
	bus.Endpoint("b").OnReceive(other.handle)

	require.NoError(t, a.Transmit(context.Background(), []byte("x"), Broadcast))
	other.wait(t, 1)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, self.count())
}

func TestBus_DisconnectDrops(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	c := newCollector()
	a := bus.Endpoint("a")
	bus.Endpoint("b").OnReceive(c.handle)

	bus.Disconnect("b")
	require.NoError(t, a.Transmit(context.Background(), []byte("lost"), "b"))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, c.count())

	bus.Reconnect("b")
	require.NoError(t, a.Transmit(context.Background(), []byte("kept"), "b"))
	got := c.wait(t, 1)
	assert.Equal(t, []byte("kept"), got[0].Data)
}

func TestBus_CancelHandler(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	c := newCollector()
	a := bus.Endpoint("a")
	cancel := bus.Endpoint("b").OnReceive(c.handle)
	cancel()

	require.NoError(t, a.Transmit(context.Background(), []byte("x"), "b"))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, c.count())
}

func TestEndpoint_TransmitAfterClose(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	a := bus.Endpoint("a")
	a.Close()
	assert.Error(t, a.Transmit(context.Background(), []byte("x"), "b"))
}

func TestEndpoint_TransmitToUnknownParticipant(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	a := bus.Endpoint("a")
	assert.ErrorIs(t, a.Transmit(context.Background(), []byte("x"), "ghost"), ErrNoRoute)
	assert.NoError(t, a.Transmit(context.Background(), []byte("x"), "ghost_*"))

	bus.Endpoint("b").Close()
	assert.ErrorIs(t, a.Transmit(context.Background(), []byte("x"), "b"), ErrNoRoute)
}
