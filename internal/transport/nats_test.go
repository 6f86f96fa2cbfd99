package transport

import (
	"context"
	"testing"

	natsserver "github.com/nats-io/nats-server/v2/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runNATSServer(t *testing.T) string {
	t.Helper()
	opts := natsserver.DefaultTestOptions
	opts.Port = -1
	srv := natsserver.RunServer(&opts)
	t.Cleanup(srv.Shutdown)
	return srv.ClientURL()
}

func TestNATS_TransmitFiltersByDestination(t *testing.T) {
	url := runNATSServer(t)

	master, err := DialNATS(url, "master", "session1")
	require.NoError(t, err)
	defer master.Close()

	front, err := DialNATS(url, "sensor_front", "session1")
	require.NoError(t, err)
	defer front.Close()

	driver, err := DialNATS(url, "driver", "session1")
	require.NoError(t, err)
	defer driver.Close()

	got := newCollector()
	front.OnReceive(got.handle)
	skipped := newCollector()
	driver.OnReceive(skipped.handle)
	self := newCollector()
	master.OnReceive(self.handle)

	require.NoError(t, master.Transmit(context.Background(), []byte("tick"), "sensor_*"))

	msgs := got.wait(t, 1)
	assert.Equal(t, "master", msgs[0].Source)
	assert.Equal(t, "sensor_*", msgs[0].Destination)
	assert.Equal(t, []byte("tick"), msgs[0].Data)

	// Round trip through the server so anything misrouted would have arrived.
	require.NoError(t, driver.conn.Flush())
	require.NoError(t, master.conn.Flush())
	assert.Equal(t, 0, skipped.count())
	assert.Equal(t, 0, self.count())
}

func TestDialNATS_RejectsBadSession(t *testing.T) {
	_, err := DialNATS("nats://127.0.0.1:1", "a", "bad.session")
	assert.ErrorContains(t, err, "invalid session")
}
