package config

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestWatcher_ReloadsOnWrite(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	path := writeFile(t, "sim.yaml", "participant: {name: sim}\nclock: {time_factor: 1}\n")
	values, err := LoadFile(path)
	require.NoError(t, err)
	tree := NewTree(values)

	changed := make(chan string, 4)
	tree.Subscribe(KeyClockTimeFactor, func(_, value string) { changed <- value })

	w, err := Watch(context.Background(), path, tree, nil)
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, os.WriteFile(path, []byte("participant: {name: sim}\nclock: {time_factor: 4}\n"), 0o644))

	select {
	case v := <-changed:
		assert.Equal(t, "4", v)
	case <-time.After(5 * time.Second):
		t.Fatal("time factor change not applied")
	}
	n, err := w.Reloads()
	assert.NoError(t, err)
	assert.GreaterOrEqual(t, n, 1)
}

func TestWatcher_InvalidEditKeepsTree(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	path := writeFile(t, "sim.yaml", "participant: {name: sim}\n")
	tree := NewTree(map[string]string{KeyParticipantName: "sim"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w, err := Watch(ctx, path, tree, nil)
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, os.WriteFile(path, []byte("participant: {name: sim}\nbogus: 1\n"), 0o644))

	require.Eventually(t, func() bool {
		_, err := w.Reloads()
		return err != nil
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, map[string]string{KeyParticipantName: "sim"}, tree.Snapshot(""))
}
