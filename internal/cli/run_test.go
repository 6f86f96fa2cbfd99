package cli

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/lockstep/internal/store"
)

// runFor executes the run command until stopAfter elapsed.
func runFor(t *testing.T, stopAfter time.Duration, args ...string) (string, error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cmd := NewRootCommand()
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)

	done := make(chan error, 1)
	go func() { done <- cmd.ExecuteContext(ctx) }()

	select {
	case err := <-done:
		return out.String(), err
	case <-time.After(stopAfter):
	}
	cancel()
	select {
	case err := <-done:
		return out.String(), err
	case <-time.After(10 * time.Second):
		t.Fatal("run did not stop")
		return "", nil
	}
}

func readInvocations(t *testing.T, db, participant, job string) int {
	t.Helper()
	st, err := store.Open(db)
	require.NoError(t, err)
	defer st.Close()
	recs, err := st.ReadInvocations(context.Background(), participant, job)
	require.NoError(t, err)
	return len(recs)
}

func TestRun_LocalParticipant(t *testing.T) {
	dir := t.TempDir()
	db := filepath.Join(dir, "sim.db")
	path := writeFile(t, dir, "sim.yaml", simYAML+fmt.Sprintf("store:\n  path: %q\n", db))

	out, err := runFor(t, 300*time.Millisecond, "run", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Participant sim started (local)")

	assert.Positive(t, readInvocations(t, db, "sim", "step"))
	assert.Positive(t, readInvocations(t, db, "sim", "control"))
}

func TestRun_ManualStaysIdle(t *testing.T) {
	dir := t.TempDir()
	db := filepath.Join(dir, "sim.db")
	path := writeFile(t, dir, "sim.yaml", simYAML)

	_, err := runFor(t, 200*time.Millisecond, "run", path, "--manual", "--db", db)
	require.NoError(t, err)
	assert.Zero(t, readInvocations(t, db, "sim", ""))
}

func TestRun_SharedConfiguration(t *testing.T) {
	mr := miniredis.RunT(t)
	mr.HSet("lockstep:config", "scheduler.jobs.extra.cycle_time_us", "10000")

	dir := t.TempDir()
	db := filepath.Join(dir, "sim.db")
	path := writeFile(t, dir, "sim.yaml", simYAML)

	_, err := runFor(t, 300*time.Millisecond, "run", path, "--redis", mr.Addr(), "--db", db)
	require.NoError(t, err)

	assert.Positive(t, readInvocations(t, db, "sim", "extra"))
	assert.Equal(t, "10000", mr.HGet("lockstep:config", "scheduler.jobs.step.cycle_time_us"))
	assert.Empty(t, mr.HGet("lockstep:config", "participant.name"))
}

func TestRun_Errors(t *testing.T) {
	dir := t.TempDir()

	_, err := execute(t, "run", filepath.Join(dir, "missing.yaml"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	bad := writeFile(t, dir, "bad.yaml", "participant: {name: sim}\nbogus: 1\n")
	_, err = execute(t, "run", bad)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	good := writeFile(t, dir, "sim.yaml", simYAML)
	_, err = execute(t, "run", good, "--redis", "127.0.0.1:1")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestJobDeclarations(t *testing.T) {
	got := jobDeclarations(map[string]string{
		"participant.name":                  "sim",
		"scheduler.jobs.step.cycle_time_us": "10000",
		"scheduler.jobsx":                   "no",
	})
	assert.Equal(t, map[string]string{"scheduler.jobs.step.cycle_time_us": "10000"}, got)
}
