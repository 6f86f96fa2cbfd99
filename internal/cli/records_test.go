package cli

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/lockstep/internal/core"
	"github.com/roach88/lockstep/internal/master"
	"github.com/roach88/lockstep/internal/scheduler"
	"github.com/roach88/lockstep/internal/store"
)

// seedRecord writes a small run of a master and one client.
func seedRecord(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "run.db")
	st, err := store.Open(path)
	require.NoError(t, err)
	defer st.Close()

	ctx := context.Background()
	for i := int64(0); i < 3; i++ {
		now := core.SimTime(i * 10000)
		require.NoError(t, st.WriteInvocation(ctx, "sim", scheduler.Invocation{
			Job: "step", Due: now, Now: now, Runtime: time.Millisecond,
		}))
		require.NoError(t, st.WriteCycle(ctx, "master", master.CycleRecord{
			Cycle: i, Time: now, Participants: []string{"sim"},
		}))
	}
	require.NoError(t, st.WriteInvocation(ctx, "sim", scheduler.Invocation{
		Job: "control", Due: 20000, Now: 20000, Runtime: 5 * time.Millisecond, RuntimeViolation: true,
	}))

	incidents := []store.IncidentRecord{
		{Participant: "sim", Code: core.IncidentRuntimeViolation, Severity: core.SeverityWarning, Message: "control ran 5ms", SimTime: 20000},
		{Participant: "master", Code: core.IncidentAckTimeout, Severity: core.SeverityCritical, Message: "sim did not answer", SimTime: 30000},
		{Participant: "sim", Code: core.IncidentStandaloneChanged, Severity: core.SeverityInfo, Message: "standalone=false"},
	}
	for _, rec := range incidents {
		require.NoError(t, st.WriteIncident(ctx, rec))
	}
	return path
}

func TestIncidents_Text(t *testing.T) {
	db := seedRecord(t)

	out, err := execute(t, "incidents", "--db", db)
	require.NoError(t, err)
	assert.Contains(t, out, "runtime_violation")
	assert.Contains(t, out, "ack_timeout")
	assert.Contains(t, out, "3 incident(s)")
}

func TestIncidents_Filters(t *testing.T) {
	db := seedRecord(t)

	tests := []struct {
		name  string
		args  []string
		codes []int
	}{
		{"participant", []string{"--participant", "sim"}, []int{300, 102}},
		{"code by name", []string{"--code", "ack_timeout"}, []int{640}},
		{"code by number", []string{"--code", "300"}, []int{300}},
		{"min severity", []string{"--min-severity", "warning"}, []int{300, 640}},
		{"limit", []string{"--limit", "1"}, []int{300}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args := append([]string{"--format", "json", "incidents", "--db", db}, tt.args...)
			out, err := execute(t, args...)
			require.NoError(t, err)

			var resp struct {
				Data IncidentsResult `json:"data"`
			}
			require.NoError(t, json.Unmarshal([]byte(out), &resp))
			var codes []int
			for _, inc := range resp.Data.Incidents {
				codes = append(codes, inc.Code)
			}
			assert.Equal(t, tt.codes, codes)
		})
	}
}

func TestIncidents_Errors(t *testing.T) {
	db := seedRecord(t)

	_, err := execute(t, "incidents", "--db", db, "--code", "nope")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	_, err = execute(t, "incidents", "--db", db, "--min-severity", "loud")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	_, err = execute(t, "incidents", "--db", filepath.Join(t.TempDir(), "missing.db"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestTrace_Participant(t *testing.T) {
	db := seedRecord(t)

	out, err := execute(t, "--format", "json", "trace", "--db", db, "--participant", "sim")
	require.NoError(t, err)

	var resp struct {
		Data TraceResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, 4, resp.Data.Stats.Invocations)
	assert.Equal(t, 1, resp.Data.Stats.RuntimeViolations)
	assert.Equal(t, int64(20000), resp.Data.Stats.LastTime)
	assert.Empty(t, resp.Data.Cycles)
}

func TestTrace_JobFilter(t *testing.T) {
	db := seedRecord(t)

	out, err := execute(t, "trace", "--db", db, "--participant", "sim", "--job", "control")
	require.NoError(t, err)
	assert.Contains(t, out, "control")
	assert.Contains(t, out, "(runtime)")
	assert.NotContains(t, out, " step ")
}

func TestTrace_Master(t *testing.T) {
	db := seedRecord(t)

	out, err := execute(t, "trace", "--db", db, "--participant", "master")
	require.NoError(t, err)
	assert.Contains(t, out, "Cycles:")
	assert.Contains(t, out, "#2 t=20000 [sim]")
	assert.Contains(t, out, "3 cycles")
}

func TestTrace_Empty(t *testing.T) {
	db := seedRecord(t)

	out, err := execute(t, "trace", "--db", db, "--participant", "ghost")
	require.NoError(t, err)
	assert.Contains(t, out, "No records found for participant: ghost")
}
