package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/roach88/lockstep/internal/core"
	"github.com/roach88/lockstep/internal/master"
	"github.com/roach88/lockstep/internal/scheduler"
)

// IncidentRecord is one stored incident.
type IncidentRecord struct {
	Seq         int64
	Participant string
	Code        core.IncidentCode
	Severity    core.Severity
	Message     string
	SimTime     core.SimTime
	At          time.Time
}

// InvocationRecord is one stored scheduler invocation.
type InvocationRecord struct {
	Seq         int64
	Participant string
	scheduler.Invocation
}

// CycleRecord is one stored master cycle.
type CycleRecord struct {
	Participant string
	master.CycleRecord
}

// WriteIncident appends an incident.
func (s *Store) WriteIncident(ctx context.Context, rec IncidentRecord) error {
	if rec.At.IsZero() {
		rec.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO incidents (participant, code, severity, message, sim_time, at)
		VALUES (?, ?, ?, ?, ?, ?)
	`,
		rec.Participant,
		int(rec.Code),
		int(rec.Severity),
		rec.Message,
		int64(rec.SimTime),
		rec.At.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("write incident: %w", err)
	}
	return nil
}

// WriteInvocation appends a scheduler invocation.
func (s *Store) WriteInvocation(ctx context.Context, participant string, inv scheduler.Invocation) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO job_invocations
		(participant, job, due, now, runtime_us, runtime_violation, input_violation, skipped, output_skipped, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		participant,
		inv.Job,
		int64(inv.Due),
		int64(inv.Now),
		inv.Runtime.Microseconds(),
		inv.RuntimeViolation,
		inv.InputViolation,
		inv.Skipped,
		inv.OutputSkipped,
		inv.Err,
	)
	if err != nil {
		return fmt.Errorf("write invocation: %w", err)
	}
	return nil
}

// WriteCycle appends a master cycle.
func (s *Store) WriteCycle(ctx context.Context, participant string, rec master.CycleRecord) error {
	clients, err := marshalNames(rec.Participants)
	if err != nil {
		return fmt.Errorf("write cycle: %w", err)
	}
	timedOut, err := marshalNames(rec.TimedOut)
	if err != nil {
		return fmt.Errorf("write cycle: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO master_cycles (participant, cycle, sim_time, clients, timed_out, duration_us)
		VALUES (?, ?, ?, ?, ?, ?)
	`,
		participant,
		rec.Cycle,
		int64(rec.Time),
		clients,
		timedOut,
		rec.Duration.Microseconds(),
	)
	if err != nil {
		return fmt.Errorf("write cycle: %w", err)
	}
	return nil
}

func marshalNames(names []string) (string, error) {
	if names == nil {
		names = []string{}
	}
	b, err := json.Marshal(names)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
