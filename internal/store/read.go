package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/roach88/lockstep/internal/core"
)

// IncidentFilter narrows ReadIncidents. Zero fields match everything.
type IncidentFilter struct {
	Participant string
	Code        core.IncidentCode
	MinSeverity core.Severity
	Limit       int
}

// ReadIncidents returns matching incidents ordered by seq.
// Returns an empty slice (not nil) if nothing matches.
func (s *Store) ReadIncidents(ctx context.Context, f IncidentFilter) ([]IncidentRecord, error) {
	var where []string
	var args []any
	if f.Participant != "" {
		where = append(where, "participant = ?")
		args = append(args, f.Participant)
	}
	if f.Code != 0 {
		where = append(where, "code = ?")
		args = append(args, int(f.Code))
	}
	if f.MinSeverity > 0 {
		where = append(where, "severity >= ?")
		args = append(args, int(f.MinSeverity))
	}

	query := "SELECT seq, participant, code, severity, message, sim_time, at FROM incidents"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY seq ASC"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query incidents: %w", err)
	}
	defer rows.Close()

	out := []IncidentRecord{}
	for rows.Next() {
		var (
			rec      IncidentRecord
			code     int
			severity int
			simTime  int64
			at       string
		)
		if err := rows.Scan(&rec.Seq, &rec.Participant, &code, &severity, &rec.Message, &simTime, &at); err != nil {
			return nil, fmt.Errorf("scan incident: %w", err)
		}
		rec.Code = core.IncidentCode(code)
		rec.Severity = core.Severity(severity)
		rec.SimTime = core.SimTime(simTime)
		rec.At, err = time.Parse(time.RFC3339Nano, at)
		if err != nil {
			return nil, fmt.Errorf("parse incident time: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate incidents: %w", err)
	}
	return out, nil
}

// CountIncidents returns the number of incidents per code for participant,
// or for every participant when participant is empty.
func (s *Store) CountIncidents(ctx context.Context, participant string) (map[core.IncidentCode]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT code, COUNT(*) FROM incidents
		WHERE ? = '' OR participant = ?
		GROUP BY code ORDER BY code
	`, participant, participant)
	if err != nil {
		return nil, fmt.Errorf("count incidents: %w", err)
	}
	defer rows.Close()

	out := make(map[core.IncidentCode]int)
	for rows.Next() {
		var code, n int
		if err := rows.Scan(&code, &n); err != nil {
			return nil, fmt.Errorf("scan incident count: %w", err)
		}
		out[core.IncidentCode(code)] = n
	}
	return out, rows.Err()
}

// ReadInvocations returns the invocations of one job ordered by seq. An empty
// job name returns every job of the participant.
func (s *Store) ReadInvocations(ctx context.Context, participant, job string) ([]InvocationRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, participant, job, due, now, runtime_us,
		       runtime_violation, input_violation, skipped, output_skipped, error
		FROM job_invocations
		WHERE participant = ? AND (? = '' OR job = ?)
		ORDER BY seq ASC
	`, participant, job, job)
	if err != nil {
		return nil, fmt.Errorf("query invocations: %w", err)
	}
	defer rows.Close()

	out := []InvocationRecord{}
	for rows.Next() {
		var (
			rec       InvocationRecord
			due, now  int64
			runtimeUS int64
		)
		if err := rows.Scan(&rec.Seq, &rec.Participant, &rec.Job, &due, &now, &runtimeUS,
			&rec.RuntimeViolation, &rec.InputViolation, &rec.Skipped, &rec.OutputSkipped, &rec.Err); err != nil {
			return nil, fmt.Errorf("scan invocation: %w", err)
		}
		rec.Due = core.SimTime(due)
		rec.Now = core.SimTime(now)
		rec.Runtime = time.Duration(runtimeUS) * time.Microsecond
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate invocations: %w", err)
	}
	return out, nil
}

// ReadCycles returns the master cycles of participant in the order they
// were written.
func (s *Store) ReadCycles(ctx context.Context, participant string) ([]CycleRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT participant, cycle, sim_time, clients, timed_out, duration_us
		FROM master_cycles
		WHERE participant = ?
		ORDER BY seq ASC
	`, participant)
	if err != nil {
		return nil, fmt.Errorf("query cycles: %w", err)
	}
	defer rows.Close()

	out := []CycleRecord{}
	for rows.Next() {
		rec, err := scanCycle(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cycles: %w", err)
	}
	return out, nil
}

func scanCycle(rows *sql.Rows) (CycleRecord, error) {
	var (
		rec               CycleRecord
		simTime           int64
		clients, timedOut string
		durationUS        int64
	)
	if err := rows.Scan(&rec.Participant, &rec.Cycle, &simTime, &clients, &timedOut, &durationUS); err != nil {
		return CycleRecord{}, fmt.Errorf("scan cycle: %w", err)
	}
	rec.Time = core.SimTime(simTime)
	rec.Duration = time.Duration(durationUS) * time.Microsecond
	if err := json.Unmarshal([]byte(clients), &rec.Participants); err != nil {
		return CycleRecord{}, fmt.Errorf("unmarshal clients: %w", err)
	}
	if err := json.Unmarshal([]byte(timedOut), &rec.TimedOut); err != nil {
		return CycleRecord{}, fmt.Errorf("unmarshal timed out: %w", err)
	}
	return rec, nil
}
