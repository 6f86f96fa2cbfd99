package core

import (
	"fmt"
	"strconv"
	"strings"
)

// Severity ranks an incident.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityCritical:
		return "critical"
	default:
		return fmt.Sprintf("severity(%d)", int(s))
	}
}

// ParseSeverity accepts a severity name in any case.
func ParseSeverity(s string) (Severity, error) {
	switch strings.ToLower(s) {
	case "info":
		return SeverityInfo, nil
	case "warning":
		return SeverityWarning, nil
	case "critical":
		return SeverityCritical, nil
	}
	return 0, Errorf(CodeInvalidArgument, "parse severity", "unknown severity %q", s)
}

// IncidentCode identifies what happened.
type IncidentCode int

const (
	IncidentListenerFailed      IncidentCode = 100
	IncidentTransitionVetoed    IncidentCode = 101
	IncidentStandaloneChanged   IncidentCode = 102
	IncidentControlEventDropped IncidentCode = 103

	IncidentClockSyncFailed   IncidentCode = 200
	IncidentClockSlaveDropped IncidentCode = 201

	IncidentRuntimeViolation IncidentCode = 300
	IncidentInputViolation   IncidentCode = 301
	IncidentJobFailed        IncidentCode = 302
	IncidentTriggerWhileBusy IncidentCode = 303

	IncidentMasterConfiguration IncidentCode = 601
	IncidentAckTimeout          IncidentCode = 640
)

var incidentNames = map[IncidentCode]string{
	IncidentListenerFailed:      "listener_failed",
	IncidentTransitionVetoed:    "transition_vetoed",
	IncidentStandaloneChanged:   "standalone_changed",
	IncidentControlEventDropped: "control_event_dropped",
	IncidentClockSyncFailed:     "clock_sync_failed",
	IncidentClockSlaveDropped:   "clock_slave_dropped",
	IncidentRuntimeViolation:    "runtime_violation",
	IncidentInputViolation:      "input_violation",
	IncidentJobFailed:           "job_failed",
	IncidentTriggerWhileBusy:    "trigger_while_busy",
	IncidentMasterConfiguration: "master_configuration",
	IncidentAckTimeout:          "ack_timeout",
}

func (c IncidentCode) String() string {
	if name, ok := incidentNames[c]; ok {
		return name
	}
	return fmt.Sprintf("incident(%d)", int(c))
}

// ParseIncidentCode accepts a numeric code or a known incident name.
func ParseIncidentCode(s string) (IncidentCode, error) {
	if n, err := strconv.Atoi(s); err == nil && n > 0 {
		return IncidentCode(n), nil
	}
	for code, name := range incidentNames {
		if strings.EqualFold(name, s) {
			return code, nil
		}
	}
	return 0, Errorf(CodeInvalidArgument, "parse incident code", "unknown incident %q", s)
}

// IncidentSink receives incidents. Report is fire-and-forget: implementations
// must not block for long and never fail the caller.
type IncidentSink interface {
	Report(code IncidentCode, severity Severity, message string, simTime SimTime)
}

// NopSink discards incidents.
type NopSink struct{}

func (NopSink) Report(IncidentCode, Severity, string, SimTime) {}
