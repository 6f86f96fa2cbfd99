package config

// Well-known configuration keys.
const (
	KeyParticipantName = "participant.name"
	KeyStandalone      = "state_machine.standalone"

	KeyMainClock        = "clock.main_clock"
	KeyClockCycleTimeMS = "clock.cycle_time_ms"
	KeyClockTimeFactor  = "clock.time_factor"
	KeyActiveClock      = "clock.active"

	KeySyncMaster      = "clock_sync.master"
	KeySyncCycleTimeMS = "clock_sync.cycle_time_ms"
	KeySyncTimeoutMS   = "clock_sync.timeout_ms"
	KeySyncDriftBound  = "clock_sync.drift_bound_us"

	KeyTimingMaster       = "timing.master"
	KeyTriggerMode        = "timing.trigger_mode"
	KeyTimingTimeFactor   = "timing.time_factor"
	KeyAckTimeoutMS       = "timing.ack_timeout_ms"
	KeyMinTriggerTimeUS   = "timing.min_trigger_time_us"
	KeyMaxScheduleLength  = "timing.max_schedule_length"
	KeyTimingCycles       = "timing.cycles"
	KeyJobsPrefix         = "scheduler.jobs"
	KeyIntrospectListen   = "introspect.listen"
	KeyTransportNATSURL   = "transport.nats_url"
	KeyTransportSession   = "transport.session"
	KeyStorePath          = "store.path"
	KeyIncidentRatePerSec = "incident.rate_per_sec"
)

// Job keys below KeyJobsPrefix + "." + name.
const (
	JobCycleTimeUS      = "cycle_time_us"
	JobMaxRuntimeUS     = "max_runtime_us"
	JobMaxInputWaitUS   = "max_input_wait_us"
	JobRuntimeViolation = "runtime_violation"
	JobInputViolation   = "input_violation"
	JobWorkUS           = "work_us"
	JobInput            = "input"
	JobRegistered       = "registered"
)

// Defaults.
const (
	DefaultClockCycleTimeMS = 100
	DefaultTimeFactor       = 1.0
	DefaultSyncCycleTimeMS  = 100
	DefaultSyncTimeoutMS    = 500
	DefaultSyncDriftBoundUS = 1000
	DefaultAckTimeoutMS     = 10000
	DefaultMaxSchedule      = 10000
)
