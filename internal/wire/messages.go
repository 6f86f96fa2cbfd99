package wire

// Control carries a state machine event to remote participants.
type Control struct {
	Event  string `json:"event"`
	Target string `json:"target"`
	Sender string `json:"sender"`
	Seq    uint64 `json:"seq"`
}

// TimeResponse answers a time request.
type TimeResponse struct {
	Time      int64  `json:"time"`
	ClockKind string `json:"clock_kind"`
}

// Time event flags for slave subscriptions.
const (
	EventUpdateBegin uint32 = 1 << iota
	EventUpdating
	EventUpdateEnd
	EventResetBegin
	EventResetEnd
)

// SlaveRegister subscribes a slave clock to master clock events.
type SlaveRegister struct {
	Slave  string `json:"slave"`
	Events uint32 `json:"events"`
}

// TimeEvent forwards one master clock event.
type TimeEvent struct {
	Event uint32 `json:"event"`
	Old   int64  `json:"old"`
	New   int64  `json:"new"`
}

// Step describes one periodic job of a timing client.
type Step struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	CycleTime int64  `json:"cycle_time_us"`
}

// StepRegister announces a client's steps to the timing master.
type StepRegister struct {
	Participant string `json:"participant"`
	Steps       []Step `json:"steps"`
}

// TriggerTick tells a client to run the cycle at Time.
type TriggerTick struct {
	Time  int64    `json:"time"`
	Step  int64    `json:"step"`
	Steps []string `json:"steps"`
}

// ExternalTime is one sample of an external time source sent to a timing
// master in external clock mode. Cycles may run up to Time + Validity.
type ExternalTime struct {
	Time     int64 `json:"time"`
	Validity int64 `json:"validity_us"`
}

// TriggerAck reports a finished cycle back to the master.
type TriggerAck struct {
	Participant     string   `json:"participant"`
	Time            int64    `json:"time"`
	Steps           []string `json:"steps"`
	OperationalTime int64    `json:"operational_time_us"`
}
