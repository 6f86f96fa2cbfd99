package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/lockstep/internal/config"
	"github.com/roach88/lockstep/internal/statemachine"
)

// DefaultTimeout bounds wait, done and trigger steps without a timeout.
const DefaultTimeout = 10 * time.Second

// Scenario defines a timing scenario.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Participants are created in order before the flow starts.
	Participants []ParticipantSpec `yaml:"participants"`

	// Flow is executed step by step. The first failing step ends the flow.
	Flow []FlowStep `yaml:"flow"`

	// Assertions are checked after every participant has stopped.
	Assertions []Assertion `yaml:"assertions"`

	// Timeout is the default for steps that block, e.g. "5s".
	Timeout string `yaml:"timeout,omitempty"`
}

// ParticipantSpec describes one participant.
type ParticipantSpec struct {
	Name string `yaml:"name"`

	// Config holds configuration keys; participant.name is set from Name.
	Config map[string]string `yaml:"config"`

	// AutoStart defaults to true.
	AutoStart *bool `yaml:"auto_start,omitempty"`
}

func (p ParticipantSpec) autoStart() bool {
	return p.AutoStart == nil || *p.AutoStart
}

// FlowStep sets exactly one of its fields.
type FlowStep struct {
	Start   string       `yaml:"start,omitempty"`
	Wait    *WaitStep    `yaml:"wait,omitempty"`
	Done    string       `yaml:"done,omitempty"`
	Raise   *EventStep   `yaml:"raise,omitempty"`
	Control *ControlStep `yaml:"control,omitempty"`
	Trigger string       `yaml:"trigger,omitempty"`
	Set     *SetStep     `yaml:"set,omitempty"`
}

// WaitStep blocks until a participant reaches State.
type WaitStep struct {
	Participant string `yaml:"participant"`
	State       string `yaml:"state"`
	Timeout     string `yaml:"timeout,omitempty"`
}

// EventStep raises Event on a participant.
type EventStep struct {
	Participant string `yaml:"participant"`
	Event       string `yaml:"event"`
}

// ControlStep sends Event from one participant to a target pattern.
type ControlStep struct {
	From   string `yaml:"from"`
	Target string `yaml:"target"`
	Event  string `yaml:"event"`
}

// SetStep sets a configuration value of a participant.
type SetStep struct {
	Participant string `yaml:"participant"`
	Key         string `yaml:"key"`
	Value       string `yaml:"value"`
}

func (s FlowStep) kind() string {
	var kinds []string
	if s.Start != "" {
		kinds = append(kinds, "start")
	}
	if s.Wait != nil {
		kinds = append(kinds, "wait")
	}
	if s.Done != "" {
		kinds = append(kinds, "done")
	}
	if s.Raise != nil {
		kinds = append(kinds, "raise")
	}
	if s.Control != nil {
		kinds = append(kinds, "control")
	}
	if s.Trigger != "" {
		kinds = append(kinds, "trigger")
	}
	if s.Set != nil {
		kinds = append(kinds, "set")
	}
	if len(kinds) != 1 {
		return strings.Join(kinds, "+")
	}
	return kinds[0]
}

// Assertion validates the outcome of a scenario.
type Assertion struct {
	// Type is one of the Assert* constants.
	Type string `yaml:"type"`

	Participant string `yaml:"participant"`

	// Job names a job (invocations, trace_contains, stored_invocations).
	// trace_contains without a job looks for a master cycle.
	Job string `yaml:"job,omitempty"`

	// State is the expected state name (state).
	State string `yaml:"state,omitempty"`

	// Time is the expected simulation time (clock_time, trace_contains).
	Time int64 `yaml:"time,omitempty"`

	// Incident is an incident code name such as "runtime_violation".
	Incident string `yaml:"incident,omitempty"`

	// Count is the expected number of occurrences.
	Count int `yaml:"count,omitempty"`
}

// Assertion type constants.
const (
	AssertState             = "state"
	AssertClockTime         = "clock_time"
	AssertCycles            = "cycles"
	AssertInvocations       = "invocations"
	AssertTraceContains     = "trace_contains"
	AssertIncidentCount     = "incident_count"
	AssertStoredInvocations = "stored_invocations"
)

// LoadScenario reads and parses a scenario YAML file. Unknown fields are
// rejected so that typos do not silently disable a step or assertion.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses and validates a scenario document.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// LoadDir loads every *.yaml and *.yml scenario in dir, sorted by file name.
func LoadDir(dir string) ([]*Scenario, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		ext := filepath.Ext(e.Name())
		if !e.IsDir() && (ext == ".yaml" || ext == ".yml") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	out := make([]*Scenario, 0, len(names))
	for _, name := range names {
		s, err := LoadScenario(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		out = append(out, s)
	}
	return out, nil
}

func (s *Scenario) timeout() time.Duration {
	if d, err := time.ParseDuration(s.Timeout); err == nil && d > 0 {
		return d
	}
	return DefaultTimeout
}

// validateScenario checks that required fields are present and that every
// step and assertion refers to a declared participant.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Participants) == 0 {
		return fmt.Errorf("participants list is required and must be non-empty")
	}
	if len(s.Flow) == 0 {
		return fmt.Errorf("flow list is required and must be non-empty")
	}
	if s.Timeout != "" {
		if _, err := time.ParseDuration(s.Timeout); err != nil {
			return fmt.Errorf("timeout: %w", err)
		}
	}

	known := make(map[string]bool, len(s.Participants))
	for i, p := range s.Participants {
		if p.Name == "" {
			return fmt.Errorf("participants[%d]: name is required", i)
		}
		if known[p.Name] {
			return fmt.Errorf("participants[%d]: duplicate name %q", i, p.Name)
		}
		if name, ok := p.Config[config.KeyParticipantName]; ok && name != p.Name {
			return fmt.Errorf("participants[%d]: %s %q conflicts with name %q", i, config.KeyParticipantName, name, p.Name)
		}
		known[p.Name] = true
	}
	participant := func(where, name string) error {
		if !known[name] {
			return fmt.Errorf("%s: unknown participant %q", where, name)
		}
		return nil
	}

	for i, step := range s.Flow {
		where := fmt.Sprintf("flow[%d]", i)
		var err error
		switch kind := step.kind(); kind {
		case "start":
			err = participant(where, step.Start)
		case "done":
			err = participant(where, step.Done)
		case "trigger":
			err = participant(where, step.Trigger)
		case "wait":
			if err = participant(where, step.Wait.Participant); err == nil {
				_, err = statemachine.ParseState(step.Wait.State)
			}
			if err == nil && step.Wait.Timeout != "" {
				_, err = time.ParseDuration(step.Wait.Timeout)
			}
		case "raise":
			if err = participant(where, step.Raise.Participant); err == nil {
				_, err = statemachine.ParseEvent(step.Raise.Event)
			}
		case "control":
			if err = participant(where, step.Control.From); err == nil {
				_, err = statemachine.ParseEvent(step.Control.Event)
			}
			if err == nil && step.Control.Target == "" {
				err = fmt.Errorf("target is required")
			}
		case "set":
			if err = participant(where, step.Set.Participant); err == nil && step.Set.Key == "" {
				err = fmt.Errorf("key is required")
			}
		case "":
			err = fmt.Errorf("step is empty")
		default:
			err = fmt.Errorf("step sets more than one of %s", kind)
		}
		if err != nil {
			return fmt.Errorf("%s: %w", where, err)
		}
	}

	for i, a := range s.Assertions {
		if err := validateAssertion(i, a, known); err != nil {
			return err
		}
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a Assertion, known map[string]bool) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}
	if !known[a.Participant] {
		return fmt.Errorf("assertions[%d]: unknown participant %q", index, a.Participant)
	}
	if a.Count < 0 {
		return fmt.Errorf("assertions[%d]: count must be non-negative", index)
	}

	switch a.Type {
	case AssertState:
		if _, err := statemachine.ParseState(a.State); err != nil {
			return fmt.Errorf("assertions[%d]: %w", index, err)
		}
	case AssertInvocations, AssertStoredInvocations:
		if a.Job == "" {
			return fmt.Errorf("assertions[%d]: job is required for %s", index, a.Type)
		}
	case AssertIncidentCount:
		if a.Incident == "" {
			return fmt.Errorf("assertions[%d]: incident is required for incident_count", index)
		}
	case AssertClockTime, AssertCycles, AssertTraceContains:
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
