package participant

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/roach88/lockstep/internal/config"
	"github.com/roach88/lockstep/internal/core"
	"github.com/roach88/lockstep/internal/scheduler"
)

// JobSpec is a job declared in configuration under scheduler.jobs.<name>.
type JobSpec struct {
	Name   string
	Config scheduler.StepConfig
	// Work is the simulated callback duration.
	Work time.Duration
	// Input is the upstream job whose last invocation is this job's newest
	// input. Empty when the job has no input check.
	Input string
}

// snapshotter is implemented by stores that can enumerate keys.
type snapshotter interface {
	Snapshot(prefix string) map[string]string
}

// ConfiguredJobs parses the job declarations of store, sorted by name.
// Jobs published as unregistered are skipped.
func ConfiguredJobs(store core.ConfigStore) ([]JobSpec, error) {
	snap, ok := store.(snapshotter)
	if !ok {
		return nil, nil
	}
	values := snap.Snapshot(config.KeyJobsPrefix)

	byName := make(map[string]map[string]string)
	prefix := config.KeyJobsPrefix + "."
	for k, v := range values {
		rest := strings.TrimPrefix(k, prefix)
		i := strings.LastIndex(rest, ".")
		if i <= 0 {
			continue
		}
		name, field := rest[:i], rest[i+1:]
		if byName[name] == nil {
			byName[name] = make(map[string]string)
		}
		byName[name][field] = v
	}

	names := make([]string, 0, len(byName))
	for name := range byName {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]JobSpec, 0, len(names))
	for _, name := range names {
		fields := byName[name]
		if fields[config.JobRegistered] == "false" {
			continue
		}
		spec, err := parseJob(name, fields)
		if err != nil {
			return nil, err
		}
		out = append(out, spec)
	}
	for _, spec := range out {
		if spec.Input == "" {
			continue
		}
		if spec.Input == spec.Name || !hasJob(out, spec.Input) {
			return nil, core.Errorf(core.CodeInvalidArgument, "participant.ConfiguredJobs",
				"job %s: input %q is not another configured job", spec.Name, spec.Input)
		}
	}
	return out, nil
}

func hasJob(specs []JobSpec, name string) bool {
	for _, s := range specs {
		if s.Name == name {
			return true
		}
	}
	return false
}

func parseJob(name string, fields map[string]string) (JobSpec, error) {
	const op = "participant.ConfiguredJobs"
	spec := JobSpec{Name: name}

	num := func(field string) (int64, error) {
		v, ok := fields[field]
		if !ok || v == "" {
			return 0, nil
		}
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return 0, core.Errorf(core.CodeInvalidArgument, op, "job %s: %s: %v", name, field, err)
		}
		return n, nil
	}
	strategy := func(field string) (scheduler.Strategy, error) {
		v, ok := fields[field]
		if !ok || v == "" {
			return scheduler.Ignore, nil
		}
		s, err := scheduler.ParseStrategy(v)
		if err != nil {
			return 0, core.Errorf(core.CodeInvalidArgument, op, "job %s: %v", name, err)
		}
		return s, nil
	}

	cycle, err := num(config.JobCycleTimeUS)
	if err != nil {
		return spec, err
	}
	maxRuntime, err := num(config.JobMaxRuntimeUS)
	if err != nil {
		return spec, err
	}
	maxInput, err := num(config.JobMaxInputWaitUS)
	if err != nil {
		return spec, err
	}
	work, err := num(config.JobWorkUS)
	if err != nil {
		return spec, err
	}
	spec.Config.CycleTime = core.SimTime(cycle)
	spec.Config.MaxRuntime = time.Duration(maxRuntime) * time.Microsecond
	spec.Config.MaxInputWait = core.SimTime(maxInput)
	spec.Work = time.Duration(work) * time.Microsecond
	spec.Input = strings.TrimSpace(fields[config.JobInput])

	if spec.Config.RuntimeViolation, err = strategy(config.JobRuntimeViolation); err != nil {
		return spec, err
	}
	if spec.Config.InputViolation, err = strategy(config.JobInputViolation); err != nil {
		return spec, err
	}
	return spec, spec.Config.Validate()
}

// Workload returns a callback that busies the job for d of wall time.
func Workload(d time.Duration) scheduler.JobFunc {
	return func(ctx context.Context, _ core.SimTime) error {
		if d <= 0 {
			return nil
		}
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-t.C:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
