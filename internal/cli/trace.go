package cli

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/lockstep/internal/store"
)

// TraceOptions holds flags for the trace command.
type TraceOptions struct {
	*RootOptions
	Database    string
	Participant string
	Job         string // optional - filter to one job
}

// TraceInvocation is one scheduler invocation in the timeline.
type TraceInvocation struct {
	Seq       int64   `json:"seq"`
	Job       string  `json:"job"`
	Due       int64   `json:"due"`
	Now       int64   `json:"now"`
	RuntimeMS float64 `json:"runtime_ms"`
	Flags     string  `json:"flags,omitempty"`
	Err       string  `json:"error,omitempty"`
}

// TraceCycle is one timing master cycle.
type TraceCycle struct {
	Cycle        int64    `json:"cycle"`
	Time         int64    `json:"time"`
	Participants []string `json:"participants"`
	TimedOut     []string `json:"timed_out,omitempty"`
}

// TraceResult holds the complete trace output.
type TraceResult struct {
	Participant string            `json:"participant"`
	Invocations []TraceInvocation `json:"invocations"`
	Cycles      []TraceCycle      `json:"cycles"`
	Stats       TraceStats        `json:"stats"`
}

// TraceStats holds summary statistics for the trace.
type TraceStats struct {
	Invocations       int   `json:"invocations"`
	RuntimeViolations int   `json:"runtime_violations"`
	InputViolations   int   `json:"input_violations"`
	Skipped           int   `json:"skipped"`
	Cycles            int   `json:"cycles"`
	LastTime          int64 `json:"last_time"`
}

// NewTraceCommand creates the trace command.
func NewTraceCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TraceOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "trace",
		Short: "Show the recorded timeline of a participant",
		Long: `Show what a participant recorded in its run record: every job invocation
with its due and actual simulation time and, for a timing master, every
cycle with the clients it waited for.

Examples:
  lockstep trace --db ./sim.db --participant sim
  lockstep trace --db ./sim.db --participant sim --job step
  lockstep trace --db ./master.db --participant master --format json`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrace(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite run record (required)")
	_ = cmd.MarkFlagRequired("db")
	cmd.Flags().StringVar(&opts.Participant, "participant", "", "participant to trace (required)")
	_ = cmd.MarkFlagRequired("participant")
	cmd.Flags().StringVar(&opts.Job, "job", "", "filter to one job")

	return cmd
}

func runTrace(opts *TraceOptions, cmd *cobra.Command) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	st, err := openRecord(opts.Database)
	if err != nil {
		return err
	}
	defer st.Close()

	result, err := buildTrace(ctx, st, opts.Participant, opts.Job)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read run record", err)
	}

	formatter := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())
	if opts.Format == "json" {
		return formatter.Success(result)
	}
	printTrace(formatter, result)
	return nil
}

// openRecord opens an existing run record. Open alone would create one.
func openRecord(path string) (*store.Store, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, WrapExitError(ExitCommandError, "run record not found", err)
	}
	st, err := store.Open(path)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open run record", err)
	}
	return st, nil
}

func buildTrace(ctx context.Context, st *store.Store, participant, job string) (TraceResult, error) {
	result := TraceResult{
		Participant: participant,
		Invocations: []TraceInvocation{},
		Cycles:      []TraceCycle{},
	}

	invs, err := st.ReadInvocations(ctx, participant, job)
	if err != nil {
		return result, err
	}
	for _, rec := range invs {
		ti := TraceInvocation{
			Seq:       rec.Seq,
			Job:       rec.Job,
			Due:       int64(rec.Due),
			Now:       int64(rec.Now),
			RuntimeMS: float64(rec.Runtime.Microseconds()) / 1000,
			Err:       rec.Err,
		}
		var flags []string
		if rec.RuntimeViolation {
			flags = append(flags, "runtime")
			result.Stats.RuntimeViolations++
		}
		if rec.InputViolation {
			flags = append(flags, "input")
			result.Stats.InputViolations++
		}
		if rec.Skipped {
			flags = append(flags, "skipped")
			result.Stats.Skipped++
		}
		if rec.OutputSkipped {
			flags = append(flags, "output_skipped")
		}
		ti.Flags = strings.Join(flags, ",")
		result.Invocations = append(result.Invocations, ti)
		if ti.Now > result.Stats.LastTime {
			result.Stats.LastTime = ti.Now
		}
	}
	result.Stats.Invocations = len(result.Invocations)

	// Cycles belong to the master as a whole; a job filter leaves them out.
	if job == "" {
		cycles, err := st.ReadCycles(ctx, participant)
		if err != nil {
			return result, err
		}
		for _, rec := range cycles {
			result.Cycles = append(result.Cycles, TraceCycle{
				Cycle:        rec.Cycle,
				Time:         int64(rec.Time),
				Participants: rec.Participants,
				TimedOut:     rec.TimedOut,
			})
			if int64(rec.Time) > result.Stats.LastTime {
				result.Stats.LastTime = int64(rec.Time)
			}
		}
	}
	result.Stats.Cycles = len(result.Cycles)
	return result, nil
}

func printTrace(f *OutputFormatter, result TraceResult) {
	w := f.Writer
	if len(result.Invocations) == 0 && len(result.Cycles) == 0 {
		fmt.Fprintf(w, "No records found for participant: %s\n", result.Participant)
		return
	}

	fmt.Fprintf(w, "Participant: %s\n", result.Participant)
	if len(result.Invocations) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "Invocations:")
		for _, inv := range result.Invocations {
			line := fmt.Sprintf("  [%d] %-12s due=%d now=%d %.3fms", inv.Seq, inv.Job, inv.Due, inv.Now, inv.RuntimeMS)
			if inv.Flags != "" {
				line += " (" + inv.Flags + ")"
			}
			if inv.Err != "" {
				line += " error: " + inv.Err
			}
			fmt.Fprintln(w, line)
		}
	}
	if len(result.Cycles) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "Cycles:")
		for _, c := range result.Cycles {
			line := fmt.Sprintf("  #%d t=%d [%s]", c.Cycle, c.Time, strings.Join(c.Participants, ", "))
			if len(c.TimedOut) > 0 {
				line += " timed out: " + strings.Join(c.TimedOut, ", ")
			}
			fmt.Fprintln(w, line)
		}
	}

	s := result.Stats
	fmt.Fprintln(w)
	fmt.Fprintf(w, "Stats: %d invocations (%d runtime, %d input violations, %d skipped), %d cycles, last time %d\n",
		s.Invocations, s.RuntimeViolations, s.InputViolations, s.Skipped, s.Cycles, s.LastTime)
}
