package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/lockstep/internal/core"
	"github.com/roach88/lockstep/internal/store"
)

// IncidentsOptions holds flags for the incidents command.
type IncidentsOptions struct {
	*RootOptions
	Database    string
	Participant string
	Code        string
	MinSeverity string
	Limit       int
}

// IncidentView is one incident as printed.
type IncidentView struct {
	Seq         int64     `json:"seq"`
	Participant string    `json:"participant"`
	Code        int       `json:"code"`
	Name        string    `json:"name"`
	Severity    string    `json:"severity"`
	Message     string    `json:"message"`
	SimTime     int64     `json:"sim_time"`
	At          time.Time `json:"at"`
}

// IncidentsResult holds the incidents output.
type IncidentsResult struct {
	Incidents []IncidentView `json:"incidents"`
	Total     int            `json:"total"`
}

// NewIncidentsCommand creates the incidents command.
func NewIncidentsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &IncidentsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "incidents",
		Short: "List incidents from a run record",
		Long: `List the incidents participants reported into a run record, oldest first.

Codes can be given as numbers or names (300 or runtime_violation).

Examples:
  lockstep incidents --db ./sim.db
  lockstep incidents --db ./sim.db --participant sim --min-severity warning
  lockstep incidents --db ./sim.db --code ack_timeout --limit 10`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIncidents(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite run record (required)")
	_ = cmd.MarkFlagRequired("db")
	cmd.Flags().StringVar(&opts.Participant, "participant", "", "only this participant")
	cmd.Flags().StringVar(&opts.Code, "code", "", "only this incident code")
	cmd.Flags().StringVar(&opts.MinSeverity, "min-severity", "", "info, warning or critical")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "maximum number of incidents (0 = all)")

	return cmd
}

func runIncidents(opts *IncidentsOptions, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())

	filter := store.IncidentFilter{Participant: opts.Participant, Limit: opts.Limit}
	if opts.Code != "" {
		code, err := core.ParseIncidentCode(opts.Code)
		if err != nil {
			_ = formatter.Error(ErrCodeGeneric, err.Error(), nil)
			return WrapExitError(ExitCommandError, "invalid --code", err)
		}
		filter.Code = code
	}
	if opts.MinSeverity != "" {
		sev, err := core.ParseSeverity(opts.MinSeverity)
		if err != nil {
			_ = formatter.Error(ErrCodeGeneric, err.Error(), nil)
			return WrapExitError(ExitCommandError, "invalid --min-severity", err)
		}
		filter.MinSeverity = sev
	}

	st, err := openRecord(opts.Database)
	if err != nil {
		_ = formatter.Error(ErrCodeNotFound, err.Error(), nil)
		return err
	}
	defer st.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	recs, err := st.ReadIncidents(ctx, filter)
	if err != nil {
		_ = formatter.Error(ErrCodeStore, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to read incidents", err)
	}

	result := IncidentsResult{Incidents: make([]IncidentView, 0, len(recs)), Total: len(recs)}
	for _, rec := range recs {
		result.Incidents = append(result.Incidents, IncidentView{
			Seq:         rec.Seq,
			Participant: rec.Participant,
			Code:        int(rec.Code),
			Name:        rec.Code.String(),
			Severity:    rec.Severity.String(),
			Message:     rec.Message,
			SimTime:     int64(rec.SimTime),
			At:          rec.At,
		})
	}

	if opts.Format == "json" {
		return formatter.Success(result)
	}

	w := cmd.OutOrStdout()
	if result.Total == 0 {
		fmt.Fprintln(w, "No incidents.")
		return nil
	}
	for _, inc := range result.Incidents {
		fmt.Fprintf(w, "[%d] %-8s %s %d %s t=%d: %s\n",
			inc.Seq, inc.Severity, inc.Participant, inc.Code, inc.Name, inc.SimTime, inc.Message)
	}
	fmt.Fprintf(w, "\n%d incident(s)\n", result.Total)
	return nil
}
