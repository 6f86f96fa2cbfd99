package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/lockstep/internal/config"
	"github.com/roach88/lockstep/internal/core"
	"github.com/roach88/lockstep/internal/master"
	"github.com/roach88/lockstep/internal/participant"
)

// FileValidation is the result for one participant file.
type FileValidation struct {
	Path    string `json:"path"`
	Valid   bool   `json:"valid"`
	Name    string `json:"name,omitempty"`
	Jobs    int    `json:"jobs"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
	Line    int    `json:"line,omitempty"`
}

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid bool             `json:"valid"`
	Files []FileValidation `json:"files"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <participant-file>...",
		Short: "Validate participant files without running them",
		Long: `Validate participant files against the configuration schema, then check
the job declarations and timing master settings they contain.`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args, cmd)
		},
	}

	return cmd
}

func runValidate(opts *RootOptions, paths []string, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd.OutOrStdout(), cmd.ErrOrStderr())

	result := ValidationResult{Valid: true}
	for _, path := range paths {
		formatter.VerboseLog("Validating %s", path)
		v, err := validateFile(path)
		if err != nil {
			// Missing files are command errors, not validation failures.
			return outputValidateError(formatter, ErrCodeNotFound, err.Error())
		}
		if !v.Valid {
			result.Valid = false
		}
		result.Files = append(result.Files, v)
	}

	if formatter.Format == "json" {
		if err := formatter.Success(result); err != nil {
			return err
		}
	} else {
		printValidation(formatter, result)
	}

	if !result.Valid {
		return NewExitError(ExitFailure, "validation failed")
	}
	return nil
}

// validateFile returns an error only when path cannot be read.
func validateFile(path string) (FileValidation, error) {
	v := FileValidation{Path: path}

	values, err := config.LoadFile(path)
	if err != nil {
		if core.CodeOf(err) == core.CodeNotFound {
			return v, err
		}
		v.Code = ErrCodeConfig
		v.Message = err.Error()
		var fe *config.FileError
		if errors.As(err, &fe) {
			v.Message = fe.Message
			if fe.Pos.IsValid() {
				v.Line = fe.Pos.Line()
			}
		}
		return v, nil
	}

	tree := config.NewTree(values)
	v.Name = config.String(tree, config.KeyParticipantName, "")
	if v.Name == "" {
		v.Code = ErrCodeConfig
		v.Message = config.KeyParticipantName + " is required"
		return v, nil
	}
	jobs, err := participant.ConfiguredJobs(tree)
	if err != nil {
		v.Code = ErrCodeConfig
		v.Message = err.Error()
		return v, nil
	}
	v.Jobs = len(jobs)
	if _, err := master.LoadConfig(tree); err != nil {
		v.Code = ErrCodeConfig
		v.Message = err.Error()
		return v, nil
	}

	v.Valid = true
	return v, nil
}

func printValidation(f *OutputFormatter, result ValidationResult) {
	for _, v := range result.Files {
		if v.Valid {
			fmt.Fprintf(f.Writer, "✓ %s (%s, %d job(s))\n", v.Path, v.Name, v.Jobs)
			continue
		}
		fmt.Fprintf(f.Writer, "✗ %s\n", v.Path)
		if v.Line > 0 {
			fmt.Fprintf(f.Writer, "  line %d\n", v.Line)
		}
		fmt.Fprintf(f.Writer, "  %s: %s\n", v.Code, v.Message)
	}
}

// outputValidateError outputs a single command-level error.
func outputValidateError(formatter *OutputFormatter, code, message string) error {
	_ = formatter.Error(code, message, nil)
	return NewExitError(ExitCommandError, fmt.Sprintf("%s: %s", code, message))
}
