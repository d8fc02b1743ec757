package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/botsync/internal/config"
	"github.com/roach88/botsync/internal/factory"
)

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid      bool               `json:"valid"`
	Partitions []PartitionSummary `json:"partitions,omitempty"`
	Errors     []ConfigError      `json:"errors,omitempty"`
}

// PartitionSummary describes a valid partition.
type PartitionSummary struct {
	ID          string `json:"id"`
	Description string `json:"description"`
}

// ConfigError is a config.Error in JSON output.
type ConfigError struct {
	Code      string `json:"code"`
	Partition string `json:"partition,omitempty"`
	Message   string `json:"message"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <config.yaml>",
		Short: "Validate a partition config file",
		Long: `Validate a partition configuration file against the config schema.

Every invalid partition is reported, not only the first.

Exit codes:
  0 - Config is valid
  1 - One or more partitions are invalid
  2 - The file could not be read`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args[0], cmd)
		},
	}
}

func runValidate(opts *RootOptions, path string, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd.OutOrStdout(), cmd.ErrOrStderr())
	formatter.VerboseLog("Validating %s", path)

	file, errs := config.Load(path)
	if len(errs) > 0 {
		return outputValidationErrors(formatter, errs)
	}

	result := ValidationResult{Valid: true}
	for _, id := range file.IDs() {
		result.Partitions = append(result.Partitions, PartitionSummary{
			ID:          id,
			Description: factory.Describe(file.Partitions[id]),
		})
	}

	if formatter.JSON() {
		return formatter.Success(result)
	}
	for _, p := range result.Partitions {
		fmt.Fprintf(formatter.Writer, "  %s: %s\n", p.ID, p.Description)
	}
	fmt.Fprintf(formatter.Writer, "✓ %d partition(s) valid\n", len(result.Partitions))
	return nil
}

// outputValidationErrors reports config errors. A file that could not be
// read is a command error; anything else is a validation failure.
func outputValidationErrors(formatter *OutputFormatter, errs []error) error {
	result := ValidationResult{Valid: false}
	exit := ExitFailure
	for _, err := range errs {
		ce := ConfigError{Code: ErrCodeGeneric, Message: err.Error()}
		var cfgErr *config.Error
		if errors.As(err, &cfgErr) {
			ce = ConfigError{Code: cfgErr.Code, Partition: cfgErr.Partition, Message: cfgErr.Message}
			if cfgErr.Code == config.ErrCodeRead {
				exit = ExitCommandError
			}
		}
		result.Errors = append(result.Errors, ce)
	}

	if formatter.JSON() {
		if err := formatter.encode(CLIResponse{
			Status: "error",
			Data:   result,
			Error:  &CLIError{Code: result.Errors[0].Code, Message: result.Errors[0].Message},
		}); err != nil {
			return err
		}
	} else {
		fmt.Fprintln(formatter.Writer, "✗ Validation failed")
		fmt.Fprintln(formatter.Writer)
		for _, e := range result.Errors {
			if e.Partition != "" {
				fmt.Fprintf(formatter.Writer, "partition %s\n", e.Partition)
			}
			fmt.Fprintf(formatter.Writer, "  %s: %s\n\n", e.Code, e.Message)
		}
	}
	return NewExitError(exit, fmt.Sprintf("validation failed with %d error(s)", len(errs)))
}
