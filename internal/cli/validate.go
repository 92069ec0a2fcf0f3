package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/kittynXR/maowbot-sub000/internal/config"
	"github.com/kittynXR/maowbot-sub000/internal/logging"
)

// ValidationResult is the output of validate.
type ValidationResult struct {
	Valid     bool   `json:"valid"`
	Pipelines int    `json:"pipelines"`
	Error     string `json:"error,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <pipelines.yaml>",
		Short: "Validate a pipelines file against the built-in handlers",
		Long: `Checks names, handler types, handler configs and action conditions
without touching the store.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args[0], cmd)
		},
	}
}

func runValidate(opts *RootOptions, path string, cmd *cobra.Command) error {
	out := newFormatter(opts, cmd.OutOrStdout())

	file, err := config.ReadPipelines(path)
	if err != nil {
		return out.failure(commandError("read pipelines", err), nil)
	}
	reg, err := offlineRegistry(logging.Discard())
	if err != nil {
		return out.failure(commandError("registry", err), nil)
	}

	result := ValidationResult{Pipelines: len(file.Pipelines)}
	if err := config.ValidatePipelines(file, reg); err != nil {
		result.Error = err.Error()
		return out.failure(&ExitError{Code: ExitFailure, Message: "validation failed", Err: err}, result)
	}
	result.Valid = true
	return out.success(result, func(w io.Writer) {
		fmt.Fprintf(w, "✓ %d pipeline(s) valid\n", result.Pipelines)
	})
}
