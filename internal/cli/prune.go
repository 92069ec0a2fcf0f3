package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
)

// PruneResult is the output of prune.
type PruneResult struct {
	Deleted int64     `json:"deleted"`
	Cutoff  time.Time `json:"cutoff"`
}

// NewPruneCommand creates the prune command.
func NewPruneCommand(rootOpts *RootOptions) *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete execution records older than a cutoff",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := newFormatter(rootOpts, cmd.OutOrStdout())
			cfg, err := loadConfig(rootOpts)
			if err != nil {
				return out.failure(err, nil)
			}
			if olderThan == 0 {
				olderThan = cfg.Retention.MaxAge
			}
			if olderThan <= 0 {
				return out.failure(commandError("prune", fmt.Errorf("--older-than or retention.max_age is required")), nil)
			}
			st, err := openStore(cfg.Store)
			if err != nil {
				return out.failure(err, nil)
			}
			defer st.Close()

			result := PruneResult{Cutoff: time.Now().Add(-olderThan).UTC()}
			if result.Deleted, err = st.PruneExecutions(cmd.Context(), result.Cutoff); err != nil {
				return out.failure(commandError("prune", err), nil)
			}
			return out.success(result, func(w io.Writer) {
				fmt.Fprintf(w, "deleted %d execution(s) started before %s\n", result.Deleted, result.Cutoff.Format(time.RFC3339))
			})
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "age cutoff (defaults to retention.max_age)")
	return cmd
}
