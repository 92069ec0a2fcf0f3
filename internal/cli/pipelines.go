package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

// NewPipelinesCommand creates the pipelines command.
func NewPipelinesCommand(rootOpts *RootOptions) *cobra.Command {
	var enabledOnly bool
	cmd := &cobra.Command{
		Use:   "pipelines",
		Short: "List stored pipelines with their statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := newFormatter(rootOpts, cmd.OutOrStdout())
			cfg, err := loadConfig(rootOpts)
			if err != nil {
				return out.failure(err, nil)
			}
			st, err := openStore(cfg.Store)
			if err != nil {
				return out.failure(err, nil)
			}
			defer st.Close()

			ps, err := st.ListPipelines(cmd.Context(), enabledOnly)
			if err != nil {
				return out.failure(commandError("list pipelines", err), nil)
			}
			return out.success(ps, func(w io.Writer) {
				table(w, "PRIORITY\tNAME\tENABLED\tFILTERS\tACTIONS\tRUNS\tSUCCESS", func(tw io.Writer) {
					for _, p := range ps {
						fmt.Fprintf(tw, "%d\t%s\t%t\t%d\t%d\t%d\t%.1f%%\n",
							p.Priority, p.Name, p.Enabled, len(p.Filters), len(p.Actions),
							p.Stats.ExecutionCount, p.Stats.SuccessRate())
					}
				})
			})
		},
	}
	cmd.Flags().BoolVar(&enabledOnly, "enabled", false, "only list enabled pipelines")
	return cmd
}
