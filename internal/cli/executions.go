package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/kittynXR/maowbot-sub000/internal/execution"
	"github.com/kittynXR/maowbot-sub000/internal/store"
)

// ExecutionsOptions holds flags for the executions command.
type ExecutionsOptions struct {
	PipelineID string
	Status     string
	Since      time.Duration
	Limit      int
}

// NewExecutionsCommand creates the executions command. With an id argument
// it prints that run with its action results.
func NewExecutionsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ExecutionsOptions{}
	cmd := &cobra.Command{
		Use:   "executions [execution-id]",
		Short: "Query the execution log",
		Args:  cobra.MaximumNArgs(1),
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

			if len(args) == 1 {
				snap, err := st.GetExecution(cmd.Context(), args[0])
				if err != nil {
					return out.failure(commandError("get execution", err), nil)
				}
				return out.success(snap, func(w io.Writer) { printExecution(w, snap) })
			}

			q := store.ExecutionQuery{
				PipelineID: opts.PipelineID,
				Status:     execution.Status(opts.Status),
				Limit:      opts.Limit,
			}
			if opts.Since > 0 {
				q.Since = time.Now().Add(-opts.Since)
			}
			runs, err := st.ListExecutions(cmd.Context(), q)
			if err != nil {
				return out.failure(commandError("list executions", err), nil)
			}
			return out.success(runs, func(w io.Writer) {
				table(w, "STARTED\tID\tPIPELINE\tEVENT\tSTATUS\tACTIONS\tDURATION", func(tw io.Writer) {
					for _, r := range runs {
						fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d/%d\t%dms\n",
							r.StartedAt.Format(time.RFC3339), r.ID, r.PipelineName, r.EventType,
							r.Status, r.ActionsSucceeded, r.ActionsExecuted, r.DurationMs)
					}
				})
			})
		},
	}
	cmd.Flags().StringVar(&opts.PipelineID, "pipeline", "", "filter by pipeline id")
	cmd.Flags().StringVar(&opts.Status, "status", "", "filter by run status")
	cmd.Flags().DurationVar(&opts.Since, "since", 0, "only runs started within this window (e.g. 1h)")
	cmd.Flags().IntVar(&opts.Limit, "limit", store.DefaultQueryLimit, "maximum runs to return")
	return cmd
}

func printExecution(w io.Writer, s execution.Snapshot) {
	fmt.Fprintf(w, "Execution %s\n", s.ID)
	fmt.Fprintf(w, "  pipeline: %s (%s)\n", s.PipelineName, s.PipelineID)
	fmt.Fprintf(w, "  event:    %s on %s\n", s.EventType, s.Platform)
	fmt.Fprintf(w, "  status:   %s in %dms\n", s.Status, s.DurationMs)
	if s.Error != "" {
		fmt.Fprintf(w, "  error:    %s\n", s.Error)
	}
	table(w, "  #\tACTION\tSTATUS\tATTEMPT\tDURATION\tERROR", func(tw io.Writer) {
		for i, r := range s.Results {
			fmt.Fprintf(tw, "  %d\t%s\t%s\t%d\t%dms\t%s\n", i+1, r.ActionType, r.Status, r.Attempt, r.DurationMs, r.Error)
		}
	})
}
