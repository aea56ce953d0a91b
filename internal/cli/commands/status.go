package commands

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/leapstack-labs/leapsync/internal/cli/output"
	"github.com/leapstack-labs/leapsync/pkg/core"
)

// StatusOptions holds options for the status command.
type StatusOptions struct {
	Status string
	Limit  int
}

// NewStatusCommand creates the status command.
func NewStatusCommand() *cobra.Command {
	opts := &StatusOptions{}

	cmd := &cobra.Command{
		Use:   "status [job-id]",
		Short: "Show a job, or list recent jobs",
		Example: `  leapsync status
  leapsync status --status failed
  leapsync status 6f1c2a9e-0d7b-4c51-9a53-3f8e2b7d4c10 -o json`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cc, cleanup, err := NewCommandContext(cmd)
			if err != nil {
				return err
			}
			defer cleanup()

			if len(args) == 1 {
				job, err := cc.Engine.Status(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return renderJob(cc.Renderer, job)
			}

			jobs, err := cc.Engine.ListJobs(cmd.Context(), core.JobFilter{
				Status: core.JobStatus(opts.Status),
				Limit:  opts.Limit,
			})
			if err != nil {
				return err
			}
			return renderJobs(cc.Renderer, jobs)
		},
	}

	cmd.Flags().StringVar(&opts.Status, "status", "", "Only list jobs in this status")
	cmd.Flags().IntVar(&opts.Limit, "limit", 20, "Maximum number of jobs to list")
	_ = cmd.RegisterFlagCompletionFunc("status", func(_ *cobra.Command, _ []string, _ string) ([]string, cobra.ShellCompDirective) {
		return []string{"pending", "running", "paused", "completed", "failed", "cancelled"}, cobra.ShellCompDirectiveNoFileComp
	})

	return cmd
}

func renderJobs(r *output.Renderer, jobs []*core.JobState) error {
	if r.EffectiveMode() == output.ModeJSON {
		if jobs == nil {
			jobs = []*core.JobState{}
		}
		return r.JSON(jobs)
	}
	rows := make([][]any, 0, len(jobs))
	for _, j := range jobs {
		totals := j.Totals()
		rows = append(rows, []any{j.ID, j.Mode, statusStyle(r, j.Status), j.StartedAt.Format(time.RFC3339),
			totals.Written, totals.Conflicted, j.Error})
	}
	r.Table([]string{"Job", "Mode", "Status", "Started", "Written", "Conflicted", "Error"}, rows)
	return nil
}
