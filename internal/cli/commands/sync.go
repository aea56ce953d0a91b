package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/leapstack-labs/leapsync/pkg/core"
)

// SyncOptions holds options for the sync command.
type SyncOptions struct {
	Full   bool
	Tables []string
}

// NewSyncCommand creates the sync command.
func NewSyncCommand() *cobra.Command {
	opts := &SyncOptions{}

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Synchronize the target with the source",
		Long: `Start a sync job and wait for it to finish.

An incremental sync reads only what changed since the last completed job,
using the configured detection strategy. A full sync compares every row
and also deletes target rows that are missing from the source.

Interrupting the command stops the job at the next record boundary; it
can be continued later with 'leapsync resume'.`,
		Example: `  # Incremental sync of every configured table
  leapsync sync

  # Only users and orders (dependencies are ordered automatically)
  leapsync sync --tables users,orders

  # Full reconciliation
  leapsync sync --full`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSync(cmd, opts)
		},
	}

	cmd.Flags().BoolVar(&opts.Full, "full", false, "Run a full reconciliation instead of an incremental sync")
	cmd.Flags().StringSliceVar(&opts.Tables, "tables", nil, "Tables to sync (default: all configured tables)")
	cmd.MarkFlagsMutuallyExclusive("full", "tables")

	return cmd
}

func runSync(cmd *cobra.Command, opts *SyncOptions) error {
	cc, cleanup, err := NewCommandContext(cmd)
	if err != nil {
		return err
	}
	defer cleanup()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var job *core.JobState
	if opts.Full {
		job, err = cc.Engine.StartFullSync(ctx)
	} else {
		job, err = cc.Engine.StartIncrementalSync(ctx, opts.Tables)
	}
	if err != nil {
		return err
	}
	cc.Logger.Info("sync started", "job_id", job.ID, "mode", job.Mode)
	return waitAndRender(ctx, cc, job.ID)
}

// waitAndRender waits for the job and prints its final state. The returned
// error carries the code of a failed or cancelled job.
func waitAndRender(ctx context.Context, cc *CommandContext, jobID string) error {
	job, jobErr := cc.Engine.Wait(ctx, jobID)
	if job == nil {
		return jobErr
	}
	if err := renderJob(cc.Renderer, job); err != nil {
		return err
	}
	return jobErr
}

// NewResumeCommand creates the resume command.
func NewResumeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "resume <job-id>",
		Short: "Continue a paused, failed or cancelled job",
		Long: `Resume a job from its last persisted cursors and wait for it to finish.

A job whose owning process died while running can be resumed once its
heartbeat is older than stale_after.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cc, cleanup, err := NewCommandContext(cmd)
			if err != nil {
				return err
			}
			defer cleanup()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			job, err := cc.Engine.ResumeSync(ctx, args[0])
			if err != nil {
				return err
			}
			cc.Logger.Info("sync resumed", "job_id", job.ID)
			return waitAndRender(ctx, cc, job.ID)
		},
	}
}

// NewStopCommand creates the stop command.
func NewStopCommand() *cobra.Command {
	return newControlCommand("stop", "Cancel a running or paused job",
		func(ctx context.Context, cc *CommandContext, id string) error {
			return cc.Engine.StopSync(ctx, id)
		})
}

// NewPauseCommand creates the pause command.
func NewPauseCommand() *cobra.Command {
	return newControlCommand("pause", "Pause a running job at the next record boundary",
		func(ctx context.Context, cc *CommandContext, id string) error {
			return cc.Engine.PauseSync(ctx, id)
		})
}

// newControlCommand builds a command that signals a job, which may be
// running in another process.
func newControlCommand(name, short string, do func(context.Context, *CommandContext, string) error) *cobra.Command {
	return &cobra.Command{
		Use:   name + " <job-id>",
		Short: short,
		Long: short + `.

When the job runs in another leapsync process the request is recorded in
the state store and picked up by that process on its next heartbeat.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cc, cleanup, err := NewCommandContext(cmd)
			if err != nil {
				return err
			}
			defer cleanup()

			if err := do(cmd.Context(), cc, args[0]); err != nil {
				return err
			}
			job, err := cc.Engine.Status(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return renderJob(cc.Renderer, job)
		},
	}
}
