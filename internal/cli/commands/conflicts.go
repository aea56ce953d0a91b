package commands

import (
	"github.com/spf13/cobra"

	"github.com/leapstack-labs/leapsync/internal/cli/output"
	"github.com/leapstack-labs/leapsync/pkg/core"
)

// ConflictsOptions holds options for the conflicts command.
type ConflictsOptions struct {
	Table  string
	Status string
	Limit  int
	Offset int
}

// NewConflictsCommand creates the conflicts command.
func NewConflictsCommand() *cobra.Command {
	opts := &ConflictsOptions{}

	cmd := &cobra.Command{
		Use:   "conflicts <job-id>",
		Short: "List the conflicts recorded by a job",
		Example: `  leapsync conflicts 6f1c2a9e-0d7b-4c51-9a53-3f8e2b7d4c10 --status pending
  leapsync conflicts 6f1c2a9e-0d7b-4c51-9a53-3f8e2b7d4c10 --table users -o json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cc, cleanup, err := NewCommandContext(cmd)
			if err != nil {
				return err
			}
			defer cleanup()

			conflicts, err := cc.Engine.Conflicts(cmd.Context(), args[0], core.ConflictFilter{
				Table:  opts.Table,
				Status: core.ConflictStatus(opts.Status),
				Limit:  opts.Limit,
				Offset: opts.Offset,
			})
			if err != nil {
				return err
			}
			return renderConflicts(cc.Renderer, conflicts)
		},
	}

	cmd.Flags().StringVar(&opts.Table, "table", "", "Only conflicts on this table")
	cmd.Flags().StringVar(&opts.Status, "status", "", "Only conflicts in this status (pending|resolved)")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "Maximum number of conflicts (0 for all)")
	cmd.Flags().IntVar(&opts.Offset, "offset", 0, "Number of conflicts to skip")

	return cmd
}

func renderConflicts(r *output.Renderer, conflicts []*core.Conflict) error {
	if r.EffectiveMode() == output.ModeJSON {
		if conflicts == nil {
			conflicts = []*core.Conflict{}
		}
		return r.JSON(conflicts)
	}
	rows := make([][]any, 0, len(conflicts))
	for _, c := range conflicts {
		rows = append(rows, []any{c.ID, c.Table, c.Key.String(), c.Status, c.Strategy})
	}
	r.Table([]string{"Conflict", "Table", "Key", "Status", "Strategy"}, rows)
	return nil
}

// NewResolveCommand creates the resolve command.
func NewResolveCommand() *cobra.Command {
	var strategy string

	cmd := &cobra.Command{
		Use:   "resolve <conflict-id>",
		Short: "Resolve a pending conflict with a strategy",
		Long: `Resolve a pending conflict and write the winning record to the target.

Accepted strategies: source_wins, target_wins, latest_timestamp_wins,
field_merge and ai. A resolved conflict cannot be resolved again.`,
		Example: `  leapsync resolve 0b5e7f7c-1ad9-4c0b-8f0e-5c0b6ad3f1d2 --strategy source_wins`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cc, cleanup, err := NewCommandContext(cmd)
			if err != nil {
				return err
			}
			defer cleanup()

			c, err := cc.Engine.ResolveConflict(cmd.Context(), args[0], strategy)
			if err != nil {
				return err
			}
			if cc.Renderer.EffectiveMode() == output.ModeJSON {
				return cc.Renderer.JSON(c)
			}
			cc.Renderer.Success("conflict " + c.ID + " resolved with " + c.Strategy)
			return nil
		},
	}

	cmd.Flags().StringVar(&strategy, "strategy", "", "Resolution strategy")
	_ = cmd.MarkFlagRequired("strategy")
	_ = cmd.RegisterFlagCompletionFunc("strategy", func(_ *cobra.Command, _ []string, _ string) ([]string, cobra.ShellCompDirective) {
		return []string{"source_wins", "target_wins", "latest_timestamp_wins", "field_merge", "ai"}, cobra.ShellCompDirectiveNoFileComp
	})

	return cmd
}
