package commands

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/leapstack-labs/leapsync/internal/cli/output"
	"github.com/leapstack-labs/leapsync/pkg/core"
)

type compatibility struct {
	Table      string   `json:"table"`
	Compatible bool     `json:"compatible"`
	Issues     []string `json:"issues"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate [table...]",
		Short: "Check that source and target schemas are compatible",
		Long: `Compile each table's mapping against the live source and target schemas
and report every issue that would stop a sync: missing target columns,
NOT NULL columns without a value, and type mismatches.

Exits with status 4 when any table is incompatible.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cc, cleanup, err := NewCommandContext(cmd)
			if err != nil {
				return err
			}
			defer cleanup()

			tables := args
			if len(tables) == 0 {
				for _, t := range cc.Cfg.Tables {
					tables = append(tables, t.Name)
				}
			}

			results := make([]compatibility, 0, len(tables))
			var broken []string
			for _, name := range tables {
				ok, issues, err := cc.Engine.ValidateSchemaCompatibility(cmd.Context(), name)
				if err != nil {
					return err
				}
				if issues == nil {
					issues = []string{}
				}
				results = append(results, compatibility{Table: name, Compatible: ok, Issues: issues})
				if !ok {
					broken = append(broken, name)
				}
			}

			if err := renderCompatibility(cc.Renderer, results); err != nil {
				return err
			}
			if len(broken) > 0 {
				return core.Errorf(core.CodeSchemaIncompatible, "validate", "incompatible tables: %s", strings.Join(broken, ", "))
			}
			return nil
		},
	}
}

func renderCompatibility(r *output.Renderer, results []compatibility) error {
	if r.EffectiveMode() == output.ModeJSON {
		return r.JSON(results)
	}
	s := r.Styles()
	for _, res := range results {
		if res.Compatible {
			r.Println(s.Success.Render("✓ ") + s.Bold.Render(res.Table))
			continue
		}
		r.Println(s.Error.Render("✗ ") + s.Bold.Render(res.Table))
		for _, issue := range res.Issues {
			r.Println("    " + s.Muted.Render(issue))
		}
	}
	return nil
}
