package commands

import (
	"github.com/spf13/cobra"

	"github.com/leapstack-labs/leapsync/internal/cli/output"
	"github.com/leapstack-labs/leapsync/internal/engine"
	"github.com/leapstack-labs/leapsync/pkg/core"
)

// NewHealthCommand creates the health command.
func NewHealthCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check connectivity and audit integrity",
		Long: `Ping the source, the target and the state store, and verify the audit
chain of every job in the target. Exits non-zero when anything is unhealthy.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cc, cleanup, err := NewCommandContext(cmd)
			if err != nil {
				return err
			}
			defer cleanup()

			h, err := cc.Engine.HealthCheck(cmd.Context())
			if err != nil {
				return err
			}
			if err := renderHealth(cc.Renderer, h); err != nil {
				return err
			}
			if !h.Healthy {
				return core.Errorf(core.CodeIntegrity, "health", "unhealthy")
			}
			return nil
		},
	}
}

func renderHealth(r *output.Renderer, h *engine.Health) error {
	if r.EffectiveMode() == output.ModeJSON {
		return r.JSON(h)
	}
	s := r.Styles()
	line := func(name string, ok bool, detail string) {
		if ok {
			r.Println(s.Success.Render("✓ ") + name)
			return
		}
		r.Println(s.Error.Render("✗ ") + name + " " + s.Muted.Render(detail))
	}
	r.Header("Health")
	line("source", h.Source.OK, h.Source.Error)
	line("target", h.Target.OK, h.Target.Error)
	line("state store", h.Store.OK, h.Store.Error)
	for _, c := range h.Chains {
		line("audit chain "+c.JobID, c.Valid, c.Error)
	}
	return nil
}
