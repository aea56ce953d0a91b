package commands

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/leapstack-labs/leapsync/internal/cli/config"
	"github.com/leapstack-labs/leapsync/internal/cli/output"
	intconfig "github.com/leapstack-labs/leapsync/internal/config"
	"github.com/leapstack-labs/leapsync/internal/engine"
	"github.com/leapstack-labs/leapsync/pkg/core"
)

// CommandContext holds common dependencies for CLI commands.
type CommandContext struct {
	Cfg      *intconfig.Config
	Logger   *slog.Logger
	Engine   *engine.Engine
	Renderer *output.Renderer
}

// NewCommandContext creates a CommandContext with engine and renderer.
// Returns the context and a cleanup function that must be called (typically via defer).
func NewCommandContext(cmd *cobra.Command) (*CommandContext, func(), error) {
	cc, err := NewCommandContextWithoutEngine(cmd)
	if err != nil {
		return nil, nil, err
	}

	if err := os.MkdirAll(cc.Cfg.StateDirectory, 0o750); err != nil {
		return nil, nil, fmt.Errorf("failed to create state directory: %w", err)
	}
	eng, err := engine.New(cmd.Context(), engine.ConfigFrom(cc.Cfg, cc.Logger))
	if err != nil {
		return nil, nil, err
	}
	cc.Engine = eng

	cleanup := func() {
		if err := eng.Close(); err != nil {
			cc.Logger.Warn("failed to close engine", "error", err)
		}
	}
	return cc, cleanup, nil
}

// NewCommandContextWithoutEngine creates a CommandContext without an engine.
// Useful for commands that open their own connections.
func NewCommandContextWithoutEngine(cmd *cobra.Command) (*CommandContext, error) {
	cfg, ok := config.GetConfig(cmd.Context())
	if !ok {
		return nil, core.Errorf(core.CodeConfiguration, "cli", "configuration was not loaded")
	}
	return &CommandContext{
		Cfg:      cfg,
		Logger:   config.GetLogger(cmd.Context()),
		Renderer: newRenderer(cmd),
	}, nil
}

func newRenderer(cmd *cobra.Command) *output.Renderer {
	mode := output.ModeAuto
	if f := cmd.Flag("output"); f != nil {
		mode = output.Mode(f.Value.String())
	}
	return output.NewRenderer(cmd.OutOrStdout(), cmd.ErrOrStderr(), mode)
}

// renderJob prints one job.
func renderJob(r *output.Renderer, job *core.JobState) error {
	if r.EffectiveMode() == output.ModeJSON {
		return r.JSON(job)
	}
	s := r.Styles()
	totals := job.Totals()
	r.Header("Job " + job.ID)
	r.KeyValue("Mode", job.Mode)
	r.KeyValue("Status", statusStyle(r, job.Status))
	r.KeyValue("Detection", job.DetectionStrategy)
	r.KeyValue("Started", job.StartedAt.Format(time.RFC3339))
	r.KeyValue("Read", totals.Read)
	r.KeyValue("Written", totals.Written)
	r.KeyValue("Skipped", totals.Skipped)
	r.KeyValue("Conflicted", totals.Conflicted)
	r.KeyValue("Errored", totals.Errored)
	if job.Error != "" {
		r.KeyValue("Error", s.Error.Render(job.Cause+": "+job.Error))
	}
	if len(job.Progress) == 0 {
		return nil
	}
	r.Println()
	rows := make([][]any, 0, len(job.Tables))
	for _, t := range job.Tables {
		p, ok := job.Progress[t.Name]
		if !ok {
			continue
		}
		rows = append(rows, []any{t.Name, p.Cursor.String(), p.Drained, p.Counters.Read, p.Counters.Written,
			p.Counters.Skipped, p.Counters.Conflicted, p.Error})
	}
	r.Table([]string{"Table", "Cursor", "Drained", "Read", "Written", "Skipped", "Conflicted", "Error"}, rows)
	return nil
}

func statusStyle(r *output.Renderer, status core.JobStatus) string {
	s := r.Styles()
	switch status {
	case core.JobCompleted:
		return s.Success.Render(string(status))
	case core.JobFailed, core.JobCancelled:
		return s.Error.Render(string(status))
	case core.JobPaused:
		return s.Warning.Render(string(status))
	}
	return string(status)
}
