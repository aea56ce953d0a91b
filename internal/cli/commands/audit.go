package commands

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/leapstack-labs/leapsync/internal/cli/output"
	"github.com/leapstack-labs/leapsync/pkg/core"
)

// NewAuditCommand creates the audit command group.
func NewAuditCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Inspect the audit trail of a job",
		Long: `Inspect the hash-chained audit trail a job writes to the target database.

Every event embeds the hash of the previous event of the same job, so
editing or deleting a row breaks the chain from that point on.`,
	}
	cmd.AddCommand(newAuditEventsCommand())
	cmd.AddCommand(newAuditVerifyCommand())
	cmd.AddCommand(newAuditReportCommand())
	return cmd
}

// AuditEventsOptions holds options for the audit events command.
type AuditEventsOptions struct {
	Table  string
	Types  []string
	Since  string
	Until  string
	Limit  int
	Offset int
}

func (o *AuditEventsOptions) filter() (core.EventFilter, error) {
	f := core.EventFilter{Table: o.Table}
	for _, t := range o.Types {
		typ := core.EventType(strings.TrimSpace(t))
		if !typ.Valid() {
			return f, core.Errorf(core.CodeConfiguration, "cli", "unknown event type %q", t)
		}
		f.Types = append(f.Types, typ)
	}
	var err error
	if f.Since, err = parseTime("since", o.Since); err != nil {
		return f, err
	}
	f.Until, err = parseTime("until", o.Until)
	return f, err
}

func parseTime(name, v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, core.Errorf(core.CodeConfiguration, "cli", "--%s must be an RFC 3339 time: %v", name, err)
	}
	return t, nil
}

func newAuditEventsCommand() *cobra.Command {
	opts := &AuditEventsOptions{}

	cmd := &cobra.Command{
		Use:   "events <job-id>",
		Short: "List the audit events of a job in order",
		Example: `  leapsync audit events 6f1c2a9e-0d7b-4c51-9a53-3f8e2b7d4c10 --type conflict_detected,conflict_resolved
  leapsync audit events 6f1c2a9e-0d7b-4c51-9a53-3f8e2b7d4c10 --since 2026-01-02T15:04:05Z -o json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			filter, err := opts.filter()
			if err != nil {
				return err
			}
			cc, cleanup, err := NewCommandContext(cmd)
			if err != nil {
				return err
			}
			defer cleanup()

			events, err := cc.Engine.AuditEvents(cmd.Context(), args[0], filter, opts.Limit, opts.Offset)
			if err != nil {
				return err
			}
			return renderEvents(cc.Renderer, events)
		},
	}

	cmd.Flags().StringVar(&opts.Table, "table", "", "Only events for this table")
	cmd.Flags().StringSliceVar(&opts.Types, "type", nil, "Only events of these types")
	cmd.Flags().StringVar(&opts.Since, "since", "", "Only events at or after this time (RFC 3339)")
	cmd.Flags().StringVar(&opts.Until, "until", "", "Only events before this time (RFC 3339)")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "Maximum number of events (0 for all)")
	cmd.Flags().IntVar(&opts.Offset, "offset", 0, "Number of events to skip")

	return cmd
}

func renderEvents(r *output.Renderer, events []*core.AuditEvent) error {
	if r.EffectiveMode() == output.ModeJSON {
		if events == nil {
			events = []*core.AuditEvent{}
		}
		return r.JSON(events)
	}
	rows := make([][]any, 0, len(events))
	for _, e := range events {
		payload, _ := json.Marshal(e.Payload)
		rows = append(rows, []any{e.Seq, e.Timestamp.Format(time.RFC3339), e.Type, e.Table, truncate(string(payload), 60)})
	}
	r.Table([]string{"Seq", "Time", "Type", "Table", "Payload"}, rows)
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func newAuditVerifyCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "verify <job-id>",
		Short: "Verify the hash chain of a job's audit trail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cc, cleanup, err := NewCommandContext(cmd)
			if err != nil {
				return err
			}
			defer cleanup()

			if err := cc.Engine.VerifyAudit(cmd.Context(), args[0]); err != nil {
				return err
			}
			if cc.Renderer.EffectiveMode() == output.ModeJSON {
				return cc.Renderer.JSON(map[string]any{"job_id": args[0], "chain_valid": true})
			}
			cc.Renderer.Success("audit chain of job " + args[0] + " is intact")
			return nil
		},
	}
}

func newAuditReportCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "report <job-id>",
		Short: "Summarize a job's audit trail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cc, cleanup, err := NewCommandContext(cmd)
			if err != nil {
				return err
			}
			defer cleanup()

			rep, err := cc.Engine.AuditReport(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return renderReport(cc.Renderer, rep)
		},
	}
}

func renderReport(r *output.Renderer, rep *core.AuditReport) error {
	if r.EffectiveMode() == output.ModeJSON {
		return r.JSON(rep)
	}
	s := r.Styles()
	r.Header("Audit report " + rep.JobID)
	r.KeyValue("Events", rep.TotalEvents)
	if rep.FirstEvent != nil && rep.LastEvent != nil {
		r.KeyValue("Span", fmt.Sprintf("%s .. %s", rep.FirstEvent.Format(time.RFC3339), rep.LastEvent.Format(time.RFC3339)))
	}
	if rep.ChainValid {
		r.KeyValue("Chain", s.Success.Render("valid"))
	} else {
		r.KeyValue("Chain", s.Error.Render("broken: "+rep.ChainError))
	}
	r.KeyValue("Unresolved", len(rep.Unresolved))

	types := make([]string, 0, len(rep.ByType))
	for t := range rep.ByType {
		types = append(types, string(t))
	}
	sort.Strings(types)
	rows := make([][]any, 0, len(types))
	for _, t := range types {
		rows = append(rows, []any{t, rep.ByType[core.EventType(t)]})
	}
	r.Println()
	r.Table([]string{"Event", "Count"}, rows)
	return nil
}
