package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/spf13/cobra"

	"github.com/leapstack-labs/leapsync/internal/capture"
	"github.com/leapstack-labs/leapsync/pkg/adapter"
	"github.com/leapstack-labs/leapsync/pkg/adapters/postgres"
	"github.com/leapstack-labs/leapsync/pkg/core"
	"github.com/leapstack-labs/leapsync/pkg/dialect"
)

// NewCaptureCommand creates the capture command group.
func NewCaptureCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "capture",
		Short: "Manage change capture on the source database",
		Long: `Manage the change-log tables read by the log detection strategy.

'install' creates a <prefix>_<table> log table and triggers that record
every insert, update and delete. On Postgres, 'follow' fills the same log
tables from a logical-replication stream instead of triggers.`,
	}
	cmd.AddCommand(newCaptureInstallCommand())
	cmd.AddCommand(newCaptureUninstallCommand())
	cmd.AddCommand(newCaptureFollowCommand())
	return cmd
}

// captureTargets opens the source and describes every selected table.
// The returned adapter must be closed by the caller.
func captureTargets(ctx context.Context, cc *CommandContext, names []string) (adapter.Adapter, []capture.Target, error) {
	tables := cc.Cfg.Tables
	if len(names) > 0 {
		tables = nil
		for _, n := range names {
			i := slices.IndexFunc(cc.Cfg.Tables, func(t core.TableDescriptor) bool { return t.Name == n })
			if i < 0 {
				return nil, nil, core.Errorf(core.CodeNotFound, "capture", "table %s is not configured", n)
			}
			tables = append(tables, cc.Cfg.Tables[i])
		}
	}
	if len(tables) == 0 {
		return nil, nil, core.Errorf(core.CodeConfiguration, "capture", "no tables configured")
	}

	src, err := adapter.Open(ctx, cc.Cfg.Source, cc.Logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to source: %w", err)
	}
	targets := make([]capture.Target, 0, len(tables))
	for _, t := range tables {
		schema, err := src.GetTableSchema(ctx, t.Name)
		if err != nil {
			_ = src.Close()
			return nil, nil, err
		}
		keys := t.PrimaryKeys
		if len(keys) == 0 {
			keys = schema.PrimaryKeys()
		}
		targets = append(targets, capture.Target{
			Table:  t.Name,
			Keys:   keys,
			Schema: schema,
			Prefix: cc.Cfg.Sync.CDCPrefix,
		})
	}
	return src, targets, nil
}

func newCaptureInstallCommand() *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "install [table...]",
		Short: "Create change-log tables and triggers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cc, err := NewCommandContextWithoutEngine(cmd)
			if err != nil {
				return err
			}
			src, targets, err := captureTargets(cmd.Context(), cc, args)
			if err != nil {
				return err
			}
			defer func() { _ = src.Close() }()

			for _, t := range targets {
				if dryRun {
					stmts, err := capture.Statements(src.Dialect(), t)
					if err != nil {
						return err
					}
					for _, s := range stmts {
						cc.Renderer.Println(s + ";")
					}
					continue
				}
				if err := capture.Install(cmd.Context(), src.Handle(), src.Dialect(), t); err != nil {
					return err
				}
				cc.Logger.Info("capture installed", "table", t.Table)
				cc.Renderer.Success("capture installed on " + t.Table)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Print the DDL instead of running it")
	return cmd
}

func newCaptureUninstallCommand() *cobra.Command {
	var dropLog bool

	cmd := &cobra.Command{
		Use:   "uninstall [table...]",
		Short: "Remove capture triggers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cc, err := NewCommandContextWithoutEngine(cmd)
			if err != nil {
				return err
			}
			src, targets, err := captureTargets(cmd.Context(), cc, args)
			if err != nil {
				return err
			}
			defer func() { _ = src.Close() }()

			for _, t := range targets {
				if err := capture.Uninstall(cmd.Context(), src.Handle(), src.Dialect(), t, dropLog); err != nil {
					return err
				}
				cc.Logger.Info("capture removed", "table", t.Table, "drop_log", dropLog)
				cc.Renderer.Success("capture removed from " + t.Table)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&dropLog, "drop-log", false, "Also drop the change-log tables")
	return cmd
}

// FollowOptions holds options for the capture follow command.
type FollowOptions struct {
	Publication string
	Slot        string
	Temporary   bool
	StartLSN    string
}

func newCaptureFollowCommand() *cobra.Command {
	opts := &FollowOptions{}

	cmd := &cobra.Command{
		Use:   "follow [table...]",
		Short: "Fill change logs from Postgres logical replication",
		Long: `Create a publication and a replication slot for the selected tables and
append one change-log row per captured change until interrupted.

The source must be Postgres with wal_level=logical, and the user needs the
REPLICATION attribute.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cc, err := NewCommandContextWithoutEngine(cmd)
			if err != nil {
				return err
			}
			d, err := dialect.Lookup(cc.Cfg.Source.Type)
			if err != nil {
				return core.NewError(core.CodeConfiguration, "capture", fmt.Errorf("source.type: %w", err))
			}
			if d != dialect.Postgres {
				return core.Errorf(core.CodeConfiguration, "capture", "follow needs a postgres source, got %s", d.Name)
			}
			var start pglogrepl.LSN
			if opts.StartLSN != "" {
				if start, err = pglogrepl.ParseLSN(opts.StartLSN); err != nil {
					return core.NewError(core.CodeConfiguration, "capture", err)
				}
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			src, targets, err := captureTargets(ctx, cc, args)
			if err != nil {
				return err
			}
			defer func() { _ = src.Close() }()
			for _, t := range targets {
				if err := capture.CreateLog(ctx, src.Handle(), src.Dialect(), t); err != nil {
					return err
				}
			}

			conn, err := pgconn.Connect(ctx, replicationDSN(postgres.DSN(cc.Cfg.Source)))
			if err != nil {
				return fmt.Errorf("failed to open replication connection: %w", err)
			}
			defer func() { _ = conn.Close(context.WithoutCancel(ctx)) }()

			f := capture.NewFollower(conn, src.Handle(), src.Dialect(), capture.FollowerConfig{
				Publication: opts.Publication,
				Slot:        opts.Slot,
				Temporary:   opts.Temporary,
				Targets:     targets,
				Logger:      cc.Logger,
			})
			if err := f.Setup(ctx); err != nil {
				return err
			}
			return f.Follow(ctx, start)
		},
	}

	cmd.Flags().StringVar(&opts.Publication, "publication", capture.DefaultPublication, "Publication name")
	cmd.Flags().StringVar(&opts.Slot, "slot", capture.DefaultSlot, "Replication slot name")
	cmd.Flags().BoolVar(&opts.Temporary, "temporary", false, "Use a temporary slot dropped on exit")
	cmd.Flags().StringVar(&opts.StartLSN, "start-lsn", "", "Start position (default: the slot's confirmed position)")
	return cmd
}

// replicationDSN asks for a logical replication connection.
func replicationDSN(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		if strings.Contains(dsn, "?") {
			return dsn + "&replication=database"
		}
		return dsn + "?replication=database"
	}
	return dsn + " replication=database"
}
