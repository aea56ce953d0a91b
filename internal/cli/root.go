// Package cli provides the command-line interface for LeapSync.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/leapstack-labs/leapsync/internal/cli/commands"
	"github.com/leapstack-labs/leapsync/internal/cli/config"
	"github.com/leapstack-labs/leapsync/internal/cli/output"
	intconfig "github.com/leapstack-labs/leapsync/internal/config"
	"github.com/leapstack-labs/leapsync/pkg/core"

	_ "github.com/leapstack-labs/leapsync/pkg/adapters/duckdb"
	_ "github.com/leapstack-labs/leapsync/pkg/adapters/mysql"
	_ "github.com/leapstack-labs/leapsync/pkg/adapters/postgres"
	_ "github.com/leapstack-labs/leapsync/pkg/adapters/sqlite"
)

var cfgFile string

// Version information (set at build time).
var (
	Version   = "0.1.0"
	BuildDate = "unknown"
	GitCommit = "unknown"
)

// Exit codes.
const (
	ExitOK             = 0
	ExitError          = 1
	ExitCancelled      = 2
	ExitConfiguration  = 3
	ExitSchemaMismatch = 4
)

// skipConfig reports whether cmd runs without a loaded configuration.
func skipConfig(cmd *cobra.Command) bool {
	switch cmd.Name() {
	case "help", "completion", "version", cobra.ShellCompRequestCmd, cobra.ShellCompNoDescRequestCmd:
		return true
	}
	return false
}

// NewRootCmd creates and returns the root command.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "leapsync",
		Short: "LeapSync - table synchronization between databases",
		Long: `LeapSync keeps tables in a target database in step with a source database.

It detects changes by hashing rows, by comparing snapshots or by reading
change-log tables, maps and transforms each record, resolves conflicts
with configurable strategies and records every decision in a hash-chained
audit trail. Jobs checkpoint their progress and can be paused, stopped
and resumed.`,
		Version: Version,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if skipConfig(cmd) {
				return nil
			}

			cfg, err := config.Load(cfgFile, cmd.Root().PersistentFlags())
			if err != nil {
				return err
			}

			logger := config.NewLogger(cmd.ErrOrStderr(), cfg.LogLevel, cfg.LogFormat)
			if used := config.ConfigFileUsed(); used != "" {
				logger.Debug("using config file", "path", used)
			}

			ctx := config.WithConfig(cmd.Context(), cfg)
			ctx = config.WithLogger(ctx, logger)
			cmd.SetContext(ctx)
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.SetVersionTemplate(`{{.Name}} {{.Version}}
`)

	// Global persistent flags
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default: ./"+intconfig.ConfigFileName+")")
	pf.String("project-dir", "", "Project directory relative paths are resolved against")
	pf.String("source", "", "Source connection URL (e.g. postgres://user@host/db)")
	pf.String("target", "", "Target connection URL (e.g. sqlite://target.db)")
	pf.String("state-dir", "", "Directory holding the job state database")
	pf.String("mappings", "", "Directory holding mapping files")
	pf.String("detection-strategy", "", "Change detection strategy (hash|full_snapshot|log)")
	pf.String("conflict-strategy", "", "Default conflict strategy")
	pf.Int("batch-size", 0, "Records per batch")
	pf.Int("max-parallel-tables", 0, "Tables synced concurrently")
	pf.String("log-level", "", "Log level (debug|info|warn|error)")
	pf.String("log-format", "", "Log format (text|json)")
	pf.StringP("output", "o", string(output.ModeAuto), "Output format (auto|text|json)")

	_ = rootCmd.RegisterFlagCompletionFunc("output", func(_ *cobra.Command, _ []string, _ string) ([]string, cobra.ShellCompDirective) {
		return output.Modes, cobra.ShellCompDirectiveNoFileComp
	})
	_ = rootCmd.RegisterFlagCompletionFunc("detection-strategy", func(_ *cobra.Command, _ []string, _ string) ([]string, cobra.ShellCompDirective) {
		return intconfig.DetectionStrategies, cobra.ShellCompDirectiveNoFileComp
	})
	_ = rootCmd.RegisterFlagCompletionFunc("conflict-strategy", func(_ *cobra.Command, _ []string, _ string) ([]string, cobra.ShellCompDirective) {
		return intconfig.ConflictStrategies, cobra.ShellCompDirectiveNoFileComp
	})
	_ = rootCmd.RegisterFlagCompletionFunc("log-level", func(_ *cobra.Command, _ []string, _ string) ([]string, cobra.ShellCompDirective) {
		return intconfig.LogLevels, cobra.ShellCompDirectiveNoFileComp
	})

	// Add subcommands
	rootCmd.AddCommand(commands.NewVersionCommand(Version, GitCommit, BuildDate))
	rootCmd.AddCommand(commands.NewSyncCommand())
	rootCmd.AddCommand(commands.NewResumeCommand())
	rootCmd.AddCommand(commands.NewStopCommand())
	rootCmd.AddCommand(commands.NewPauseCommand())
	rootCmd.AddCommand(commands.NewStatusCommand())
	rootCmd.AddCommand(commands.NewConflictsCommand())
	rootCmd.AddCommand(commands.NewResolveCommand())
	rootCmd.AddCommand(commands.NewAuditCommand())
	rootCmd.AddCommand(commands.NewValidateCommand())
	rootCmd.AddCommand(commands.NewHealthCommand())
	rootCmd.AddCommand(commands.NewServeCommand())
	rootCmd.AddCommand(commands.NewCaptureCommand())
	rootCmd.AddCommand(commands.NewWatchCommand())
	rootCmd.AddCommand(NewCompletionCommand())

	return rootCmd
}

// Execute runs the root command and returns the process exit code.
func Execute() int {
	rootCmd := NewRootCmd()
	err := rootCmd.Execute()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	return ExitCode(err)
}

// ExitCode maps an error to the process exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	switch core.CodeOf(err) {
	case core.CodeCancelled:
		return ExitCancelled
	case core.CodeConfiguration:
		return ExitConfiguration
	case core.CodeSchemaIncompatible:
		return ExitSchemaMismatch
	}
	return ExitError
}

// NewCompletionCommand creates the completion command.
func NewCompletionCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "completion [bash|zsh|fish|powershell]",
		Short: "Generate shell completion scripts",
		Long: `Generate shell completion scripts for LeapSync.

To load completions:

Bash:
  $ source <(leapsync completion bash)

  # To load completions for each session, execute once:
  # Linux:
  $ leapsync completion bash > /etc/bash_completion.d/leapsync
  # macOS:
  $ leapsync completion bash > $(brew --prefix)/etc/bash_completion.d/leapsync

Zsh:
  $ leapsync completion zsh > "${fpath[1]}/_leapsync"

Fish:
  $ leapsync completion fish | source

PowerShell:
  PS> leapsync completion powershell | Out-String | Invoke-Expression
`,
		DisableFlagsInUseLine: true,
		ValidArgs:             []string{"bash", "zsh", "fish", "powershell"},
		Args:                  cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			switch args[0] {
			case "bash":
				return cmd.Root().GenBashCompletion(out)
			case "zsh":
				return cmd.Root().GenZshCompletion(out)
			case "fish":
				return cmd.Root().GenFishCompletion(out, true)
			case "powershell":
				return cmd.Root().GenPowerShellCompletionWithDesc(out)
			}
			return nil
		},
	}
	return cmd
}
