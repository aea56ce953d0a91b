package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	intconfig "github.com/leapstack-labs/leapsync/internal/config"
	"github.com/leapstack-labs/leapsync/pkg/core"
)

const projectConfig = `
source_connection: sqlite://source.db
target_connection: sqlite://target.db
batch_size: 250
conflict_strategy: target_wins
tables:
  - name: users
    primary_keys: [id]
`

func testFlags() *pflag.FlagSet {
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("config", "", "")
	flags.String("project-dir", "", "")
	flags.String("output", "auto", "")
	flags.String("source", "", "")
	flags.String("target", "", "")
	flags.String("state-dir", "", "")
	flags.String("mappings", "", "")
	flags.String("conflict-strategy", "", "")
	flags.Int("batch-size", 0, "")
	flags.String("log-level", "", "")
	return flags
}

func writeProject(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, intconfig.ConfigFileName), []byte(body), 0o600))
	return dir
}

func TestLoad_Layering(t *testing.T) {
	dir := writeProject(t, projectConfig)

	tests := []struct {
		name     string
		env      map[string]string
		args     []string
		batch    int
		conflict string
		addr     string
	}{
		{
			name:     "file over defaults",
			batch:    250,
			conflict: "target_wins",
			addr:     intconfig.DefaultServerAddr,
		},
		{
			name:     "env over file",
			env:      map[string]string{"LEAPSYNC_BATCH_SIZE": "50", "LEAPSYNC_SERVER__ADDR": ":9000"},
			batch:    50,
			conflict: "target_wins",
			addr:     ":9000",
		},
		{
			name:     "flags over env",
			env:      map[string]string{"LEAPSYNC_BATCH_SIZE": "50"},
			args:     []string{"--batch-size", "10", "--conflict-strategy", "manual"},
			batch:    10,
			conflict: "manual",
			addr:     intconfig.DefaultServerAddr,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			flags := testFlags()
			require.NoError(t, flags.Parse(append([]string{"--project-dir", dir}, tt.args...)))

			cfg, err := Load("", flags)
			require.NoError(t, err)
			assert.Equal(t, tt.batch, cfg.Sync.BatchSize)
			assert.Equal(t, tt.conflict, cfg.Sync.ConflictStrategy)
			assert.Equal(t, tt.addr, cfg.Server.Addr)
			assert.Equal(t, filepath.Join(dir, intconfig.ConfigFileName), ConfigFileUsed())
		})
	}
}

func TestLoad_Paths(t *testing.T) {
	dir := writeProject(t, projectConfig)
	flags := testFlags()
	require.NoError(t, flags.Parse([]string{"--project-dir", dir, "--state-dir", "state"}))

	cfg, err := Load("", flags)
	require.NoError(t, err)

	cwd, err := os.Getwd()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(cwd, "state"), cfg.StateDirectory)
	assert.Equal(t, filepath.Join(dir, intconfig.DefaultMappingDirectory), cfg.MappingDirectory)
	assert.Equal(t, filepath.Join(dir, "source.db"), cfg.Source.Path)
	assert.Equal(t, filepath.Join(dir, "target.db"), cfg.Target.Path)
}

func TestLoad_ConnectionFlags(t *testing.T) {
	dir := writeProject(t, `
tables:
  - name: users
`)
	flags := testFlags()
	require.NoError(t, flags.Parse([]string{
		"--project-dir", dir,
		"--source", "postgres://sync@db.internal:5432/app",
		"--target", "sqlite::memory:",
	}))

	cfg, err := Load("", flags)
	require.NoError(t, err)
	assert.Equal(t, "postgres", cfg.Source.Type)
	assert.Equal(t, "db.internal", cfg.Source.Host)
	assert.Equal(t, "sqlite", cfg.Target.Type)
}

func TestLoad_Errors(t *testing.T) {
	t.Run("missing connections", func(t *testing.T) {
		dir := writeProject(t, "tables: []\n")
		flags := testFlags()
		require.NoError(t, flags.Parse([]string{"--project-dir", dir}))
		_, err := Load("", flags)
		assert.True(t, core.HasCode(err, core.CodeConfiguration), "got %v", err)
	})

	t.Run("unreadable file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"), nil)
		assert.True(t, core.HasCode(err, core.CodeConfiguration), "got %v", err)
	})

	t.Run("invalid flag value", func(t *testing.T) {
		dir := writeProject(t, projectConfig)
		flags := testFlags()
		require.NoError(t, flags.Parse([]string{"--project-dir", dir, "--log-level", "loud"}))
		_, err := Load("", flags)
		assert.True(t, core.HasCode(err, core.CodeConfiguration), "got %v", err)
	})
}

func TestGetLogger(t *testing.T) {
	assert.NotNil(t, GetLogger(context.Background()))

	logger := NewLogger(os.Stderr, "debug", "json")
	assert.Same(t, logger, GetLogger(WithLogger(context.Background(), logger)))
}
