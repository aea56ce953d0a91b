package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	clitest "github.com/leapstack-labs/leapsync/internal/cli/testutil"
	"github.com/leapstack-labs/leapsync/internal/testutil"
	"github.com/leapstack-labs/leapsync/pkg/adapters/sqlite"
	"github.com/leapstack-labs/leapsync/pkg/core"
)

type result struct {
	out  string
	err  string
	code int
}

func run(t *testing.T, args ...string) result {
	t.Helper()
	cmd := NewRootCmd()
	out, errOut := &bytes.Buffer{}, &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(errOut)
	cmd.SetArgs(args)
	err := cmd.Execute()
	if err != nil {
		errOut.WriteString("Error: " + err.Error())
	}
	return result{out: out.String(), err: errOut.String(), code: ExitCode(err)}
}

// jobView is the subset of a rendered job the tests look at.
type jobView struct {
	ID       string `json:"job_id"`
	Status   string `json:"status"`
	Cause    string `json:"cause"`
	Progress map[string]struct {
		Counters core.Counters `json:"counters"`
	} `json:"progress"`
}

func decodeJob(t *testing.T, out string) jobView {
	t.Helper()
	var j jobView
	require.NoError(t, json.Unmarshal([]byte(out), &j), "output: %s", out)
	return j
}

func countRows(t *testing.T, path, from string) int {
	t.Helper()
	db, err := sqlite.Open(context.Background(), path)
	require.NoError(t, err)
	defer func() { _ = db.Close() }()
	return testutil.Count(t, db, from)
}

func TestSync_EndToEnd(t *testing.T) {
	p := clitest.SetupTestProject(t, "")
	base := []string{"--project-dir", p.Dir}

	res := run(t, append(base, "-o", "json", "sync")...)
	require.Equal(t, ExitOK, res.code, res.err)
	job := decodeJob(t, res.out)
	assert.Equal(t, "completed", job.Status)
	assert.Equal(t, int64(3), job.Progress["users"].Counters.Written)
	assert.Equal(t, 3, countRows(t, p.Target, "FROM users"))

	res = run(t, append(base, "-o", "json", "status")...)
	require.Equal(t, ExitOK, res.code, res.err)
	var jobs []jobView
	require.NoError(t, json.Unmarshal([]byte(res.out), &jobs))
	require.Len(t, jobs, 1)
	assert.Equal(t, job.ID, jobs[0].ID)

	res = run(t, append(base, "status", job.ID)...)
	require.Equal(t, ExitOK, res.code, res.err)
	clitest.AssertNoANSI(t, res.out)
	clitest.AssertContains(t, res.out, "completed")
	clitest.AssertContains(t, res.out, "users")

	res = run(t, append(base, "audit", "verify", job.ID)...)
	require.Equal(t, ExitOK, res.code, res.err)
	clitest.AssertContains(t, res.out, "intact")

	res = run(t, append(base, "-o", "json", "audit", "events", job.ID, "--type", "job_start,job_complete")...)
	require.Equal(t, ExitOK, res.code, res.err)
	var events []map[string]any
	require.NoError(t, json.Unmarshal([]byte(res.out), &events))
	require.Len(t, events, 2)
	assert.Equal(t, "job_start", events[0]["event_type"])

	res = run(t, append(base, "-o", "json", "audit", "report", job.ID)...)
	require.Equal(t, ExitOK, res.code, res.err)
	var rep map[string]any
	require.NoError(t, json.Unmarshal([]byte(res.out), &rep))
	assert.Equal(t, true, rep["chain_valid"])

	res = run(t, append(base, "-o", "json", "conflicts", job.ID)...)
	require.Equal(t, ExitOK, res.code, res.err)
	assert.JSONEq(t, "[]", res.out)

	res = run(t, append(base, "health")...)
	require.Equal(t, ExitOK, res.code, res.err)
	clitest.AssertContains(t, res.out, "audit chain "+job.ID)

	// Nothing changed, so a second run writes nothing.
	res = run(t, append(base, "-o", "json", "sync")...)
	require.Equal(t, ExitOK, res.code, res.err)
	assert.Equal(t, int64(0), decodeJob(t, res.out).Progress["users"].Counters.Written)
}

func TestSync_SchemaMismatch(t *testing.T) {
	p := clitest.SetupTestProject(t, "")
	testutil.SQLiteFile(t, p.Target,
		`DROP TABLE users`,
		`CREATE TABLE users (id INTEGER PRIMARY KEY, name TEXT NOT NULL, email TEXT, region TEXT NOT NULL)`)
	base := []string{"--project-dir", p.Dir}

	res := run(t, append(base, "validate")...)
	assert.Equal(t, ExitSchemaMismatch, res.code, res.err)
	clitest.AssertContains(t, res.out, "region")

	res = run(t, append(base, "-o", "json", "sync")...)
	assert.Equal(t, ExitSchemaMismatch, res.code, res.err)
	job := decodeJob(t, res.out)
	assert.Equal(t, "failed", job.Status)
	assert.Equal(t, string(core.CodeSchemaIncompatible), job.Cause)
}

func TestCapture_LogDetection(t *testing.T) {
	p := clitest.SetupTestProject(t, "")
	base := []string{"--project-dir", p.Dir}

	res := run(t, append(base, "capture", "install", "--dry-run")...)
	require.Equal(t, ExitOK, res.code, res.err)
	clitest.AssertContains(t, res.out, `CREATE TRIGGER IF NOT EXISTS "_cdc_users_ins"`)
	assert.Equal(t, 0, countRows(t, p.Source, "FROM sqlite_master WHERE type = 'trigger'"))

	res = run(t, append(base, "capture", "install")...)
	require.Equal(t, ExitOK, res.code, res.err)
	clitest.AssertContains(t, res.out, "capture installed on users")

	testutil.SQLiteFile(t, p.Source, `INSERT INTO users (id, name) VALUES (4, 'barbara')`)

	res = run(t, append(base, "-o", "json", "--detection-strategy", "log", "sync")...)
	require.Equal(t, ExitOK, res.code, res.err)
	job := decodeJob(t, res.out)
	assert.Equal(t, int64(1), job.Progress["users"].Counters.Written)
	assert.Equal(t, 1, countRows(t, p.Target, "FROM users WHERE id = 4"))

	res = run(t, append(base, "capture", "uninstall", "--drop-log")...)
	require.Equal(t, ExitOK, res.code, res.err)
	assert.Equal(t, 0, countRows(t, p.Source, "FROM sqlite_master WHERE name = '_cdc_users'"))
}

func TestRoot_Errors(t *testing.T) {
	p := clitest.SetupTestProject(t, "")
	empty := t.TempDir()

	tests := []struct {
		name string
		args []string
		code int
	}{
		{"no config", []string{"--project-dir", empty, "status"}, ExitConfiguration},
		{"bad flag value", []string{"--project-dir", p.Dir, "--detection-strategy", "guess", "status"}, ExitConfiguration},
		{"unknown config file", []string{"--config", filepath.Join(empty, "nope.yaml"), "status"}, ExitConfiguration},
		{"unknown job", []string{"--project-dir", p.Dir, "resume", "no-such-job"}, ExitError},
		{"unknown table", []string{"--project-dir", p.Dir, "sync", "--tables", "orders"}, ExitConfiguration},
		{"bad event type", []string{"--project-dir", p.Dir, "audit", "events", "x", "--type", "nope"}, ExitConfiguration},
		{"missing argument", []string{"--project-dir", p.Dir, "resume"}, ExitError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := run(t, tt.args...)
			assert.Equal(t, tt.code, res.code, res.err)
		})
	}
}

func TestRoot_WithoutConfig(t *testing.T) {
	t.Chdir(t.TempDir())

	res := run(t, "version")
	require.Equal(t, ExitOK, res.code, res.err)
	clitest.AssertContains(t, res.out, "LeapSync v"+Version)

	res = run(t, "completion", "bash")
	require.Equal(t, ExitOK, res.code, res.err)
	clitest.AssertContains(t, res.out, "leapsync")
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{nil, ExitOK},
		{errors.New("boom"), ExitError},
		{core.Errorf(core.CodeCancelled, "engine", "stopped"), ExitCancelled},
		{core.Errorf(core.CodeConfiguration, "config", "bad"), ExitConfiguration},
		{core.Errorf(core.CodeSchemaIncompatible, "engine", "mismatch"), ExitSchemaMismatch},
		{core.Errorf(core.CodeTransient, "engine", "later"), ExitError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ExitCode(tt.err), "%v", tt.err)
	}
}

func TestMain(m *testing.M) {
	// Keep developer LEAPSYNC_ settings out of the tests.
	for _, kv := range os.Environ() {
		if len(kv) > 9 && kv[:9] == "LEAPSYNC_" {
			_ = os.Unsetenv(kv[:bytes.IndexByte([]byte(kv), '=')])
		}
	}
	os.Exit(m.Run())
}
