// Package testutil provides test utilities for CLI testing.
package testutil

import (
	"bytes"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/leapstack-labs/leapsync/internal/cli/output"
	intconfig "github.com/leapstack-labs/leapsync/internal/config"
	"github.com/leapstack-labs/leapsync/internal/testutil"
)

// UsersDDL creates the table every test project syncs.
const UsersDDL = `CREATE TABLE users (id INTEGER PRIMARY KEY, name TEXT NOT NULL, email TEXT)`

// Project is a temporary leapsync project with file-backed databases.
type Project struct {
	Dir      string
	Source   string
	Target   string
	StateDir string
}

// SetupTestProject creates a project whose source holds three users and
// whose target holds an empty users table. extra is appended to the
// generated leapsync.yaml.
func SetupTestProject(t *testing.T, extra string) *Project {
	t.Helper()

	dir := t.TempDir()
	p := &Project{
		Dir:      dir,
		Source:   filepath.Join(dir, "source.db"),
		Target:   filepath.Join(dir, "target.db"),
		StateDir: filepath.Join(dir, "state"),
	}

	testutil.SQLiteFile(t, p.Source, UsersDDL,
		`INSERT INTO users (id, name, email) VALUES (1, 'ada', 'ada@example.com'), (2, 'grace', NULL), (3, 'linus', 'linus@example.com')`)
	testutil.SQLiteFile(t, p.Target, UsersDDL)

	cfg := `source_connection: sqlite://source.db
target_connection: sqlite://target.db
state_directory: state
retry_base_delay: 10ms
retry_max_delay: 50ms
tables:
  - name: users
    primary_keys: [id]
` + extra
	if err := os.WriteFile(filepath.Join(dir, intconfig.ConfigFileName), []byte(cfg), 0o600); err != nil {
		t.Fatalf("failed to write %s: %v", intconfig.ConfigFileName, err)
	}
	return p
}

// TestRenderer wraps a Renderer for testing with captured output buffers.
type TestRenderer struct {
	*output.Renderer
	Out    *bytes.Buffer
	ErrOut *bytes.Buffer
}

// NewTestRenderer creates a new test renderer with the specified mode and TTY state.
// Output is captured in buffers for inspection.
func NewTestRenderer(mode output.Mode, isTTY bool) *TestRenderer {
	out := &bytes.Buffer{}
	errOut := &bytes.Buffer{}
	return &TestRenderer{
		Renderer: output.NewRendererWithTTY(out, errOut, isTTY, mode),
		Out:      out,
		ErrOut:   errOut,
	}
}

// Output returns the stdout output as a string.
func (tr *TestRenderer) Output() string {
	return tr.Out.String()
}

// ErrorOutput returns the stderr output as a string.
func (tr *TestRenderer) ErrorOutput() string {
	return tr.ErrOut.String()
}

// ansiPattern matches ANSI escape codes.
var ansiPattern = regexp.MustCompile(`\x1b\[[0-9;]*[a-zA-Z]`)

// AssertNoANSI checks that a string contains no ANSI escape codes.
func AssertNoANSI(t *testing.T, s string) {
	t.Helper()
	if ansiPattern.MatchString(s) {
		t.Errorf("string contains ANSI escape codes: %q", s)
	}
}

// AssertContains checks that the string contains the expected substring.
func AssertContains(t *testing.T, s, expected string) {
	t.Helper()
	if !strings.Contains(s, expected) {
		t.Errorf("string %q does not contain expected %q", s, expected)
	}
}
