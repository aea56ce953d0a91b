package output

import (
	"bytes"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var ansiPattern = regexp.MustCompile(`\x1b\[[0-9;]*[a-zA-Z]`)

func TestEffectiveMode(t *testing.T) {
	tests := []struct {
		mode Mode
		want Mode
	}{
		{"", ModeText},
		{ModeAuto, ModeText},
		{ModeText, ModeText},
		{ModeJSON, ModeJSON},
	}
	for _, tt := range tests {
		t.Run(string(tt.mode), func(t *testing.T) {
			r := NewRendererWithTTY(&bytes.Buffer{}, &bytes.Buffer{}, false, tt.mode)
			assert.Equal(t, tt.want, r.EffectiveMode())
		})
	}
}

func TestRenderer_PlainOffTerminal(t *testing.T) {
	out, errOut := &bytes.Buffer{}, &bytes.Buffer{}
	r := NewRendererWithTTY(out, errOut, false, ModeAuto)

	r.Header("Job")
	r.KeyValue("Status", "completed")
	r.Success("done")
	r.Warning("careful")
	r.Error("broken")

	assert.False(t, ansiPattern.MatchString(out.String()), "unexpected ANSI codes: %q", out.String())
	assert.Contains(t, out.String(), "Job")
	assert.Contains(t, out.String(), "Status:")
	assert.Contains(t, out.String(), "completed")
	assert.Contains(t, out.String(), "✓ done")
	assert.Contains(t, errOut.String(), "! careful")
	assert.Contains(t, errOut.String(), "✗ broken")
}

func TestRenderer_Table(t *testing.T) {
	out := &bytes.Buffer{}
	r := NewRendererWithTTY(out, &bytes.Buffer{}, false, ModeText)

	r.Table([]string{"ID", "STATUS"}, [][]any{{"a1", "running"}, {"b2", "failed"}})
	assert.Contains(t, out.String(), "STATUS")
	assert.Contains(t, out.String(), "running")
	assert.Contains(t, out.String(), "┌")

	out.Reset()
	r.Table([]string{"ID"}, nil)
	assert.Equal(t, "(0 rows)\n", out.String())
}

func TestRenderer_JSON(t *testing.T) {
	out := &bytes.Buffer{}
	r := NewRendererWithTTY(out, &bytes.Buffer{}, false, ModeJSON)

	require.NoError(t, r.JSON(map[string]any{"id": "a1"}))
	assert.JSONEq(t, `{"id":"a1"}`, out.String())
}
