package audit

import (
	"fmt"

	"github.com/leapstack-labs/leapsync/pkg/core"
)

// Level controls which events are written and how much detail they carry.
type Level string

// Audit levels.
const (
	// LevelMinimal writes job, conflict and checkpoint events.
	LevelMinimal Level = "minimal"
	// LevelStandard writes every event type.
	LevelStandard Level = "standard"
	// LevelVerbose writes every event type with hashes and timings in the
	// payload.
	LevelVerbose Level = "verbose"
)

// ParseLevel validates a configured level. Empty means standard.
func ParseLevel(s string) (Level, error) {
	switch Level(s) {
	case "":
		return LevelStandard, nil
	case LevelMinimal, LevelStandard, LevelVerbose:
		return Level(s), nil
	}
	return "", core.NewError(core.CodeConfiguration, "audit", fmt.Errorf("unknown audit level %q", s))
}

// Allows reports whether events of type t are written at level l.
func (l Level) Allows(t core.EventType) bool {
	if l != LevelMinimal {
		return true
	}
	switch t {
	case core.EventRecordApply, core.EventRecordSkip, core.EventBatchStart, core.EventBatchComplete:
		return false
	}
	return true
}

// Verbose reports whether payloads carry diagnostic detail.
func (l Level) Verbose() bool { return l == LevelVerbose }
