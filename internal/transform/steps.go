package transform

import (
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/leapstack-labs/leapsync/internal/transform/expr"
	"github.com/leapstack-labs/leapsync/pkg/core"
)

// step is one named transform applied after coercion.
type step struct {
	name  string
	apply func(core.Value) (core.Value, error)
}

// parseStep parses uppercase, lowercase, trim, truncate:N, format:fmt and
// replace:old,new.
func parseStep(spec string) (step, error) {
	name, arg, hasArg := strings.Cut(spec, ":")
	switch name {
	case "uppercase":
		return step{name, onString(strings.ToUpper)}, nil
	case "lowercase":
		return step{name, onString(strings.ToLower)}, nil
	case "trim":
		return step{name, onString(strings.TrimSpace)}, nil
	case "truncate":
		n, err := strconv.Atoi(arg)
		if !hasArg || err != nil || n < 0 {
			return step{}, fmt.Errorf("truncate needs a non-negative length, got %q", arg)
		}
		return step{name, onString(func(s string) string { return truncate(s, n) })}, nil
	case "format":
		if !hasArg || arg == "" {
			return step{}, fmt.Errorf("format needs a layout")
		}
		return step{name, func(v core.Value) (core.Value, error) { return format(v, arg) }}, nil
	case "replace":
		old, repl, ok := strings.Cut(arg, ",")
		if !hasArg || !ok || old == "" {
			return step{}, fmt.Errorf("replace needs old,new, got %q", arg)
		}
		return step{name, onString(func(s string) string { return strings.ReplaceAll(s, old, repl) })}, nil
	}
	return step{}, fmt.Errorf("unknown transform %q", spec)
}

func onString(f func(string) string) func(core.Value) (core.Value, error) {
	return func(v core.Value) (core.Value, error) {
		if v.IsNull() {
			return v, nil
		}
		s, ok := v.AsString()
		if !ok {
			return core.Value{}, fmt.Errorf("expected a string, got %s", v.Kind())
		}
		return core.StringValue(f(s)), nil
	}
}

// truncate cuts s to at most n characters.
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

// format renders timestamps with strftime directives and other values with
// fmt verbs.
func format(v core.Value, layout string) (core.Value, error) {
	switch v.Kind() {
	case core.KindNull:
		return v, nil
	case core.KindTimestamp:
		t, _ := v.AsTime()
		s, err := expr.Strftime(t, layout)
		if err != nil {
			return core.Value{}, err
		}
		return core.StringValue(s), nil
	case core.KindDecimal:
		f, err := core.Coerce(v, core.KindFloat)
		if err != nil {
			return core.Value{}, err
		}
		v = f
	}
	if !strings.Contains(layout, "%") {
		return core.Value{}, fmt.Errorf("layout %q has no verb", layout)
	}
	out := fmt.Sprintf(layout, v.Any())
	if strings.Contains(out, "%!") {
		return core.Value{}, fmt.Errorf("layout %q does not fit %s", layout, v.Kind())
	}
	return core.StringValue(out), nil
}
