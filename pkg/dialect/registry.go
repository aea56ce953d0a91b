package dialect

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
)

// ErrDialectRequired is returned when no dialect name is given.
var ErrDialectRequired = errors.New("dialect is required")

// builtins maps adapter types to their dialect. It is filled at init and
// read-only afterwards.
var builtins = map[string]*Dialect{}

func register(ds ...*Dialect) {
	for _, d := range ds {
		builtins[d.Name] = d
	}
}

// Lookup returns the dialect for an adapter type such as "postgres".
// Names are case-insensitive.
func Lookup(name string) (*Dialect, error) {
	if name == "" {
		return nil, ErrDialectRequired
	}
	if d, ok := builtins[strings.ToLower(name)]; ok {
		return d, nil
	}
	return nil, fmt.Errorf("unknown dialect %q (supported: %s)", name, strings.Join(Names(), ", "))
}

// Names lists the supported dialects, sorted.
func Names() []string {
	return slices.Sorted(maps.Keys(builtins))
}
