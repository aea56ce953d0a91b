// Package transform maps source records to target records using a
// declarative mapping.
package transform

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/leapstack-labs/leapsync/internal/mapping"
	"github.com/leapstack-labs/leapsync/internal/transform/expr"
	"github.com/leapstack-labs/leapsync/pkg/core"
)

// DefaultAITimeout bounds one inference call made by an ai: rule.
const DefaultAITimeout = 10 * time.Second

// ValueInferer computes a field value from a prompt and the source record.
type ValueInferer interface {
	InferValue(ctx context.Context, prompt string, rec core.Record) (core.Value, error)
}

// Options configures a Transformer.
type Options struct {
	Logger *slog.Logger
	// AI serves ai: rules. Nil disables them; they then yield their default.
	AI        ValueInferer
	AITimeout time.Duration
}

// TransformError reports why a record could not be transformed.
type TransformError struct {
	Field  string
	Reason string
	Err    error
}

func (e *TransformError) Error() string {
	msg := fmt.Sprintf("field %s: %s", e.Field, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *TransformError) Unwrap() error { return e.Err }

func rejected(field, reason string, err error) error {
	return core.NewError(core.CodeRecordRejected, "transform", &TransformError{Field: field, Reason: reason, Err: err})
}

type fieldStep struct {
	rule  mapping.FieldRule
	steps []step
}

type complexStep struct {
	rule    mapping.ComplexRule
	program *expr.Program
}

// Transformer applies one compiled mapping. It is safe for concurrent use.
type Transformer struct {
	mapping  *mapping.Mapping
	fields   []fieldStep
	complex  []complexStep
	handlers map[string]Handler
	opts     Options
	logger   *slog.Logger
}

// New compiles m. Unknown transforms, handlers and malformed expressions are
// configuration errors.
func New(m *mapping.Mapping, opts Options) (*Transformer, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if opts.AITimeout <= 0 {
		opts.AITimeout = DefaultAITimeout
	}
	t := &Transformer{
		mapping:  m,
		opts:     opts,
		logger:   logger.With("mapping", m.Name),
		handlers: make(map[string]Handler, len(m.Handlers)),
	}

	bad := func(format string, args ...any) error {
		return core.Errorf(core.CodeConfiguration, "transform", "mapping %s: "+format, append([]any{m.Name}, args...)...)
	}

	for _, rule := range m.Fields {
		fs := fieldStep{rule: rule}
		for _, spec := range rule.Transforms {
			s, err := parseStep(spec)
			if err != nil {
				return nil, bad("field %s: %v", rule.Target, err)
			}
			fs.steps = append(fs.steps, s)
		}
		t.fields = append(t.fields, fs)
	}

	for _, rule := range m.Complex {
		cs := complexStep{rule: rule}
		if !rule.IsAI() {
			p, err := expr.Compile(rule.Expression)
			if err != nil {
				return nil, bad("complex mapping %s: %v", rule.Target, err)
			}
			cs.program = p
		}
		t.complex = append(t.complex, cs)
	}

	for col, name := range m.Handlers {
		h, ok := LookupHandler(name)
		if !ok {
			return nil, bad("column %s: unknown handler %q", col, name)
		}
		t.handlers[col] = h
	}
	return t, nil
}

// Mapping returns the compiled mapping.
func (t *Transformer) Mapping() *mapping.Mapping { return t.mapping }

// Transform maps src to a target record. src is not modified. Record-level
// failures are returned as RECORD_REJECTED errors wrapping a
// *TransformError.
func (t *Transformer) Transform(ctx context.Context, src core.Record) (core.Record, error) {
	if t.mapping.IsIdentity() {
		return src.Clone(), nil
	}

	out := make(core.Record, len(t.fields)+len(t.mapping.Constants)+len(t.complex))

	for col, v := range t.mapping.Constants {
		out[col] = v
	}

	for _, fs := range t.fields {
		v, ok, err := t.applyField(fs, src)
		if err != nil {
			return nil, err
		}
		if ok {
			out[fs.rule.Target] = v
		}
	}

	for _, cs := range t.complex {
		v, err := t.applyComplex(ctx, cs, src)
		if err != nil {
			return nil, err
		}
		out[cs.rule.Target] = v
	}

	for col, h := range t.handlers {
		v, ok := out[col]
		if !ok || v.IsNull() {
			continue
		}
		nv, err := h(v)
		if err != nil {
			return nil, rejected(col, "handler failed", err)
		}
		out[col] = nv
	}
	return out, nil
}

// applyField returns false when the source field is missing and the rule
// has no default, in which case the target field is left unset.
func (t *Transformer) applyField(fs fieldStep, src core.Record) (core.Value, bool, error) {
	rule := fs.rule
	v, present := src[rule.SourceField]
	if !present || (v.IsNull() && rule.HasDefault) {
		if rule.HasDefault {
			return rule.Default, true, nil
		}
		return core.Value{}, false, nil
	}

	if rule.TargetType != "" {
		cv, err := core.Coerce(v, rule.Kind)
		if err != nil {
			if rule.HasDefault {
				return rule.Default, true, nil
			}
			return core.Value{}, false, rejected(rule.Target, fmt.Sprintf("cannot convert %s to %s", v.Kind(), rule.Kind), err)
		}
		v = cv
	}

	for _, s := range fs.steps {
		nv, err := s.apply(v)
		if err != nil {
			return core.Value{}, false, rejected(rule.Target, fmt.Sprintf("transform %s failed", s.name), err)
		}
		v = nv
	}
	return v, true, nil
}

func (t *Transformer) applyComplex(ctx context.Context, cs complexStep, src core.Record) (core.Value, error) {
	rule := cs.rule
	fallback := rule.Default

	var (
		v   core.Value
		err error
	)
	if rule.IsAI() {
		v, err = t.infer(ctx, rule, src)
		if err != nil {
			t.logger.Warn("ai rule degraded to default", "field", rule.Target, "error", err)
			return fallback, nil
		}
	} else {
		v, err = cs.program.Eval(src)
		if err != nil {
			if rule.HasDefault {
				return fallback, nil
			}
			return core.Value{}, rejected(rule.Target, "expression failed", err)
		}
	}

	if rule.TargetType != "" {
		cv, err := core.Coerce(v, rule.Kind)
		if err != nil {
			if rule.HasDefault {
				return fallback, nil
			}
			return core.Value{}, rejected(rule.Target, fmt.Sprintf("cannot convert %s to %s", v.Kind(), rule.Kind), err)
		}
		v = cv
	}
	return v, nil
}

var errAIDisabled = errors.New("no inference service configured")

func (t *Transformer) infer(ctx context.Context, rule mapping.ComplexRule, src core.Record) (core.Value, error) {
	if t.opts.AI == nil {
		return core.Value{}, errAIDisabled
	}
	ctx, cancel := context.WithTimeout(ctx, t.opts.AITimeout)
	defer cancel()
	return t.opts.AI.InferValue(ctx, rule.Prompt(), src)
}
