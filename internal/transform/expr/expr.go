// Package expr implements the small expression language used by complex
// mapping rules.
//
// An expression is a single pure computation over the fields of one source
// record: literals, field references, arithmetic, string concatenation with
// ||, comparisons, boolean logic and calls to a fixed set of built-in
// functions. Programs cannot loop, bind names, perform I/O or reach any Go
// value other than the record they are given, so evaluation always
// terminates.
//
// Null propagates through operators as in SQL: 1 + null is null, and a
// comparison with null is null. Use is_null and coalesce to branch on it.
package expr

import (
	"fmt"
	"sort"
	"strings"

	"github.com/leapstack-labs/leapsync/pkg/core"
)

// Program is a compiled expression. It is safe for concurrent use.
type Program struct {
	source string
	root   node
	fields []string
}

// Compile parses src into a Program.
func Compile(src string) (*Program, error) {
	if len(src) > MaxSourceLength {
		return nil, &SyntaxError{Pos: MaxSourceLength, Msg: "expression too long"}
	}
	if strings.TrimSpace(src) == "" {
		return nil, &SyntaxError{Msg: "empty expression"}
	}
	tokens, err := lex(src)
	if err != nil {
		return nil, err
	}
	p := &parser{tokens: tokens, fields: map[string]struct{}{}}
	root, err := p.parseExpr(precLowest)
	if err != nil {
		return nil, err
	}
	if t := p.peek(); t.kind != tokEOF {
		return nil, &SyntaxError{Pos: t.pos, Msg: fmt.Sprintf("unexpected %s", describe(t))}
	}

	fields := make([]string, 0, len(p.fields))
	for f := range p.fields {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	return &Program{source: src, root: root, fields: fields}, nil
}

// MustCompile is Compile for expressions known to be valid.
func MustCompile(src string) *Program {
	p, err := Compile(src)
	if err != nil {
		panic(err)
	}
	return p
}

// Source returns the expression text.
func (p *Program) Source() string { return p.source }

// Fields returns the record fields the expression references, sorted.
func (p *Program) Fields() []string { return p.fields }

// Eval evaluates the program against rec. A reference to a field the record
// does not have evaluates to null.
func (p *Program) Eval(rec core.Record) (v core.Value, err error) {
	defer func() {
		if r := recover(); r != nil {
			v, err = core.Value{}, &EvalError{Pos: p.root.pos(), Err: fmt.Errorf("internal error: %v", r)}
		}
	}()
	return eval(p.root, rec)
}

// EvalError reports a failure while evaluating a well-formed expression.
type EvalError struct {
	Pos int
	Err error
}

func (e *EvalError) Error() string {
	return fmt.Sprintf("evaluation error at offset %d: %v", e.Pos, e.Err)
}

func (e *EvalError) Unwrap() error { return e.Err }

func evalErr(n node, format string, args ...any) error {
	return &EvalError{Pos: n.pos(), Err: fmt.Errorf(format, args...)}
}
