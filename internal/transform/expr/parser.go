package expr

import (
	"fmt"
	"strings"

	"github.com/leapstack-labs/leapsync/pkg/core"
)

// Limits on accepted programs.
const (
	MaxSourceLength = 4096
	MaxDepth        = 64
)

// Binding powers, lowest first.
const (
	precLowest = iota
	precOr
	precAnd
	precNot
	precCompare
	precConcat
	precSum
	precProduct
	precUnary
)

var infixPrec = map[tokenKind]int{
	tokOr:      precOr,
	tokAnd:     precAnd,
	tokEq:      precCompare,
	tokNe:      precCompare,
	tokLt:      precCompare,
	tokLe:      precCompare,
	tokGt:      precCompare,
	tokGe:      precCompare,
	tokConcat:  precConcat,
	tokPlus:    precSum,
	tokMinus:   precSum,
	tokStar:    precProduct,
	tokSlash:   precProduct,
	tokPercent: precProduct,
}

// SyntaxError reports a malformed expression.
type SyntaxError struct {
	Pos int
	Msg string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("syntax error at offset %d: %s", e.Pos, e.Msg)
}

type parser struct {
	tokens []token
	i      int
	depth  int
	fields map[string]struct{}
}

func (p *parser) peek() token { return p.tokens[p.i] }

func (p *parser) advance() token {
	t := p.tokens[p.i]
	if t.kind != tokEOF {
		p.i++
	}
	return t
}

func (p *parser) expect(k tokenKind) (token, error) {
	t := p.advance()
	if t.kind != k {
		return t, &SyntaxError{Pos: t.pos, Msg: fmt.Sprintf("expected %s, found %s", k, describe(t))}
	}
	return t, nil
}

func describe(t token) string {
	if t.kind == tokEOF {
		return t.kind.String()
	}
	return fmt.Sprintf("%q", t.text)
}

func (p *parser) parseExpr(minPrec int) (node, error) {
	p.depth++
	defer func() { p.depth-- }()
	if p.depth > MaxDepth {
		return nil, &SyntaxError{Pos: p.peek().pos, Msg: "expression nested too deeply"}
	}

	left, err := p.parsePrefix()
	if err != nil {
		return nil, err
	}
	for {
		t := p.peek()
		prec, ok := infixPrec[t.kind]
		if !ok || prec <= minPrec {
			return left, nil
		}
		p.advance()
		right, err := p.parseExpr(prec)
		if err != nil {
			return nil, err
		}
		left = &binary{at: t.pos, op: t.kind, left: left, right: right}
	}
}

func (p *parser) parsePrefix() (node, error) {
	t := p.advance()
	switch t.kind {
	case tokNumber:
		return numberLiteral(t)
	case tokString:
		return &literal{at: t.pos, value: core.StringValue(t.text)}, nil
	case tokTrue:
		return &literal{at: t.pos, value: core.BoolValue(true)}, nil
	case tokFalse:
		return &literal{at: t.pos, value: core.BoolValue(false)}, nil
	case tokNull:
		return &literal{at: t.pos, value: core.NullValue()}, nil
	case tokMinus:
		operand, err := p.parseExpr(precUnary)
		if err != nil {
			return nil, err
		}
		return &unary{at: t.pos, op: tokMinus, operand: operand}, nil
	case tokPlus:
		return p.parseExpr(precUnary)
	case tokNot:
		operand, err := p.parseExpr(precNot)
		if err != nil {
			return nil, err
		}
		return &unary{at: t.pos, op: tokNot, operand: operand}, nil
	case tokLParen:
		inner, err := p.parseExpr(precLowest)
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tokRParen); err != nil {
			return nil, err
		}
		return inner, nil
	case tokIdent:
		if !t.quoted && p.peek().kind == tokLParen {
			return p.parseCall(t)
		}
		p.fields[t.text] = struct{}{}
		return &fieldRef{at: t.pos, name: t.text}, nil
	}
	return nil, &SyntaxError{Pos: t.pos, Msg: fmt.Sprintf("unexpected %s", describe(t))}
}

func (p *parser) parseCall(name token) (node, error) {
	fn, ok := functions[strings.ToLower(name.text)]
	if !ok {
		return nil, &SyntaxError{Pos: name.pos, Msg: fmt.Sprintf("unknown function %q", name.text)}
	}
	p.advance() // (

	var args []node
	if p.peek().kind != tokRParen {
		for {
			arg, err := p.parseExpr(precLowest)
			if err != nil {
				return nil, err
			}
			args = append(args, arg)
			if p.peek().kind != tokComma {
				break
			}
			p.advance()
		}
	}
	if _, err := p.expect(tokRParen); err != nil {
		return nil, err
	}
	if len(args) < fn.minArgs || (fn.maxArgs >= 0 && len(args) > fn.maxArgs) {
		return nil, &SyntaxError{Pos: name.pos, Msg: fmt.Sprintf("%s expects %s, got %d", fn.name, fn.arity(), len(args))}
	}
	return &call{at: name.pos, name: fn.name, fn: fn, args: args}, nil
}

func numberLiteral(t token) (node, error) {
	if !strings.ContainsAny(t.text, ".eE") {
		v, err := core.Coerce(core.StringValue(t.text), core.KindInt)
		if err == nil {
			return &literal{at: t.pos, value: v}, nil
		}
	}
	v, err := core.DecimalValue(t.text)
	if err != nil {
		return nil, &SyntaxError{Pos: t.pos, Msg: fmt.Sprintf("invalid number %q", t.text)}
	}
	return &literal{at: t.pos, value: v}, nil
}
