package expr

import (
	"fmt"
	"math"

	"github.com/cockroachdb/apd/v3"

	"github.com/leapstack-labs/leapsync/pkg/core"
)

// decimalCtx is the arithmetic context for decimal operands.
var decimalCtx = apd.BaseContext.WithPrecision(34)

func eval(n node, rec core.Record) (core.Value, error) {
	switch n := n.(type) {
	case *literal:
		return n.value, nil
	case *fieldRef:
		v, ok := rec[n.name]
		if !ok {
			return core.NullValue(), nil
		}
		return v, nil
	case *unary:
		v, err := eval(n.operand, rec)
		if err != nil {
			return core.Value{}, err
		}
		return evalUnary(n, v)
	case *binary:
		return evalBinary(n, rec)
	case *call:
		switch n.name {
		case "if":
			return evalIf(n, rec)
		case "coalesce":
			return evalCoalesce(n, rec)
		}
		args := make([]core.Value, len(n.args))
		for i, a := range n.args {
			v, err := eval(a, rec)
			if err != nil {
				return core.Value{}, err
			}
			args[i] = v
		}
		out, err := n.fn.impl(args)
		if err != nil {
			return core.Value{}, &EvalError{Pos: n.at, Err: fmt.Errorf("%s: %w", n.name, err)}
		}
		return out, nil
	}
	return core.Value{}, evalErr(n, "unsupported node %T", n)
}

// evalIf evaluates only the selected branch. A null condition selects the
// else branch.
func evalIf(n *call, rec core.Record) (core.Value, error) {
	cond, err := eval(n.args[0], rec)
	if err != nil {
		return core.Value{}, err
	}
	b, err := truth(n, cond)
	if err != nil {
		return core.Value{}, err
	}
	if b != nil && *b {
		return eval(n.args[1], rec)
	}
	return eval(n.args[2], rec)
}

func evalCoalesce(n *call, rec core.Record) (core.Value, error) {
	for _, a := range n.args {
		v, err := eval(a, rec)
		if err != nil {
			return core.Value{}, err
		}
		if !v.IsNull() {
			return v, nil
		}
	}
	return core.NullValue(), nil
}

func evalUnary(n *unary, v core.Value) (core.Value, error) {
	if v.IsNull() {
		return v, nil
	}
	switch n.op {
	case tokNot:
		b, ok := v.AsBool()
		if !ok {
			return core.Value{}, evalErr(n, "not requires a boolean, got %s", v.Kind())
		}
		return core.BoolValue(!b), nil
	case tokMinus:
		switch v.Kind() {
		case core.KindInt:
			i, _ := v.AsInt()
			if i == math.MinInt64 {
				return core.Value{}, evalErr(n, "integer overflow")
			}
			return core.IntValue(-i), nil
		case core.KindFloat:
			f, _ := v.AsFloat()
			return core.FloatValue(-f), nil
		case core.KindDecimal:
			d, _ := v.AsDecimal()
			d.Neg(d)
			return core.NewDecimal(d), nil
		}
		return core.Value{}, evalErr(n, "cannot negate %s", v.Kind())
	}
	return core.Value{}, evalErr(n, "unsupported unary operator")
}

func evalBinary(n *binary, rec core.Record) (core.Value, error) {
	left, err := eval(n.left, rec)
	if err != nil {
		return core.Value{}, err
	}

	// and/or use three-valued logic and short-circuit.
	if n.op == tokAnd || n.op == tokOr {
		return evalLogic(n, left, rec)
	}

	right, err := eval(n.right, rec)
	if err != nil {
		return core.Value{}, err
	}
	if left.IsNull() || right.IsNull() {
		return core.NullValue(), nil
	}

	switch n.op {
	case tokConcat:
		ls, err := core.Coerce(left, core.KindString)
		if err != nil {
			return core.Value{}, evalErr(n, "%v", err)
		}
		rs, err := core.Coerce(right, core.KindString)
		if err != nil {
			return core.Value{}, evalErr(n, "%v", err)
		}
		a, _ := ls.AsString()
		b, _ := rs.AsString()
		return core.StringValue(a + b), nil
	case tokEq, tokNe, tokLt, tokLe, tokGt, tokGe:
		return compare(n, left, right)
	case tokPlus, tokMinus, tokStar, tokSlash, tokPercent:
		return arith(n, left, right)
	}
	return core.Value{}, evalErr(n, "unsupported operator")
}

func evalLogic(n *binary, left core.Value, rec core.Record) (core.Value, error) {
	lb, err := truth(n, left)
	if err != nil {
		return core.Value{}, err
	}
	if lb != nil {
		if n.op == tokAnd && !*lb {
			return core.BoolValue(false), nil
		}
		if n.op == tokOr && *lb {
			return core.BoolValue(true), nil
		}
	}
	right, err := eval(n.right, rec)
	if err != nil {
		return core.Value{}, err
	}
	rb, err := truth(n, right)
	if err != nil {
		return core.Value{}, err
	}
	switch {
	case rb != nil && n.op == tokAnd && !*rb:
		return core.BoolValue(false), nil
	case rb != nil && n.op == tokOr && *rb:
		return core.BoolValue(true), nil
	case lb == nil || rb == nil:
		return core.NullValue(), nil
	}
	return core.BoolValue(*rb), nil
}

// truth returns nil for null.
func truth(n node, v core.Value) (*bool, error) {
	if v.IsNull() {
		return nil, nil
	}
	b, ok := v.AsBool()
	if !ok {
		return nil, evalErr(n, "expected a boolean, got %s", v.Kind())
	}
	return &b, nil
}

func compare(n *binary, left, right core.Value) (core.Value, error) {
	if left.Kind() != right.Kind() && !(left.Numeric() && right.Numeric()) {
		return core.Value{}, evalErr(n, "cannot compare %s with %s", left.Kind(), right.Kind())
	}
	c := core.Compare(left, right)
	var out bool
	switch n.op {
	case tokEq:
		out = c == 0
	case tokNe:
		out = c != 0
	case tokLt:
		out = c < 0
	case tokLe:
		out = c <= 0
	case tokGt:
		out = c > 0
	case tokGe:
		out = c >= 0
	}
	return core.BoolValue(out), nil
}

func arith(n *binary, left, right core.Value) (core.Value, error) {
	if !left.Numeric() || !right.Numeric() {
		if n.op == tokPlus && left.Kind() == core.KindString && right.Kind() == core.KindString {
			a, _ := left.AsString()
			b, _ := right.AsString()
			return core.StringValue(a + b), nil
		}
		return core.Value{}, evalErr(n, "arithmetic on %s and %s", left.Kind(), right.Kind())
	}

	switch {
	case left.Kind() == core.KindFloat || right.Kind() == core.KindFloat:
		return floatArith(n, left, right)
	case left.Kind() == core.KindInt && right.Kind() == core.KindInt && n.op != tokSlash:
		return intArith(n, left, right)
	}
	return decimalArith(n, left, right)
}

func floatArith(n *binary, left, right core.Value) (core.Value, error) {
	a, _ := core.Coerce(left, core.KindFloat)
	b, _ := core.Coerce(right, core.KindFloat)
	x, _ := a.AsFloat()
	y, _ := b.AsFloat()
	var out float64
	switch n.op {
	case tokPlus:
		out = x + y
	case tokMinus:
		out = x - y
	case tokStar:
		out = x * y
	case tokSlash:
		if y == 0 {
			return core.Value{}, evalErr(n, "division by zero")
		}
		out = x / y
	case tokPercent:
		if y == 0 {
			return core.Value{}, evalErr(n, "division by zero")
		}
		out = math.Mod(x, y)
	}
	if math.IsInf(out, 0) || math.IsNaN(out) {
		return core.Value{}, evalErr(n, "numeric overflow")
	}
	return core.FloatValue(out), nil
}

func intArith(n *binary, left, right core.Value) (core.Value, error) {
	x, _ := left.AsInt()
	y, _ := right.AsInt()
	var out int64
	switch n.op {
	case tokPlus:
		out = x + y
		if (out > x) != (y > 0) {
			return decimalArith(n, left, right)
		}
	case tokMinus:
		out = x - y
		if (out < x) != (y > 0) {
			return decimalArith(n, left, right)
		}
	case tokStar:
		if x != 0 && y != 0 {
			out = x * y
			if out/y != x || (x == -1 && y == math.MinInt64) || (y == -1 && x == math.MinInt64) {
				return decimalArith(n, left, right)
			}
		}
	case tokPercent:
		if y == 0 {
			return core.Value{}, evalErr(n, "division by zero")
		}
		if y == -1 {
			return core.IntValue(0), nil
		}
		out = x % y
	}
	return core.IntValue(out), nil
}

func decimalArith(n *binary, left, right core.Value) (core.Value, error) {
	x, err := left.ToDecimal()
	if err != nil {
		return core.Value{}, evalErr(n, "%v", err)
	}
	y, err := right.ToDecimal()
	if err != nil {
		return core.Value{}, evalErr(n, "%v", err)
	}
	out := new(apd.Decimal)
	switch n.op {
	case tokPlus:
		_, err = decimalCtx.Add(out, x, y)
	case tokMinus:
		_, err = decimalCtx.Sub(out, x, y)
	case tokStar:
		_, err = decimalCtx.Mul(out, x, y)
	case tokSlash, tokPercent:
		if y.IsZero() {
			return core.Value{}, evalErr(n, "division by zero")
		}
		if n.op == tokSlash {
			_, err = decimalCtx.Quo(out, x, y)
		} else {
			_, err = decimalCtx.Rem(out, x, y)
		}
	}
	if err != nil {
		return core.Value{}, evalErr(n, "%v", err)
	}
	out.Reduce(out)
	return core.NewDecimal(out), nil
}
