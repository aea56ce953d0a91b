package expr

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"unicode/utf8"

	"github.com/cockroachdb/apd/v3"

	"github.com/leapstack-labs/leapsync/pkg/core"
)

// maxPadLength bounds lpad and rpad output.
const maxPadLength = 10000

type function struct {
	name    string
	minArgs int
	maxArgs int // -1 for variadic
	impl    func(args []core.Value) (core.Value, error)
}

func (f *function) arity() string {
	switch {
	case f.maxArgs < 0:
		return fmt.Sprintf("at least %d arguments", f.minArgs)
	case f.minArgs == f.maxArgs && f.minArgs == 1:
		return "1 argument"
	case f.minArgs == f.maxArgs:
		return fmt.Sprintf("%d arguments", f.minArgs)
	}
	return fmt.Sprintf("%d to %d arguments", f.minArgs, f.maxArgs)
}

var functions = map[string]*function{}

func register(name string, minArgs, maxArgs int, impl func([]core.Value) (core.Value, error)) {
	functions[name] = &function{name: name, minArgs: minArgs, maxArgs: maxArgs, impl: impl}
}

// Names returns the names of the built-in functions.
func Names() []string {
	out := make([]string, 0, len(functions))
	for name := range functions {
		out = append(out, name)
	}
	return out
}

func init() {
	register("upper", 1, 1, strict(stringFn(strings.ToUpper)))
	register("lower", 1, 1, strict(stringFn(strings.ToLower)))
	register("trim", 1, 1, strict(stringFn(strings.TrimSpace)))
	register("ltrim", 1, 1, strict(stringFn(func(s string) string { return strings.TrimLeft(s, " \t\r\n") })))
	register("rtrim", 1, 1, strict(stringFn(func(s string) string { return strings.TrimRight(s, " \t\r\n") })))
	register("length", 1, 1, strict(fnLength))
	register("substr", 2, 3, strict(fnSubstr))
	register("replace", 3, 3, strict(fnReplace))
	register("split_part", 3, 3, strict(fnSplitPart))
	register("contains", 2, 2, strict(stringPredicate(strings.Contains)))
	register("starts_with", 2, 2, strict(stringPredicate(strings.HasPrefix)))
	register("ends_with", 2, 2, strict(stringPredicate(strings.HasSuffix)))
	register("lpad", 2, 3, strict(padFn(true)))
	register("rpad", 2, 3, strict(padFn(false)))
	register("concat", 1, -1, fnConcat)

	register("abs", 1, 1, strict(fnAbs))
	register("round", 1, 2, strict(fnRound))
	register("floor", 1, 1, strict(roundingFn(apd.RoundFloor, math.Floor)))
	register("ceil", 1, 1, strict(roundingFn(apd.RoundCeiling, math.Ceil)))
	register("min", 1, -1, strict(extremum(-1)))
	register("max", 1, -1, strict(extremum(1)))

	register("to_string", 1, 1, strict(convertFn(core.KindString)))
	register("to_int", 1, 1, strict(convertFn(core.KindInt)))
	register("to_float", 1, 1, strict(convertFn(core.KindFloat)))
	register("to_decimal", 1, 1, strict(convertFn(core.KindDecimal)))
	register("to_timestamp", 1, 1, strict(convertFn(core.KindTimestamp)))
	register("format_date", 2, 2, strict(fnFormatDate))

	register("is_null", 1, 1, func(args []core.Value) (core.Value, error) {
		return core.BoolValue(args[0].IsNull()), nil
	})

	// Evaluated lazily by the interpreter; registered for arity checks.
	register("if", 3, 3, nil)
	register("coalesce", 1, -1, nil)
}

// strict wraps impl so any null argument yields null.
func strict(impl func([]core.Value) (core.Value, error)) func([]core.Value) (core.Value, error) {
	return func(args []core.Value) (core.Value, error) {
		for _, a := range args {
			if a.IsNull() {
				return core.NullValue(), nil
			}
		}
		return impl(args)
	}
}

func str(v core.Value) (string, error) {
	if s, ok := v.AsString(); ok {
		return s, nil
	}
	c, err := core.Coerce(v, core.KindString)
	if err != nil {
		return "", err
	}
	s, _ := c.AsString()
	return s, nil
}

func integer(v core.Value) (int64, error) {
	c, err := core.Coerce(v, core.KindInt)
	if err != nil {
		return 0, err
	}
	i, _ := c.AsInt()
	return i, nil
}

func stringFn(f func(string) string) func([]core.Value) (core.Value, error) {
	return func(args []core.Value) (core.Value, error) {
		s, err := str(args[0])
		if err != nil {
			return core.Value{}, err
		}
		return core.StringValue(f(s)), nil
	}
}

func stringPredicate(f func(s, sub string) bool) func([]core.Value) (core.Value, error) {
	return func(args []core.Value) (core.Value, error) {
		s, err := str(args[0])
		if err != nil {
			return core.Value{}, err
		}
		sub, err := str(args[1])
		if err != nil {
			return core.Value{}, err
		}
		return core.BoolValue(f(s, sub)), nil
	}
}

func fnLength(args []core.Value) (core.Value, error) {
	if b, ok := args[0].AsBytes(); ok {
		return core.IntValue(int64(len(b))), nil
	}
	s, err := str(args[0])
	if err != nil {
		return core.Value{}, err
	}
	return core.IntValue(int64(utf8.RuneCountInString(s))), nil
}

// fnSubstr takes a 1-based start position counted in characters. As in
// SQL, positions before the first character still consume length.
func fnSubstr(args []core.Value) (core.Value, error) {
	s, err := str(args[0])
	if err != nil {
		return core.Value{}, err
	}
	start, err := integer(args[1])
	if err != nil {
		return core.Value{}, err
	}
	runes := []rune(s)
	n := int64(len(runes))
	if start > n {
		return core.StringValue(""), nil
	}
	end := n
	if len(args) == 3 {
		length, err := integer(args[2])
		if err != nil {
			return core.Value{}, err
		}
		if length < 0 {
			return core.Value{}, errors.New("negative length")
		}
		if length == 0 {
			return core.StringValue(""), nil
		}
		// start+length-1 cannot overflow once start <= 0 or length fits.
		if start <= 0 || length-1 <= math.MaxInt64-start {
			end = min(n, start+length-1)
		}
	}
	start = max(start, 1)
	if end < start {
		return core.StringValue(""), nil
	}
	return core.StringValue(string(runes[start-1 : end])), nil
}

func fnReplace(args []core.Value) (core.Value, error) {
	parts := make([]string, 3)
	for i, a := range args {
		s, err := str(a)
		if err != nil {
			return core.Value{}, err
		}
		parts[i] = s
	}
	if parts[1] == "" {
		return core.StringValue(parts[0]), nil
	}
	return core.StringValue(strings.ReplaceAll(parts[0], parts[1], parts[2])), nil
}

// fnSplitPart returns the 1-based nth field, or "" past the end.
func fnSplitPart(args []core.Value) (core.Value, error) {
	s, err := str(args[0])
	if err != nil {
		return core.Value{}, err
	}
	sep, err := str(args[1])
	if err != nil {
		return core.Value{}, err
	}
	n, err := integer(args[2])
	if err != nil {
		return core.Value{}, err
	}
	if sep == "" {
		return core.Value{}, errors.New("empty delimiter")
	}
	if n < 1 {
		return core.Value{}, errors.New("field position must be at least 1")
	}
	fields := strings.Split(s, sep)
	if n > int64(len(fields)) {
		return core.StringValue(""), nil
	}
	return core.StringValue(fields[n-1]), nil
}

func padFn(left bool) func([]core.Value) (core.Value, error) {
	return func(args []core.Value) (core.Value, error) {
		s, err := str(args[0])
		if err != nil {
			return core.Value{}, err
		}
		width, err := integer(args[1])
		if err != nil {
			return core.Value{}, err
		}
		if width > maxPadLength {
			return core.Value{}, fmt.Errorf("length %d exceeds %d", width, maxPadLength)
		}
		fill := " "
		if len(args) == 3 {
			if fill, err = str(args[2]); err != nil {
				return core.Value{}, err
			}
		}
		runes := []rune(s)
		if int64(len(runes)) >= width {
			return core.StringValue(string(runes[:max(width, 0)])), nil
		}
		if fill == "" {
			return core.StringValue(s), nil
		}
		need := int(width) - len(runes)
		fr := []rune(fill)
		pad := make([]rune, need)
		for i := range pad {
			pad[i] = fr[i%len(fr)]
		}
		if left {
			return core.StringValue(string(pad) + s), nil
		}
		return core.StringValue(s + string(pad)), nil
	}
}

// fnConcat skips null arguments.
func fnConcat(args []core.Value) (core.Value, error) {
	var b strings.Builder
	for _, a := range args {
		if a.IsNull() {
			continue
		}
		s, err := str(a)
		if err != nil {
			return core.Value{}, err
		}
		b.WriteString(s)
	}
	return core.StringValue(b.String()), nil
}

func fnAbs(args []core.Value) (core.Value, error) {
	v := args[0]
	switch v.Kind() {
	case core.KindInt:
		i, _ := v.AsInt()
		if i == math.MinInt64 {
			return core.Value{}, errors.New("integer overflow")
		}
		if i < 0 {
			i = -i
		}
		return core.IntValue(i), nil
	case core.KindFloat:
		f, _ := v.AsFloat()
		return core.FloatValue(math.Abs(f)), nil
	case core.KindDecimal:
		d, _ := v.AsDecimal()
		d.Abs(d)
		return core.NewDecimal(d), nil
	}
	return core.Value{}, fmt.Errorf("expected a number, got %s", v.Kind())
}

// fnRound rounds half away from zero to the given number of places.
func fnRound(args []core.Value) (core.Value, error) {
	v := args[0]
	places := int64(0)
	if len(args) == 2 {
		p, err := integer(args[1])
		if err != nil {
			return core.Value{}, err
		}
		if p < 0 || p > 30 {
			return core.Value{}, fmt.Errorf("places must be between 0 and 30, got %d", p)
		}
		places = p
	}
	switch v.Kind() {
	case core.KindInt:
		return v, nil
	case core.KindFloat:
		f, _ := v.AsFloat()
		scale := math.Pow10(int(places))
		return core.FloatValue(math.Round(f*scale) / scale), nil
	case core.KindDecimal:
		d, _ := v.AsDecimal()
		ctx := decimalCtx.WithPrecision(decimalCtx.Precision)
		ctx.Rounding = apd.RoundHalfUp
		out := new(apd.Decimal)
		if _, err := ctx.Quantize(out, d, int32(-places)); err != nil {
			return core.Value{}, err
		}
		return core.NewDecimal(out), nil
	}
	return core.Value{}, fmt.Errorf("expected a number, got %s", v.Kind())
}

func roundingFn(mode apd.Rounder, f func(float64) float64) func([]core.Value) (core.Value, error) {
	return func(args []core.Value) (core.Value, error) {
		v := args[0]
		switch v.Kind() {
		case core.KindInt:
			return v, nil
		case core.KindFloat:
			x, _ := v.AsFloat()
			return core.FloatValue(f(x)), nil
		case core.KindDecimal:
			d, _ := v.AsDecimal()
			ctx := decimalCtx.WithPrecision(decimalCtx.Precision)
			ctx.Rounding = mode
			out := new(apd.Decimal)
			if _, err := ctx.Quantize(out, d, 0); err != nil {
				return core.Value{}, err
			}
			return core.NewDecimal(out), nil
		}
		return core.Value{}, fmt.Errorf("expected a number, got %s", v.Kind())
	}
}

// extremum returns the smallest (sign -1) or largest (sign 1) argument.
func extremum(sign int) func([]core.Value) (core.Value, error) {
	return func(args []core.Value) (core.Value, error) {
		best := args[0]
		for _, a := range args[1:] {
			if a.Kind() != best.Kind() && !(a.Numeric() && best.Numeric()) {
				return core.Value{}, fmt.Errorf("cannot compare %s with %s", a.Kind(), best.Kind())
			}
			if core.Compare(a, best)*sign > 0 {
				best = a
			}
		}
		return best, nil
	}
}

func convertFn(kind core.Kind) func([]core.Value) (core.Value, error) {
	return func(args []core.Value) (core.Value, error) {
		return core.Coerce(args[0], kind)
	}
}

func fnFormatDate(args []core.Value) (core.Value, error) {
	tv, err := core.Coerce(args[0], core.KindTimestamp)
	if err != nil {
		return core.Value{}, err
	}
	layout, err := str(args[1])
	if err != nil {
		return core.Value{}, err
	}
	t, _ := tv.AsTime()
	out, err := Strftime(t, layout)
	if err != nil {
		return core.Value{}, err
	}
	return core.StringValue(out), nil
}
