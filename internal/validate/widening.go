package validate

import (
	"github.com/leapstack-labs/leapsync/pkg/core"
)

// accepts lists, per target column class, the value kinds it takes without
// loss. Decimal into int is handled separately because it depends on scale.
var accepts = map[core.TypeClass][]core.Kind{
	core.ClassBool:      {core.KindBool},
	core.ClassInt:       {core.KindBool, core.KindInt},
	core.ClassFloat:     {core.KindInt, core.KindFloat, core.KindDecimal},
	core.ClassDecimal:   {core.KindBool, core.KindInt, core.KindFloat, core.KindDecimal},
	core.ClassString:    {core.KindBool, core.KindInt, core.KindFloat, core.KindDecimal, core.KindString, core.KindTimestamp},
	core.ClassTimestamp: {core.KindTimestamp},
	core.ClassBytes:     {core.KindBytes, core.KindString},
	core.ClassJSON:      {core.KindString, core.KindBytes},
}

// Widens reports whether a value of kind k can be stored in a column of
// class c. Unknown column classes accept every kind.
func Widens(k core.Kind, c core.TypeClass) bool {
	if k == core.KindNull || c == core.ClassUnknown {
		return true
	}
	for _, ok := range accepts[c] {
		if ok == k {
			return true
		}
	}
	return false
}

// widensColumn is Widens with the column's declared precision and scale
// taken into account.
func widensColumn(src *core.ColumnSchema, k core.Kind, dst *core.ColumnSchema) (bool, string) {
	if k == core.KindDecimal && dst.Class == core.ClassInt {
		if src != nil && src.Class == core.ClassDecimal && src.Scale == 0 && src.Precision > 0 && src.Precision <= 18 {
			return true, ""
		}
		return false, "decimal values may carry a fractional part"
	}
	if !Widens(k, dst.Class) {
		return false, ""
	}
	if src == nil {
		return true, ""
	}
	if k == core.KindDecimal && src.Class == core.ClassDecimal && dst.Class == core.ClassDecimal &&
		src.Precision > 0 && dst.Precision > 0 {
		if src.Scale > dst.Scale {
			return false, "scale would be reduced"
		}
		if src.Precision-src.Scale > dst.Precision-dst.Scale {
			return false, "integer digits would overflow"
		}
	}
	if k == core.KindInt && src.Class == core.ClassInt && dst.Class == core.ClassInt {
		slo, shi := core.IntBounds(src.Type)
		dlo, dhi := core.IntBounds(dst.Type)
		if slo < dlo || shi > dhi {
			return false, "integer range would be narrowed"
		}
	}
	return true, ""
}
