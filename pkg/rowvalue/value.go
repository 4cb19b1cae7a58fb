// Package rowvalue defines the dynamic value model used to evaluate
// expressions over heterogeneous records. Collections store strongly typed
// Go values; a caller-supplied projection turns each value into a Row so
// that joins, filters, and aggregates can be written once, generically,
// instead of once per record type.
package rowvalue

import (
	"fmt"
	"math/big"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// Kind tags the dynamic variant carried by a Value.
type Kind int

const (
	KindUndefined Kind = iota
	KindNull
	KindBool
	KindNumber
	KindString
	KindTime
	KindList
	KindRow
)

// Value is a tagged union over the dynamic types an expression can
// produce or consume. The zero Value is KindUndefined, which the index
// and ordering subsystem treat as the minimal element — never equal to
// KindNull.
type Value struct {
	kind Kind
	b    bool
	n    decimal.Decimal
	s    string
	t    time.Time
	list []Value
	row  Row
}

// Row is a namespaced projection of a record (or a join of several) keyed
// by field path segment. Nested paths use "." as the segment separator.
type Row map[string]Value

func Undefined() Value { return Value{kind: KindUndefined} }
func Null() Value      { return Value{kind: KindNull} }

func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

func Int(v int64) Value { return Value{kind: KindNumber, n: decimal.NewFromInt(v)} }

func Float(v float64) Value { return Value{kind: KindNumber, n: decimal.NewFromFloat(v)} }

// BigInt normalizes an arbitrary-precision integer into the same ordered
// number space as Int/Float, so comparisons and index ordering never have
// to special-case magnitude.
func BigInt(v *big.Int) Value { return Value{kind: KindNumber, n: decimal.NewFromBigInt(v, 0)} }

func Decimal(d decimal.Decimal) Value { return Value{kind: KindNumber, n: d} }

func String(s string) Value { return Value{kind: KindString, s: s} }

// Time normalizes a Date-like value into the ordered value space.
func Time(t time.Time) Value { return Value{kind: KindTime, t: t} }

func List(items ...Value) Value { return Value{kind: KindList, list: items} }

func RowValue(r Row) Value { return Value{kind: KindRow, row: r} }

func (v Value) Kind() Kind { return v.kind }
func (v Value) IsUndefined() bool { return v.kind == KindUndefined }
func (v Value) IsNull() bool      { return v.kind == KindNull }

func (v Value) Bool() bool       { return v.b }
func (v Value) Number() decimal.Decimal { return v.n }
func (v Value) String() string {
	switch v.kind {
	case KindString:
		return v.s
	case KindNumber:
		return v.n.String()
	case KindBool:
		if v.b {
			return "true"
		}
		return "false"
	case KindTime:
		return v.t.Format(time.RFC3339Nano)
	case KindNull:
		return "null"
	case KindUndefined:
		return "undefined"
	default:
		return fmt.Sprintf("%v", v.list)
	}
}
func (v Value) Float64() float64 {
	f, _ := v.n.Float64()
	return f
}
func (v Value) Time() time.Time { return v.t }
func (v Value) List() []Value   { return v.list }
func (v Value) Row() Row        { return v.row }

// Equal implements structural equality, the contract spec.md §3 requires
// for record values.
func Equal(a, b Value) bool {
	if a.kind != b.kind {
		return false
	}
	switch a.kind {
	case KindUndefined, KindNull:
		return true
	case KindBool:
		return a.b == b.b
	case KindNumber:
		return a.n.Equal(b.n)
	case KindString:
		return a.s == b.s
	case KindTime:
		return a.t.Equal(b.t)
	case KindList:
		if len(a.list) != len(b.list) {
			return false
		}
		for i := range a.list {
			if !Equal(a.list[i], b.list[i]) {
				return false
			}
		}
		return true
	case KindRow:
		if len(a.row) != len(b.row) {
			return false
		}
		for k, av := range a.row {
			bv, ok := b.row[k]
			if !ok || !Equal(av, bv) {
				return false
			}
		}
		return true
	}
	return false
}

// rank orders Value kinds so that Undefined sorts before Null, which sorts
// before every concrete kind — "undefined treated as a distinct minimal
// element" per spec.md §3. Ordered indexes always use Compare; an index
// takes no caller-supplied comparator.
func rank(k Kind) int {
	switch k {
	case KindUndefined:
		return 0
	case KindNull:
		return 1
	default:
		return 2
	}
}

// Compare is the default total order over Value, used by sorted/btree
// indexes and by orderBy. Numbers, times, strings, and bools each compare
// within their own kind; cross-kind comparisons fall back to kind rank so
// the order stays total even over heterogeneous columns.
func Compare(a, b Value) int {
	ra, rb := rank(a.kind), rank(b.kind)
	if ra != rb {
		return ra - rb
	}
	if ra < 2 {
		return 0 // both undefined, or both null
	}
	if a.kind != b.kind {
		// Different concrete kinds: order by kind tag for stability.
		if a.kind < b.kind {
			return -1
		}
		return 1
	}
	switch a.kind {
	case KindBool:
		if a.b == b.b {
			return 0
		}
		if !a.b {
			return -1
		}
		return 1
	case KindNumber:
		return a.n.Cmp(b.n)
	case KindString:
		switch {
		case a.s < b.s:
			return -1
		case a.s > b.s:
			return 1
		default:
			return 0
		}
	case KindTime:
		switch {
		case a.t.Before(b.t):
			return -1
		case a.t.After(b.t):
			return 1
		default:
			return 0
		}
	case KindList:
		n := len(a.list)
		if len(b.list) < n {
			n = len(b.list)
		}
		for i := 0; i < n; i++ {
			if c := Compare(a.list[i], b.list[i]); c != 0 {
				return c
			}
		}
		return len(a.list) - len(b.list)
	default:
		return 0
	}
}

// SortKey produces a stable string encoding of a Value suitable for use as
// a map key or a composite index key component. It shares the same
// undefined/null policy as Compare and as the query pool's parameter-key
// extractor (pkg/query), so the two never conflate keys the other treats
// as distinct (see spec.md §9's open note on createParameterKeyExtractor).
func SortKey(v Value) string {
	switch v.kind {
	case KindUndefined:
		return "\x00undefined"
	case KindNull:
		return "\x00null"
	case KindBool:
		if v.b {
			return "b:1"
		}
		return "b:0"
	case KindNumber:
		return "n:" + v.n.String()
	case KindString:
		return "s:" + v.s
	case KindTime:
		return "t:" + v.t.UTC().Format(time.RFC3339Nano)
	case KindList:
		parts := make([]string, len(v.list))
		for i, it := range v.list {
			parts[i] = SortKey(it)
		}
		sort.Strings(parts)
		return "l:" + fmt.Sprint(parts)
	default:
		return "r:" + fmt.Sprint(v.row)
	}
}
