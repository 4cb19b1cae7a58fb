// Package expr is the expression IR used by query predicates, projections,
// join conditions, and aggregates. Rather than parse and walk a SQL AST
// (spec.md explicitly excludes a SQL parser from the core), expressions
// are built directly as a small typed tree and compiled into closures
// that evaluate against a rowvalue.Row.
package expr

import (
	"github.com/block/reactivedb/pkg/rowvalue"
)

// Expr is a node in the expression tree. Every node can compile itself
// into an Evaluator; Fingerprint contributes a structural, literal-free
// token stream used by the query pool to decide poolability (spec.md §9).
type Expr interface {
	Eval(row rowvalue.Row) rowvalue.Value
	fingerprint(fp *fingerprinter)
}

// Evaluator is a compiled, row-at-a-time expression.
type Evaluator func(row rowvalue.Row) rowvalue.Value

// Compile lowers an Expr into a plain closure, detached from the tree
// that produced it.
func Compile(e Expr) Evaluator {
	return func(row rowvalue.Row) rowvalue.Value { return e.Eval(row) }
}

// Ref reads a named field from the row, e.g. Ref("age").
type Ref struct{ Path string }

func (r Ref) Eval(row rowvalue.Row) rowvalue.Value {
	if v, ok := row[r.Path]; ok {
		return v
	}
	return rowvalue.Undefined()
}

func (r Ref) fingerprint(fp *fingerprinter) { fp.write("ref:"); fp.write(r.Path) }

// Val is a literal value. Literals never contribute their content to the
// structural fingerprint, only their kind — two predicates that differ
// only by literal value are the same plan shape (spec.md §5.3).
type Val struct{ Value rowvalue.Value }

func (v Val) Eval(rowvalue.Row) rowvalue.Value { return v.Value }

func (v Val) fingerprint(fp *fingerprinter) {
	fp.write("lit:")
	fp.writeInt(int(v.Value.Kind()))
}

// Param is a named placeholder whose value is supplied per query
// invocation rather than baked into the compiled plan, letting
// structurally identical queries with different parameter values share
// one compiled graph (spec.md §5.3, "parameter-key extraction").
type Param struct {
	Name string
	Kind rowvalue.Kind
}

func (p Param) Eval(row rowvalue.Row) rowvalue.Value {
	if v, ok := row["$"+p.Name]; ok {
		return v
	}
	return rowvalue.Undefined()
}

func (p Param) fingerprint(fp *fingerprinter) { fp.write("param:"); fp.write(p.Name) }

// FuncKind enumerates the builtin scalar functions.
type FuncKind int

const (
	FuncEq FuncKind = iota
	FuncNeq
	FuncGt
	FuncGte
	FuncLt
	FuncLte
	FuncAnd
	FuncOr
	FuncNot
	FuncIn
	FuncIsNull
	FuncIsUndefined
	FuncConcat
	FuncAdd
	FuncSub
)

// Func applies a builtin function to its arguments.
type Func struct {
	Kind FuncKind
	Args []Expr
}

func (f Func) fingerprint(fp *fingerprinter) {
	fp.write("fn:")
	fp.writeInt(int(f.Kind))
	for _, a := range f.Args {
		a.fingerprint(fp)
	}
}

func (f Func) Eval(row rowvalue.Row) rowvalue.Value {
	switch f.Kind {
	case FuncAnd:
		for _, a := range f.Args {
			if !truthy(a.Eval(row)) {
				return rowvalue.Bool(false)
			}
		}
		return rowvalue.Bool(true)
	case FuncOr:
		for _, a := range f.Args {
			if truthy(a.Eval(row)) {
				return rowvalue.Bool(true)
			}
		}
		return rowvalue.Bool(false)
	case FuncNot:
		return rowvalue.Bool(!truthy(f.arg(row, 0)))
	case FuncIsNull:
		return rowvalue.Bool(f.arg(row, 0).Kind() == rowvalue.KindNull)
	case FuncIsUndefined:
		return rowvalue.Bool(f.arg(row, 0).Kind() == rowvalue.KindUndefined)
	case FuncEq:
		return rowvalue.Bool(rowvalue.Equal(f.arg(row, 0), f.arg(row, 1)))
	case FuncNeq:
		return rowvalue.Bool(!rowvalue.Equal(f.arg(row, 0), f.arg(row, 1)))
	case FuncGt:
		return rowvalue.Bool(rowvalue.Compare(f.arg(row, 0), f.arg(row, 1)) > 0)
	case FuncGte:
		return rowvalue.Bool(rowvalue.Compare(f.arg(row, 0), f.arg(row, 1)) >= 0)
	case FuncLt:
		return rowvalue.Bool(rowvalue.Compare(f.arg(row, 0), f.arg(row, 1)) < 0)
	case FuncLte:
		return rowvalue.Bool(rowvalue.Compare(f.arg(row, 0), f.arg(row, 1)) <= 0)
	case FuncIn:
		needle := f.arg(row, 0)
		for _, a := range f.Args[1:] {
			if rowvalue.Equal(needle, a.Eval(row)) {
				return rowvalue.Bool(true)
			}
		}
		return rowvalue.Bool(false)
	case FuncConcat:
		out := ""
		for _, a := range f.Args {
			out += a.Eval(row).String()
		}
		return rowvalue.String(out)
	case FuncAdd:
		return rowvalue.Float(f.arg(row, 0).Float64() + f.arg(row, 1).Float64())
	case FuncSub:
		return rowvalue.Float(f.arg(row, 0).Float64() - f.arg(row, 1).Float64())
	default:
		return rowvalue.Undefined()
	}
}

func (f Func) arg(row rowvalue.Row, i int) rowvalue.Value {
	if i >= len(f.Args) {
		return rowvalue.Undefined()
	}
	return f.Args[i].Eval(row)
}

func truthy(v rowvalue.Value) bool {
	switch v.Kind() {
	case rowvalue.KindBool:
		return v.Bool()
	case rowvalue.KindUndefined, rowvalue.KindNull:
		return false
	default:
		return true
	}
}

// AggKind enumerates the builtin aggregates used by reduce operators.
type AggKind int

const (
	AggCount AggKind = iota
	AggSum
	AggMin
	AggMax
	AggFirst
)

// Agg describes one aggregate over a grouped input, e.g. Agg{Kind: AggSum,
// Of: Ref{"amount"}}.
type Agg struct {
	Kind AggKind
	Of   Expr
}

func (a Agg) fingerprint(fp *fingerprinter) {
	fp.write("agg:")
	fp.writeInt(int(a.Kind))
	if a.Of != nil {
		a.Of.fingerprint(fp)
	}
}

// Eval is not meaningful for Agg against a single row; aggregates are
// computed by pkg/planner's GroupAcc, which evaluates Of over every
// member row of a group instead of calling Eval directly.
func (a Agg) Eval(row rowvalue.Row) rowvalue.Value { return rowvalue.Undefined() }
