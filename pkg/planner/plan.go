// Package planner lowers a query.Query into the pieces a live-query
// coordinator drives directly, per spec.md §4.3's compilation steps:
// bind the from/join sources, insert the predicate, insert the
// group/aggregate stage with its having-predicate, insert the
// select/spread projection, insert distinct, and insert the
// orderBy/limit/offset window. Nothing here talks to a running
// collection beyond resolving names through a Registry: the actual
// incremental execution lives in pkg/livequery, which consumes a Plan the
// way it already consumed a bare filter/project pair.
package planner

import (
	"fmt"

	"github.com/block/reactivedb/pkg/collection"
	"github.com/block/reactivedb/pkg/dataflow"
	"github.com/block/reactivedb/pkg/expr"
	"github.com/block/reactivedb/pkg/query"
	"github.com/block/reactivedb/pkg/rdberrors"
	"github.com/block/reactivedb/pkg/rowvalue"
)

// RowSource is the uniform shape every compiled query runs against: rows
// keyed by their source collection's own string identity. Typed
// collections reach this shape by wrapping a *collection.Collection (or
// another Like) in a livequery.Coordinator that projects via RowOf,
// exactly the adapter the bare filter/project path already uses.
type RowSource = collection.Like[string, rowvalue.Row]

// Registry resolves a collection name (Query.From or a JoinClause.With)
// to the row source it names.
type Registry func(name string) (RowSource, bool)

// JoinStage is one compiled join step. The join itself always matches by
// shared primary key — this engine's collections are joined by identity,
// the same assumption dataflow.JoinOp and livequery.JoinView already
// make — so On is a residual predicate evaluated over the row merged so
// far, narrowing a key match rather than selecting the join key.
type JoinStage struct {
	Name string
	With RowSource
	Kind dataflow.JoinKind
	On   expr.Evaluator
}

// OrderTerm is one compiled ORDER BY term.
type OrderTerm struct {
	Eval expr.Evaluator
	Desc bool
}

// Plan is query.Query lowered into resolved sources and compiled
// evaluators.
type Plan struct {
	Query       query.Query
	Fingerprint uint64
	Poolable    bool

	From  RowSource
	Joins []JoinStage

	Where expr.Evaluator

	GroupBy    []expr.Evaluator
	Aggregates map[string]expr.Agg
	Having     expr.Evaluator

	Select   map[string]expr.Evaluator
	Spread   bool
	Distinct bool

	OrderBy []OrderTerm
	Limit   int
	Offset  int

	SingleOnly bool
}

func compileOptional(e expr.Expr) expr.Evaluator {
	if e == nil {
		return nil
	}
	return expr.Compile(e)
}

// Compile lowers q into a Plan, resolving From and every join source
// through registry. It fails if any named source is unknown.
func Compile(q query.Query, registry Registry) (*Plan, error) {
	from, ok := registry(q.From)
	if !ok {
		return nil, rdberrors.NewInvalidSourceError(fmt.Sprintf("planner: unknown source %q", q.From))
	}

	joins := make([]JoinStage, 0, len(q.Joins))
	for _, j := range q.Joins {
		with, ok := registry(j.With)
		if !ok {
			return nil, rdberrors.NewInvalidSourceError(fmt.Sprintf("planner: unknown join source %q", j.With))
		}
		joins = append(joins, JoinStage{
			Name: j.With,
			With: with,
			Kind: dataflow.JoinKind(j.Kind),
			On:   compileOptional(j.On),
		})
	}

	groupBy := make([]expr.Evaluator, len(q.GroupBy))
	for i, g := range q.GroupBy {
		groupBy[i] = expr.Compile(g)
	}

	selectEvals := map[string]expr.Evaluator{}
	aggregates := map[string]expr.Agg{}
	spread := q.Select == nil
	for name, e := range q.Select {
		if name == query.Spread {
			spread = true
			continue
		}
		if agg, ok := e.(expr.Agg); ok {
			aggregates[name] = agg
			continue
		}
		selectEvals[name] = expr.Compile(e)
	}

	orderBy := make([]OrderTerm, 0, len(q.OrderBy))
	for _, o := range q.OrderBy {
		orderBy = append(orderBy, OrderTerm{Eval: expr.Compile(o.By), Desc: o.Desc})
	}

	return &Plan{
		Query:       q,
		Fingerprint: query.Fingerprint(q),
		Poolable:    query.Poolable(q),
		From:        from,
		Joins:       joins,
		Where:       compileOptional(q.Where),
		GroupBy:     groupBy,
		Aggregates:  aggregates,
		Having:      compileOptional(q.Having),
		Select:      selectEvals,
		Spread:      spread,
		Distinct:    q.Distinct,
		OrderBy:     orderBy,
		Limit:       q.Limit,
		Offset:      q.Offset,
		SingleOnly:  q.SingleOnly,
	}, nil
}

// Less returns the compiled ORDER BY comparator, or nil if the query
// specifies no ordering.
func (p *Plan) Less() func(a, b rowvalue.Row) bool {
	if len(p.OrderBy) == 0 {
		return nil
	}
	terms := p.OrderBy
	return func(a, b rowvalue.Row) bool {
		for _, t := range terms {
			cmp := rowvalue.Compare(t.Eval(a), t.Eval(b))
			if cmp == 0 {
				continue
			}
			if t.Desc {
				return cmp > 0
			}
			return cmp < 0
		}
		return false
	}
}

// Windowed reports whether the plan needs a topK stage at all: an
// explicit order, limit, or offset.
func (p *Plan) Windowed() bool { return len(p.OrderBy) > 0 || p.Limit > 0 || p.Offset > 0 }

// HasGroupBy reports whether rows are folded into groups before Having
// and Select run.
func (p *Plan) HasGroupBy() bool { return len(p.GroupBy) > 0 }

// GroupKey derives a row's group identity by evaluating every GroupBy
// expression and concatenating their sort keys — the same encoding
// rowvalue.SortKey already gives the index subsystem and the query
// pool's ParamKey, so group, parameter, and index keys never disagree on
// what "the same value" means.
func (p *Plan) GroupKey(row rowvalue.Row) string {
	key := ""
	for _, eval := range p.GroupBy {
		key += rowvalue.SortKey(eval(row)) + "\x1f"
	}
	return key
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

// ApplyWhere reports whether row (already augmented with any "$"-prefixed
// parameter bindings) satisfies the predicate: the compiled Where, if
// any, and the FnWhere escape hatch, if set. FnWhere closes over
// arbitrary Go state a fingerprint can't see, so it is always evaluated
// in addition to Where, never counted toward poolability.
func (p *Plan) ApplyWhere(row rowvalue.Row) bool {
	if p.Where != nil && !truthy(p.Where(row)) {
		return false
	}
	if p.Query.FnWhere != nil && !p.Query.FnWhere(row) {
		return false
	}
	return true
}

// ApplyHaving reports whether a grouped row satisfies Having, which is
// absent for ungrouped queries.
func (p *Plan) ApplyHaving(row rowvalue.Row) bool {
	if p.Having == nil {
		return true
	}
	return truthy(p.Having(row))
}

// HasAggregates reports whether the projection names at least one
// aggregate.
func (p *Plan) HasAggregates() bool { return len(p.Aggregates) > 0 }

// ApplySelect projects row into its output shape: Spread copies every
// source field first, then named Select expressions are evaluated and
// laid on top, so an explicit field always wins over a spread one, per
// spec.md §4.3's select/spread handling step. Aggregate fields are
// already baked into row, under their Select-assigned names, by the
// group stage's GroupAcc.Row by the time this runs, so they are carried
// through even though they have no entry in p.Select (aggregates were
// split out of it during Compile).
func (p *Plan) ApplySelect(row rowvalue.Row) rowvalue.Row {
	if len(p.Select) == 0 && len(p.Aggregates) == 0 && !p.Spread {
		return row
	}
	out := rowvalue.Row{}
	if p.Spread {
		for k, v := range row {
			out[k] = v
		}
	}
	for name := range p.Aggregates {
		out[name] = row[name]
	}
	for name, eval := range p.Select {
		out[name] = eval(row)
	}
	return out
}

// WithBindings returns a copy of row with each binding injected under its
// "$"-prefixed parameter name, the convention expr.Param reads from
// (pkg/expr's Param.Eval). Queries with no bindings get row back
// unmodified.
func WithBindings(row rowvalue.Row, bindings map[string]rowvalue.Value) rowvalue.Row {
	if len(bindings) == 0 {
		return row
	}
	out := make(rowvalue.Row, len(row)+len(bindings))
	for k, v := range row {
		out[k] = v
	}
	for name, v := range bindings {
		out["$"+name] = v
	}
	return out
}

// EqualityHint extracts a (field, value) pair worth probing an index
// with, if Where is - or contains, under a top-level AND - an equality
// clause between a Ref and either a literal or a bound Param. This is the
// same conjunction-of-equalities shape query.Poolable requires, used here
// to let the live-query coordinator call index.Lookup with a bounded key
// set instead of a full scan when materializing a query's initial state
// (spec.md §4.4, §4.5).
func (p *Plan) EqualityHint(bindings map[string]rowvalue.Value) (field string, value rowvalue.Value, ok bool) {
	return equalityHint(p.Query.Where, bindings)
}

func equalityHint(e expr.Expr, bindings map[string]rowvalue.Value) (string, rowvalue.Value, bool) {
	f, ok := e.(expr.Func)
	if !ok {
		return "", rowvalue.Undefined(), false
	}
	switch f.Kind {
	case expr.FuncAnd:
		for _, a := range f.Args {
			if field, val, ok := equalityHint(a, bindings); ok {
				return field, val, true
			}
		}
		return "", rowvalue.Undefined(), false
	case expr.FuncEq:
		if len(f.Args) != 2 {
			return "", rowvalue.Undefined(), false
		}
		ref, other := f.Args[0], f.Args[1]
		r, isRef := ref.(expr.Ref)
		if !isRef {
			r, isRef = other.(expr.Ref)
			other = f.Args[0]
		}
		if !isRef {
			return "", rowvalue.Undefined(), false
		}
		switch v := other.(type) {
		case expr.Val:
			return r.Path, v.Value, true
		case expr.Param:
			if bound, ok := bindings[v.Name]; ok {
				return r.Path, bound, true
			}
		}
		return "", rowvalue.Undefined(), false
	default:
		return "", rowvalue.Undefined(), false
	}
}

// GroupAcc is the per-group accumulator folded by pkg/livequery's group
// stage (QueryView.applyGroup), not by dataflow.ReduceOp: the
// full set of member rows currently in the group (keyed by their own row
// identity, so a retraction can remove exactly one occurrence) and the
// aggregate values recomputed from that set. Retaining every member
// mirors dataflow's TopKState precedent for delete-on-evict: Min/Max
// can't be retracted incrementally without either this or a full
// collection rescan.
type GroupAcc struct {
	Members map[string]rowvalue.Row
	Values  map[string]rowvalue.Value
}

// Apply folds one more +/- weighted member into the group.
func (a GroupAcc) Apply(memberID string, row rowvalue.Row, mult int, aggs map[string]expr.Agg) GroupAcc {
	members := make(map[string]rowvalue.Row, len(a.Members)+1)
	for k, v := range a.Members {
		members[k] = v
	}
	if mult > 0 {
		members[memberID] = row
	} else {
		delete(members, memberID)
	}
	return GroupAcc{Members: members, Values: computeAggregates(aggs, members)}
}

// Row rebuilds the row a grouped output is judged against by Having and
// Select: every member's raw fields (so a non-aggregated, grouped field
// such as the groupBy key itself is still readable), overlaid with the
// group's current aggregate values under their Select-assigned names.
func (a GroupAcc) Row() rowvalue.Row {
	out := rowvalue.Row{}
	for _, row := range a.Members {
		for k, v := range row {
			out[k] = v
		}
	}
	for name, v := range a.Values {
		out[name] = v
	}
	return out
}

func computeAggregates(aggs map[string]expr.Agg, members map[string]rowvalue.Row) map[string]rowvalue.Value {
	if len(aggs) == 0 {
		return nil
	}
	out := make(map[string]rowvalue.Value, len(aggs))
	for name, agg := range aggs {
		var of expr.Evaluator
		if agg.Of != nil {
			of = expr.Compile(agg.Of)
		}
		switch agg.Kind {
		case expr.AggCount:
			out[name] = rowvalue.Int(int64(len(members)))
		case expr.AggSum:
			var sum float64
			for _, row := range members {
				if of != nil {
					sum += of(row).Float64()
				}
			}
			out[name] = rowvalue.Float(sum)
		case expr.AggMin, expr.AggMax:
			var cur rowvalue.Value
			first := true
			for _, row := range members {
				if of == nil {
					continue
				}
				v := of(row)
				if first {
					cur, first = v, false
					continue
				}
				cmp := rowvalue.Compare(v, cur)
				if (agg.Kind == expr.AggMin && cmp < 0) || (agg.Kind == expr.AggMax && cmp > 0) {
					cur = v
				}
			}
			if first {
				cur = rowvalue.Undefined()
			}
			out[name] = cur
		case expr.AggFirst:
			out[name] = rowvalue.Undefined()
			for _, row := range members {
				if of != nil {
					out[name] = of(row)
				}
				break
			}
		default:
			out[name] = rowvalue.Undefined()
		}
	}
	return out
}
