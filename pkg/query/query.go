// Package query defines the typed query builder and the query pool that
// caches compiled dataflow graphs by structural fingerprint (spec.md §5,
// §5.3). There is no SQL surface: callers construct a Query value
// directly, or through the fluent builder in this package.
package query

import (
	"github.com/block/reactivedb/pkg/expr"
	"github.com/block/reactivedb/pkg/rowvalue"
)

// JoinClause describes one join against another named collection.
type JoinClause struct {
	With string // collection ID
	On   expr.Expr
	Kind int // mirrors dataflow.JoinKind; kept as int to avoid an import cycle
}

// OrderTerm is one ORDER BY-equivalent term.
type OrderTerm struct {
	By   expr.Expr
	Desc bool
}

// Spread is a reserved Select key: its presence means "also project
// every field of the source row," with any other named Select entries
// layered on top (added or overriding), per spec.md §4.3's select/spread
// handling step. The mapped expr.Expr is ignored; only the key matters.
const Spread = "..."

// Query is the relational-algebra IR a compiled view is built from:
// a source collection, zero or more joins, an optional predicate, an
// optional group/aggregate stage with its own having-predicate, an
// optional projection, distinctness, ordering, and a row window.
type Query struct {
	From    string
	Joins   []JoinClause
	Where   expr.Expr
	FnWhere func(rowvalue.Row) bool // escape hatch for predicates the expr IR can't express; never pooled

	GroupBy []expr.Expr // grouping key expressions; empty means no grouping
	Having  expr.Expr   // evaluated against the grouped row, after aggregation

	Select   map[string]expr.Expr // nil means "project the whole row"; may include Spread
	Distinct bool

	OrderBy []OrderTerm
	Limit   int // 0 means unlimited
	Offset  int // rows to skip, after ordering, before Limit applies

	SingleOnly bool // findOne-style: at most one result row
}

// Builder assembles a Query fluently, e.g.
//
//	q := query.From("orders").
//	        Where(expr.Func{Kind: expr.FuncEq, Args: []expr.Expr{expr.Ref{"status"}, expr.Val{rowvalue.String("open")}}}).
//	        OrderByDesc(expr.Ref{"createdAt"}).
//	        Limit(20).
//	        Build()
type Builder struct{ q Query }

func From(collectionID string) *Builder { return &Builder{q: Query{From: collectionID}} }

func (b *Builder) Where(e expr.Expr) *Builder { b.q.Where = e; return b }

func (b *Builder) Join(with string, on expr.Expr, kind int) *Builder {
	b.q.Joins = append(b.q.Joins, JoinClause{With: with, On: on, Kind: kind})
	return b
}

func (b *Builder) Select(fields map[string]expr.Expr) *Builder { b.q.Select = fields; return b }

// GroupBy appends one grouping key expression; rows sharing the same
// evaluated tuple across all GroupBy expressions form one group.
func (b *Builder) GroupBy(e expr.Expr) *Builder {
	b.q.GroupBy = append(b.q.GroupBy, e)
	return b
}

// Having sets the post-aggregation predicate, evaluated against the
// grouped (and Select-projected) row rather than the source row.
func (b *Builder) Having(e expr.Expr) *Builder { b.q.Having = e; return b }

func (b *Builder) DistinctRows() *Builder { b.q.Distinct = true; return b }

func (b *Builder) OrderBy(e expr.Expr) *Builder {
	b.q.OrderBy = append(b.q.OrderBy, OrderTerm{By: e})
	return b
}

func (b *Builder) OrderByDesc(e expr.Expr) *Builder {
	b.q.OrderBy = append(b.q.OrderBy, OrderTerm{By: e, Desc: true})
	return b
}

func (b *Builder) Limit(n int) *Builder { b.q.Limit = n; return b }

func (b *Builder) Offset(n int) *Builder { b.q.Offset = n; return b }

func (b *Builder) FindOne() *Builder { b.q.SingleOnly = true; b.q.Limit = 1; return b }

func (b *Builder) Build() Query { return b.q }
