package query

import (
	"sort"
	"strconv"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/block/reactivedb/pkg/expr"
	"github.com/block/reactivedb/pkg/rowvalue"
)

// Fingerprint returns a structural hash of q that ignores literal values
// carried by expr.Val nodes, so two queries that differ only in a bound
// constant compile to the same plan shape and can share a pooled graph.
func Fingerprint(q Query) uint64 {
	h := xxhash.New()
	write := func(s string) { _, _ = h.WriteString(s); _, _ = h.Write([]byte{0}) }
	writeExpr := func(e expr.Expr) {
		if e == nil {
			write("nil")
			return
		}
		write(exprShape(e))
	}

	write("from:")
	write(q.From)
	for _, j := range q.Joins {
		write("join:")
		write(j.With)
		write(exprShape(j.On))
		write(strconv.Itoa(j.Kind))
	}
	write("where:")
	writeExpr(q.Where)
	write("fnwhere:")
	write(strconv.FormatBool(q.FnWhere != nil))

	// GroupBy keys contribute in the order given: "group by a, b" and
	// "group by b, a" are different plan shapes even if Fingerprint-equal
	// sets of keys.
	write("groupby:")
	for _, g := range q.GroupBy {
		writeExpr(g)
	}
	write("having:")
	writeExpr(q.Having)

	if q.Select == nil {
		write("select:*")
	} else {
		names := make([]string, 0, len(q.Select))
		for name := range q.Select {
			names = append(names, name)
		}
		sort.Strings(names)
		write("select:")
		for _, name := range names {
			write(name)
			writeExpr(q.Select[name])
		}
	}
	write("distinct:")
	write(strconv.FormatBool(q.Distinct))

	for _, o := range q.OrderBy {
		write("order:")
		writeExpr(o.By)
		write(strconv.FormatBool(o.Desc))
	}
	write("limit:")
	write(strconv.Itoa(q.Limit))
	write("offset:")
	write(strconv.Itoa(q.Offset))
	write("single:")
	write(strconv.FormatBool(q.SingleOnly))
	return h.Sum64()
}

// Poolable reports whether q's compiled graph can be shared across
// invocations differing only in parameter values: spec.md §9's
// poolability predicate restricts this to queries with no grouping, no
// escape-hatch FnWhere (which closes over arbitrary Go values a
// fingerprint can't see), and a Where clause that is either absent or a
// flat conjunction of equality comparisons against a literal or a named
// parameter. Anything wider (OR, range comparisons, nested functions)
// compiles fresh per call site instead of risking two differently
// filtered result sets sharing one graph.
func Poolable(q Query) bool {
	if q.FnWhere != nil || len(q.GroupBy) > 0 || q.Having != nil {
		return false
	}
	return poolableWhere(q.Where)
}

func poolableWhere(e expr.Expr) bool {
	if e == nil {
		return true
	}
	f, ok := e.(expr.Func)
	if !ok {
		return false
	}
	switch f.Kind {
	case expr.FuncAnd:
		for _, a := range f.Args {
			if !poolableWhere(a) {
				return false
			}
		}
		return true
	case expr.FuncEq:
		return len(f.Args) == 2 && isRefOrConst(f.Args[0]) && isRefOrConst(f.Args[1]) &&
			(isRef(f.Args[0]) != isRef(f.Args[1]))
	default:
		return false
	}
}

func isRef(e expr.Expr) bool { _, ok := e.(expr.Ref); return ok }

func isRefOrConst(e expr.Expr) bool {
	switch e.(type) {
	case expr.Ref, expr.Val, expr.Param:
		return true
	default:
		return false
	}
}

// exprShape delegates to expr's own fingerprint so that a query's literal
// values never influence its pool key, only its shape.
func exprShape(e expr.Expr) string {
	return strconv.FormatUint(expr.Fingerprint(e), 16)
}

// ParamKey extracts a stable key from a query's parameter bindings
// (values referenced through expr.Param), using rowvalue's own SortKey so
// it and the hash index never disagree on whether two bindings are the
// same key (spec.md §9's open note on createParameterKeyExtractor). Pool
// does not call ParamKey: its entries are keyed by Fingerprint alone.
func ParamKey(bindings map[string]rowvalue.Value) string {
	names := make([]string, 0, len(bindings))
	for name := range bindings {
		names = append(names, name)
	}
	sort.Strings(names)
	key := ""
	for _, name := range names {
		key += name + "=" + rowvalue.SortKey(bindings[name]) + "&"
	}
	return key
}

// Entry is one pooled compiled graph, reference-counted across the live
// queries currently sharing it.
type Entry struct {
	Fingerprint uint64
	Graph       any // livequery's *joinedSource, populated by pkg/livequery to avoid an import cycle
	RefCount    int
}

// Pool caches compiled graphs by structural fingerprint so that
// structurally identical queries - including ones differing only by
// parameter value - reuse one dataflow graph instead of recompiling and
// re-subscribing per call site (spec.md §5.3).
type Pool struct {
	mu      sync.Mutex
	entries map[uint64]*Entry
}

func NewPool() *Pool { return &Pool{entries: make(map[uint64]*Entry)} }

// Acquire returns the pooled entry for q's fingerprint, creating it via
// build if this is the first reference. The caller must call Release
// exactly once per Acquire.
func (p *Pool) Acquire(q Query, build func() any) *Entry {
	fp := Fingerprint(q)
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[fp]
	if !ok {
		e = &Entry{Fingerprint: fp, Graph: build()}
		p.entries[fp] = e
	}
	e.RefCount++
	return e
}

// Release drops one reference to the entry for q, tearing it down (via
// teardown) once nothing else is using it.
func (p *Pool) Release(q Query, teardown func(graph any)) {
	fp := Fingerprint(q)
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[fp]
	if !ok {
		return
	}
	e.RefCount--
	if e.RefCount <= 0 {
		delete(p.entries, fp)
		if teardown != nil {
			teardown(e.Graph)
		}
	}
}
