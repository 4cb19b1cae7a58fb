package planner

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/block/reactivedb/pkg/change"
	"github.com/block/reactivedb/pkg/collection"
	"github.com/block/reactivedb/pkg/expr"
	"github.com/block/reactivedb/pkg/query"
	"github.com/block/reactivedb/pkg/rowvalue"
)

// fakeRowSource is a minimal collection.Like[string, rowvalue.Row] a Plan
// can resolve a Registry name to, without pulling in a real Collection.
type fakeRowSource struct {
	mu      sync.Mutex
	entries map[string]rowvalue.Row
}

func newFakeRowSource(seed map[string]rowvalue.Row) *fakeRowSource {
	f := &fakeRowSource{entries: make(map[string]rowvalue.Row)}
	for k, v := range seed {
		f.entries[k] = v
	}
	return f
}

func (f *fakeRowSource) Get(k string) (rowvalue.Row, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.entries[k]
	return v, ok
}
func (f *fakeRowSource) Has(k string) bool { _, ok := f.Get(k); return ok }
func (f *fakeRowSource) Entries() map[string]rowvalue.Row {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]rowvalue.Row, len(f.entries))
	for k, v := range f.entries {
		out[k] = v
	}
	return out
}
func (f *fakeRowSource) Size() int { f.mu.Lock(); defer f.mu.Unlock(); return len(f.entries) }
func (f *fakeRowSource) Status() collection.Status       { return collection.StatusReady }
func (f *fakeRowSource) StartSync(ctx context.Context) error { return nil }
func (f *fakeRowSource) Cleanup()                        {}
func (f *fakeRowSource) SubscribeChanges(cb func([]change.Change[string, rowvalue.Row]), opts collection.SubscribeOptions) collection.Unsubscribe {
	return func() {}
}

func registryOf(sources map[string]RowSource) Registry {
	return func(name string) (RowSource, bool) {
		s, ok := sources[name]
		return s, ok
	}
}

func TestCompileResolvesFromAndJoinSources(t *testing.T) {
	orders := newFakeRowSource(nil)
	customers := newFakeRowSource(nil)
	reg := registryOf(map[string]RowSource{"orders": orders, "customers": customers})

	q := query.From("orders").Join("customers", nil, 0).Build()
	plan, err := Compile(q, reg)
	require.NoError(t, err)
	assert.Same(t, orders, plan.From)
	require.Len(t, plan.Joins, 1)
	assert.Equal(t, "customers", plan.Joins[0].Name)
}

func TestCompileFailsOnUnknownSource(t *testing.T) {
	reg := registryOf(map[string]RowSource{})
	_, err := Compile(query.From("orders").Build(), reg)
	assert.Error(t, err)

	reg2 := registryOf(map[string]RowSource{"orders": newFakeRowSource(nil)})
	_, err = Compile(query.From("orders").Join("missing", nil, 0).Build(), reg2)
	assert.Error(t, err)
}

func TestPlanGroupKeyConcatenatesGroupByExpressions(t *testing.T) {
	reg := registryOf(map[string]RowSource{"orders": newFakeRowSource(nil)})
	q := query.From("orders").GroupBy(expr.Ref{Path: "status"}).GroupBy(expr.Ref{Path: "region"}).Build()
	plan, err := Compile(q, reg)
	require.NoError(t, err)

	a := plan.GroupKey(rowvalue.Row{"status": rowvalue.String("open"), "region": rowvalue.String("west")})
	b := plan.GroupKey(rowvalue.Row{"status": rowvalue.String("open"), "region": rowvalue.String("east")})
	c := plan.GroupKey(rowvalue.Row{"status": rowvalue.String("open"), "region": rowvalue.String("west")})
	assert.NotEqual(t, a, b)
	assert.Equal(t, a, c)
	assert.True(t, plan.HasGroupBy())
}

func TestPlanApplySelectSpreadThenOverride(t *testing.T) {
	reg := registryOf(map[string]RowSource{"orders": newFakeRowSource(nil)})
	q := query.From("orders").Select(map[string]expr.Expr{
		query.Spread: nil,
		"status":     expr.Val{Value: rowvalue.String("overridden")},
	}).Build()
	plan, err := Compile(q, reg)
	require.NoError(t, err)

	row := rowvalue.Row{"id": rowvalue.Int(1), "status": rowvalue.String("open")}
	out := plan.ApplySelect(row)
	assert.Equal(t, rowvalue.Int(1), out["id"])
	assert.Equal(t, rowvalue.String("overridden"), out["status"])
}

func TestPlanApplySelectNilSelectReturnsRowUnchanged(t *testing.T) {
	reg := registryOf(map[string]RowSource{"orders": newFakeRowSource(nil)})
	plan, err := Compile(query.From("orders").Build(), reg)
	require.NoError(t, err)
	row := rowvalue.Row{"id": rowvalue.Int(1)}
	assert.Equal(t, row, plan.ApplySelect(row))
}

func TestPlanApplyWhereCombinesCompiledAndFnWhere(t *testing.T) {
	reg := registryOf(map[string]RowSource{"orders": newFakeRowSource(nil)})
	q := query.From("orders").Where(expr.Func{Kind: expr.FuncEq, Args: []expr.Expr{expr.Ref{Path: "status"}, expr.Val{Value: rowvalue.String("open")}}}).Build()
	q.FnWhere = func(r rowvalue.Row) bool { return r["amount"].Float64() > 10 }
	plan, err := Compile(q, reg)
	require.NoError(t, err)

	assert.True(t, plan.ApplyWhere(rowvalue.Row{"status": rowvalue.String("open"), "amount": rowvalue.Int(20)}))
	assert.False(t, plan.ApplyWhere(rowvalue.Row{"status": rowvalue.String("closed"), "amount": rowvalue.Int(20)}), "compiled Where still applies")
	assert.False(t, plan.ApplyWhere(rowvalue.Row{"status": rowvalue.String("open"), "amount": rowvalue.Int(1)}), "FnWhere still applies")
}

func TestPlanEqualityHintExtractsRefAndBoundParam(t *testing.T) {
	reg := registryOf(map[string]RowSource{"orders": newFakeRowSource(nil)})
	q := query.From("orders").Where(expr.Func{Kind: expr.FuncEq, Args: []expr.Expr{expr.Ref{Path: "status"}, expr.Param{Name: "want"}}}).Build()
	plan, err := Compile(q, reg)
	require.NoError(t, err)

	field, value, ok := plan.EqualityHint(map[string]rowvalue.Value{"want": rowvalue.String("open")})
	require.True(t, ok)
	assert.Equal(t, "status", field)
	assert.Equal(t, rowvalue.String("open"), value)

	_, _, ok = plan.EqualityHint(nil)
	assert.False(t, ok, "an unbound parameter yields no hint")
}

func TestPlanEqualityHintAbsentForNonEqualityWhere(t *testing.T) {
	reg := registryOf(map[string]RowSource{"orders": newFakeRowSource(nil)})
	q := query.From("orders").Where(expr.Func{Kind: expr.FuncGt, Args: []expr.Expr{expr.Ref{Path: "age"}, expr.Val{Value: rowvalue.Int(18)}}}).Build()
	plan, err := Compile(q, reg)
	require.NoError(t, err)
	_, _, ok := plan.EqualityHint(nil)
	assert.False(t, ok)
}

func TestPlanPoolableMirrorsQueryPoolable(t *testing.T) {
	reg := registryOf(map[string]RowSource{"orders": newFakeRowSource(nil)})
	eq := query.From("orders").Where(expr.Func{Kind: expr.FuncEq, Args: []expr.Expr{expr.Ref{Path: "status"}, expr.Val{Value: rowvalue.String("open")}}}).Build()
	plan, err := Compile(eq, reg)
	require.NoError(t, err)
	assert.True(t, plan.Poolable)

	grouped := query.From("orders").GroupBy(expr.Ref{Path: "status"}).Build()
	plan2, err := Compile(grouped, reg)
	require.NoError(t, err)
	assert.False(t, plan2.Poolable)
}

func TestGroupAccApplyTracksCountSumAndMembers(t *testing.T) {
	aggs := map[string]expr.Agg{
		"total": {Kind: expr.AggSum, Of: expr.Ref{Path: "amount"}},
		"n":     {Kind: expr.AggCount},
	}
	acc := GroupAcc{}
	acc = acc.Apply("a", rowvalue.Row{"amount": rowvalue.Int(10)}, 1, aggs)
	acc = acc.Apply("b", rowvalue.Row{"amount": rowvalue.Int(5)}, 1, aggs)
	row := acc.Row()
	assert.Equal(t, int64(2), row["n"].Number().IntPart())
	assert.InDelta(t, 15.0, row["total"].Float64(), 0.0001)

	acc = acc.Apply("a", rowvalue.Row{"amount": rowvalue.Int(10)}, -1, aggs)
	row = acc.Row()
	assert.Equal(t, int64(1), row["n"].Number().IntPart())
	assert.InDelta(t, 5.0, row["total"].Float64(), 0.0001)
}

func TestPlanLessOrdersByOrderByTerms(t *testing.T) {
	reg := registryOf(map[string]RowSource{"orders": newFakeRowSource(nil)})
	q := query.From("orders").OrderByDesc(expr.Ref{Path: "amount"}).Build()
	plan, err := Compile(q, reg)
	require.NoError(t, err)
	less := plan.Less()
	require.NotNil(t, less)
	a := rowvalue.Row{"amount": rowvalue.Int(10)}
	b := rowvalue.Row{"amount": rowvalue.Int(20)}
	assert.True(t, less(b, a), "descending order ranks the larger amount first")
	assert.True(t, plan.Windowed())
}

func TestPlanWithBindingsInjectsDollarPrefixedParams(t *testing.T) {
	row := rowvalue.Row{"id": rowvalue.Int(1)}
	bound := WithBindings(row, map[string]rowvalue.Value{"status": rowvalue.String("open")})
	assert.Equal(t, rowvalue.String("open"), bound["$status"])
	assert.Equal(t, rowvalue.Int(1), bound["id"])
	assert.NotContains(t, row, "$status", "WithBindings must not mutate its input")
}
