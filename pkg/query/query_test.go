package query

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/block/reactivedb/pkg/expr"
	"github.com/block/reactivedb/pkg/rowvalue"
)

func ageEq(n int64) expr.Expr {
	return expr.Func{Kind: expr.FuncEq, Args: []expr.Expr{expr.Ref{Path: "age"}, expr.Val{Value: rowvalue.Int(n)}}}
}

func TestBuilderProducesExpectedQuery(t *testing.T) {
	q := From("orders").
		Where(ageEq(30)).
		Join("customers", expr.Ref{Path: "customerId"}, 0).
		OrderByDesc(expr.Ref{Path: "createdAt"}).
		Limit(20).
		Build()

	assert.Equal(t, "orders", q.From)
	assert.NotNil(t, q.Where)
	assert.Len(t, q.Joins, 1)
	assert.Equal(t, "customers", q.Joins[0].With)
	assert.Len(t, q.OrderBy, 1)
	assert.True(t, q.OrderBy[0].Desc)
	assert.Equal(t, 20, q.Limit)
	assert.False(t, q.SingleOnly)
}

func TestFindOneSetsSingleOnlyAndLimitOne(t *testing.T) {
	q := From("orders").FindOne().Build()
	assert.True(t, q.SingleOnly)
	assert.Equal(t, 1, q.Limit)
}

func TestFingerprintStableAcrossLiteralChange(t *testing.T) {
	a := From("orders").Where(ageEq(30)).Build()
	b := From("orders").Where(ageEq(999)).Build()
	assert.Equal(t, Fingerprint(a), Fingerprint(b))
}

func TestFingerprintChangesWithDifferentFrom(t *testing.T) {
	a := From("orders").Where(ageEq(30)).Build()
	b := From("customers").Where(ageEq(30)).Build()
	assert.NotEqual(t, Fingerprint(a), Fingerprint(b))
}

func TestFingerprintChangesWithDifferentPredicate(t *testing.T) {
	a := From("orders").Where(ageEq(30)).Build()
	b := From("orders").Where(expr.Func{Kind: expr.FuncGt, Args: []expr.Expr{expr.Ref{Path: "age"}, expr.Val{Value: rowvalue.Int(30)}}}).Build()
	assert.NotEqual(t, Fingerprint(a), Fingerprint(b))
}

func TestFingerprintChangesWithDifferentSelectFields(t *testing.T) {
	a := From("orders").Select(map[string]expr.Expr{"id": expr.Ref{Path: "id"}}).Build()
	b := From("orders").Select(map[string]expr.Expr{"id": expr.Ref{Path: "id"}, "name": expr.Ref{Path: "name"}}).Build()
	assert.NotEqual(t, Fingerprint(a), Fingerprint(b))
}

func TestFingerprintNilSelectMeansProjectWholeRow(t *testing.T) {
	a := From("orders").Build()
	b := From("orders").Build()
	assert.Equal(t, Fingerprint(a), Fingerprint(b))
}

func TestFingerprintChangesWithLimitOrSingleOnly(t *testing.T) {
	a := From("orders").Limit(10).Build()
	b := From("orders").Limit(11).Build()
	assert.NotEqual(t, Fingerprint(a), Fingerprint(b))

	c := From("orders").Build()
	d := From("orders").FindOne().Build()
	assert.NotEqual(t, Fingerprint(c), Fingerprint(d))
}

func TestParamKeyIsOrderIndependent(t *testing.T) {
	k1 := ParamKey(map[string]rowvalue.Value{"a": rowvalue.Int(1), "b": rowvalue.String("x")})
	k2 := ParamKey(map[string]rowvalue.Value{"b": rowvalue.String("x"), "a": rowvalue.Int(1)})
	assert.Equal(t, k1, k2)
}

func TestParamKeyDistinguishesUndefinedFromNullBinding(t *testing.T) {
	k1 := ParamKey(map[string]rowvalue.Value{"a": rowvalue.Undefined()})
	k2 := ParamKey(map[string]rowvalue.Value{"a": rowvalue.Null()})
	assert.NotEqual(t, k1, k2)
}

func TestParamKeyDiffersOnValue(t *testing.T) {
	k1 := ParamKey(map[string]rowvalue.Value{"a": rowvalue.Int(1)})
	k2 := ParamKey(map[string]rowvalue.Value{"a": rowvalue.Int(2)})
	assert.NotEqual(t, k1, k2)
}

func TestPoolAcquireReturnsSameEntryForStructurallyEqualQueries(t *testing.T) {
	p := NewPool()
	builds := 0
	build := func() any { builds++; return builds }

	a := From("orders").Where(ageEq(30)).Build()
	b := From("orders").Where(ageEq(999)).Build()

	e1 := p.Acquire(a, build)
	e2 := p.Acquire(b, build)
	assert.Same(t, e1, e2)
	assert.Equal(t, 1, builds, "a structurally identical query reuses the pooled graph")
	assert.Equal(t, 2, e1.RefCount)
}

func TestPoolReleaseTearsDownOnlyWhenRefCountReachesZero(t *testing.T) {
	p := NewPool()
	build := func() any { return "graph" }
	q := From("orders").Build()

	p.Acquire(q, build)
	p.Acquire(q, build)

	torn := 0
	teardown := func(any) { torn++ }
	p.Release(q, teardown)
	assert.Equal(t, 0, torn, "one remaining reference keeps the entry alive")
	p.Release(q, teardown)
	assert.Equal(t, 1, torn, "last release tears down the entry")
}

func TestPoolReleaseOfUnknownQueryIsNoop(t *testing.T) {
	p := NewPool()
	torn := 0
	p.Release(From("orders").Build(), func(any) { torn++ })
	assert.Equal(t, 0, torn)
}

func TestPoolableFlatEqualityConjunctionIsPoolable(t *testing.T) {
	statusEq := expr.Func{Kind: expr.FuncEq, Args: []expr.Expr{expr.Ref{Path: "status"}, expr.Param{Name: "status"}}}
	q := From("orders").Where(expr.Func{Kind: expr.FuncAnd, Args: []expr.Expr{ageEq(30), statusEq}}).Build()
	assert.True(t, Poolable(q))
}

func TestPoolableRejectsNonEqualityComparison(t *testing.T) {
	q := From("orders").Where(expr.Func{Kind: expr.FuncGt, Args: []expr.Expr{expr.Ref{Path: "age"}, expr.Val{Value: rowvalue.Int(30)}}}).Build()
	assert.False(t, Poolable(q))
}

func TestPoolableRejectsGroupByHavingAndFnWhere(t *testing.T) {
	assert.False(t, Poolable(From("orders").GroupBy(expr.Ref{Path: "status"}).Build()))
	assert.False(t, Poolable(From("orders").Having(ageEq(30)).Build()))
	fnWhere := From("orders").Build()
	fnWhere.FnWhere = func(rowvalue.Row) bool { return true }
	assert.False(t, Poolable(fnWhere))
}

func TestPoolableEmptyWhereIsPoolable(t *testing.T) {
	assert.True(t, Poolable(From("orders").Build()))
}

func TestFingerprintCoversNewFields(t *testing.T) {
	a := From("orders").Build()
	b := From("orders").DistinctRows().Build()
	assert.NotEqual(t, Fingerprint(a), Fingerprint(b))

	c := From("orders").Offset(5).Build()
	assert.NotEqual(t, Fingerprint(a), Fingerprint(c))

	d := From("orders").GroupBy(expr.Ref{Path: "status"}).Build()
	assert.NotEqual(t, Fingerprint(a), Fingerprint(d))

	e := From("orders").Having(ageEq(30)).Build()
	assert.NotEqual(t, Fingerprint(a), Fingerprint(e))
}
