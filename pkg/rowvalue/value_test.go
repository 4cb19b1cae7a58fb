package rowvalue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEqual(t *testing.T) {
	assert.True(t, Equal(Undefined(), Undefined()))
	assert.True(t, Equal(Null(), Null()))
	assert.False(t, Equal(Undefined(), Null()), "undefined and null are distinct kinds")
	assert.True(t, Equal(Int(3), Int(3)))
	assert.True(t, Equal(Int(3), Float(3.0)), "numbers compare by value regardless of constructor")
	assert.False(t, Equal(Int(3), Int(4)))
	assert.True(t, Equal(String("a"), String("a")))
	assert.False(t, Equal(String("a"), String("b")))

	now := time.Now()
	assert.True(t, Equal(Time(now), Time(now)))

	assert.True(t, Equal(List(Int(1), Int(2)), List(Int(1), Int(2))))
	assert.False(t, Equal(List(Int(1)), List(Int(1), Int(2))))

	assert.True(t, Equal(RowValue(Row{"a": Int(1)}), RowValue(Row{"a": Int(1)})))
	assert.False(t, Equal(RowValue(Row{"a": Int(1)}), RowValue(Row{"a": Int(2)})))
}

func TestCompareOrdering(t *testing.T) {
	assert.Equal(t, -1, Compare(Undefined(), Null()), "undefined sorts before null")
	assert.Equal(t, -1, Compare(Null(), Int(0)), "null sorts before every concrete kind")
	assert.Equal(t, 0, Compare(Undefined(), Undefined()))

	assert.True(t, Compare(Int(1), Int(2)) < 0)
	assert.True(t, Compare(Int(2), Int(1)) > 0)
	assert.Equal(t, 0, Compare(Int(1), Float(1.0)))

	assert.True(t, Compare(String("a"), String("b")) < 0)

	now := time.Now()
	later := now.Add(time.Second)
	assert.True(t, Compare(Time(now), Time(later)) < 0)

	assert.True(t, Compare(Bool(false), Bool(true)) < 0)
}

func TestCompareListsByElement(t *testing.T) {
	a := List(Int(1), Int(2))
	b := List(Int(1), Int(3))
	assert.True(t, Compare(a, b) < 0)

	shorter := List(Int(1))
	longer := List(Int(1), Int(2))
	assert.True(t, Compare(shorter, longer) < 0, "equal-prefix lists order by length")
}

func TestSortKeyDistinguishesUndefinedFromNull(t *testing.T) {
	assert.NotEqual(t, SortKey(Undefined()), SortKey(Null()))
	assert.Equal(t, SortKey(Int(1)), SortKey(Float(1.0)), "SortKey agrees with Equal across constructors")
}

func TestSortKeyStableAcrossEqualValues(t *testing.T) {
	a := String("widget")
	b := String("widget")
	assert.Equal(t, SortKey(a), SortKey(b))
}

func TestFloat64(t *testing.T) {
	assert.InDelta(t, 3.5, Float(3.5).Float64(), 0.0001)
	assert.InDelta(t, 2.0, Int(2).Float64(), 0.0001)
}

func TestStringRendersEveryKind(t *testing.T) {
	assert.Equal(t, "true", Bool(true).String())
	assert.Equal(t, "false", Bool(false).String())
	assert.Equal(t, "null", Null().String())
	assert.Equal(t, "undefined", Undefined().String())
	assert.Equal(t, "hello", String("hello").String())
}
