package index

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/block/reactivedb/pkg/rowvalue"
)

func keysOf(set map[int]struct{}) []int {
	out := make([]int, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	return out
}

func TestHashIndexEqAndIn(t *testing.T) {
	idx := New[int](Hash)
	idx.Build([]Entry[int]{
		{Key: 1, Value: rowvalue.String("red")},
		{Key: 2, Value: rowvalue.String("blue")},
		{Key: 3, Value: rowvalue.String("red")},
	})

	assert.ElementsMatch(t, []int{1, 3}, keysOf(idx.Lookup(Eq, rowvalue.String("red"))))
	assert.Empty(t, idx.Lookup(Gt, rowvalue.String("red")), "hash index returns an empty set for ops outside SupportedOps")
	assert.ElementsMatch(t, []int{1, 2, 3}, keysOf(idx.LookupIn([]rowvalue.Value{rowvalue.String("red"), rowvalue.String("blue")})))
	assert.Equal(t, 3, idx.Len())

	idx.Update(3, rowvalue.String("red"), rowvalue.String("blue"))
	assert.ElementsMatch(t, []int{1}, keysOf(idx.Lookup(Eq, rowvalue.String("red"))))
	assert.ElementsMatch(t, []int{2, 3}, keysOf(idx.Lookup(Eq, rowvalue.String("blue"))))

	idx.Remove(1, rowvalue.String("red"))
	assert.Empty(t, idx.Lookup(Eq, rowvalue.String("red")))
	assert.Equal(t, 2, idx.Len())

	idx.Clear()
	assert.Equal(t, 0, idx.Len())
	assert.Empty(t, idx.IndexedKeys())
}

func TestOrderedIndexesRangeOps(t *testing.T) {
	for _, kind := range []Kind{Sorted, BTree} {
		kind := kind
		t.Run(kindName(kind), func(t *testing.T) {
			idx := New[int](kind)
			idx.Build([]Entry[int]{
				{Key: 1, Value: rowvalue.Int(10)},
				{Key: 2, Value: rowvalue.Int(20)},
				{Key: 3, Value: rowvalue.Int(30)},
				{Key: 4, Value: rowvalue.Int(20)},
			})

			assert.ElementsMatch(t, []int{2, 4}, keysOf(idx.Lookup(Eq, rowvalue.Int(20))))
			assert.ElementsMatch(t, []int{3}, keysOf(idx.Lookup(Gt, rowvalue.Int(20))))
			assert.ElementsMatch(t, []int{2, 3, 4}, keysOf(idx.Lookup(Gte, rowvalue.Int(20))))
			assert.ElementsMatch(t, []int{1}, keysOf(idx.Lookup(Lt, rowvalue.Int(20))))
			assert.ElementsMatch(t, []int{1, 2, 4}, keysOf(idx.Lookup(Lte, rowvalue.Int(20))))
		})
	}
}

func TestOrderedIndexesTakeUnboundedVsExplicitFrom(t *testing.T) {
	for _, kind := range []Kind{Sorted, BTree} {
		kind := kind
		t.Run(kindName(kind), func(t *testing.T) {
			idx := New[int](kind)
			idx.Build([]Entry[int]{
				{Key: 1, Value: rowvalue.Int(10)},
				{Key: 2, Value: rowvalue.Int(20)},
				{Key: 3, Value: rowvalue.Int(30)},
			})

			all := idx.Take(10, nil, nil)
			assert.Equal(t, []int{1, 2, 3}, all, "from=nil starts at the very beginning")

			from := rowvalue.Int(20)
			fromTwenty := idx.Take(10, &from, nil)
			assert.Equal(t, []int{2, 3}, fromTwenty, "explicit from is an inclusive starting position")

			// An explicit Undefined is a valid starting position distinct
			// from "no bound": it sits below every concrete value, so it
			// behaves like an unbounded forward scan but is not the nil case.
			undef := rowvalue.Undefined()
			fromUndefined := idx.Take(10, &undef, nil)
			assert.Equal(t, []int{1, 2, 3}, fromUndefined)

			reversedAll := idx.TakeReversed(10, nil, nil)
			assert.Equal(t, []int{3, 2, 1}, reversedAll)

			reversedFromTwenty := idx.TakeReversed(10, &from, nil)
			assert.Equal(t, []int{2, 1}, reversedFromTwenty, "explicit from is an inclusive upper bound when scanning backward")
		})
	}
}

func TestOrderedIndexesTakeRespectsFilterAndLimit(t *testing.T) {
	for _, kind := range []Kind{Sorted, BTree} {
		kind := kind
		t.Run(kindName(kind), func(t *testing.T) {
			idx := New[int](kind)
			idx.Build([]Entry[int]{
				{Key: 1, Value: rowvalue.Int(1)},
				{Key: 2, Value: rowvalue.Int(2)},
				{Key: 3, Value: rowvalue.Int(3)},
				{Key: 4, Value: rowvalue.Int(4)},
			})
			evens := idx.Take(10, nil, func(k int) bool { return k%2 == 0 })
			assert.Equal(t, []int{2, 4}, evens)

			limited := idx.Take(1, nil, nil)
			assert.Equal(t, []int{1}, limited)
		})
	}
}

func TestOrderedIndexRemoveAndUpdate(t *testing.T) {
	for _, kind := range []Kind{Sorted, BTree} {
		kind := kind
		t.Run(kindName(kind), func(t *testing.T) {
			idx := New[int](kind)
			idx.Add(1, rowvalue.Int(5))
			idx.Add(2, rowvalue.Int(10))
			idx.Update(1, rowvalue.Int(5), rowvalue.Int(15))
			assert.Equal(t, []int{2, 1}, idx.Take(10, nil, nil))

			idx.Remove(2, rowvalue.Int(10))
			assert.Equal(t, []int{1}, idx.Take(10, nil, nil))
			assert.Equal(t, 1, idx.Len())
		})
	}
}

func kindName(k Kind) string {
	switch k {
	case Hash:
		return "hash"
	case BTree:
		return "btree"
	default:
		return "sorted"
	}
}
