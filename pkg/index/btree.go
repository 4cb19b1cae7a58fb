package index

import (
	"sync"

	"github.com/block/reactivedb/pkg/rowvalue"
	"github.com/google/btree"
)

// btreeItem is the unit stored in the B-tree: an indexed value paired
// with its key and a monotonic insertion sequence used to break ties
// between equal values, the same tie-break policy sortedIndex uses.
type btreeItem[K comparable] struct {
	value rowvalue.Value
	key   K
	seq   int64
}

func btreeLess[K comparable](a, b btreeItem[K]) bool {
	if c := rowvalue.Compare(a.value, b.value); c != 0 {
		return c < 0
	}
	return a.seq < b.seq
}

// btreeIndex wraps a google/btree generic B-tree for collections large
// enough that sortedIndex's O(n) insert/remove becomes the bottleneck;
// insert, remove, and range bounds are all O(log n).
type btreeIndex[K comparable] struct {
	mu   sync.RWMutex
	tree *btree.BTreeG[btreeItem[K]]
	kv   map[K]btreeItem[K]
	seq  int64
}

func newBTreeIndex[K comparable]() *btreeIndex[K] {
	return &btreeIndex[K]{
		tree: btree.NewG(32, btreeLess[K]),
		kv:   make(map[K]btreeItem[K]),
	}
}

func (b *btreeIndex[K]) Kind() Kind { return BTree }
func (b *btreeIndex[K]) SupportedOps() []Op {
	return []Op{Eq, Gt, Gte, Lt, Lte, In}
}

func (b *btreeIndex[K]) addLocked(k K, v rowvalue.Value) {
	b.seq++
	item := btreeItem[K]{value: v, key: k, seq: b.seq}
	b.tree.ReplaceOrInsert(item)
	b.kv[k] = item
}

func (b *btreeIndex[K]) removeLocked(k K) {
	if item, ok := b.kv[k]; ok {
		b.tree.Delete(item)
		delete(b.kv, k)
	}
}

func (b *btreeIndex[K]) Add(k K, v rowvalue.Value) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.addLocked(k, v)
}

func (b *btreeIndex[K]) Remove(k K, v rowvalue.Value) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removeLocked(k)
}

func (b *btreeIndex[K]) Update(k K, oldValue, newValue rowvalue.Value) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removeLocked(k)
	b.addLocked(k, newValue)
}

func (b *btreeIndex[K]) Build(entries []Entry[K]) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tree = btree.NewG(32, btreeLess[K])
	b.kv = make(map[K]btreeItem[K], len(entries))
	for _, e := range entries {
		b.addLocked(e.Key, e.Value)
	}
}

func (b *btreeIndex[K]) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tree = btree.NewG(32, btreeLess[K])
	b.kv = make(map[K]btreeItem[K])
}

func (b *btreeIndex[K]) rangeLocked(lo, hi *rowvalue.Value, loInclusive, hiInclusive bool) map[K]struct{} {
	out := make(map[K]struct{})
	visit := func(it btreeItem[K]) bool {
		if hi != nil {
			c := rowvalue.Compare(it.value, *hi)
			if (hiInclusive && c > 0) || (!hiInclusive && c >= 0) {
				return false
			}
		}
		out[it.key] = struct{}{}
		return true
	}
	if lo != nil {
		pivot := btreeItem[K]{value: *lo}
		if !loInclusive {
			// Skip exact matches of lo by starting iteration and filtering
			// the boundary item; cheap since boundary ties are rare.
			b.tree.AscendGreaterOrEqual(pivot, func(it btreeItem[K]) bool {
				if rowvalue.Compare(it.value, *lo) == 0 {
					return true
				}
				return visit(it)
			})
			return out
		}
		b.tree.AscendGreaterOrEqual(pivot, visit)
		return out
	}
	b.tree.Ascend(visit)
	return out
}

func (b *btreeIndex[K]) Lookup(op Op, value rowvalue.Value) map[K]struct{} {
	b.mu.RLock()
	defer b.mu.RUnlock()
	switch op {
	case Eq:
		out := make(map[K]struct{})
		b.tree.AscendGreaterOrEqual(btreeItem[K]{value: value}, func(it btreeItem[K]) bool {
			if rowvalue.Compare(it.value, value) != 0 {
				return false
			}
			out[it.key] = struct{}{}
			return true
		})
		return out
	case Gt:
		return b.rangeLocked(&value, nil, false, false)
	case Gte:
		return b.rangeLocked(&value, nil, true, false)
	case Lt:
		return b.rangeLocked(nil, &value, false, false)
	case Lte:
		return b.rangeLocked(nil, &value, false, true)
	default:
		return make(map[K]struct{})
	}
}

func (b *btreeIndex[K]) LookupIn(values []rowvalue.Value) map[K]struct{} {
	out := make(map[K]struct{})
	for _, v := range values {
		for k := range b.Lookup(Eq, v) {
			out[k] = struct{}{}
		}
	}
	return out
}

func (b *btreeIndex[K]) Take(n int, from *rowvalue.Value, filter func(K) bool) []K {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []K
	visit := func(it btreeItem[K]) bool {
		if len(out) >= n {
			return false
		}
		if filter == nil || filter(it.key) {
			out = append(out, it.key)
		}
		return true
	}
	if from != nil {
		b.tree.AscendGreaterOrEqual(btreeItem[K]{value: *from}, visit)
	} else {
		b.tree.Ascend(visit)
	}
	return out
}

func (b *btreeIndex[K]) TakeReversed(n int, from *rowvalue.Value, filter func(K) bool) []K {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []K
	visit := func(it btreeItem[K]) bool {
		if len(out) >= n {
			return false
		}
		if filter == nil || filter(it.key) {
			out = append(out, it.key)
		}
		return true
	}
	if from != nil {
		b.tree.DescendLessOrEqual(btreeItem[K]{value: *from, seq: int64(^uint64(0) >> 1)}, visit)
	} else {
		b.tree.Descend(visit)
	}
	return out
}

func (b *btreeIndex[K]) IndexedKeys() map[K]struct{} {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[K]struct{}, len(b.kv))
	for k := range b.kv {
		out[k] = struct{}{}
	}
	return out
}

func (b *btreeIndex[K]) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.tree.Len()
}
