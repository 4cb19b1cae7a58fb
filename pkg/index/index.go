// Package index implements the pluggable secondary-index subsystem from
// spec.md §4.4: hash, sorted-array, and B-tree implementations sharing one
// contract, each a sound approximation the live-query coordinator must
// still filter against (spec.md §4.1).
package index

import (
	"github.com/block/reactivedb/pkg/rowvalue"
)

// Kind names the index implementation strategy.
type Kind int

const (
	Hash Kind = iota
	Sorted
	BTree
)

// Op is a supported comparison operator.
type Op int

const (
	Eq Op = iota
	Gt
	Gte
	Lt
	Lte
	In
)

// Expression evaluates a value out of a record to be indexed. It mirrors
// the compiled expression evaluator from pkg/expr without importing it,
// keeping the index subsystem usable standalone.
type Expression[V any] func(V) rowvalue.Value

// Entry pairs a key with its indexed value, the unit Build and the
// collection core exchange with an index.
type Entry[K comparable] struct {
	Key   K
	Value rowvalue.Value
}

// Index is the contract every index kind implements. For an op listed in
// SupportedOps, Lookup results are a superset-safe candidate set: callers
// must still re-evaluate the predicate against the actual row (spec.md
// §4.1). For an op outside SupportedOps, Lookup returns an empty set, not
// a superset.
type Index[K comparable] interface {
	Kind() Kind
	SupportedOps() []Op

	Add(k K, v rowvalue.Value)
	Remove(k K, v rowvalue.Value)
	Update(k K, oldValue, newValue rowvalue.Value)
	Build(entries []Entry[K])
	Clear()

	Lookup(op Op, value rowvalue.Value) map[K]struct{}
	LookupIn(values []rowvalue.Value) map[K]struct{}

	// Take returns up to n keys in ascending order. If from is nil, the
	// scan is unbounded and starts at the beginning. If from is non-nil
	// (including a pointer to an Undefined value, which is a valid
	// explicit position), the scan starts at the first entry >= *from.
	Take(n int, from *rowvalue.Value, filter func(K) bool) []K
	// TakeReversed mirrors Take but scans in descending order; from nil
	// means unbounded from the end, a non-nil from (including Undefined)
	// is an explicit starting position, scanning entries <= *from.
	TakeReversed(n int, from *rowvalue.Value, filter func(K) bool) []K

	// IndexedKeys returns the current key domain of the index, i.e.
	// dom(valueMap applied to source keys) per the spec.md §3 invariant.
	IndexedKeys() map[K]struct{}

	Len() int
}

// New constructs an index of the given kind. Sorted and BTree both
// maintain total order using rowvalue.Compare and support Take/
// TakeReversed; Hash supports only Eq/In but at lower per-op cost.
func New[K comparable](kind Kind) Index[K] {
	switch kind {
	case Hash:
		return newHashIndex[K]()
	case BTree:
		return newBTreeIndex[K]()
	default:
		return newSortedIndex[K]()
	}
}
