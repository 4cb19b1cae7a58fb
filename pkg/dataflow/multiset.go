// Package dataflow implements the incremental view maintenance kernel:
// a small differential-dataflow-style operator set (map, filter, keyBy,
// join, reduce, distinct, topK, consolidate) that turns one batch of
// collection changes into the corresponding batch of changes for a
// derived view, without recomputing the view from scratch (spec.md §5).
package dataflow

import (
	"sort"

	"github.com/block/reactivedb/pkg/change"
)

// Delta is one multiplicity-weighted occurrence of a keyed value: +1 for
// an addition, -1 for a removal. A multiset is a []Delta where the same
// (Key, Value) may appear more than once before Consolidate collapses it.
type Delta[K comparable, V any] struct {
	Key   K
	Value V
	Mult  int
}

// FromChanges lowers a folded change batch into its delta representation:
// an insert is a single +1, a delete a single -1, and an update is a -1
// for the previous value immediately followed by a +1 for the new one.
func FromChanges[K comparable, V any](batch []change.Change[K, V]) []Delta[K, V] {
	out := make([]Delta[K, V], 0, len(batch))
	for _, c := range batch {
		switch c.Type {
		case change.Insert:
			out = append(out, Delta[K, V]{Key: c.Key, Value: c.Value, Mult: 1})
		case change.Delete:
			out = append(out, Delta[K, V]{Key: c.Key, Value: c.Value, Mult: -1})
		case change.Update:
			if c.PreviousValue != nil {
				out = append(out, Delta[K, V]{Key: c.Key, Value: *c.PreviousValue, Mult: -1})
			}
			out = append(out, Delta[K, V]{Key: c.Key, Value: c.Value, Mult: 1})
		}
	}
	return out
}

// dedupKey identifies a delta's identity for consolidation: same key and
// same value collapse together, distinct values under the same key (a
// swap) do not cancel each other out.
type dedupKey[K comparable] struct {
	key string
	k   K
}

// Consolidate merges deltas that share a (Key, Value) pair, summing their
// multiplicities and dropping any that net to zero, per the differential
// dataflow convention that a multiset has no canonical entry for
// multiplicity zero.
func Consolidate[K comparable, V any](deltas []Delta[K, V], valueKey func(V) string) []Delta[K, V] {
	type entry struct {
		d   Delta[K, V]
		sum int
	}
	order := make([]dedupKey[K], 0, len(deltas))
	byKey := make(map[dedupKey[K]]*entry, len(deltas))
	for _, d := range deltas {
		dk := dedupKey[K]{key: valueKey(d.Value), k: d.Key}
		if e, ok := byKey[dk]; ok {
			e.sum += d.Mult
			continue
		}
		byKey[dk] = &entry{d: d, sum: d.Mult}
		order = append(order, dk)
	}
	out := make([]Delta[K, V], 0, len(order))
	for _, dk := range order {
		e := byKey[dk]
		if e.sum == 0 {
			continue
		}
		e.d.Mult = e.sum
		out = append(out, e.d)
	}
	return out
}

// ToChanges lifts a consolidated delta batch back into a change batch for
// a downstream collection.Feed: a lone +1 is an insert, a lone -1 a
// delete, and a +1/-1 pair sharing a key (opposite values) becomes an
// update carrying the retracted value as PreviousValue. The result is
// passed through change.Fold before it is returned.
func ToChanges[K comparable, V any](deltas []Delta[K, V]) []change.Change[K, V] {
	byKey := make(map[K][]Delta[K, V])
	order := make([]K, 0)
	for _, d := range deltas {
		if _, ok := byKey[d.Key]; !ok {
			order = append(order, d.Key)
		}
		byKey[d.Key] = append(byKey[d.Key], d)
	}
	raw := make([]change.Change[K, V], 0, len(deltas))
	for _, k := range order {
		ds := byKey[k]
		sort.SliceStable(ds, func(i, j int) bool { return ds[i].Mult > ds[j].Mult })
		var removed *V
		for _, d := range ds {
			if d.Mult < 0 {
				v := d.Value
				removed = &v
			}
		}
		for _, d := range ds {
			if d.Mult <= 0 {
				continue
			}
			if removed != nil {
				raw = append(raw, change.Change[K, V]{Type: change.Update, Key: k, Value: d.Value, PreviousValue: removed})
			} else {
				raw = append(raw, change.Change[K, V]{Type: change.Insert, Key: k, Value: d.Value})
			}
		}
		if removed != nil {
			hasInsert := false
			for _, d := range ds {
				if d.Mult > 0 {
					hasInsert = true
				}
			}
			if !hasInsert {
				raw = append(raw, change.Change[K, V]{Type: change.Delete, Key: k, Value: *removed})
			}
		}
	}
	return change.Fold(raw)
}
