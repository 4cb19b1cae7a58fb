package collection

import (
	"sort"

	"github.com/block/reactivedb/pkg/change"
)

// OptimisticOp is one key mutation a transaction applies to this
// collection's overlay, per spec.md §3 (Mutation).
type OptimisticOp[K comparable, V any] struct {
	Type  change.Type
	Key   K
	Value V
}

// ApplyOptimistic overlays ops on top of the synced state, owned by
// txnID and ordered by txnSeq (the transaction's creation sequence) so
// that when several transactions touch the same key, visibleState folds
// them in creation order (spec.md §3 invariant a). A transaction calling
// this more than once for the same key replaces its own prior entry
// in place rather than appending a duplicate.
func (c *Collection[K, V]) ApplyOptimistic(txnSeq int64, txnID string, ops []OptimisticOp[K, V]) []change.Change[K, V] {
	c.mu.Lock()
	touchedOrder := make([]K, 0, len(ops))
	touchedOldVisible := make(map[K]*V, len(ops))
	for _, op := range ops {
		if _, seen := touchedOldVisible[op.Key]; !seen {
			if old, ok := c.visible[op.Key]; ok {
				ov := old
				touchedOldVisible[op.Key] = &ov
			} else {
				touchedOldVisible[op.Key] = nil
			}
			touchedOrder = append(touchedOrder, op.Key)
		}
		c.setOverlayEntryLocked(op.Key, txnSeq, txnID, op.Type, op.Value)
	}
	batch := c.diffAndApplyLocked(touchedOrder, touchedOldVisible)
	c.mu.Unlock()
	c.notify(batch)
	return batch
}

// ClearOptimistic drops every overlay entry owned by txnID — called when
// the owning transaction reaches a terminal state, whether by commit
// (authoritative data supersedes it) or rollback (it never happened).
func (c *Collection[K, V]) ClearOptimistic(txnID string) []change.Change[K, V] {
	c.mu.Lock()
	var touchedOrder []K
	touchedOldVisible := make(map[K]*V)
	for k, entries := range c.overlay {
		hasTxn := false
		for _, e := range entries {
			if e.txnID == txnID {
				hasTxn = true
				break
			}
		}
		if !hasTxn {
			continue
		}
		if old, ok := c.visible[k]; ok {
			ov := old
			touchedOldVisible[k] = &ov
		} else {
			touchedOldVisible[k] = nil
		}
		touchedOrder = append(touchedOrder, k)

		filtered := entries[:0:0]
		for _, e := range entries {
			if e.txnID != txnID {
				filtered = append(filtered, e)
			}
		}
		if len(filtered) == 0 {
			delete(c.overlay, k)
		} else {
			c.overlay[k] = filtered
		}
	}
	batch := c.diffAndApplyLocked(touchedOrder, touchedOldVisible)
	c.mu.Unlock()
	c.notify(batch)
	return batch
}

func (c *Collection[K, V]) setOverlayEntryLocked(k K, txnSeq int64, txnID string, typ change.Type, value V) {
	entries := c.overlay[k]
	for i, e := range entries {
		if e.txnID == txnID {
			entries[i] = overlayEntry[K, V]{txnSeq: txnSeq, txnID: txnID, typ: typ, value: value}
			return
		}
	}
	entries = append(entries, overlayEntry[K, V]{txnSeq: txnSeq, txnID: txnID, typ: typ, value: value})
	sort.Slice(entries, func(i, j int) bool { return entries[i].txnSeq < entries[j].txnSeq })
	c.overlay[k] = entries
}
