package collection

import (
	"reflect"

	"github.com/block/reactivedb/pkg/change"
)

// feedAdapter implements collection.Feed for a single Collection,
// buffering writes between Begin and Commit so a synced batch is applied
// atomically (spec.md §5: "all writes apply atomically to the collection
// and its indexes before any subscriber is notified").
type feedAdapter[K comparable, V any] struct {
	c *Collection[K, V]
}

func (f *feedAdapter[K, V]) Begin() {
	c := f.c
	c.mu.Lock()
	c.inBatch = true
	c.pendingRaw = nil
	c.mu.Unlock()
}

func (f *feedAdapter[K, V]) Write(typ change.Type, value V, previousValue *V) {
	c := f.c
	c.mu.Lock()
	c.pendingRaw = append(c.pendingRaw, change.Change[K, V]{
		Type: typ, Key: c.getKey(value), Value: value, PreviousValue: previousValue,
	})
	c.mu.Unlock()
}

func (f *feedAdapter[K, V]) Commit() {
	c := f.c
	c.mu.Lock()
	raw := c.pendingRaw
	c.pendingRaw = nil
	c.inBatch = false
	if len(raw) == 0 {
		c.promoteReadyLocked()
		c.mu.Unlock()
		return
	}

	touchedOldVisible := make(map[K]*V)
	touchedOrder := make([]K, 0, len(raw))
	for _, op := range raw {
		if _, seen := touchedOldVisible[op.Key]; !seen {
			if old, ok := c.visible[op.Key]; ok {
				ov := old
				touchedOldVisible[op.Key] = &ov
			} else {
				touchedOldVisible[op.Key] = nil
			}
			touchedOrder = append(touchedOrder, op.Key)
		}
		switch op.Type {
		case change.Delete:
			delete(c.syncedMap, op.Key)
		default:
			c.syncedMap[op.Key] = op.Value
		}
	}

	batch := c.diffAndApplyLocked(touchedOrder, touchedOldVisible)
	c.promoteReadyLocked()
	c.mu.Unlock()
	c.notify(batch)
}

func (f *feedAdapter[K, V]) MarkReady() {
	c := f.c
	c.mu.Lock()
	c.promoteReadyLocked()
	c.mu.Unlock()
}

func (f *feedAdapter[K, V]) Truncate() {
	c := f.c
	c.mu.Lock()
	touchedOrder := make([]K, 0, len(c.syncedMap))
	touchedOldVisible := make(map[K]*V, len(c.syncedMap))
	for k := range c.syncedMap {
		if old, ok := c.visible[k]; ok {
			ov := old
			touchedOldVisible[k] = &ov
		}
		touchedOrder = append(touchedOrder, k)
	}
	c.syncedMap = make(map[K]V)
	batch := c.diffAndApplyLocked(touchedOrder, touchedOldVisible)
	c.mu.Unlock()
	c.notify(batch)
}

func (c *Collection[K, V]) promoteReadyLocked() {
	switch Status(c.status.Load()) {
	case StatusIdle, StatusLoading:
		c.status.Store(int32(StatusInitialCommit))
		c.status.Store(int32(StatusReady))
	}
}

// computeVisibleLocked folds the synced value for k with its overlay
// entries in ascending transaction-creation order, per spec.md §3
// invariant (a).
func (c *Collection[K, V]) computeVisibleLocked(k K) (V, bool) {
	value, present := c.syncedMap[k]
	for _, e := range c.overlay[k] {
		switch e.typ {
		case change.Delete:
			present = false
		default:
			value = e.value
			present = true
		}
	}
	return value, present
}

// diffAndApplyLocked recomputes the visible value for each key in order,
// updates c.visible and every index, and returns the folded,
// duplicate-free batch to deliver to subscribers. Must be called with
// c.mu held.
func (c *Collection[K, V]) diffAndApplyLocked(order []K, oldVisible map[K]*V) []change.Change[K, V] {
	var out []change.Change[K, V]
	for _, k := range order {
		oldV := oldVisible[k]
		newV, newPresent := c.computeVisibleLocked(k)

		switch {
		case oldV == nil && !newPresent:
			// no-op
		case oldV == nil && newPresent:
			c.visible[k] = newV
			c.updateIndexesLocked(nil, &newV)
			out = append(out, change.Change[K, V]{Type: change.Insert, Key: k, Value: newV})
		case oldV != nil && !newPresent:
			delete(c.visible, k)
			c.updateIndexesLocked(oldV, nil)
			out = append(out, change.Change[K, V]{Type: change.Delete, Key: k, Value: *oldV})
		default:
			if !reflect.DeepEqual(*oldV, newV) {
				c.visible[k] = newV
				c.updateIndexesLocked(oldV, &newV)
				prev := *oldV
				out = append(out, change.Change[K, V]{Type: change.Update, Key: k, Value: newV, PreviousValue: &prev})
			}
		}
	}
	folded := change.Fold(out)
	c.changeLog = append(c.changeLog, folded...)
	return folded
}
