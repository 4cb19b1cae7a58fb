package collection

import (
	"context"

	"github.com/block/reactivedb/pkg/rowvalue"
)

// RowOf projects a record into the dynamic Row model used by expressions
// and indexes.
func (c *Collection[K, V]) RowOf(v V) rowvalue.Row { return c.rowOf(v) }

// GetKey derives the key for a record, per the caller-supplied getKey in
// spec.md §3.
func (c *Collection[K, V]) GetKey(v V) K { return c.getKey(v) }

// ValidateInsert runs schema validation for an insert without mutating
// any state, per spec.md §4.1's synchronous-and-side-effect-free
// validation contract.
func (c *Collection[K, V]) ValidateInsert(v V) error { return c.schema.CheckInsert(c.rowOf(v)) }

// ValidateUpdate runs schema validation for an update.
func (c *Collection[K, V]) ValidateUpdate(v V) error { return c.schema.CheckUpdate(c.rowOf(v)) }

// FetchSnapshot proxies to the source's progressive-mode snapshot read,
// the only sanctioned way to read authoritative state while buffering
// (spec.md §9). Collections without a source return an empty snapshot.
func (c *Collection[K, V]) FetchSnapshot(ctx context.Context, keys []K) (map[K]V, error) {
	if c.source == nil {
		return map[K]V{}, nil
	}
	return c.source.FetchSnapshot(ctx, keys)
}

// ChangeLogSnapshot returns the current length of the append-only change
// log (not its entries), e.g. for AwaitSyncFromChangeLog-style progress
// checks (spec.md §3, §8).
func (c *Collection[K, V]) ChangeLogSnapshot() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.changeLog)
}
