package txn

import (
	"context"

	"github.com/pingcap/errors"

	"github.com/block/reactivedb/pkg/change"
	"github.com/block/reactivedb/pkg/collection"
	"github.com/block/reactivedb/pkg/rdberrors"
	"github.com/block/reactivedb/pkg/rowvalue"
)

// Handle is the live reference callers hold to an in-flight transaction.
// It deliberately exposes no settable fields: every observation of state
// goes through a method, so a caller can never corrupt the transaction by
// assigning to it directly (spec.md §9).
type Handle[K comparable, V any] struct {
	txn *transaction[K, V]
}

// ID returns the transaction's identifier.
func (h *Handle[K, V]) ID() string { return h.txn.id }

// State returns the transaction's current lifecycle state.
func (h *Handle[K, V]) State() State {
	h.txn.mu.Lock()
	defer h.txn.mu.Unlock()
	return h.txn.state
}

// Err returns the transaction's failure cause, or nil.
func (h *Handle[K, V]) Err() error {
	h.txn.mu.Lock()
	defer h.txn.mu.Unlock()
	return h.txn.err
}

// Mutations returns a snapshot of the transaction's merged per-key
// mutations.
func (h *Handle[K, V]) Mutations() []Mutation[K, V] {
	h.txn.mu.Lock()
	defer h.txn.mu.Unlock()
	out := make([]Mutation[K, V], 0, len(h.txn.mutations))
	for _, m := range h.txn.mutations {
		out = append(out, *m)
	}
	return out
}

// IsPersisted waits until the mutationFn call has resolved (the data has
// reached the authoritative source, though it may not have synced back
// yet), per spec.md §4.2.
func (h *Handle[K, V]) IsPersisted(ctx context.Context) error {
	return h.txn.isPersisted.Wait(ctx)
}

// IsSynced waits until the transaction has fully completed: persisted and,
// if configured, confirmed synced back through the collection before the
// await-sync timeout.
func (h *Handle[K, V]) IsSynced(ctx context.Context) error {
	return h.txn.isSynced.Wait(ctx)
}

// Insert stages an optimistic insert for key in the given collection's
// overlay, merging with any prior mutation this transaction made to the
// same key (last mutation wins on Type/Modified, first Original is kept).
func (h *Handle[K, V]) Insert(c *collection.Collection[K, V], key K, value V) error {
	return h.stage(c, change.Insert, key, value)
}

// Update stages an optimistic update.
func (h *Handle[K, V]) Update(c *collection.Collection[K, V], key K, value V) error {
	return h.stage(c, change.Update, key, value)
}

// Delete stages an optimistic delete. value should be the record's last
// known content, used to compute the Changes diff; the Delete change
// subscribers receive carries the collection's previously visible record
// as its Value.
func (h *Handle[K, V]) Delete(c *collection.Collection[K, V], key K, value V) error {
	return h.stage(c, change.Delete, key, value)
}

func (h *Handle[K, V]) stage(c *collection.Collection[K, V], typ change.Type, key K, value V) error {
	t := h.txn
	t.mu.Lock()
	if t.isTerminalLocked() || t.state == StateQueued {
		t.mu.Unlock()
		return errors.Errorf("transaction %s cannot accept mutations in state %s", t.id, t.state)
	}
	collectionID := c.ID()
	mk := mutationKey[K]{collectionID: collectionID, key: key}

	var original *V
	before := rowvalue.Row{}
	if existing, ok := t.mutations[mk]; ok {
		original = existing.Original
		if existing.Original != nil {
			before = c.RowOf(*existing.Original)
		}
	} else if cur, ok := c.Get(key); ok {
		v := cur
		original = &v
		before = c.RowOf(cur)
	}

	after := c.RowOf(value)
	t.mutations[mk] = &Mutation[K, V]{
		Type:         typ,
		Key:          key,
		CollectionID: collectionID,
		Original:     original,
		Modified:     value,
		Changes:      diffRows(before, after),
	}
	t.mu.Unlock()

	c.ApplyOptimistic(t.seq, t.id, []collection.OptimisticOp[K, V]{{Type: typ, Key: key, Value: value}})
	return nil
}

// Commit runs the transaction's commit lifecycle synchronously relative
// to the caller: it returns once the transaction has reached a resting
// state (queued, completed, or failed). Use IsPersisted/IsSynced to await
// later transitions out of persisting/persisted_awaiting_sync.
func (h *Handle[K, V]) Commit(ctx context.Context) error {
	h.txn.commit(ctx)
	h.txn.mu.Lock()
	state := h.txn.state
	err := h.txn.err
	h.txn.mu.Unlock()
	if state == StateFailed {
		return rdberrors.NewTransactionFailedError(h.txn.id, err)
	}
	return nil
}

// Rollback aborts the transaction: its optimistic overlay is discarded
// and any other active transaction overlapping its mutated keys is
// cascaded into rollback too.
func (h *Handle[K, V]) Rollback() {
	h.txn.rollback(nil)
}
