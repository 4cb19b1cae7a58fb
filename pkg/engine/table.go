// Package engine provides the user-facing facade spec.md names directly
// on "Collection": insert/update/delete. Those operations need
// transaction-manager orchestration (auto-commit, overlap detection)
// that pkg/collection itself cannot depend on without an import cycle,
// so Table composes a *collection.Collection with a *txn.Manager and
// exposes the combined surface.
package engine

import (
	"context"

	"github.com/block/reactivedb/pkg/collection"
	"github.com/block/reactivedb/pkg/index"
	"github.com/block/reactivedb/pkg/rowvalue"
	"github.com/block/reactivedb/pkg/txn"
)

// Table is one named, typed collection wired into a shared transaction
// manager, the unit spec.md calls a "Collection" end to end.
type Table[K comparable, V any] struct {
	ID string
	C  *collection.Collection[K, V]
	mgr *txn.Manager[K, V]
}

// NewTable registers coll with mgr under id and returns the combined
// facade.
func NewTable[K comparable, V any](id string, coll *collection.Collection[K, V], mgr *txn.Manager[K, V]) *Table[K, V] {
	mgr.RegisterCollection(id, coll)
	return &Table[K, V]{ID: id, C: coll, mgr: mgr}
}

// Get, Has, Size, Entries, Values, Status, StartSync, Cleanup, CreateIndex
// delegate straight to the underlying Collection; Table only adds the
// mutation surface.
func (t *Table[K, V]) Get(k K) (V, bool)       { return t.C.Get(k) }
func (t *Table[K, V]) Has(k K) bool            { return t.C.Has(k) }
func (t *Table[K, V]) Size() int               { return t.C.Size() }
func (t *Table[K, V]) Entries() map[K]V        { return t.C.Entries() }
func (t *Table[K, V]) Values() []V             { return t.C.Values() }
func (t *Table[K, V]) Status() collection.Status { return t.C.Status() }
func (t *Table[K, V]) StartSync(ctx context.Context) error { return t.C.StartSync(ctx) }
func (t *Table[K, V]) Cleanup()                { t.C.Cleanup() }

func (t *Table[K, V]) CreateIndex(expr func(V) rowvalue.Value, kind index.Kind) string {
	return t.C.CreateIndex(expr, kind)
}

// CreateFieldIndex and IndexForField delegate to the underlying Collection,
// letting a live-query coordinator probe for a field's index through the
// same Table facade callers already use for everything else.
func (t *Table[K, V]) CreateFieldIndex(field string, kind index.Kind) string {
	return t.C.CreateFieldIndex(field, kind)
}

func (t *Table[K, V]) IndexForField(field string) (index.Index[K], bool) {
	return t.C.IndexForField(field)
}

// autoCommitOptions builds a single-mutation, parallel-strategy,
// immediately-committing transaction: the common case for a bare
// insert/update/delete call outside an explicit transaction (spec.md
// §4.2's autoCommit default).
func (t *Table[K, V]) autoCommitOptions() txn.CreateTransactionOptions[K, V] {
	return txn.CreateTransactionOptions[K, V]{Strategy: txn.Parallel, AutoCommit: true}
}

// Insert stages and immediately commits an optimistic insert.
func (t *Table[K, V]) Insert(ctx context.Context, key K, value V) error {
	if err := t.C.ValidateInsert(value); err != nil {
		return err
	}
	h := t.mgr.CreateTransaction(t.autoCommitOptions())
	if err := h.Insert(t.C, key, value); err != nil {
		return err
	}
	return h.Commit(ctx)
}

// Update stages and immediately commits an optimistic update.
func (t *Table[K, V]) Update(ctx context.Context, key K, value V) error {
	if err := t.C.ValidateUpdate(value); err != nil {
		return err
	}
	h := t.mgr.CreateTransaction(t.autoCommitOptions())
	if err := h.Update(t.C, key, value); err != nil {
		return err
	}
	return h.Commit(ctx)
}

// Delete stages and immediately commits an optimistic delete. last is the
// record's last known content, used for the change diff; the Delete change
// subscribers receive carries the previously visible record as its Value.
func (t *Table[K, V]) Delete(ctx context.Context, key K, last V) error {
	h := t.mgr.CreateTransaction(t.autoCommitOptions())
	if err := h.Delete(t.C, key, last); err != nil {
		return err
	}
	return h.Commit(ctx)
}

// Transact opens a multi-mutation transaction, strategy-configurable, for
// callers that need several inserts/updates/deletes across this Table (or
// others sharing the same K/V shape registered on the same Manager) to
// commit and roll back together.
func (t *Table[K, V]) Transact(opts txn.CreateTransactionOptions[K, V]) *txn.Handle[K, V] {
	return t.mgr.CreateTransaction(opts)
}
