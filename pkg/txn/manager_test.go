package txn

import (
	"context"
	"testing"
	"time"

	"github.com/pingcap/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/block/reactivedb/pkg/collection"
	"github.com/block/reactivedb/pkg/rowvalue"
	"github.com/block/reactivedb/pkg/schema"
)

type row struct {
	ID   int
	Name string
}

func rowOf(v row) rowvalue.Row {
	return rowvalue.Row{"id": rowvalue.Int(int64(v.ID)), "name": rowvalue.String(v.Name)}
}

func newTestManagerCollection(t *testing.T) (*Manager[int, row], *collection.Collection[int, row]) {
	t.Helper()
	c := collection.New[int, row]("rows", func(v row) int { return v.ID }, rowOf, nil, schema.Schema{}, nil)
	require.NoError(t, c.StartSync(context.Background()))
	mgr := NewManager[int, row](nil)
	mgr.RegisterCollection("rows", c)
	return mgr, c
}

func TestAutoCommitTransactionOverlayIsClearedAfterCommit(t *testing.T) {
	mgr, c := newTestManagerCollection(t)

	h := mgr.CreateTransaction(CreateTransactionOptions[int, row]{
		Strategy:   Parallel,
		AutoCommit: true,
		MutationFn: func(ctx context.Context, h *Handle[int, row]) (PersistResult, error) {
			return nil, nil
		},
	})
	require.NoError(t, h.Insert(c, 1, row{ID: 1, Name: "a"}))
	v, ok := c.Get(1)
	require.True(t, ok)
	assert.Equal(t, "a", v.Name)

	require.NoError(t, h.Commit(context.Background()))
	assert.Equal(t, StateCompleted, h.State())

	// The overlay is cleared on commit because the authoritative source is
	// expected to sync the change back independently; this MutationFn is a
	// stand-in that never touches c's synced state, so the row reverts to
	// absent once the optimistic view is cleared.
	_, ok = c.Get(1)
	assert.False(t, ok)
}

func TestTransactionFailsWhenMutationFnErrors(t *testing.T) {
	mgr, c := newTestManagerCollection(t)
	cause := errors.New("persist failed")

	h := mgr.CreateTransaction(CreateTransactionOptions[int, row]{
		Strategy: Parallel,
		MutationFn: func(ctx context.Context, h *Handle[int, row]) (PersistResult, error) {
			return nil, cause
		},
	})
	require.NoError(t, h.Insert(c, 1, row{ID: 1, Name: "a"}))
	err := h.Commit(context.Background())
	assert.Error(t, err)
	assert.Equal(t, StateFailed, h.State())
	require.Error(t, h.Err())
	assert.Contains(t, h.Err().Error(), cause.Error())

	assert.Error(t, h.IsPersisted(context.Background()))
	assert.Error(t, h.IsSynced(context.Background()))
}

func TestIsSyncedWaitsForAwaitSync(t *testing.T) {
	mgr, c := newTestManagerCollection(t)
	syncSignal := make(chan struct{})

	h := mgr.CreateTransaction(CreateTransactionOptions[int, row]{
		Strategy: Parallel,
		MutationFn: func(ctx context.Context, h *Handle[int, row]) (PersistResult, error) {
			return "ok", nil
		},
		AwaitSync: func(ctx context.Context, h *Handle[int, row], result PersistResult) error {
			<-syncSignal
			return nil
		},
		AwaitSyncTimeout: time.Second,
	})
	require.NoError(t, h.Insert(c, 1, row{ID: 1, Name: "a"}))

	commitDone := make(chan struct{})
	go func() {
		_ = h.Commit(context.Background())
		close(commitDone)
	}()

	require.Eventually(t, func() bool { return h.State() == StatePersistedAwaitingSync }, time.Second, time.Millisecond)
	assert.NoError(t, h.IsPersisted(context.Background()), "persisted settles before sync completes")

	close(syncSignal)
	<-commitDone
	assert.Equal(t, StateCompleted, h.State())
	assert.NoError(t, h.IsSynced(context.Background()))
}

func TestIsSyncedTimesOutWhenAwaitSyncNeverReturns(t *testing.T) {
	mgr, c := newTestManagerCollection(t)

	h := mgr.CreateTransaction(CreateTransactionOptions[int, row]{
		Strategy: Parallel,
		MutationFn: func(ctx context.Context, h *Handle[int, row]) (PersistResult, error) {
			return nil, nil
		},
		AwaitSync: func(ctx context.Context, h *Handle[int, row], result PersistResult) error {
			<-ctx.Done()
			return ctx.Err()
		},
		AwaitSyncTimeout: 20 * time.Millisecond,
	})
	require.NoError(t, h.Insert(c, 1, row{ID: 1, Name: "a"}))

	_ = h.Commit(context.Background())
	assert.Equal(t, StateFailed, h.State())
	assert.Error(t, h.IsSynced(context.Background()))
}

func TestOrderedStrategyQueuesOverlappingTransactionUntilFirstCompletes(t *testing.T) {
	mgr, c := newTestManagerCollection(t)
	release := make(chan error, 1)

	ha := mgr.CreateTransaction(CreateTransactionOptions[int, row]{
		Strategy: Ordered,
		MutationFn: func(ctx context.Context, h *Handle[int, row]) (PersistResult, error) {
			return nil, <-release
		},
	})
	require.NoError(t, ha.Insert(c, 1, row{ID: 1, Name: "a"}))

	aCommitDone := make(chan struct{})
	go func() {
		_ = ha.Commit(context.Background())
		close(aCommitDone)
	}()
	require.Eventually(t, func() bool { return ha.State() == StatePersisting }, time.Second, time.Millisecond)

	hb := mgr.CreateTransaction(CreateTransactionOptions[int, row]{
		Strategy: Ordered,
		MutationFn: func(ctx context.Context, h *Handle[int, row]) (PersistResult, error) {
			return nil, nil
		},
	})
	require.NoError(t, hb.Insert(c, 1, row{ID: 1, Name: "b"}))
	require.NoError(t, hb.Commit(context.Background()))
	assert.Equal(t, StateQueued, hb.State(), "an overlapping ordered transaction queues behind the active one")

	release <- nil
	<-aCommitDone
	assert.Equal(t, StateCompleted, ha.State())

	require.Eventually(t, func() bool { return hb.State() == StateCompleted }, time.Second, time.Millisecond,
		"a queued transaction is released and retried once its blocker finishes")
}

func TestFailedTransactionCascadesRollbackToOverlappingQueuedTransaction(t *testing.T) {
	mgr, c := newTestManagerCollection(t)
	release := make(chan error, 1)

	ha := mgr.CreateTransaction(CreateTransactionOptions[int, row]{
		Strategy: Ordered,
		MutationFn: func(ctx context.Context, h *Handle[int, row]) (PersistResult, error) {
			return nil, <-release
		},
	})
	require.NoError(t, ha.Insert(c, 1, row{ID: 1, Name: "a"}))

	aCommitDone := make(chan struct{})
	go func() {
		_ = ha.Commit(context.Background())
		close(aCommitDone)
	}()
	require.Eventually(t, func() bool { return ha.State() == StatePersisting }, time.Second, time.Millisecond)

	hb := mgr.CreateTransaction(CreateTransactionOptions[int, row]{
		Strategy: Ordered,
		MutationFn: func(ctx context.Context, h *Handle[int, row]) (PersistResult, error) {
			return nil, nil
		},
	})
	require.NoError(t, hb.Insert(c, 1, row{ID: 1, Name: "b"}))
	require.NoError(t, hb.Commit(context.Background()))
	require.Equal(t, StateQueued, hb.State())

	release <- errors.New("a failed")
	<-aCommitDone
	assert.Equal(t, StateFailed, ha.State())

	require.Eventually(t, func() bool { return hb.State() == StateFailed }, time.Second, time.Millisecond,
		"a transaction queued behind a failed one is cascaded into rollback rather than silently retried")
}

func TestNonOverlappingParallelTransactionsBothCommit(t *testing.T) {
	mgr, c := newTestManagerCollection(t)

	ha := mgr.CreateTransaction(CreateTransactionOptions[int, row]{
		Strategy:   Parallel,
		MutationFn: func(ctx context.Context, h *Handle[int, row]) (PersistResult, error) { return nil, nil },
	})
	hb := mgr.CreateTransaction(CreateTransactionOptions[int, row]{
		Strategy:   Parallel,
		MutationFn: func(ctx context.Context, h *Handle[int, row]) (PersistResult, error) { return nil, nil },
	})
	require.NoError(t, ha.Insert(c, 1, row{ID: 1, Name: "a"}))
	require.NoError(t, hb.Insert(c, 2, row{ID: 2, Name: "b"}))

	require.NoError(t, ha.Commit(context.Background()))
	require.NoError(t, hb.Commit(context.Background()))
	assert.Equal(t, StateCompleted, ha.State())
	assert.Equal(t, StateCompleted, hb.State())
}

func TestMutationsOnKeyWithNoSyncedValueMergePerKey(t *testing.T) {
	mgr, c := newTestManagerCollection(t)
	h := mgr.CreateTransaction(CreateTransactionOptions[int, row]{Strategy: Parallel, MutationFn: func(ctx context.Context, h *Handle[int, row]) (PersistResult, error) {
		return nil, nil
	}})
	require.NoError(t, h.Insert(c, 1, row{ID: 1, Name: "first"}))
	require.NoError(t, h.Update(c, 1, row{ID: 1, Name: "second"}))

	muts := h.Mutations()
	require.Len(t, muts, 1, "repeated mutations on the same key within a transaction merge into one")
	assert.Equal(t, "second", muts[0].Modified.Name)
	assert.Nil(t, muts[0].Original, "the key had no synced value before this transaction touched it")
}

func TestRollbackClearsOverlayWithoutInvokingMutationFn(t *testing.T) {
	mgr, c := newTestManagerCollection(t)
	called := false
	h := mgr.CreateTransaction(CreateTransactionOptions[int, row]{
		Strategy: Parallel,
		MutationFn: func(ctx context.Context, h *Handle[int, row]) (PersistResult, error) {
			called = true
			return nil, nil
		},
	})
	require.NoError(t, h.Insert(c, 1, row{ID: 1, Name: "a"}))
	h.Rollback()

	assert.Equal(t, StateFailed, h.State())
	assert.False(t, called)
	_, ok := c.Get(1)
	assert.False(t, ok)
}
