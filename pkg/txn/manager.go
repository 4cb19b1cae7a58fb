package txn

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pingcap/errors"
	"github.com/siddontang/loggers"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/block/reactivedb/pkg/collection"
	"github.com/block/reactivedb/pkg/metrics"
	"github.com/block/reactivedb/pkg/rdberrors"
)

// Config bundles a Manager's ambient dependencies.
type Config struct {
	Logger  loggers.Advanced
	Metrics metrics.Sink
}

func NewConfig() *Config {
	return &Config{Logger: logrus.New(), Metrics: metrics.NoopSink{}}
}

// Manager is the process-wide (per spec.md §5, per-engine-instance here)
// transaction-manager registry: one Manager serves every collection that
// shares this K, V type pair.
type Manager[K comparable, V any] struct {
	cfg *Config

	mu          sync.Mutex
	collections map[string]*collection.Collection[K, V]
	active      map[string]*transaction[K, V]
	seq         int64
}

func NewManager[K comparable, V any](cfg *Config) *Manager[K, V] {
	if cfg == nil {
		cfg = NewConfig()
	}
	return &Manager[K, V]{
		cfg:         cfg,
		collections: make(map[string]*collection.Collection[K, V]),
		active:      make(map[string]*transaction[K, V]),
	}
}

// RegisterCollection makes a collection mutable through transactions
// created by this Manager.
func (m *Manager[K, V]) RegisterCollection(id string, c *collection.Collection[K, V]) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.collections[id] = c
}

func (m *Manager[K, V]) collection(id string) (*collection.Collection[K, V], error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.collections[id]
	if !ok {
		return nil, rdberrors.NewUnknownCollectionError(id)
	}
	return c, nil
}

func (m *Manager[K, V]) nextSeq() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	return m.seq
}

// MutationFn persists a transaction's mutations; AwaitSync, if set, races
// against AwaitSyncTimeoutMs to confirm the authoritative source has
// caught up (spec.md §6).
type MutationFn[K comparable, V any] func(ctx context.Context, h *Handle[K, V]) (PersistResult, error)
type AwaitSyncFn[K comparable, V any] func(ctx context.Context, h *Handle[K, V], result PersistResult) error

// CreateTransactionOptions configures a new transaction, per spec.md §4.2.
type CreateTransactionOptions[K comparable, V any] struct {
	MutationFn       MutationFn[K, V]
	AwaitSync        AwaitSyncFn[K, V]
	Strategy         Strategy
	AutoCommit       bool
	AwaitSyncTimeout time.Duration
}

type transaction[K comparable, V any] struct {
	mgr *Manager[K, V]

	id        string
	seq       int64
	createdAt time.Time
	strategy  Strategy
	autoCommit bool
	mutationFn MutationFn[K, V]
	awaitSync  AwaitSyncFn[K, V]
	timeout    time.Duration

	mu           sync.Mutex
	state        State
	mutations    map[mutationKey[K]]*Mutation[K, V]
	err          error
	queuedBehind string

	isPersisted *Deferred
	isSynced    *Deferred
}

// CreateTransaction begins a new transaction, per spec.md §4.2.
func (m *Manager[K, V]) CreateTransaction(opts CreateTransactionOptions[K, V]) *Handle[K, V] {
	if opts.AwaitSyncTimeout == 0 {
		opts.AwaitSyncTimeout = awaitSyncTimeoutDefault
	}
	t := &transaction[K, V]{
		mgr:         m,
		id:          uuid.NewString(),
		seq:         m.nextSeq(),
		createdAt:   time.Now(),
		strategy:    opts.Strategy,
		autoCommit:  opts.AutoCommit,
		mutationFn:  opts.MutationFn,
		awaitSync:   opts.AwaitSync,
		timeout:     opts.AwaitSyncTimeout,
		state:       StatePending,
		mutations:   make(map[mutationKey[K]]*Mutation[K, V]),
		isPersisted: newDeferred(),
		isSynced:    newDeferred(),
	}
	m.mu.Lock()
	m.active[t.id] = t
	m.mu.Unlock()
	return &Handle[K, V]{txn: t}
}

// touchedKeys returns the set of (collectionID, key) pairs this
// transaction currently mutates.
func (t *transaction[K, V]) touchedKeys() map[mutationKey[K]]struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[mutationKey[K]]struct{}, len(t.mutations))
	for k := range t.mutations {
		out[k] = struct{}{}
	}
	return out
}

func (t *transaction[K, V]) isTerminalLocked() bool {
	return t.state == StateCompleted || t.state == StateFailed
}

// overlaps reports whether t and other touch at least one shared
// (collectionID, key) pair.
func overlaps[K comparable, V any](a, b *transaction[K, V]) bool {
	aKeys := a.touchedKeys()
	bKeys := b.touchedKeys()
	if len(aKeys) > len(bKeys) {
		aKeys, bKeys = bKeys, aKeys
	}
	for k := range aKeys {
		if _, ok := bKeys[k]; ok {
			return true
		}
	}
	return false
}

// findBlocker returns an active, non-queued transaction that overlaps t,
// for the `ordered` strategy's serialization check (spec.md §4.2 step 1).
func (m *Manager[K, V]) findBlocker(t *transaction[K, V]) *transaction[K, V] {
	m.mu.Lock()
	candidates := make([]*transaction[K, V], 0, len(m.active))
	for _, other := range m.active {
		if other.id == t.id {
			continue
		}
		candidates = append(candidates, other)
	}
	m.mu.Unlock()

	for _, other := range candidates {
		other.mu.Lock()
		terminal := other.isTerminalLocked()
		queued := other.state == StateQueued
		other.mu.Unlock()
		if terminal || queued {
			continue
		}
		if overlaps(t, other) {
			return other
		}
	}
	return nil
}

// commit runs the transaction's lifecycle per spec.md §4.2 steps 1-4.
func (t *transaction[K, V]) commit(ctx context.Context) {
	t.mu.Lock()
	if t.isTerminalLocked() {
		t.mu.Unlock()
		return
	}
	if t.strategy == Ordered {
		t.mu.Unlock()
		if blocker := t.mgr.findBlocker(t); blocker != nil {
			t.mu.Lock()
			t.state = StateQueued
			t.queuedBehind = blocker.id
			t.mu.Unlock()
			return
		}
		t.mu.Lock()
	}
	t.state = StatePersisting
	mutationFn := t.mutationFn
	t.mu.Unlock()

	start := time.Now()
	if mutationFn == nil {
		t.finishSuccess(ctx, nil, start)
		return
	}
	result, err := mutationFn(ctx, &Handle[K, V]{txn: t})
	if err != nil {
		t.fail(errors.Trace(err), start)
		return
	}
	t.isPersisted.settle(nil)

	t.mu.Lock()
	awaitSync := t.awaitSync
	timeout := t.timeout
	t.mu.Unlock()
	if awaitSync == nil {
		t.finishSuccess(ctx, result, start)
		return
	}

	t.mu.Lock()
	t.state = StatePersistedAwaitingSync
	t.mu.Unlock()

	syncCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- awaitSync(syncCtx, &Handle[K, V]{txn: t}, result) }()
	select {
	case err := <-errCh:
		if err != nil {
			t.fail(errors.Trace(err), start)
			return
		}
		t.finishSuccess(ctx, result, start)
	case <-syncCtx.Done():
		t.fail(errors.Trace(syncCtx.Err()), start)
	}
}

func (t *transaction[K, V]) finishSuccess(ctx context.Context, _ PersistResult, start time.Time) {
	t.isSynced.settle(nil)
	t.mu.Lock()
	t.state = StateCompleted
	t.mu.Unlock()
	t.mgr.cfg.Metrics.ObserveTransaction(strategyName(t.strategy), "completed", time.Since(start))
	t.clearOverlays()
	t.mgr.releaseQueuedBehind(t)
}

func (t *transaction[K, V]) fail(cause error, start time.Time) {
	t.mu.Lock()
	t.state = StateFailed
	t.err = cause
	t.mu.Unlock()
	txErr := rdberrors.NewTransactionFailedError(t.id, cause)
	t.isPersisted.settle(txErr)
	t.isSynced.settle(txErr)
	t.mgr.cfg.Metrics.ObserveTransaction(strategyName(t.strategy), "failed", time.Since(start))
	t.clearOverlays()
	t.mgr.cascadeRollback(t)
	t.mgr.releaseQueuedBehind(t)
}

// clearOverlays removes t's overlay entries from every collection it
// touched, whether it succeeded (authoritative data supersedes it) or
// failed (it never happened).
func (t *transaction[K, V]) clearOverlays() {
	t.mu.Lock()
	collIDs := make(map[string]struct{})
	for k := range t.mutations {
		collIDs[k.collectionID] = struct{}{}
	}
	t.mu.Unlock()
	for id := range collIDs {
		if c, err := t.mgr.collection(id); err == nil {
			c.ClearOptimistic(t.id)
		}
	}
}

// rollback fails the transaction with the given error without ever
// having attempted mutationFn, e.g. a caller-initiated abort.
func (t *transaction[K, V]) rollback(cause error) {
	t.mu.Lock()
	if t.isTerminalLocked() {
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()
	if cause == nil {
		cause = errors.New("transaction rolled back")
	}
	t.fail(cause, time.Now())
}

// cascadeRollback rolls back every other active transaction overlapping
// t. Each victim's rollback runs fail, which cascades in turn to the
// transactions overlapping that victim; a transaction that has already
// failed is skipped, so each one is rolled back at most once.
func (m *Manager[K, V]) cascadeRollback(t *transaction[K, V]) {
	m.mu.Lock()
	victims := make([]*transaction[K, V], 0)
	for _, other := range m.active {
		if other.id == t.id {
			continue
		}
		other.mu.Lock()
		terminal := other.isTerminalLocked()
		other.mu.Unlock()
		if !terminal && overlaps(t, other) {
			victims = append(victims, other)
		}
	}
	m.mu.Unlock()

	if len(victims) == 0 {
		return
	}
	var mu sync.Mutex
	var cascadeErr error
	g, _ := errgroup.WithContext(context.Background())
	for _, v := range victims {
		v := v
		g.Go(func() error {
			v.rollback(errors.Annotatef(t.err, "cascaded from overlapping transaction %s", t.id))
			return nil
		})
	}
	_ = g.Wait()
	for _, v := range victims {
		if _, err := v.isPersisted.Settled(); err != nil {
			mu.Lock()
			cascadeErr = multierr.Append(cascadeErr, err)
			mu.Unlock()
		}
	}
	if cascadeErr != nil {
		m.cfg.Logger.Warnf("cascade rollback from transaction %s: %v", t.id, cascadeErr)
	}
}

// releaseQueuedBehind re-attempts commit, in FIFO order, for every
// transaction queued behind t (spec.md §4.2: "any queued transactions
// pointing at this one are released in FIFO order and processed").
func (m *Manager[K, V]) releaseQueuedBehind(t *transaction[K, V]) {
	m.mu.Lock()
	var queued []*transaction[K, V]
	for _, other := range m.active {
		other.mu.Lock()
		if other.state == StateQueued && other.queuedBehind == t.id {
			queued = append(queued, other)
		}
		other.mu.Unlock()
	}
	m.mu.Unlock()

	sortBySeq(queued)
	for _, q := range queued {
		q.mu.Lock()
		q.state = StatePending
		q.queuedBehind = ""
		q.mu.Unlock()
		q.commit(context.Background())
	}
}

func sortBySeq[K comparable, V any](ts []*transaction[K, V]) {
	for i := 1; i < len(ts); i++ {
		for j := i; j > 0 && ts[j-1].seq > ts[j].seq; j-- {
			ts[j-1], ts[j] = ts[j], ts[j-1]
		}
	}
}

func strategyName(s Strategy) string {
	if s == Ordered {
		return "ordered"
	}
	return "parallel"
}
