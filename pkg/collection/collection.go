// Package collection implements the keyed collection core from spec.md
// §4.1: the synced map + optimistic overlay + visible state, the status
// state machine, subscription fan-out with batch folding, and synchronous
// secondary-index maintenance.
package collection

import (
	"context"
	"sync"
	"time"

	"github.com/pingcap/errors"
	"github.com/siddontang/loggers"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/block/reactivedb/pkg/change"
	"github.com/block/reactivedb/pkg/index"
	"github.com/block/reactivedb/pkg/metrics"
	"github.com/block/reactivedb/pkg/rdberrors"
	"github.com/block/reactivedb/pkg/rowvalue"
	"github.com/block/reactivedb/pkg/schema"

	"go.uber.org/atomic"
)

// overlayEntry is one transaction's current mutation on a key. Only the
// latest call for a given (txnID, key) is kept — spec.md §4.2 merges
// repeated mutations on the same key within a transaction before they
// ever reach the collection.
type overlayEntry[K comparable, V any] struct {
	txnSeq int64
	txnID  string
	typ    change.Type
	value  V
}

type registeredIndex[K comparable, V any] struct {
	id    string
	field string // set only by CreateFieldIndex; "" means "not field-addressable"
	idx   index.Index[K]
	expr  func(V) rowvalue.Value
}

type subscriberEntry[K comparable, V any] struct {
	id int64
	cb func([]change.Change[K, V])
}

// Config bundles a Collection's ambient dependencies, mirroring the
// teacher's *Config-with-defaults convention (dbconn.NewDBConfig).
type Config struct {
	Logger  loggers.Advanced
	Metrics metrics.Sink
}

func NewConfig() *Config {
	return &Config{Logger: logrus.New(), Metrics: metrics.NoopSink{}}
}

// Collection is the generic keyed store described by spec.md §3/§4.1.
type Collection[K comparable, V any] struct {
	id     string
	getKey func(V) K
	rowOf  func(V) rowvalue.Row
	schema schema.Schema
	source Source[K, V]

	logger  loggers.Advanced
	metrics metrics.Sink

	mu         sync.Mutex
	syncedMap  map[K]V
	visible    map[K]V
	overlay    map[K][]overlayEntry[K, V]
	changeLog  []change.Change[K, V]
	indexes    map[string]*registeredIndex[K, V]
	nextIdxID  int64
	subs       map[int64]*subscriberEntry[K, V]
	nextSubID  int64

	status    atomic.Int32
	lastError error

	inBatch    bool
	pendingRaw []change.Change[K, V]

	cancelSource context.CancelFunc
}

// New constructs a Collection. getKey derives a record's key; rowOf
// projects a record into the dynamic Row model expressions and indexes
// operate over.
func New[K comparable, V any](id string, getKey func(V) K, rowOf func(V) rowvalue.Row, src Source[K, V], sch schema.Schema, cfg *Config) *Collection[K, V] {
	if cfg == nil {
		cfg = NewConfig()
	}
	return &Collection[K, V]{
		id:      id,
		getKey:  getKey,
		rowOf:   rowOf,
		schema:  sch,
		source:  src,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,

		syncedMap: make(map[K]V),
		visible:   make(map[K]V),
		overlay:   make(map[K][]overlayEntry[K, V]),
		indexes:   make(map[string]*registeredIndex[K, V]),
		subs:      make(map[int64]*subscriberEntry[K, V]),
	}
}

func (c *Collection[K, V]) ID() string       { return c.id }
func (c *Collection[K, V]) Status() Status   { return Status(c.status.Load()) }
func (c *Collection[K, V]) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastError
}

// --- read accessors -------------------------------------------------------

func (c *Collection[K, V]) Get(k K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.visible[k]
	return v, ok
}

func (c *Collection[K, V]) Has(k K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.visible[k]
	return ok
}

func (c *Collection[K, V]) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.visible)
}

func (c *Collection[K, V]) Entries() map[K]V {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[K]V, len(c.visible))
	for k, v := range c.visible {
		out[k] = v
	}
	return out
}

func (c *Collection[K, V]) Values() []V {
	entries := c.Entries()
	out := make([]V, 0, len(entries))
	for _, v := range entries {
		out = append(out, v)
	}
	return out
}

func (c *Collection[K, V]) ToArray() []V { return c.Values() }

func (c *Collection[K, V]) GetOptimisticInfo(k K) OptimisticInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	entries := c.overlay[k]
	return OptimisticInfo{IsOptimistic: len(entries) > 0, Mutations: len(entries)}
}

// --- indexes --------------------------------------------------------------

// CreateIndex registers a new secondary index over expr and builds it
// from the current visible state. Synchronous, like every index mutation
// in this engine (spec.md §4.1).
func (c *Collection[K, V]) CreateIndex(expr func(V) rowvalue.Value, kind index.Kind) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextIdxID++
	id := indexIDFor(c.id, c.nextIdxID)
	idx := index.New[K](kind)
	idx.Build(c.buildIndexEntriesLocked(id, expr))
	c.indexes[id] = &registeredIndex[K, V]{id: id, idx: idx, expr: expr}
	return id
}

// CreateFieldIndex is CreateIndex's common case: indexing a single named
// row field. Recording the field name lets IndexForField answer "is
// there already an index I can probe for field = x", which is what turns
// a poolable equality predicate into a bounded index.Lookup instead of a
// full scan when a live query first materializes (spec.md §4.4, §4.5).
func (c *Collection[K, V]) CreateFieldIndex(field string, kind index.Kind) string {
	exprFn := func(v V) rowvalue.Value { return c.rowOf(v)[field] }
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextIdxID++
	id := indexIDFor(c.id, c.nextIdxID)
	idx := index.New[K](kind)
	idx.Build(c.buildIndexEntriesLocked(id, exprFn))
	c.indexes[id] = &registeredIndex[K, V]{id: id, field: field, idx: idx, expr: exprFn}
	return id
}

// buildIndexEntriesLocked evaluates expr over every currently visible
// record, fanned out across a bounded worker pool: each row's evaluation
// is independent, and CreateIndex/CreateFieldIndex are called
// synchronously from user code that shouldn't pay for a sequential scan
// on a large collection (the teacher's bounded-concurrency fan-out
// convention, applied here with golang.org/x/sync/errgroup the same way
// pkg/txn's cascadeRollback bounds its victim-rollback fan-out). Caller
// must hold c.mu.
func (c *Collection[K, V]) buildIndexEntriesLocked(id string, expr func(V) rowvalue.Value) []index.Entry[K] {
	keys := make([]K, 0, len(c.visible))
	values := make([]V, 0, len(c.visible))
	for k, v := range c.visible {
		keys = append(keys, k)
		values = append(values, v)
	}
	entries := make([]index.Entry[K], len(keys))
	g := new(errgroup.Group)
	g.SetLimit(indexBuildConcurrency)
	for i := range keys {
		i := i
		g.Go(func() error {
			entries[i] = index.Entry[K]{Key: keys[i], Value: c.evalIndexExpr(id, expr, values[i])}
			return nil
		})
	}
	_ = g.Wait() // evalIndexExpr never returns an error; it recovers its own panics
	return entries
}

// indexBuildConcurrency bounds the worker count buildIndexEntriesLocked
// fans out to.
const indexBuildConcurrency = 8

func (c *Collection[K, V]) Index(id string) (index.Index[K], bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ri, ok := c.indexes[id]
	if !ok {
		return nil, false
	}
	return ri.idx, true
}

// IndexForField returns an index registered over field, if any. When
// several are registered over the same field, which one is returned is
// not defined.
func (c *Collection[K, V]) IndexForField(field string) (index.Index[K], bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ri := range c.indexes {
		if ri.field != "" && ri.field == field {
			return ri.idx, true
		}
	}
	return nil, false
}

func (c *Collection[K, V]) DropIndex(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.indexes, id)
}

// evalIndexExpr evaluates an index expression, isolating a panic as an
// IndexEvaluationError warning so the collection stays operational
// (spec.md §7) instead of evaluating it inline and crashing the caller.
func (c *Collection[K, V]) evalIndexExpr(id string, expr func(V) rowvalue.Value, v V) (out rowvalue.Value) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Warnf("index evaluation error: %v", rdberrors.NewIndexEvaluationError(id, errors.Errorf("%v", r)))
			out = rowvalue.Undefined()
		}
	}()
	return expr(v)
}

func (c *Collection[K, V]) updateIndexesLocked(oldValue, newValue *V) {
	for _, ri := range c.indexes {
		switch {
		case oldValue == nil && newValue != nil:
			ri.idx.Add(c.getKey(*newValue), c.evalIndexExpr(ri.id, ri.expr, *newValue))
		case oldValue != nil && newValue == nil:
			ri.idx.Remove(c.getKey(*oldValue), c.evalIndexExpr(ri.id, ri.expr, *oldValue))
		case oldValue != nil && newValue != nil:
			ri.idx.Update(c.getKey(*newValue),
				c.evalIndexExpr(ri.id, ri.expr, *oldValue),
				c.evalIndexExpr(ri.id, ri.expr, *newValue))
		}
	}
}

// --- subscription fan-out --------------------------------------------------

func (c *Collection[K, V]) SubscribeChanges(cb func([]change.Change[K, V]), opts SubscribeOptions) Unsubscribe {
	c.mu.Lock()
	c.nextSubID++
	id := c.nextSubID
	c.subs[id] = &subscriberEntry[K, V]{id: id, cb: cb}
	var initial []change.Change[K, V]
	if opts.IncludeInitialState {
		initial = make([]change.Change[K, V], 0, len(c.visible))
		for k, v := range c.visible {
			initial = append(initial, change.Change[K, V]{Type: change.Insert, Key: k, Value: v})
		}
	}
	c.mu.Unlock()

	if initial != nil {
		// Replayed "in a microtask" per spec.md §4.1: deferred to its own
		// goroutine so it never runs reentrantly inside the caller's
		// subscribeChanges call.
		go cb(initial)
	}

	return func() {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
	}
}

func (c *Collection[K, V]) notify(batch []change.Change[K, V]) {
	if len(batch) == 0 {
		return
	}
	c.mu.Lock()
	subs := make([]*subscriberEntry[K, V], 0, len(c.subs))
	for _, s := range c.subs {
		subs = append(subs, s)
	}
	c.mu.Unlock()
	for _, s := range subs {
		s.cb(batch)
	}
}

// --- lifecycle --------------------------------------------------------------

func (c *Collection[K, V]) Preload() error {
	return c.StartSync(context.Background())
}

// StateWhenReady blocks until the collection reaches StatusReady or
// StatusError, returning the latter as an error.
func (c *Collection[K, V]) StateWhenReady(ctx context.Context) error {
	if err := c.StartSync(ctx); err != nil {
		return err
	}
	for {
		switch c.Status() {
		case StatusReady:
			return nil
		case StatusError:
			return c.LastError()
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
}

func (c *Collection[K, V]) StartSync(ctx context.Context) error {
	c.restartIfCleanedUp()
	c.mu.Lock()
	if c.status.Load() != int32(StatusIdle) {
		c.mu.Unlock()
		return nil
	}
	c.status.Store(int32(StatusLoading))
	runCtx, cancel := context.WithCancel(ctx)
	c.cancelSource = cancel
	c.mu.Unlock()

	if c.source == nil {
		c.status.Store(int32(StatusReady))
		return nil
	}
	go func() {
		if err := c.source.Run(runCtx, &feedAdapter[K, V]{c: c}); err != nil && runCtx.Err() == nil {
			c.mu.Lock()
			c.lastError = err
			c.status.Store(int32(StatusError))
			c.mu.Unlock()
			c.logger.Errorf("collection %s: source error: %v", c.id, err)
		}
	}()
	return nil
}

// Cleanup unsubscribes from the source and drops all state; a later
// StartSync (directly or via Preload/StateWhenReady) restarts sync from
// scratch (spec.md §4.1). Reads such as Get or Size do not restart it.
func (c *Collection[K, V]) Cleanup() {
	c.mu.Lock()
	if c.cancelSource != nil {
		c.cancelSource()
		c.cancelSource = nil
	}
	c.syncedMap = make(map[K]V)
	c.visible = make(map[K]V)
	c.overlay = make(map[K][]overlayEntry[K, V])
	c.changeLog = nil
	c.indexes = make(map[string]*registeredIndex[K, V])
	c.subs = make(map[int64]*subscriberEntry[K, V])
	c.status.Store(int32(StatusCleanedUp))
	c.mu.Unlock()
}

// restart transitions a cleaned-up collection back to idle so the next
// access triggers a fresh sync, per spec.md §4.1.
func (c *Collection[K, V]) restartIfCleanedUp() {
	c.mu.Lock()
	if c.status.Load() == int32(StatusCleanedUp) {
		c.status.Store(int32(StatusIdle))
	}
	c.mu.Unlock()
}
