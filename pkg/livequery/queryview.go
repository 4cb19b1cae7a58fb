package livequery

import (
	"context"
	"sync"

	"go.uber.org/atomic"

	"github.com/block/reactivedb/pkg/change"
	"github.com/block/reactivedb/pkg/collection"
	"github.com/block/reactivedb/pkg/dataflow"
	"github.com/block/reactivedb/pkg/index"
	"github.com/block/reactivedb/pkg/planner"
	"github.com/block/reactivedb/pkg/query"
	"github.com/block/reactivedb/pkg/rowvalue"
)

// joinedSource materializes a planner.Plan's From-plus-Joins stage as a
// single collection.Like source keyed by the From collection's own key,
// so QueryView's where/groupBy/select/window pipeline runs over one
// uniform stream regardless of how many collections the query names.
//
// This engine's joins are identity joins (spec.md §5.1): every source
// shares the From collection's key domain, so a join step is "does With
// have this key, and if so does the On residual hold against the row
// merged so far" rather than a key-extractor equi-join. That lets a
// changed key be resolved by direct Get calls against every source
// instead of replaying dataflow.JoinOp's bilinear snapshot algebra across
// more than two sources — still bounded to the touched keys, just not
// expressed as multiset deltas for the join step itself.
type joinedSource struct {
	plan *planner.Plan

	mu     sync.Mutex
	joined map[string]rowvalue.Row
	subs   map[int64]func([]change.Change[string, rowvalue.Row])
	nextID int64

	status atomic.Int32
	unsubs []collection.Unsubscribe

	bounded bool
	keys    map[string]struct{} // non-nil when bounded: the key set this source was seeded with
}

func newJoinedSource(plan *planner.Plan) *joinedSource {
	return &joinedSource{
		plan:   plan,
		joined: make(map[string]rowvalue.Row),
		subs:   make(map[int64]func([]change.Change[string, rowvalue.Row])),
	}
}

// StartSync starts the From source and every join source, then seeds
// initial state. When the query's Where carries an equality hint and
// From exposes an index over that field, only the matching keys are
// fetched (spec.md §4.4, §4.5's bounded-lookup path); otherwise every
// source subscribes with IncludeInitialState so no row is missed.
func (s *joinedSource) StartSync(ctx context.Context, bindings map[string]rowvalue.Value) error {
	s.status.Store(int32(collection.StatusLoading))
	if err := s.plan.From.StartSync(ctx); err != nil {
		s.status.Store(int32(collection.StatusError))
		return err
	}
	for _, j := range s.plan.Joins {
		if err := j.With.StartSync(ctx); err != nil {
			s.status.Store(int32(collection.StatusError))
			return err
		}
	}

	field, value, hasHint := s.plan.EqualityHint(bindings)
	var boundKeys []string
	if hasHint {
		if idx, ok := indexForField(s.plan.From, field); ok {
			matched := idx.Lookup(index.Eq, value)
			boundKeys = make([]string, 0, len(matched))
			for k := range matched {
				boundKeys = append(boundKeys, k)
			}
		}
	}

	s.mu.Lock()
	if boundKeys != nil {
		s.bounded = true
		s.keys = make(map[string]struct{}, len(boundKeys))
		for _, k := range boundKeys {
			s.keys[k] = struct{}{}
		}
	}
	s.mu.Unlock()

	if s.bounded {
		for _, k := range boundKeys {
			s.recomputeAndApply(k)
		}
		s.unsubs = append(s.unsubs, s.plan.From.SubscribeChanges(s.onAnySourceChange, collection.SubscribeOptions{IncludeInitialState: false}))
	} else {
		s.unsubs = append(s.unsubs, s.plan.From.SubscribeChanges(s.onAnySourceChange, collection.SubscribeOptions{IncludeInitialState: true}))
	}
	for _, j := range s.plan.Joins {
		s.unsubs = append(s.unsubs, j.With.SubscribeChanges(s.onAnySourceChange, collection.SubscribeOptions{IncludeInitialState: false}))
	}

	s.status.Store(int32(collection.StatusReady))
	return nil
}

func indexForField(src planner.RowSource, field string) (index.Index[string], bool) {
	type fieldIndexed interface {
		IndexForField(field string) (index.Index[string], bool)
	}
	fi, ok := src.(fieldIndexed)
	if !ok {
		return nil, false
	}
	return fi.IndexForField(field)
}

// onAnySourceChange is the shared callback for every source's
// subscription: any change batch, from From or any join source, can only
// move the key(s) it names, so the join is recomputed per touched key
// rather than for the whole collection.
func (s *joinedSource) onAnySourceChange(batch []change.Change[string, rowvalue.Row]) {
	for _, ch := range batch {
		s.recomputeAndApply(ch.Key)
	}
}

// computeJoinedRow resolves k's full join chain by direct lookup against
// From and every join source, applying each JoinStage's On residual over
// the row merged so far.
func (s *joinedSource) computeJoinedRow(k string) (rowvalue.Row, bool) {
	base, ok := s.plan.From.Get(k)
	if !ok {
		return nil, false
	}
	merged := rowvalue.Row{}
	for field, v := range base {
		merged[field] = v
	}

	for _, j := range s.plan.Joins {
		other, found := j.With.Get(k)
		switch j.Kind {
		case dataflow.JoinInner:
			if !found {
				return nil, false
			}
		case dataflow.JoinLeft:
			// unmatched right is simply absent from merged; fields keep
			// their zero (Undefined, via a missing map key).
		case dataflow.JoinRight, dataflow.JoinFull:
			// an N-way identity join has no row of its own to emit for
			// an unmatched right side without a matching From row, so
			// Right/Full degrade to Left here: the From row always
			// anchors the merged row.
		}
		if found {
			for field, v := range other {
				merged[field] = v
			}
		}
		if j.On != nil {
			ok := false
			if v := j.On(merged); v.Kind() == rowvalue.KindBool {
				ok = v.Bool()
			}
			if !ok {
				return nil, false
			}
		}
	}
	return merged, true
}

func (s *joinedSource) recomputeAndApply(k string) {
	row, ok := s.computeJoinedRow(k)

	s.mu.Lock()
	if s.bounded {
		if _, inScope := s.keys[k]; !inScope {
			if ok {
				s.keys[k] = struct{}{}
			} else {
				s.mu.Unlock()
				return
			}
		}
	}
	prev, had := s.joined[k]
	var out []change.Change[string, rowvalue.Row]
	switch {
	case ok && had:
		s.joined[k] = row
		out = []change.Change[string, rowvalue.Row]{{Type: change.Update, Key: k, Value: row, PreviousValue: &prev}}
	case ok && !had:
		s.joined[k] = row
		out = []change.Change[string, rowvalue.Row]{{Type: change.Insert, Key: k, Value: row}}
	case !ok && had:
		delete(s.joined, k)
		out = []change.Change[string, rowvalue.Row]{{Type: change.Delete, Key: k, Value: prev}}
	default:
		s.mu.Unlock()
		return
	}
	subs := make([]func([]change.Change[string, rowvalue.Row]), 0, len(s.subs))
	for _, cb := range s.subs {
		subs = append(subs, cb)
	}
	s.mu.Unlock()

	for _, cb := range subs {
		cb(out)
	}
}

func (s *joinedSource) Get(k string) (rowvalue.Row, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.joined[k]
	return v, ok
}

func (s *joinedSource) Has(k string) bool { _, ok := s.Get(k); return ok }

func (s *joinedSource) Entries() map[string]rowvalue.Row {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]rowvalue.Row, len(s.joined))
	for k, v := range s.joined {
		out[k] = v
	}
	return out
}

func (s *joinedSource) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.joined)
}

func (s *joinedSource) Status() collection.Status { return collection.Status(s.status.Load()) }

func (s *joinedSource) SubscribeChanges(cb func([]change.Change[string, rowvalue.Row]), opts collection.SubscribeOptions) collection.Unsubscribe {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = cb
	var initial []change.Change[string, rowvalue.Row]
	if opts.IncludeInitialState {
		for k, v := range s.joined {
			initial = append(initial, change.Change[string, rowvalue.Row]{Type: change.Insert, Key: k, Value: v})
		}
	}
	s.mu.Unlock()
	if len(initial) > 0 {
		go cb(initial)
	}
	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

func (s *joinedSource) Cleanup() {
	s.mu.Lock()
	unsubs := s.unsubs
	s.unsubs = nil
	s.joined = make(map[string]rowvalue.Row)
	s.subs = make(map[int64]func([]change.Change[string, rowvalue.Row]))
	s.mu.Unlock()
	for _, u := range unsubs {
		u()
	}
	s.status.Store(int32(collection.StatusCleanedUp))
}

// releaseFunc tears down a source acquired through AcquireJoinedSource:
// Cleanup directly for a private source, or query.Pool.Release for a
// pooled one.
type releaseFunc func()

// AcquireJoinedSource returns the RowSource a QueryView should run its
// own where/groupBy/select/window pipeline over: a private joinedSource
// when pool is nil or the plan isn't poolable, or a pooled one shared
// across every call site whose query compiles to the same fingerprint
// (spec.md §5.3, §9). Pooling only ever shares the upstream join
// materialization — everything downstream of Where (the filter itself,
// groupBy, select, distinct, window) stays private per QueryView, since
// that is exactly what differs between two calls sharing a fingerprint
// but bound to different parameter values.
func AcquireJoinedSource(ctx context.Context, pool *query.Pool, plan *planner.Plan, bindings map[string]rowvalue.Value) (planner.RowSource, releaseFunc, error) {
	if pool == nil || !plan.Poolable {
		src := newJoinedSource(plan)
		if err := src.StartSync(ctx, bindings); err != nil {
			return nil, nil, err
		}
		return src, func() { src.Cleanup() }, nil
	}

	var startErr error
	entry := pool.Acquire(plan.Query, func() any {
		src := newJoinedSource(plan)
		startErr = src.StartSync(ctx, bindings)
		return src
	})
	if startErr != nil {
		pool.Release(plan.Query, func(graph any) { graph.(*joinedSource).Cleanup() })
		return nil, nil, startErr
	}
	src := entry.Graph.(*joinedSource)
	release := func() {
		pool.Release(plan.Query, func(graph any) { graph.(*joinedSource).Cleanup() })
	}
	return src, release, nil
}

// QueryView runs a compiled planner.Plan's where/groupBy/having/select/
// distinct/window pipeline over a RowSource (typically a joinedSource
// acquired via AcquireJoinedSource) and republishes the result as a
// collection.Like, so a live query can itself be queried or joined
// exactly like a base collection (spec.md §4.3, §5, §9).
type QueryView struct {
	plan     *planner.Plan
	bindings map[string]rowvalue.Value
	source   planner.RowSource
	release  releaseFunc

	mu    sync.Mutex
	state map[string]rowvalue.Row
	subs  map[int64]func([]change.Change[string, rowvalue.Row])
	nextID int64

	groups        map[string]*dataflow.GroupState[rowvalue.Row, planner.GroupAcc]
	distinctCount map[string]int
	distinctLast  map[string]rowvalue.Row
	topK          *dataflow.TopKState[string, rowvalue.Row]

	status atomic.Int32
	unsub  collection.Unsubscribe
}

// NewQueryView wires plan to source (already started) with the given
// parameter bindings.
func NewQueryView(plan *planner.Plan, source planner.RowSource, release releaseFunc, bindings map[string]rowvalue.Value) *QueryView {
	return &QueryView{
		plan:     plan,
		bindings: bindings,
		source:   source,
		release:  release,
		state:    make(map[string]rowvalue.Row),
		subs:     make(map[int64]func([]change.Change[string, rowvalue.Row])),

		groups:        make(map[string]*dataflow.GroupState[rowvalue.Row, planner.GroupAcc]),
		distinctCount: make(map[string]int),
		distinctLast:  make(map[string]rowvalue.Row),
		topK:          dataflow.NewTopKState[string, rowvalue.Row](),
	}
}

// StartSync subscribes to source; source is assumed already started by
// AcquireJoinedSource (a pooled source may already be Ready by the time a
// second QueryView attaches to it).
func (v *QueryView) StartSync(ctx context.Context) error {
	v.status.Store(int32(collection.StatusLoading))
	v.unsub = v.source.SubscribeChanges(v.onSourceChanges, collection.SubscribeOptions{IncludeInitialState: true})
	v.status.Store(int32(collection.StatusReady))
	return nil
}

func (v *QueryView) onSourceChanges(batch []change.Change[string, rowvalue.Row]) {
	bound := make([]change.Change[string, rowvalue.Row], len(batch))
	for i, c := range batch {
		bound[i] = change.Change[string, rowvalue.Row]{Type: c.Type, Key: c.Key, Value: planner.WithBindings(c.Value, v.bindings)}
		if c.PreviousValue != nil {
			prev := planner.WithBindings(*c.PreviousValue, v.bindings)
			bound[i].PreviousValue = &prev
		}
	}

	deltas := dataflow.FromChanges(bound)
	deltas = dataflow.FilterOp(deltas, v.plan.ApplyWhere)

	if v.plan.HasGroupBy() {
		deltas = v.runGroupBy(deltas)
	} else {
		deltas = dataflow.MapOp(deltas, v.plan.ApplySelect)
	}

	if v.plan.Distinct {
		// Distinctness is judged on the projected row's content, not the
		// source row's key, so the stream is rekeyed to its own value
		// identity first: two different source keys projecting the same
		// row must collapse to one, which DistinctOp can only do if they
		// already share a key.
		deltas = dataflow.KeyByOp(deltas, valueKey[rowvalue.Row])
		deltas = dataflow.DistinctOp(v.distinctCount, v.distinctLast, deltas)
	}

	if v.plan.Windowed() {
		less := v.plan.Less()
		if less == nil {
			less = func(a, b rowvalue.Row) bool { return valueKey(a) < valueKey(b) }
		}
		limit := v.plan.Limit
		if limit <= 0 {
			limit = -1
		}
		deltas = dataflow.TopKOp(v.topK, deltas, limit, v.plan.Offset, less)
	}

	consolidated := dataflow.Consolidate(deltas, valueKey[rowvalue.Row])
	out := dataflow.ToChanges(consolidated)
	if len(out) == 0 {
		return
	}

	v.mu.Lock()
	for _, ch := range out {
		switch ch.Type {
		case change.Insert, change.Update:
			v.state[ch.Key] = ch.Value
		case change.Delete:
			delete(v.state, ch.Key)
		}
	}
	if v.plan.SingleOnly && len(v.state) > 1 {
		kept := false
		for k := range v.state {
			if !kept {
				kept = true
				continue
			}
			delete(v.state, k)
		}
	}
	subs := make([]func([]change.Change[string, rowvalue.Row]), 0, len(v.subs))
	for _, cb := range v.subs {
		subs = append(subs, cb)
	}
	v.mu.Unlock()

	for _, cb := range subs {
		cb(out)
	}
}

// runGroupBy folds each delta into its group's accumulator (rekeyed by
// planner.Plan.GroupKey), recomputing that group's aggregates, then
// filters by Having and projects through Select. GroupAcc.Apply retains
// every member row so Min/Max aggregates can be retracted without a
// collection rescan, mirroring TopKState's candidate-retention precedent.
// applyGroup plays the role dataflow.ReduceOp plays for a scalar
// accumulator; grouping needs the richer GroupAcc.Apply/Row pair instead
// of a single ReduceFn, since Having and Select both need the group's
// full member set, not just its folded value.
func (v *QueryView) runGroupBy(in []dataflow.Delta[string, rowvalue.Row]) []dataflow.Delta[string, rowvalue.Row] {
	byGroup := make(map[string][]dataflow.Delta[string, rowvalue.Row], len(in))
	order := make([]string, 0, len(in))
	for _, d := range in {
		gk := v.plan.GroupKey(d.Value)
		if _, ok := byGroup[gk]; !ok {
			order = append(order, gk)
		}
		byGroup[gk] = append(byGroup[gk], d)
	}

	reduced := make([]dataflow.Delta[string, rowvalue.Row], 0, len(order)*2)
	for _, gk := range order {
		reduced = append(reduced, v.applyGroup(gk, byGroup[gk])...)
	}
	return reduced
}

// applyGroup folds members into group gk's GroupAcc and emits the
// retraction/insertion pair for the grouped, having-filtered, projected
// row.
func (v *QueryView) applyGroup(gk string, members []dataflow.Delta[string, rowvalue.Row]) []dataflow.Delta[string, rowvalue.Row] {
	gs, ok := v.groups[gk]
	if !ok {
		gs = &dataflow.GroupState[rowvalue.Row, planner.GroupAcc]{Acc: planner.GroupAcc{}}
		v.groups[gk] = gs
	}
	oldRow, oldOk := gs.Acc.Row(), len(gs.Acc.Members) > 0
	oldProjected := v.plan.ApplySelect(oldRow)
	oldVisible := oldOk && v.plan.ApplyHaving(oldProjected)

	for _, d := range members {
		memberID := valueKey(d.Value)
		gs.Acc = gs.Acc.Apply(memberID, d.Value, d.Mult, v.plan.Aggregates)
		gs.Count += d.Mult
	}

	newRow := gs.Acc.Row()
	newOk := len(gs.Acc.Members) > 0
	newProjected := v.plan.ApplySelect(newRow)
	newVisible := newOk && v.plan.ApplyHaving(newProjected)

	out := make([]dataflow.Delta[string, rowvalue.Row], 0, 2)
	if oldVisible {
		out = append(out, dataflow.Delta[string, rowvalue.Row]{Key: gk, Value: oldProjected, Mult: -1})
	}
	if !newOk {
		delete(v.groups, gk)
	}
	if newVisible {
		out = append(out, dataflow.Delta[string, rowvalue.Row]{Key: gk, Value: newProjected, Mult: 1})
	}
	return out
}

func (v *QueryView) Get(k string) (rowvalue.Row, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	r, ok := v.state[k]
	return r, ok
}

func (v *QueryView) Has(k string) bool { _, ok := v.Get(k); return ok }

func (v *QueryView) Entries() map[string]rowvalue.Row {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make(map[string]rowvalue.Row, len(v.state))
	for k, r := range v.state {
		out[k] = r
	}
	return out
}

func (v *QueryView) Size() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.state)
}

func (v *QueryView) Status() collection.Status { return collection.Status(v.status.Load()) }

func (v *QueryView) SubscribeChanges(cb func([]change.Change[string, rowvalue.Row]), opts collection.SubscribeOptions) collection.Unsubscribe {
	v.mu.Lock()
	id := v.nextID
	v.nextID++
	v.subs[id] = cb
	var initial []change.Change[string, rowvalue.Row]
	if opts.IncludeInitialState {
		for k, r := range v.state {
			initial = append(initial, change.Change[string, rowvalue.Row]{Type: change.Insert, Key: k, Value: r})
		}
	}
	v.mu.Unlock()
	if len(initial) > 0 {
		go cb(initial)
	}
	return func() {
		v.mu.Lock()
		delete(v.subs, id)
		v.mu.Unlock()
	}
}

// Cleanup unsubscribes from source and releases it (tearing the
// underlying joinedSource down only if this was the last QueryView
// sharing a pooled one).
func (v *QueryView) Cleanup() {
	v.mu.Lock()
	unsub := v.unsub
	v.unsub = nil
	v.state = make(map[string]rowvalue.Row)
	v.subs = make(map[int64]func([]change.Change[string, rowvalue.Row]))
	v.mu.Unlock()
	if unsub != nil {
		unsub()
	}
	if v.release != nil {
		v.release()
	}
	v.status.Store(int32(collection.StatusCleanedUp))
}

// FetchSnapshot proxies to source, running the same where/select
// pipeline over each returned record, so a downstream progressive-mode
// consumer can read through a QueryView without waiting for it to reach
// Ready.
func (v *QueryView) FetchSnapshot(ctx context.Context, keys []string) (map[string]rowvalue.Row, error) {
	type snapshotSource interface {
		FetchSnapshot(ctx context.Context, keys []string) (map[string]rowvalue.Row, error)
	}
	ss, ok := v.source.(snapshotSource)
	if !ok {
		return map[string]rowvalue.Row{}, nil
	}
	raw, err := ss.FetchSnapshot(ctx, keys)
	if err != nil {
		return nil, err
	}
	out := make(map[string]rowvalue.Row, len(raw))
	for k, r := range raw {
		bound := planner.WithBindings(r, v.bindings)
		if !v.plan.ApplyWhere(bound) {
			continue
		}
		out[k] = v.plan.ApplySelect(bound)
	}
	return out, nil
}
