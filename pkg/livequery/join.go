package livequery

import (
	"context"
	"sync"

	"go.uber.org/atomic"

	"github.com/block/reactivedb/pkg/change"
	"github.com/block/reactivedb/pkg/collection"
	"github.com/block/reactivedb/pkg/dataflow"
)

// snapshotter is satisfied by both collection.Collection and Coordinator,
// letting JoinView read through either kind of upstream without a type
// switch at every call site.
type snapshotter[K comparable, V any] interface {
	FetchSnapshot(ctx context.Context, keys []K) (map[K]V, error)
}

// JoinView maintains the incremental join of two same-keyed
// collection.Like sources. Matches against the other side are resolved
// through that side's FetchSnapshot, whether or not it is still in its
// initial sync, rather than its (possibly incomplete) in-memory state,
// per spec.md §9's note that progressive-mode joins must never wait on a
// post-ready snapshot request. A side without FetchSnapshot, or whose
// FetchSnapshot returns an error, is read through Get instead.
type JoinView[K comparable, L, R any] struct {
	left  collection.Like[K, L]
	right collection.Like[K, R]
	kind  dataflow.JoinKind

	mu    sync.Mutex
	state map[K]dataflow.Joined[L, R]
	subs  map[int64]func([]change.Change[K, dataflow.Joined[L, R]])
	nextID int64

	status      atomic.Int32
	unsubLeft   collection.Unsubscribe
	unsubRight  collection.Unsubscribe
}

func NewJoinView[K comparable, L, R any](left collection.Like[K, L], right collection.Like[K, R], kind dataflow.JoinKind) *JoinView[K, L, R] {
	return &JoinView[K, L, R]{
		left: left, right: right, kind: kind,
		state: make(map[K]dataflow.Joined[L, R]),
		subs:  make(map[int64]func([]change.Change[K, dataflow.Joined[L, R]])),
	}
}

func (j *JoinView[K, L, R]) StartSync(ctx context.Context) error {
	j.status.Store(int32(collection.StatusLoading))
	if err := j.left.StartSync(ctx); err != nil {
		j.status.Store(int32(collection.StatusError))
		return err
	}
	if err := j.right.StartSync(ctx); err != nil {
		j.status.Store(int32(collection.StatusError))
		return err
	}
	j.unsubLeft = j.left.SubscribeChanges(j.onLeftChanges, collection.SubscribeOptions{IncludeInitialState: true})
	j.unsubRight = j.right.SubscribeChanges(j.onRightChanges, collection.SubscribeOptions{IncludeInitialState: true})
	j.status.Store(int32(collection.StatusReady))
	return nil
}

func (j *JoinView[K, L, R]) fetchRight(ctx context.Context, keys []K) map[K][]R {
	out := make(map[K][]R, len(keys))
	if ss, ok := j.right.(snapshotter[K, R]); ok {
		if snap, err := ss.FetchSnapshot(ctx, keys); err == nil {
			for k, v := range snap {
				out[k] = append(out[k], v)
			}
			return out
		}
	}
	for _, k := range keys {
		if v, ok := j.right.Get(k); ok {
			out[k] = append(out[k], v)
		}
	}
	return out
}

func (j *JoinView[K, L, R]) fetchLeft(ctx context.Context, keys []K) map[K][]L {
	out := make(map[K][]L, len(keys))
	if ss, ok := j.left.(snapshotter[K, L]); ok {
		if snap, err := ss.FetchSnapshot(ctx, keys); err == nil {
			for k, v := range snap {
				out[k] = append(out[k], v)
			}
			return out
		}
	}
	for _, k := range keys {
		if v, ok := j.left.Get(k); ok {
			out[k] = append(out[k], v)
		}
	}
	return out
}

func (j *JoinView[K, L, R]) onLeftChanges(batch []change.Change[K, L]) {
	ctx := context.Background()
	deltas := dataflow.FromChanges(batch)
	keys := make([]K, 0, len(deltas))
	for _, d := range deltas {
		keys = append(keys, d.Key)
	}
	rightSnap := j.fetchRight(ctx, keys)
	joined := dataflow.JoinOp(deltas, rightSnap, nil, nil, j.kind)
	j.applyAndNotify(joined)
}

func (j *JoinView[K, L, R]) onRightChanges(batch []change.Change[K, R]) {
	ctx := context.Background()
	deltas := dataflow.FromChanges(batch)
	keys := make([]K, 0, len(deltas))
	for _, d := range deltas {
		keys = append(keys, d.Key)
	}
	leftSnap := j.fetchLeft(ctx, keys)
	joined := dataflow.JoinOp[K, L, R](nil, nil, deltas, leftSnap, j.kind)
	j.applyAndNotify(joined)
}

func (j *JoinView[K, L, R]) applyAndNotify(deltas []dataflow.Delta[K, dataflow.Joined[L, R]]) {
	consolidated := dataflow.Consolidate(deltas, valueKey[dataflow.Joined[L, R]])
	out := dataflow.ToChanges(consolidated)
	if len(out) == 0 {
		return
	}
	j.mu.Lock()
	for _, ch := range out {
		switch ch.Type {
		case change.Insert, change.Update:
			j.state[ch.Key] = ch.Value
		case change.Delete:
			delete(j.state, ch.Key)
		}
	}
	subs := make([]func([]change.Change[K, dataflow.Joined[L, R]]), 0, len(j.subs))
	for _, cb := range j.subs {
		subs = append(subs, cb)
	}
	j.mu.Unlock()
	for _, cb := range subs {
		cb(out)
	}
}

func (j *JoinView[K, L, R]) Get(k K) (dataflow.Joined[L, R], bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	v, ok := j.state[k]
	return v, ok
}

func (j *JoinView[K, L, R]) Has(k K) bool { _, ok := j.Get(k); return ok }

func (j *JoinView[K, L, R]) Entries() map[K]dataflow.Joined[L, R] {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make(map[K]dataflow.Joined[L, R], len(j.state))
	for k, v := range j.state {
		out[k] = v
	}
	return out
}

func (j *JoinView[K, L, R]) Size() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.state)
}

func (j *JoinView[K, L, R]) Status() collection.Status { return collection.Status(j.status.Load()) }

func (j *JoinView[K, L, R]) SubscribeChanges(cb func([]change.Change[K, dataflow.Joined[L, R]]), opts collection.SubscribeOptions) collection.Unsubscribe {
	j.mu.Lock()
	id := j.nextID
	j.nextID++
	j.subs[id] = cb
	var initial []change.Change[K, dataflow.Joined[L, R]]
	if opts.IncludeInitialState {
		for k, v := range j.state {
			initial = append(initial, change.Change[K, dataflow.Joined[L, R]]{Type: change.Insert, Key: k, Value: v})
		}
	}
	j.mu.Unlock()
	if len(initial) > 0 {
		go cb(initial)
	}
	return func() {
		j.mu.Lock()
		delete(j.subs, id)
		j.mu.Unlock()
	}
}

func (j *JoinView[K, L, R]) Cleanup() {
	j.mu.Lock()
	ul, ur := j.unsubLeft, j.unsubRight
	j.unsubLeft, j.unsubRight = nil, nil
	j.state = make(map[K]dataflow.Joined[L, R])
	j.subs = make(map[int64]func([]change.Change[K, dataflow.Joined[L, R]]))
	j.mu.Unlock()
	if ul != nil {
		ul()
	}
	if ur != nil {
		ur()
	}
	j.status.Store(int32(collection.StatusCleanedUp))
}
