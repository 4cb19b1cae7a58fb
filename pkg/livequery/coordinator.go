// Package livequery wires a compiled query into a running view: it
// subscribes to its source collection(s), runs each incoming change batch
// through the dataflow operators the query compiled to, and republishes
// the result as something that is itself collection.Like, so a live query
// can feed another live query exactly the way a base collection can
// (spec.md §5, §9).
package livequery

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/atomic"

	"github.com/block/reactivedb/pkg/change"
	"github.com/block/reactivedb/pkg/collection"
	"github.com/block/reactivedb/pkg/dataflow"
	"github.com/block/reactivedb/pkg/index"
)

// Coordinator runs a filter/project pipeline over one upstream
// collection.Like source and exposes the result as a collection.Like in
// its own right.
type Coordinator[K comparable, In, Out any] struct {
	source collection.Like[K, In]
	filter func(In) bool
	project func(In) Out
	singleOnly bool

	mu     sync.Mutex
	state  map[K]Out
	subs   map[int64]func([]change.Change[K, Out])
	nextID int64

	status atomic.Int32
	unsub  collection.Unsubscribe
}

// New builds a Coordinator. filter and project may be nil, meaning "pass
// through"/"identity", respectively.
func New[K comparable, In, Out any](source collection.Like[K, In], filter func(In) bool, project func(In) Out, singleOnly bool) *Coordinator[K, In, Out] {
	return &Coordinator[K, In, Out]{
		source:     source,
		filter:     filter,
		project:    project,
		singleOnly: singleOnly,
		state:      make(map[K]Out),
		subs:       make(map[int64]func([]change.Change[K, Out])),
	}
}

func (c *Coordinator[K, In, Out]) passesFilter(v In) bool {
	if c.filter == nil {
		return true
	}
	return c.filter(v)
}

func (c *Coordinator[K, In, Out]) projectValue(v In) Out {
	if c.project == nil {
		var out any = v
		return out.(Out)
	}
	return c.project(v)
}

// StartSync begins driving this view from its source: it starts the
// source's own sync (idempotent if already running) and subscribes to
// its change stream, translating each batch into the view's own output
// space.
func (c *Coordinator[K, In, Out]) StartSync(ctx context.Context) error {
	c.status.Store(int32(collection.StatusLoading))
	if err := c.source.StartSync(ctx); err != nil {
		c.status.Store(int32(collection.StatusError))
		return err
	}
	c.unsub = c.source.SubscribeChanges(c.onSourceChanges, collection.SubscribeOptions{IncludeInitialState: true})
	c.status.Store(int32(collection.StatusReady))
	return nil
}

func (c *Coordinator[K, In, Out]) onSourceChanges(batch []change.Change[K, In]) {
	deltasIn := dataflow.FromChanges(batch)
	filtered := dataflow.FilterOp(deltasIn, c.passesFilter)
	projected := dataflow.MapOp(filtered, c.projectValue)
	consolidated := dataflow.Consolidate(projected, valueKey[Out])
	out := dataflow.ToChanges(consolidated)
	if len(out) == 0 {
		return
	}

	c.mu.Lock()
	for _, ch := range out {
		switch ch.Type {
		case change.Insert, change.Update:
			c.state[ch.Key] = ch.Value
		case change.Delete:
			delete(c.state, ch.Key)
		}
	}
	if c.singleOnly && len(c.state) > 1 {
		// findOne semantics: keep exactly one row, evicting the rest. The
		// kept row is whichever the map iterates first; callers needing a
		// deterministic winner should add an OrderBy + Limit(1) instead.
		kept := false
		for k := range c.state {
			if !kept {
				kept = true
				continue
			}
			delete(c.state, k)
		}
	}
	subs := make([]func([]change.Change[K, Out]), 0, len(c.subs))
	for _, cb := range c.subs {
		subs = append(subs, cb)
	}
	c.mu.Unlock()

	for _, cb := range subs {
		cb(out)
	}
}

func (c *Coordinator[K, In, Out]) Get(k K) (Out, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.state[k]
	return v, ok
}

func (c *Coordinator[K, In, Out]) Has(k K) bool {
	_, ok := c.Get(k)
	return ok
}

func (c *Coordinator[K, In, Out]) Entries() map[K]Out {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[K]Out, len(c.state))
	for k, v := range c.state {
		out[k] = v
	}
	return out
}

func (c *Coordinator[K, In, Out]) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.state)
}

func (c *Coordinator[K, In, Out]) Status() collection.Status {
	return collection.Status(c.status.Load())
}

func (c *Coordinator[K, In, Out]) SubscribeChanges(cb func([]change.Change[K, Out]), opts collection.SubscribeOptions) collection.Unsubscribe {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.subs[id] = cb
	var initial []change.Change[K, Out]
	if opts.IncludeInitialState {
		for k, v := range c.state {
			initial = append(initial, change.Change[K, Out]{Type: change.Insert, Key: k, Value: v})
		}
	}
	c.mu.Unlock()

	if len(initial) > 0 {
		go cb(initial)
	}
	return func() {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
	}
}

// Cleanup tears the view down: it unsubscribes from its source (the
// source itself is left running, since other views or callers may still
// depend on it) and resets to idle.
func (c *Coordinator[K, In, Out]) Cleanup() {
	c.mu.Lock()
	unsub := c.unsub
	c.unsub = nil
	c.state = make(map[K]Out)
	c.subs = make(map[int64]func([]change.Change[K, Out]))
	c.mu.Unlock()
	if unsub != nil {
		unsub()
	}
	c.status.Store(int32(collection.StatusCleanedUp))
}

// FetchSnapshot proxies to the upstream source, projecting each returned
// record, so a downstream progressive-mode join can read through a
// filter/project view without waiting for it to reach Ready (spec.md §9).
func (c *Coordinator[K, In, Out]) FetchSnapshot(ctx context.Context, keys []K) (map[K]Out, error) {
	type snapshotSource[K comparable, V any] interface {
		FetchSnapshot(ctx context.Context, keys []K) (map[K]V, error)
	}
	ss, ok := c.source.(snapshotSource[K, In])
	if !ok {
		return map[K]Out{}, nil
	}
	raw, err := ss.FetchSnapshot(ctx, keys)
	if err != nil {
		return nil, err
	}
	out := make(map[K]Out, len(raw))
	for k, v := range raw {
		if !c.passesFilter(v) {
			continue
		}
		out[k] = c.projectValue(v)
	}
	return out, nil
}

// IndexForField forwards to the upstream source's own IndexForField, if
// it has one, so a compiled query view can still probe a base
// collection's secondary index through a filter/project Coordinator
// layered in between (spec.md §4.4's bounded-lookup path).
func (c *Coordinator[K, In, Out]) IndexForField(field string) (index.Index[K], bool) {
	type fieldIndexed interface {
		IndexForField(field string) (index.Index[K], bool)
	}
	fi, ok := c.source.(fieldIndexed)
	if !ok {
		return nil, false
	}
	return fi.IndexForField(field)
}

// valueKey distinguishes distinct values under the same row key so
// Consolidate doesn't cancel an update's retraction against its
// insertion: a type implementing LiveQueryKey controls its own identity,
// otherwise the value's formatted representation is used.
func valueKey[V any](v V) string {
	type keyer interface{ LiveQueryKey() string }
	if k, ok := any(v).(keyer); ok {
		return k.LiveQueryKey()
	}
	return fmt.Sprintf("%+v", v)
}
