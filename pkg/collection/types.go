package collection

import (
	"context"

	"github.com/block/reactivedb/pkg/change"
)

// Status is the collection state machine from spec.md §4.1.
type Status int32

const (
	StatusIdle Status = iota
	StatusLoading
	StatusInitialCommit
	StatusReady
	StatusError
	StatusCleanedUp
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusLoading:
		return "loading"
	case StatusInitialCommit:
		return "initialCommit"
	case StatusReady:
		return "ready"
	case StatusError:
		return "error"
	case StatusCleanedUp:
		return "cleaned-up"
	default:
		return "unknown"
	}
}

// Feed is handed to a Source so it can deliver begin/write/commit batches,
// declare readiness, and truncate synced state, per spec.md §6.
type Feed[K comparable, V any] interface {
	Begin()
	Write(typ change.Type, value V, previousValue *V)
	Commit()
	MarkReady()
	Truncate()
}

// Source is the external sync adapter contract from spec.md §6. FetchSnapshot
// is the only way a progressive-mode join may read authoritative state
// while the source buffers its initial sync; the engine never calls a
// post-ready "request snapshot" path (spec.md §9 open note).
type Source[K comparable, V any] interface {
	Run(ctx context.Context, feed Feed[K, V]) error
	FetchSnapshot(ctx context.Context, keys []K) (map[K]V, error)
}

// OptimisticInfo reports whether a key currently carries pending
// optimistic mutations, per the getOptimisticInfo operation in spec.md §4.1.
type OptimisticInfo struct {
	IsOptimistic bool
	Mutations    int
}

// Like is the capability set spec.md §9 says the core depends on instead
// of inheritance: anything "collection-like" — a Collection or a
// live-query output — satisfies it.
type Like[K comparable, V any] interface {
	Get(k K) (V, bool)
	Has(k K) bool
	Entries() map[K]V
	Size() int
	SubscribeChanges(cb func([]change.Change[K, V]), opts SubscribeOptions) Unsubscribe
	Status() Status
	StartSync(ctx context.Context) error
	Cleanup()
}

// SubscribeOptions configures subscribeChanges.
type SubscribeOptions struct {
	IncludeInitialState bool
}

// Unsubscribe guarantees no further callback once called.
type Unsubscribe func()
