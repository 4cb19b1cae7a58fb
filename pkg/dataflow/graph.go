package dataflow

import (
	"github.com/VividCortex/ewma"

	"github.com/block/reactivedb/pkg/rdberrors"
)

// Stage runs one step of a compiled graph against the current batch,
// returning the next batch to feed downstream (or to recycle back into
// this same stage, for operators with a fixpoint such as transitive
// closures built from repeated Distinct/Reduce application).
type Stage func(batch []any) []any

// IterationTracker records how many fixpoint iterations each operator in
// a graph needed per run and keeps a decaying average, following the
// teacher's chunker-size feedback pattern: iteration counts settle into a
// steady state once a view's shape stabilizes, and the average lets a
// caller size reusable buffers instead of guessing.
type IterationTracker struct {
	avg   map[string]ewma.MovingAverage
	limit int
}

// NewIterationTracker builds a tracker that enforces limit iterations per
// operator before giving up with rdberrors.IterationLimitExceeded.
func NewIterationTracker(limit int) *IterationTracker {
	if limit <= 0 {
		limit = 1000
	}
	return &IterationTracker{avg: make(map[string]ewma.MovingAverage), limit: limit}
}

func (t *IterationTracker) averageFor(operatorID string) ewma.MovingAverage {
	a, ok := t.avg[operatorID]
	if !ok {
		a = ewma.NewMovingAverage()
		t.avg[operatorID] = a
	}
	return a
}

// Average returns the decaying average iteration count observed so far
// for operatorID, or 0 if it has never run.
func (t *IterationTracker) Average(operatorID string) float64 {
	a, ok := t.avg[operatorID]
	if !ok {
		return 0
	}
	return a.Value()
}

// RunToFixpoint repeatedly applies step until it reports no further
// change (step returns false), recording the iteration count against
// operatorID. It fails closed with IterationLimitExceeded rather than
// spinning forever on an operator graph that never converges.
func RunToFixpoint(tracker *IterationTracker, operatorID string, step func(iteration int) (more bool)) error {
	perOperator := map[string]int{}
	i := 0
	for {
		if i >= tracker.limit {
			perOperator[operatorID] = i
			return rdberrors.NewIterationLimitExceeded(tracker.limit, perOperator)
		}
		more := step(i)
		i++
		if !more {
			break
		}
	}
	tracker.averageFor(operatorID).Add(float64(i))
	return nil
}
