package dataflow

import "sort"

// TopKState holds a group's full candidate set and its currently emitted
// window, so that evicting the current Kth element can promote whichever
// candidate is next in order instead of requiring a rescan of the source
// collection (spec.md §9's flagged "topK delete-on-evict" scenario: the
// fix is to retain every candidate, ranked, not just the visible window).
type TopKState[K comparable, V any] struct {
	candidates map[K]V
	emitted    map[K]V
}

func NewTopKState[K comparable, V any]() *TopKState[K, V] {
	return &TopKState[K, V]{candidates: make(map[K]V), emitted: make(map[K]V)}
}

// TopKOp maintains the top N candidates (by less, ascending) within one
// group, starting at offset candidates into the ordered set, and returns
// the delta needed to bring a downstream view's visible window in line:
// when an emitted row is retracted, the most senior remaining candidate
// is promoted in the same delta batch, so a subscriber never observes a
// window one element short. offset <= 0 means "no skip" (page one).
func TopKOp[K comparable, V any](state *TopKState[K, V], in []Delta[K, V], n, offset int, less func(a, b V) bool) []Delta[K, V] {
	for _, d := range in {
		if d.Mult > 0 {
			state.candidates[d.Key] = d.Value
		} else if d.Mult < 0 {
			delete(state.candidates, d.Key)
		}
	}

	ordered := make([]K, 0, len(state.candidates))
	for k := range state.candidates {
		ordered = append(ordered, k)
	}
	sort.Slice(ordered, func(i, j int) bool {
		return less(state.candidates[ordered[i]], state.candidates[ordered[j]])
	})
	if offset > 0 {
		if offset >= len(ordered) {
			ordered = ordered[:0]
		} else {
			ordered = ordered[offset:]
		}
	}
	if n >= 0 && len(ordered) > n {
		ordered = ordered[:n]
	}
	wantEmit := make(map[K]struct{}, len(ordered))
	for _, k := range ordered {
		wantEmit[k] = struct{}{}
	}

	out := make([]Delta[K, V], 0)
	for k, emittedValue := range state.emitted {
		if _, stillWanted := wantEmit[k]; !stillWanted {
			// Retract using the value we emitted, even if the candidate
			// itself was just deleted above: the subscriber still holds
			// that row and needs the matching retraction, not a no-op.
			out = append(out, Delta[K, V]{Key: k, Value: emittedValue, Mult: -1})
			delete(state.emitted, k)
		}
	}
	for _, k := range ordered {
		if _, already := state.emitted[k]; !already {
			out = append(out, Delta[K, V]{Key: k, Value: state.candidates[k], Mult: 1})
			state.emitted[k] = state.candidates[k]
		}
	}
	return out
}
