package txn

import (
	"context"
	"sync"
)

// Deferred is a one-shot settle-once promise. It tolerates rejection (or
// resolution) happening before any caller attaches a waiter, per spec.md
// §9: closing the channel on settle means every later Wait call observes
// the outcome immediately instead of racing a callback registration.
type Deferred struct {
	mu       sync.Mutex
	done     chan struct{}
	settled  bool
	err      error
}

func newDeferred() *Deferred {
	return &Deferred{done: make(chan struct{})}
}

func (d *Deferred) settle(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.settled {
		return
	}
	d.settled = true
	d.err = err
	close(d.done)
}

// Wait blocks until the deferred settles or ctx is cancelled.
func (d *Deferred) Wait(ctx context.Context) error {
	select {
	case <-d.done:
		return d.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Settled reports whether the deferred has resolved or rejected, and its
// error if so (nil error with settled=true means it resolved).
func (d *Deferred) Settled() (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.settled, d.err
}
