package archive

import (
	"context"
	"sync"
)

// Lock is the per-repository mutual exclusion primitive. Every structural
// mutation (publish, retract, channel setup, tag propagation) runs under it
// so that filesystem, git and thread mutations appear atomic to each other.
// Waiters are woken in FIFO order.
type Lock struct {
	mu      sync.Mutex
	held    bool
	waiters []chan struct{}
}

// NewLock returns an unlocked Lock.
func NewLock() *Lock {
	return &Lock{}
}

// Acquire blocks until the lock is free or ctx is done. On ctx expiry the
// waiter is abandoned; if the lock is handed to it anyway the hand-off is
// forwarded to the next waiter.
func (l *Lock) Acquire(ctx context.Context) error {
	l.mu.Lock()
	if !l.held {
		l.held = true
		l.mu.Unlock()
		return nil
	}
	wait := make(chan struct{})
	l.waiters = append(l.waiters, wait)
	l.mu.Unlock()

	select {
	case <-wait:
		return nil
	case <-ctx.Done():
		l.mu.Lock()
		for i, w := range l.waiters {
			if w == wait {
				l.waiters = append(l.waiters[:i], l.waiters[i+1:]...)
				l.mu.Unlock()
				return ctx.Err()
			}
		}
		l.mu.Unlock()
		// Already dequeued by a concurrent Release; pass it on.
		<-wait
		l.Release()
		return ctx.Err()
	}
}

// Release hands the lock to the next waiter or marks it free. Releasing an
// unheld lock is a no-op.
func (l *Lock) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.waiters) > 0 {
		next := l.waiters[0]
		l.waiters = l.waiters[1:]
		close(next)
		return
	}
	l.held = false
}
