package conversations

import (
	"context"
	"sync"
)

// convLock is a fair FIFO mutex for one conversation name. Waiters
// queue in arrival order and the lock is handed directly to the head
// waiter on release, so a stream of fast lockers cannot starve an
// earlier arrival.
type convLock struct {
	mu      sync.Mutex
	held    bool
	waiters []chan struct{}
}

// acquire blocks until the lock is held or ctx is done.
func (l *convLock) acquire(ctx context.Context) error {
	l.mu.Lock()
	if !l.held {
		l.held = true
		l.mu.Unlock()
		return nil
	}

	ticket := make(chan struct{})
	l.waiters = append(l.waiters, ticket)
	l.mu.Unlock()

	select {
	case <-ticket:
		// Direct handoff: release left held=true for us.
		return nil
	case <-ctx.Done():
		l.mu.Lock()
		for i, w := range l.waiters {
			if w == ticket {
				l.waiters = append(l.waiters[:i], l.waiters[i+1:]...)
				l.mu.Unlock()
				return ctx.Err()
			}
		}
		// The handoff raced our cancellation; we own the lock now and
		// must pass it on before reporting the cancel.
		l.releaseLocked()
		l.mu.Unlock()
		return ctx.Err()
	}
}

// tryAcquire takes the lock only if it is free with no waiters.
func (l *convLock) tryAcquire() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held || len(l.waiters) > 0 {
		return false
	}
	l.held = true
	return true
}

// release hands the lock to the head waiter, or frees it.
func (l *convLock) release() {
	l.mu.Lock()
	l.releaseLocked()
	l.mu.Unlock()
}

func (l *convLock) releaseLocked() {
	if len(l.waiters) > 0 {
		head := l.waiters[0]
		l.waiters = l.waiters[1:]
		close(head)
		// held stays true for the new owner.
		return
	}
	l.held = false
}

// busy reports whether the lock is held or contended.
func (l *convLock) busy() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held || len(l.waiters) > 0
}
