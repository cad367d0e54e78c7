package apply

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// keyedLock hands out one single-slot semaphore per key. Acquire waits up to
// the given timeout; a holder that never releases would otherwise let two
// apply operations interleave reads and writes of the same settings and
// corrupt the ledger's old/new pairs.
type keyedLock struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
}

func newKeyedLock() *keyedLock {
	return &keyedLock{slots: make(map[string]chan struct{})}
}

func (l *keyedLock) slot(key string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()

	ch, ok := l.slots[key]
	if !ok {
		ch = make(chan struct{}, 1)
		ch <- struct{}{}
		l.slots[key] = ch
	}
	return ch
}

// Acquire obtains the lock for key, waiting at most timeout. The returned
// release function must be called exactly once.
func (l *keyedLock) Acquire(ctx context.Context, key string, timeout time.Duration) (func(), error) {
	ch := l.slot(key)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ch:
		release := func() {
			select {
			case ch <- struct{}{}:
			default:
				// The slot already holds its token, so this release has
				// no matching acquire.
				panic(fmt.Sprintf("release of unheld lock %q", key))
			}
		}
		return release, nil
	case <-timer.C:
		return nil, fmt.Errorf("%w: %q held for more than %s", ErrLockTimeout, key, timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
