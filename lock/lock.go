/*
Package lock serializes work on a named resource across goroutines or
processes.

PURPOSE:
  Two bulk settlements over the same lots must not interleave their reads and
  writes. The store's guarded writes already make the loser fail safely; the
  lock makes the loser wait its turn instead of failing.

IMPLEMENTATIONS:
  - LocalLocker: in-process, for a single server and for tests
  - RedisLocker: github.com/bsm/redislock over go-redis, for several servers

A lock that cannot be obtained within the wait time returns ErrNotObtained,
which unwraps to finance.ErrConcurrentModification.
*/
package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/coffeeops/finance-engine/finance"
)

// ErrNotObtained is returned when the lock is still held after the wait time.
var ErrNotObtained = fmt.Errorf("lock not obtained: %w", finance.ErrConcurrentModification)

// CashBalance is the key held around every read-modify-write of the cash singleton.
const CashBalance = "cash_balance"

// Locker obtains exclusive leases on keys.
type Locker interface {
	Obtain(ctx context.Context, key string) (Lease, error)
}

// Lease is a held lock.
type Lease interface {
	Release(ctx context.Context) error
}

// =============================================================================
// LOCAL LOCKER
// =============================================================================

// LocalLocker is an in-process Locker.
type LocalLocker struct {
	// Wait bounds how long Obtain blocks. Zero waits until ctx is done.
	Wait time.Duration

	mu   sync.Mutex
	held map[string]chan struct{}
}

func NewLocalLocker(wait time.Duration) *LocalLocker {
	return &LocalLocker{Wait: wait, held: make(map[string]chan struct{})}
}

func (l *LocalLocker) Obtain(ctx context.Context, key string) (Lease, error) {
	if l.Wait > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.Wait)
		defer cancel()
	}

	for {
		l.mu.Lock()
		if l.held == nil {
			l.held = make(map[string]chan struct{})
		}
		released, busy := l.held[key]
		if !busy {
			ch := make(chan struct{})
			l.held[key] = ch
			l.mu.Unlock()
			return &localLease{locker: l, key: key, ch: ch}, nil
		}
		l.mu.Unlock()

		select {
		case <-released:
		case <-ctx.Done():
			return nil, ErrNotObtained
		}
	}
}

type localLease struct {
	locker *LocalLocker
	key    string
	ch     chan struct{}
	once   sync.Once
}

func (ll *localLease) Release(_ context.Context) error {
	ll.once.Do(func() {
		ll.locker.mu.Lock()
		if ll.locker.held[ll.key] == ll.ch {
			delete(ll.locker.held, ll.key)
		}
		ll.locker.mu.Unlock()
		close(ll.ch)
	})
	return nil
}
