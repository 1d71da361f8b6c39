// Package lock provides named mutual-exclusion locks on top of the kv store.
// Acquisition is bounded: a fixed number of attempts separated by a fixed
// delay, after which ErrLockTimeout is returned. Holders must Release on
// every exit path; Refresh extends the ttl of long critical sections.
package lock

import (
	"errors"
	"time"

	"github.com/kelpieio/kelpie/pkg/kv"
)

var (
	// ErrLockTimeout signifies the lock could not be acquired within the
	// attempt budget
	ErrLockTimeout = errors.New("lock acquisition timed out")
	// ErrLockNotHeld signifies an attempt to operate on a released/lost lock
	ErrLockNotHeld = errors.New("lock not held")
)

// Lock is a named lock in the kv store
type Lock struct {
	inner kv.Lock
	key   string
	held  bool
}

// Acquire attempts a single acquisition of the named lock.
func Acquire(store kv.KV, key string, ttl time.Duration) (*Lock, error) {
	inner, err := store.Lock(key, ttl)
	if err != nil {
		return nil, err
	}
	return &Lock{inner: inner, key: key, held: true}, nil
}

// WaitAcquire attempts to acquire the named lock up to attempts times,
// sleeping delay between tries. It returns ErrLockTimeout once the budget is
// exhausted; other store errors are returned immediately.
func WaitAcquire(store kv.KV, key string, ttl time.Duration, attempts int, delay time.Duration) (*Lock, error) {
	if attempts < 1 {
		attempts = 1
	}
	for i := 0; i < attempts; i++ {
		l, err := Acquire(store, key, ttl)
		if err == nil {
			return l, nil
		}
		if err != kv.ErrLockHeld {
			return nil, err
		}
		if i < attempts-1 {
			time.Sleep(delay)
		}
	}
	return nil, ErrLockTimeout
}

// Key returns the lock's key.
func (l *Lock) Key() string {
	return l.key
}

// Refresh will refresh the lock. An error is returned if the lock was lost,
// likely due to ttl expiration.
func (l *Lock) Refresh() error {
	if !l.held {
		return ErrLockNotHeld
	}
	if err := l.inner.Renew(); err != nil {
		l.held = false
		return err
	}
	return nil
}

// Release will release the lock. Releasing an already-released lock is a
// no-op so it is safe to defer unconditionally.
func (l *Lock) Release() error {
	if !l.held {
		return nil
	}
	l.held = false
	return l.inner.Unlock()
}
