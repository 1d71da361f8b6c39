// Package kv abstracts the distributed key value store backing the
// orchestrator. Implementations register themselves by URL scheme and are
// selected with New.
package kv

import (
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"
)

// Errors shared by all implementations so callers can test conditions
// without knowing the backend.
var (
	ErrKeyNotFound = errors.New("key not found")
	ErrKeyExists   = errors.New("key already exists")
	ErrCASFailed   = errors.New("cas failed")
	ErrLockHeld    = errors.New("lock held by another client")
	ErrLockLost    = errors.New("lock not held")
)

// Value is the data and modification index of a key.
type Value struct {
	Data  []byte
	Index uint64
}

var register = struct {
	sync.RWMutex
	kvs map[string]func(string) (KV, error)
}{
	kvs: map[string]func(string) (KV, error){},
}

// Register is called by KV implementors to register their scheme to be used
// with New
func Register(name string, fn func(string) (KV, error)) {
	register.Lock()
	defer register.Unlock()

	if _, dup := register.kvs[name]; dup {
		panic("kv: Register called twice for " + name)
	}
	register.kvs[name] = fn
}

// New will return a KV implementation according to the connection string addr.
// addr is a URL where the scheme is used to determine which kv implementation
// to return. The special `http` and `https` schemes are deemed generic, the
// first implementation that supports them will be returned.
func New(addr string) (KV, error) {
	u, err := url.Parse(addr)
	if err != nil {
		return nil, err
	}

	register.RLock()
	defer register.RUnlock()

	fn := register.kvs[u.Scheme]
	if fn != nil {
		return fn(addr)
	} else if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unknown kv store %s (forgotten import?)", u.Scheme)
	}

	for _, constructor := range register.kvs {
		kv, err := constructor(addr)
		if err != nil {
			return nil, err
		}
		if kv != nil {
			return kv, nil
		}
	}
	return nil, fmt.Errorf("unknown kv store")
}

// KV is the interface for distributed key value store interaction
type KV interface {
	Delete(key string, recurse bool) error
	Get(key string) (Value, error)
	GetAll(prefix string) (map[string]Value, error)
	Keys(prefix string) ([]string, error)
	Set(key, value string) error

	// Atomic operations
	// Create sets key=value only if the key does not already exist and
	// returns the new modification index
	Create(key, value string) (uint64, error)
	// Update will set key=value while ensuring that newer values are not
	// clobbered
	Update(key string, value Value) (uint64, error)
	// Remove will delete key only if it has not been modified since index
	Remove(key string, index uint64) error

	// IsKeyNotFound is a helper to determine if the error is a key not
	// found error
	IsKeyNotFound(err error) bool

	// Lock attempts a single acquisition of a ttl'd lock on key
	Lock(key string, ttl time.Duration) (Lock, error)

	// Ping verifies communication with the cluster
	Ping() error
}

// Lock is a held lock on a key
type Lock interface {
	// Renew extends the lock, erroring if it has been lost
	Renew() error
	// Unlock releases the lock
	Unlock() error
}
