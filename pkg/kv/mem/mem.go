// Package mem implements the kv interface with an in-process map. It exists
// for tests and single-node development; the semantics (modification indexes,
// CAS, ttl'd locks) match the consul backend.
package mem

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kelpieio/kelpie/pkg/kv"
)

func init() {
	kv.Register("mem", New)
}

type mkv struct {
	mu    sync.Mutex
	index uint64
	data  map[string]kv.Value
	locks map[string]*memLock
}

// New instantiates an in-memory kv. The addr argument is ignored beyond
// scheme selection.
func New(addr string) (kv.KV, error) {
	return &mkv{
		data:  map[string]kv.Value{},
		locks: map[string]*memLock{},
	}, nil
}

func mkey(key string) string {
	return strings.TrimPrefix(key, "/")
}

func (m *mkv) next() uint64 {
	m.index++
	return m.index
}

func (m *mkv) Delete(key string, recurse bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key = mkey(key)
	if !recurse {
		if _, ok := m.data[key]; !ok {
			return kv.ErrKeyNotFound
		}
		delete(m.data, key)
		return nil
	}

	prefix := strings.TrimSuffix(key, "/") + "/"
	for k := range m.data {
		if k == key || strings.HasPrefix(k, prefix) {
			delete(m.data, k)
		}
	}
	return nil
}

func (m *mkv) Get(key string) (kv.Value, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.data[mkey(key)]
	if !ok {
		return kv.Value{}, kv.ErrKeyNotFound
	}
	return v, nil
}

func (m *mkv) GetAll(prefix string) (map[string]kv.Value, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	prefix = strings.TrimSuffix(mkey(prefix), "/") + "/"
	many := map[string]kv.Value{}
	for k, v := range m.data {
		if strings.HasPrefix(k, prefix) {
			many[k] = v
		}
	}
	return many, nil
}

// Keys lists the direct children of prefix, mirroring the consul separator
// behavior.
func (m *mkv) Keys(prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	prefix = strings.TrimSuffix(mkey(prefix), "/") + "/"
	seen := map[string]struct{}{}
	for k := range m.data {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		rest := strings.TrimPrefix(k, prefix)
		if i := strings.Index(rest, "/"); i >= 0 {
			rest = rest[:i+1]
		}
		seen[prefix+rest] = struct{}{}
	}

	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *mkv) Set(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.data[mkey(key)] = kv.Value{Data: []byte(value), Index: m.next()}
	return nil
}

func (m *mkv) Create(key, value string) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key = mkey(key)
	if _, ok := m.data[key]; ok {
		return 0, kv.ErrKeyExists
	}
	v := kv.Value{Data: []byte(value), Index: m.next()}
	m.data[key] = v
	return v.Index, nil
}

func (m *mkv) Update(key string, value kv.Value) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key = mkey(key)
	cur, ok := m.data[key]
	if value.Index == 0 {
		if ok {
			return 0, kv.ErrKeyExists
		}
	} else if !ok || cur.Index != value.Index {
		return 0, kv.ErrCASFailed
	}

	v := kv.Value{Data: value.Data, Index: m.next()}
	m.data[key] = v
	return v.Index, nil
}

func (m *mkv) Remove(key string, index uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key = mkey(key)
	cur, ok := m.data[key]
	if !ok || cur.Index != index {
		return kv.ErrCASFailed
	}
	delete(m.data, key)
	return nil
}

func (m *mkv) IsKeyNotFound(err error) bool {
	return err == kv.ErrKeyNotFound
}

type memLock struct {
	m        *mkv
	key      string
	deadline time.Time
	ttl      time.Duration
}

func (m *mkv) Lock(key string, ttl time.Duration) (kv.Lock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key = mkey(key)
	if l, ok := m.locks[key]; ok && time.Now().Before(l.deadline) {
		return nil, kv.ErrLockHeld
	}

	l := &memLock{m: m, key: key, ttl: ttl, deadline: time.Now().Add(ttl)}
	m.locks[key] = l
	return l, nil
}

func (l *memLock) Renew() error {
	l.m.mu.Lock()
	defer l.m.mu.Unlock()

	if l.m.locks[l.key] != l || !time.Now().Before(l.deadline) {
		return kv.ErrLockLost
	}
	l.deadline = time.Now().Add(l.ttl)
	return nil
}

func (l *memLock) Unlock() error {
	l.m.mu.Lock()
	defer l.m.mu.Unlock()

	if l.m.locks[l.key] != l {
		return kv.ErrLockLost
	}
	delete(l.m.locks, l.key)
	return nil
}

func (m *mkv) Ping() error {
	return nil
}
