// Package consul implements the kv interface on top of the consul KV API.
package consul

import (
	"net/url"
	"strings"
	"time"

	consul "github.com/hashicorp/consul/api"
	"github.com/kelpieio/kelpie/pkg/kv"
)

func init() {
	kv.Register("consul", New)
}

type ckv struct {
	c      *consul.KV
	client *consul.Client
	config *consul.Config
}

// New instantiates a consul kv implementation.
// The parameter addr may be the empty string or a valid URL.
// If addr is not empty it must be a valid URL with schemes http, https or
// consul; consul is synonymous with http. If addr is the empty string the
// consul client will connect to the default address, which may be influenced
// by the environment.
func New(addr string) (kv.KV, error) {
	config := consul.DefaultConfig()
	if addr == "" {
		addr = config.Scheme + "://" + config.Address
	} else {
		u, err := url.Parse(addr)
		if err != nil {
			return nil, err
		}

		if u.Scheme != "consul" {
			config.Scheme = u.Scheme
		}
		config.Address = u.Host
	}

	client, err := consul.NewClient(config)
	if err != nil {
		return nil, err
	}

	return &ckv{c: client.KV(), client: client, config: config}, nil
}

// consul keys have no leading slash
func ckey(key string) string {
	return strings.TrimPrefix(key, "/")
}

func (c *ckv) Delete(key string, recurse bool) error {
	var err error
	if recurse {
		_, err = c.c.DeleteTree(ckey(key), nil)
	} else {
		_, err = c.c.Delete(ckey(key), nil)
	}
	return err
}

func (c *ckv) Get(key string) (kv.Value, error) {
	kvp, _, err := c.c.Get(ckey(key), nil)
	if err != nil {
		return kv.Value{}, err
	}
	if kvp == nil || kvp.Value == nil {
		return kv.Value{}, kv.ErrKeyNotFound
	}
	return kv.Value{Data: kvp.Value, Index: kvp.ModifyIndex}, nil
}

func (c *ckv) GetAll(prefix string) (map[string]kv.Value, error) {
	pairs, _, err := c.c.List(ckey(prefix), nil)
	if err != nil {
		return nil, err
	}
	many := make(map[string]kv.Value, len(pairs))
	for _, kvp := range pairs {
		many[kvp.Key] = kv.Value{Data: kvp.Value, Index: kvp.ModifyIndex}
	}
	return many, nil
}

func (c *ckv) Keys(prefix string) ([]string, error) {
	p := ckey(prefix)
	if !strings.HasSuffix(p, "/") {
		p += "/"
	}
	keys, _, err := c.c.Keys(p, "/", nil)
	return keys, err
}

func (c *ckv) Set(key, value string) error {
	_, err := c.c.Put(&consul.KVPair{Key: ckey(key), Value: []byte(value)}, nil)
	return err
}

func (c *ckv) cas(key string, value kv.Value) error {
	kvp := consul.KVPair{
		Key:         ckey(key),
		Value:       value.Data,
		ModifyIndex: value.Index,
	}

	valid, _, err := c.c.CAS(&kvp, nil)
	if err != nil {
		return err
	}

	if !valid {
		if value.Index == 0 {
			return kv.ErrKeyExists
		}
		return kv.ErrCASFailed
	}

	return nil
}

// Create sets the key only if it does not already exist. Consul models this
// as a CAS with ModifyIndex 0.
func (c *ckv) Create(key, value string) (uint64, error) {
	return c.Update(key, kv.Value{Data: []byte(value), Index: 0})
}

// Update is racy with other modifiers since the consul KV API does not return
// the new modified index. See https://github.com/hashicorp/consul/issues/304
func (c *ckv) Update(key string, value kv.Value) (uint64, error) {
	if err := c.cas(key, value); err != nil {
		return 0, err
	}

	v, err := c.Get(key)
	return v.Index, err
}

func (c *ckv) Remove(key string, index uint64) error {
	ok, _, err := c.c.DeleteCAS(&consul.KVPair{Key: ckey(key), ModifyIndex: index}, nil)
	if err != nil {
		return err
	}

	if !ok {
		err = kv.ErrCASFailed
	}

	return err
}

func (c *ckv) IsKeyNotFound(err error) bool {
	return err == kv.ErrKeyNotFound
}

type lock struct {
	sessions *consul.Session
	kv       *consul.KV
	session  string
	key      string
}

// Lock acquires a session-backed lock on key. A failed acquisition returns
// kv.ErrLockHeld; callers wanting to wait retry at their own cadence.
func (c *ckv) Lock(key string, ttl time.Duration) (kv.Lock, error) {
	sEntry := &consul.SessionEntry{
		TTL:      ttl.String(),
		Behavior: consul.SessionBehaviorRelease,
	}

	session, _, err := c.client.Session().Create(sEntry, nil)
	if err != nil {
		return nil, err
	}

	ok, _, err := c.c.Acquire(&consul.KVPair{Key: ckey(key), Session: session}, nil)
	if err != nil {
		return nil, err
	}
	if !ok {
		_, _ = c.client.Session().Destroy(session, nil)
		return nil, kv.ErrLockHeld
	}

	return &lock{
		sessions: c.client.Session(),
		kv:       c.c,
		session:  session,
		key:      ckey(key),
	}, nil
}

func (l *lock) Renew() error {
	entry, _, err := l.sessions.Renew(l.session, nil)
	if err != nil {
		return err
	}
	if entry == nil {
		return kv.ErrLockLost
	}
	return nil
}

func (l *lock) Unlock() error {
	if err := l.Renew(); err != nil {
		return err
	}
	ok, _, err := l.kv.Release(&consul.KVPair{Key: l.key, Session: l.session}, nil)
	if err != nil {
		return err
	}
	if !ok {
		return kv.ErrLockLost
	}
	_, err = l.sessions.Destroy(l.session, nil)
	return err
}

// Ping verifies communication with the cluster
func (c *ckv) Ping() error {
	_, err := c.client.Agent().NodeName()
	return err
}
