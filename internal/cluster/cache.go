package cluster

import (
	"context"
	"errors"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
)

// ErrKeyExists is returned by Cache.AddIfAbsent when the key is already
// present — the memcached-shaped equivalent of memcache.ErrNotStored.
var ErrKeyExists = errors.New("cluster: key already exists")

// ErrKeyNotFound is returned by Cache.Get for a key that is absent or has
// expired.
var ErrKeyNotFound = errors.New("cluster: key not found")

// Cache is the minimal memcached-shaped surface the cluster lock and
// prepared-statement pool need. It exists so tests can swap in an in-memory
// fake instead of a live memcached instance.
type Cache interface {
	// Get returns the value stored under key, or ErrKeyNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	// AddIfAbsent stores value under key with the given TTL only if key does
	// not already exist, returning ErrKeyExists otherwise.
	AddIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Delete removes key. It is not an error for key to be absent.
	Delete(ctx context.Context, key string) error
	// Increment atomically adds delta to the numeric value stored under key.
	Increment(ctx context.Context, key string, delta uint64) (uint64, error)
}

// MemcacheClient adapts *memcache.Client to the Cache interface.
type MemcacheClient struct {
	client *memcache.Client
}

// NewMemcacheClient dials the given memcached servers.
func NewMemcacheClient(servers ...string) *MemcacheClient {
	return &MemcacheClient{client: memcache.New(servers...)}
}

func (c *MemcacheClient) Get(ctx context.Context, key string) ([]byte, error) {
	item, err := c.client.Get(key)
	if errors.Is(err, memcache.ErrCacheMiss) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, err
	}
	return item.Value, nil
}

func (c *MemcacheClient) AddIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	err := c.client.Add(&memcache.Item{
		Key:        key,
		Value:      value,
		Expiration: int32(ttl.Seconds()),
	})
	if errors.Is(err, memcache.ErrNotStored) {
		return ErrKeyExists
	}
	return err
}

func (c *MemcacheClient) Delete(ctx context.Context, key string) error {
	err := c.client.Delete(key)
	if errors.Is(err, memcache.ErrCacheMiss) {
		return nil
	}
	return err
}

func (c *MemcacheClient) Increment(ctx context.Context, key string, delta uint64) (uint64, error) {
	return c.client.Increment(key, delta)
}
