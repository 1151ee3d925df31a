// Package cache provides bounded caches and a pool of read-only index
// handles.
package cache

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/singleflight"
)

var CounterRequests = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "sheetsmith_cache",
		Name:      "requests_total",
		Help:      "Cache lookups by cache and result.",
	},
	[]string{
		"cache",
		"result",
	},
)

func init() {
	prometheus.MustRegister(CounterRequests)
}

// Cache is a size-bounded cache with least-recently-used eviction.
type Cache[K comparable, V any] struct {
	name   string
	lru    *lru.Cache[K, V]
	hits   prometheus.Counter
	misses prometheus.Counter
	group  singleflight.Group
}

// New creates a cache holding at most size entries. name labels its metrics.
func New[K comparable, V any](name string, size int) (*Cache[K, V], error) {
	l, err := lru.New[K, V](size)
	if err != nil {
		return nil, fmt.Errorf("create %s cache: %w", name, err)
	}
	return &Cache[K, V]{
		name:   name,
		lru:    l,
		hits:   CounterRequests.WithLabelValues(name, "hit"),
		misses: CounterRequests.WithLabelValues(name, "miss"),
	}, nil
}

func (c *Cache[K, V]) Get(key K) (V, bool) {
	v, ok := c.lru.Get(key)
	if ok {
		c.hits.Inc()
	} else {
		c.misses.Inc()
	}
	return v, ok
}

func (c *Cache[K, V]) Add(key K, value V) {
	c.lru.Add(key, value)
}

// GetOrLoad returns the cached value for key, calling load on a miss.
// Concurrent misses for the same key share one load. Failed loads are not
// cached.
func (c *Cache[K, V]) GetOrLoad(key K, load func() (V, error)) (V, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}
	res, err, _ := c.group.Do(fmt.Sprint(key), func() (interface{}, error) {
		if v, ok := c.lru.Peek(key); ok {
			return v, nil
		}
		v, err := load()
		if err != nil {
			return v, err
		}
		c.lru.Add(key, v)
		return v, nil
	})
	if err != nil {
		var zero V
		return zero, err
	}
	return res.(V), nil
}

func (c *Cache[K, V]) Remove(key K) {
	c.lru.Remove(key)
}

// RemoveFunc drops every entry whose key matches pred and returns how many
// were dropped.
func (c *Cache[K, V]) RemoveFunc(pred func(K) bool) int {
	n := 0
	for _, k := range c.lru.Keys() {
		if pred(k) {
			if c.lru.Remove(k) {
				n++
			}
		}
	}
	return n
}

func (c *Cache[K, V]) Purge() {
	c.lru.Purge()
}

func (c *Cache[K, V]) Len() int {
	return c.lru.Len()
}
