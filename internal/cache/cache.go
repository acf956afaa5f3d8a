package cache

import (
	"sync"

	"github.com/apache/arrow-go/v18/arrow"
)

// ColumnCache defines a cache of decoded columns keyed by block and name.
type ColumnCache interface {
	// Get retrieves a column. The caller owns one reference and must Release it.
	Get(key string) (arrow.Array, bool)
	// Put stores a column. The cache takes its own reference.
	Put(key string, arr arrow.Array)
	// Size returns the number of items in the cache.
	Size() int
	// Release drops every cached column.
	Release()
}

// MapCache is a simple in-memory implementation of ColumnCache.
type MapCache struct {
	data map[string]arrow.Array
	mu   sync.RWMutex
}

var _ ColumnCache = (*MapCache)(nil)

func NewMapCache() *MapCache {
	return &MapCache{
		data: make(map[string]arrow.Array),
	}
}

func (c *MapCache) Get(key string) (arrow.Array, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if v, ok := c.data[key]; ok {
		v.Retain()
		return v, true
	}
	return nil, false
}

func (c *MapCache) Put(key string, arr arrow.Array) {
	c.mu.Lock()
	defer c.mu.Unlock()

	arr.Retain()
	if old, ok := c.data[key]; ok {
		old.Release()
	}
	c.data[key] = arr
}

func (c *MapCache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.data)
}

func (c *MapCache) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for k, v := range c.data {
		v.Release()
		delete(c.data, k)
	}
}
